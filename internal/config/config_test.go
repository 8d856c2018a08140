package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNewManagerDefaults(t *testing.T) {
	content := `
rpc:
    url: https://api.mainnet-beta.solana.com
`
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}

	m, err := NewManager(configPath)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	cfg := m.Get()
	if cfg.Breaker.Threshold != 3 {
		t.Errorf("Breaker.Threshold = %d, want 3", cfg.Breaker.Threshold)
	}
	if cfg.Breaker.WindowS != 60 {
		t.Errorf("Breaker.WindowS = %d, want 60", cfg.Breaker.WindowS)
	}
	if cfg.Trading.AutoExecute {
		t.Errorf("Trading.AutoExecute = true, want false by default")
	}
	if m.BreakerWindow() != 60*time.Second {
		t.Errorf("BreakerWindow() = %v, want 60s", m.BreakerWindow())
	}
}

func TestRESTPollIntervalDefaults(t *testing.T) {
	content := "rpc:\n    url: https://api.mainnet-beta.solana.com\n"
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	os.WriteFile(configPath, []byte(content), 0644)

	m, err := NewManager(configPath)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	// rest_poll_interval_s is unset, so the push-active default (15s) applies.
	if got := m.RESTPollInterval(true); got != 15*time.Second {
		t.Errorf("RESTPollInterval(true) = %v, want 15s", got)
	}
}

func TestPrivateKeyFromEnv(t *testing.T) {
	content := "wallet:\n    private_key_env: TEST_WALLET_KEY\n"
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	os.WriteFile(configPath, []byte(content), 0644)

	os.Setenv("TEST_WALLET_KEY", "secret")
	defer os.Unsetenv("TEST_WALLET_KEY")

	m, err := NewManager(configPath)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	if got := m.PrivateKey(); got != "secret" {
		t.Errorf("PrivateKey() = %q, want %q", got, "secret")
	}
}
