// Package config loads and hot-reloads the engine's YAML
// configuration.
package config

import (
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Config holds all engine configuration, per the environment /
// configuration surface.
type Config struct {
	RPC         RPCConfig         `mapstructure:"rpc"`
	Feed        FeedConfig        `mapstructure:"feed"`
	MarketData  MarketDataConfig  `mapstructure:"market_data"`
	ExecService ExecServiceConfig `mapstructure:"exec_service"`
	Trading     TradingConfig     `mapstructure:"trading"`
	Breaker     BreakerConfig     `mapstructure:"breaker"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Wallet      WalletConfig      `mapstructure:"wallet"`
	AdminAPI    AdminAPIConfig    `mapstructure:"admin_api"`
	TUI         TUIConfig         `mapstructure:"tui"`
}

type RPCConfig struct {
	URL string `mapstructure:"url"`
}

type FeedConfig struct {
	PushStreamEndpoint string `mapstructure:"push_stream_endpoint"`
	PushStreamTokenEnv string `mapstructure:"push_stream_token_env"`
	WSURL              string `mapstructure:"ws_url"`
	RESTPollIntervalS  int    `mapstructure:"rest_poll_interval_s"`
}

type MarketDataConfig struct {
	BaseURL string `mapstructure:"base_url"`
}

type ExecServiceConfig struct {
	BaseURL           string `mapstructure:"base_url"`
	PoolSize          int    `mapstructure:"pool_size"`
	PriorityFeeURL    string `mapstructure:"priority_fee_url"`
	MaxPriorityLamports uint64 `mapstructure:"max_priority_lamports"`
}

type TradingConfig struct {
	AutoExecute        bool    `mapstructure:"auto_execute"`
	MinBalanceNative   float64 `mapstructure:"min_balance_native"`
	DefaultPriorityTip uint64  `mapstructure:"default_priority_tip"`
	DefaultSlippageBps int     `mapstructure:"default_slippage_bps"`
	SimLoggingEnabled  bool    `mapstructure:"sim_logging_enabled"`
}

type BreakerConfig struct {
	Threshold int `mapstructure:"threshold"`
	WindowS   int `mapstructure:"window_s"`
}

type StorageConfig struct {
	SQLitePath string `mapstructure:"sqlite_path"`
}

type WalletConfig struct {
	PrivateKeyEnv string `mapstructure:"private_key_env"`
}

type AdminAPIConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

type TUIConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	RefreshRateMs int  `mapstructure:"refresh_rate_ms"`
}

// Manager handles config loading and hot-reload.
type Manager struct {
	mu       sync.RWMutex
	config   *Config
	viper    *viper.Viper
	onChange func(*Config)
}

// NewManager loads configPath and watches it for changes.
func NewManager(configPath string) (*Manager, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	v.SetDefault("rpc.url", "https://api.mainnet-beta.solana.com")
	v.SetDefault("market_data.base_url", "https://api.dexscreener.com")
	v.SetDefault("exec_service.pool_size", 4)
	v.SetDefault("exec_service.max_priority_lamports", uint64(2000000))
	v.SetDefault("trading.auto_execute", false)
	v.SetDefault("trading.min_balance_native", 0.05)
	v.SetDefault("trading.default_priority_tip", uint64(100000))
	v.SetDefault("trading.default_slippage_bps", 500)
	v.SetDefault("trading.sim_logging_enabled", false)
	v.SetDefault("breaker.threshold", 3)
	v.SetDefault("breaker.window_s", 60)
	v.SetDefault("storage.sqlite_path", "./data/engine.db")
	v.SetDefault("wallet.private_key_env", "WALLET_PRIVATE_KEY")
	v.SetDefault("admin_api.enabled", true)
	v.SetDefault("admin_api.host", "127.0.0.1")
	v.SetDefault("admin_api.port", 8090)
	v.SetDefault("tui.refresh_rate_ms", 500)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if cfg.Storage.SQLitePath == "" {
		cfg.Storage.SQLitePath = "./data/engine.db"
	}

	m := &Manager{config: &cfg, viper: v}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		log.Info().Str("file", e.Name).Msg("config file changed, reloading")
		m.reload()
	})

	return m, nil
}

// Get returns the current config.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// SetOnChange registers a callback fired after every successful reload.
func (m *Manager) SetOnChange(fn func(*Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

func (m *Manager) reload() {
	m.mu.Lock()
	defer m.mu.Unlock()

	var cfg Config
	if err := m.viper.Unmarshal(&cfg); err != nil {
		log.Error().Err(err).Msg("failed to unmarshal config on reload")
		return
	}
	m.config = &cfg
	if m.onChange != nil {
		m.onChange(&cfg)
	}
}

// PrivateKey loads the wallet private key from the configured
// environment variable.
func (m *Manager) PrivateKey() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return os.Getenv(m.config.Wallet.PrivateKeyEnv)
}

// PushStreamToken loads the push-stream auth token from the
// configured environment variable.
func (m *Manager) PushStreamToken() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.config.Feed.PushStreamTokenEnv == "" {
		return ""
	}
	return os.Getenv(m.config.Feed.PushStreamTokenEnv)
}

// BreakerWindow returns the breaker's failure window as a duration.
func (m *Manager) BreakerWindow() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return time.Duration(m.config.Breaker.WindowS) * time.Second
}

// RESTPollInterval returns the configured REST poll interval, falling
// back to the spec's stated defaults (15s with a push source active,
// 5s otherwise) when unset.
func (m *Manager) RESTPollInterval(pushActive bool) time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.config.Feed.RESTPollIntervalS > 0 {
		return time.Duration(m.config.Feed.RESTPollIntervalS) * time.Second
	}
	if pushActive {
		return 15 * time.Second
	}
	return 5 * time.Second
}
