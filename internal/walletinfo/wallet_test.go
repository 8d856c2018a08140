package walletinfo

import (
	"testing"

	"github.com/shopspring/decimal"
)

// base58 of the 32-byte seed {1,2,...,32}.
const testSeedBase58 = "4wBqpZM9xaSheZzJSMawUKKwhdpChKbZ5eu5ky4Vigw"

func TestNewWalletFromSeed(t *testing.T) {
	w, err := NewWallet(testSeedBase58)
	if err != nil {
		t.Fatalf("NewWallet: %v", err)
	}
	if w.Address() == "" {
		t.Error("expected non-empty address")
	}
}

func TestNewWalletRejectsBadLength(t *testing.T) {
	if _, err := NewWallet("2"); err == nil {
		t.Error("expected error for a too-short decoded key")
	}
}

func TestNewWalletRejectsInvalidBase58(t *testing.T) {
	if _, err := NewWallet("not-valid-base58!!!"); err == nil {
		t.Error("expected error for invalid base58")
	}
}

func TestBalanceTrackerBelowMinimum(t *testing.T) {
	w, err := NewWallet(testSeedBase58)
	if err != nil {
		t.Fatalf("NewWallet: %v", err)
	}
	bt := NewBalanceTracker(w, nil)

	bt.mu.Lock()
	bt.balance = decimal.NewFromFloat(0.03)
	bt.mu.Unlock()

	if !bt.BelowMinimum(decimal.NewFromFloat(0.05)) {
		t.Error("expected 0.03 to be below minimum 0.05")
	}
	if bt.BelowMinimum(decimal.NewFromFloat(0.01)) {
		t.Error("expected 0.03 to be above minimum 0.01")
	}
}
