// Package walletinfo tracks the trading wallet's identity and native
// balance: address derivation from a base58 private key, and a
// balance tracker the Safety Supervisor's hibernation watcher reads.
package walletinfo

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sync"

	"github.com/mr-tron/base58"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// lamportsPerNative is the conversion factor between the RPC's native
// balance unit (lamports) and the decimal-native unit the rest of the
// engine works in.
var lamportsPerNative = decimal.NewFromInt(1_000_000_000)

// Wallet holds the trading keypair's public identity. It never
// signs — execution happens behind the Execution Router's adapter,
// not locally.
type Wallet struct {
	publicKey ed25519.PublicKey
	address   string
}

// NewWallet derives a wallet's address from a base58-encoded private
// key (32-byte seed or 64-byte seed+pubkey).
func NewWallet(privateKeyBase58 string) (*Wallet, error) {
	privateKeyBytes, err := base58.Decode(privateKeyBase58)
	if err != nil {
		return nil, fmt.Errorf("walletinfo: decode private key: %w", err)
	}

	var privateKey ed25519.PrivateKey
	switch len(privateKeyBytes) {
	case 64:
		privateKey = ed25519.PrivateKey(privateKeyBytes)
	case 32:
		privateKey = ed25519.NewKeyFromSeed(privateKeyBytes)
	default:
		return nil, fmt.Errorf("walletinfo: invalid private key length: %d (expected 32 or 64)", len(privateKeyBytes))
	}

	publicKey := privateKey.Public().(ed25519.PublicKey)
	address := base58.Encode(publicKey)

	log.Info().Str("address", address).Msg("wallet loaded")
	return &Wallet{publicKey: publicKey, address: address}, nil
}

// Address returns the wallet's base58 public key.
func (w *Wallet) Address() string { return w.address }

// BalanceTracker maintains the wallet's native-unit balance, refreshed
// from RPC and compared against the configured minimum for the
// Safety Supervisor's hibernation check.
type BalanceTracker struct {
	mu      sync.RWMutex
	wallet  *Wallet
	rpc     *RPCClient
	balance decimal.Decimal
}

// NewBalanceTracker builds a tracker for wallet using rpc.
func NewBalanceTracker(wallet *Wallet, rpc *RPCClient) *BalanceTracker {
	return &BalanceTracker{wallet: wallet, rpc: rpc}
}

// Refresh re-fetches the balance from RPC.
func (b *BalanceTracker) Refresh(ctx context.Context) error {
	lamports, err := b.rpc.GetBalance(ctx, b.wallet.Address())
	if err != nil {
		return fmt.Errorf("walletinfo: refresh balance: %w", err)
	}
	b.mu.Lock()
	b.balance = decimal.NewFromInt(int64(lamports)).Div(lamportsPerNative)
	b.mu.Unlock()
	return nil
}

// Balance returns the last-refreshed native-unit balance.
func (b *BalanceTracker) Balance() decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.balance
}

// BelowMinimum reports whether the last-refreshed balance has fallen
// below minBalance.
func (b *BalanceTracker) BelowMinimum(minBalance decimal.Decimal) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.balance.LessThan(minBalance)
}
