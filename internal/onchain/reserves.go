// Package onchain implements the Price Feed's highest-precedence
// source: a push-stream subscription to AMM pool vault accounts, with
// reserve-math pricing and a staleness watchdog. A gorilla/websocket
// fallback client covers the case where only a plain WS URL is
// configured.
package onchain

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/big"

	"github.com/shopspring/decimal"
)

// tokenAccountAmountOffset is the byte offset of the little-endian
// u64 amount field within an SPL-token-like account layout (32-byte
// mint, 32-byte owner, 8-byte amount, ...).
const tokenAccountAmountOffset = 64

// minTokenAccountSize is the minimum raw account size accepted as a
// valid token account.
const minTokenAccountSize = 165

// ParseTokenAccountAmount extracts the raw token amount from an
// SPL-token-like account's raw data.
func ParseTokenAccountAmount(data []byte) (uint64, error) {
	if len(data) < minTokenAccountSize {
		return 0, fmt.Errorf("onchain: token account data too short: %d bytes", len(data))
	}
	return binary.LittleEndian.Uint64(data[tokenAccountAmountOffset : tokenAccountAmountOffset+8]), nil
}

// PoolLayout describes the fixed byte offsets of the fields this
// package reads out of a pool account, so a single pool fetch can
// derive the vault pair and decimals up front.
type PoolLayout struct {
	BaseDecimalsOffset int
	QuoteDecimalsOffset int
	CoinMintOffset      int
	PCMintOffset        int
	CoinVaultOffset     int
	PCVaultOffset       int
}

// PoolInfo is the result of decoding a pool account with a PoolLayout.
type PoolInfo struct {
	BaseDecimals int
	QuoteDecimals int
	CoinMint      string
	PCMint        string
	CoinVault     string
	PCVault       string
}

// DecodePoolAccount reads the vault pair and decimals out of a raw
// pool account using the given layout. Mint and vault fields are
// 32-byte public keys, rendered as base58 by the caller.
func DecodePoolAccount(data []byte, layout PoolLayout, renderPubkey func([]byte) string) (PoolInfo, error) {
	need := func(off, n int) error {
		if off < 0 || off+n > len(data) {
			return fmt.Errorf("onchain: pool account too short for offset %d (len %d)", off, len(data))
		}
		return nil
	}
	for _, off := range []int{layout.BaseDecimalsOffset, layout.QuoteDecimalsOffset} {
		if err := need(off, 1); err != nil {
			return PoolInfo{}, err
		}
	}
	for _, off := range []int{layout.CoinMintOffset, layout.PCMintOffset, layout.CoinVaultOffset, layout.PCVaultOffset} {
		if err := need(off, 32); err != nil {
			return PoolInfo{}, err
		}
	}

	return PoolInfo{
		BaseDecimals:  int(data[layout.BaseDecimalsOffset]),
		QuoteDecimals: int(data[layout.QuoteDecimalsOffset]),
		CoinMint:      renderPubkey(data[layout.CoinMintOffset : layout.CoinMintOffset+32]),
		PCMint:        renderPubkey(data[layout.PCMintOffset : layout.PCMintOffset+32]),
		CoinVault:     renderPubkey(data[layout.CoinVaultOffset : layout.CoinVaultOffset+32]),
		PCVault:       renderPubkey(data[layout.PCVaultOffset : layout.PCVaultOffset+32]),
	}, nil
}

// reserveTracker accumulates the two vault balances for one pool and
// reports a price once both sides have been observed at least once.
type reserveTracker struct {
	baseReserve  uint64
	quoteReserve uint64
	baseKnown    bool
	quoteKnown   bool
	baseDecimals int
	quoteDecimals int
}

func newReserveTracker(baseDecimals, quoteDecimals int) *reserveTracker {
	return &reserveTracker{baseDecimals: baseDecimals, quoteDecimals: quoteDecimals}
}

func (t *reserveTracker) setBase(amount uint64) {
	t.baseReserve = amount
	t.baseKnown = true
}

func (t *reserveTracker) setQuote(amount uint64) {
	t.quoteReserve = amount
	t.quoteKnown = true
}

// ready reports whether both vault sides have been observed.
func (t *reserveTracker) ready() bool {
	return t.baseKnown && t.quoteKnown
}

// priceAndLiquidity computes price_native = quote_reserve/base_reserve
// (decimal-adjusted) and liquidity = 2*quote_reserve, both in native
// units.
func (t *reserveTracker) priceAndLiquidity() (price, liquidity decimal.Decimal, ok bool) {
	if !t.ready() || t.baseReserve == 0 {
		return decimal.Zero, decimal.Zero, false
	}

	baseAmt := decimal.NewFromBigInt(new(big.Int).SetUint64(t.baseReserve), 0).
		Div(decimal.NewFromFloat(math.Pow10(t.baseDecimals)))
	quoteAmt := decimal.NewFromBigInt(new(big.Int).SetUint64(t.quoteReserve), 0).
		Div(decimal.NewFromFloat(math.Pow10(t.quoteDecimals)))

	if baseAmt.IsZero() {
		return decimal.Zero, decimal.Zero, false
	}

	price = quoteAmt.Div(baseAmt)
	liquidity = quoteAmt.Mul(decimal.NewFromInt(2))
	return price, liquidity, true
}
