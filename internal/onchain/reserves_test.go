package onchain

import (
	"encoding/binary"
	"testing"

	"github.com/shopspring/decimal"
)

func makeTokenAccount(amount uint64) []byte {
	data := make([]byte, minTokenAccountSize)
	binary.LittleEndian.PutUint64(data[tokenAccountAmountOffset:], amount)
	return data
}

func TestParseTokenAccountAmount(t *testing.T) {
	data := makeTokenAccount(123456789)
	got, err := ParseTokenAccountAmount(data)
	if err != nil {
		t.Fatalf("ParseTokenAccountAmount: %v", err)
	}
	if got != 123456789 {
		t.Errorf("amount = %d, want 123456789", got)
	}
}

func TestParseTokenAccountAmountTooShort(t *testing.T) {
	if _, err := ParseTokenAccountAmount(make([]byte, 10)); err == nil {
		t.Error("expected error for short account data")
	}
}

func TestDecodePoolAccount(t *testing.T) {
	layout := PoolLayout{
		BaseDecimalsOffset: 0,
		QuoteDecimalsOffset: 1,
		CoinMintOffset:      2,
		PCMintOffset:        34,
		CoinVaultOffset:     66,
		PCVaultOffset:       98,
	}
	data := make([]byte, 130)
	data[0] = 6
	data[1] = 9
	for i := 0; i < 32; i++ {
		data[2+i] = byte(i)
		data[34+i] = byte(i + 1)
		data[66+i] = byte(i + 2)
		data[98+i] = byte(i + 3)
	}

	render := func(b []byte) string { return string(b) }
	info, err := DecodePoolAccount(data, layout, render)
	if err != nil {
		t.Fatalf("DecodePoolAccount: %v", err)
	}
	if info.BaseDecimals != 6 || info.QuoteDecimals != 9 {
		t.Errorf("decimals = %d/%d, want 6/9", info.BaseDecimals, info.QuoteDecimals)
	}
}

func TestDecodePoolAccountTooShort(t *testing.T) {
	layout := PoolLayout{CoinVaultOffset: 1000}
	if _, err := DecodePoolAccount(make([]byte, 10), layout, func(b []byte) string { return "" }); err == nil {
		t.Error("expected error for out-of-range offset")
	}
}

func TestReserveTrackerPriceAndLiquidity(t *testing.T) {
	tr := newReserveTracker(6, 9)
	if _, _, ok := tr.priceAndLiquidity(); ok {
		t.Fatal("expected not ready before any side is known")
	}

	tr.setBase(1_000_000_000)      // 1000 tokens at 6 decimals
	tr.setQuote(500_000_000_000)   // 500 SOL at 9 decimals

	price, liquidity, ok := tr.priceAndLiquidity()
	if !ok {
		t.Fatal("expected ready once both sides known")
	}
	if !price.Equal(decimal.RequireFromString("0.5")) {
		t.Errorf("price = %s, want 0.5", price)
	}
	if !liquidity.Equal(decimal.RequireFromString("1000")) {
		t.Errorf("liquidity = %s, want 1000", liquidity)
	}
}
