package state

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"engine/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testPosition(mint string) *model.Position {
	return &model.Position{
		TokenMint:       mint,
		Symbol:          "FOO",
		EntryPrice:      decimal.NewFromFloat(1.0),
		AmountNative:    decimal.NewFromFloat(1.5),
		StopLossPercent: decimal.NewFromFloat(-50),
		TP1Percent:      decimal.NewFromFloat(50),
		TP1Fraction:     decimal.NewFromFloat(50),
		Active:          true,
	}
}

func TestUpsertAndGetPosition(t *testing.T) {
	s := openTestStore(t)
	pos := testPosition("mintA")

	if err := s.UpsertPosition(pos); err != nil {
		t.Fatalf("UpsertPosition: %v", err)
	}

	got, err := s.GetPosition("mintA")
	if err != nil {
		t.Fatalf("GetPosition: %v", err)
	}
	if got == nil {
		t.Fatalf("expected position, got nil")
	}
	if !got.EntryPrice.Equal(pos.EntryPrice) {
		t.Errorf("EntryPrice = %s, want %s", got.EntryPrice, pos.EntryPrice)
	}
	if !got.Active {
		t.Errorf("expected active position")
	}
}

func TestGetActivePositionsExcludesClosed(t *testing.T) {
	s := openTestStore(t)
	s.UpsertPosition(testPosition("mintA"))
	s.UpsertPosition(testPosition("mintB"))

	if err := s.ClosePosition("mintA"); err != nil {
		t.Fatalf("ClosePosition: %v", err)
	}

	active, err := s.GetActivePositions()
	if err != nil {
		t.Fatalf("GetActivePositions: %v", err)
	}
	if len(active) != 1 || active[0].TokenMint != "mintB" {
		t.Fatalf("GetActivePositions = %+v, want only mintB", active)
	}

	// idempotent: closing again still yields the same result.
	if err := s.ClosePosition("mintA"); err != nil {
		t.Fatalf("ClosePosition (second): %v", err)
	}
	active2, _ := s.GetActivePositions()
	if len(active2) != 1 {
		t.Fatalf("second close changed active set: %+v", active2)
	}
}

func TestUpdateTrailingSLIsMonotone(t *testing.T) {
	s := openTestStore(t)
	s.UpsertPosition(testPosition("mintA"))

	if err := s.UpdateTrailingSL("mintA", decimal.NewFromFloat(1.5), decimal.NewFromFloat(12.5), true); err != nil {
		t.Fatalf("UpdateTrailingSL: %v", err)
	}
	if err := s.UpdateTrailingSL("mintA", decimal.NewFromFloat(1.2), decimal.NewFromFloat(5), true); err != nil {
		t.Fatalf("UpdateTrailingSL (lower): %v", err)
	}

	got, _ := s.GetPosition("mintA")
	if !got.TrailingCurrentSLPercent.Equal(decimal.NewFromFloat(12.5)) {
		t.Errorf("CurrentSL = %s, want it to stay 12.5 after a lowering write", got.TrailingCurrentSLPercent)
	}
	if !got.TrailingPeakPrice.Equal(decimal.NewFromFloat(1.5)) {
		t.Errorf("Peak = %s, want it to stay 1.5 after a lowering write", got.TrailingPeakPrice)
	}
}

func TestRecordTradeAppendOnly(t *testing.T) {
	s := openTestStore(t)
	trade := &model.TradeRecord{
		Signature:     "sig1",
		TokenMint:     "mintA",
		Symbol:        "FOO",
		TradeType:     model.TradeAutoSL,
		AmountIn:      decimal.NewFromFloat(1.0),
		AmountOut:     decimal.NewFromFloat(0.9),
		PriceExecuted: decimal.NewFromFloat(0.9),
		PnLNative:     decimal.NewFromFloat(-0.1),
		PnLPercent:    decimal.NewFromFloat(-10),
		ExecutedAt:    time.Now(),
	}
	if err := s.RecordTrade(trade); err != nil {
		t.Fatalf("RecordTrade: %v", err)
	}
	if trade.ID == 0 {
		t.Errorf("expected RecordTrade to assign an ID")
	}

	history, err := s.GetTradeHistory(10)
	if err != nil {
		t.Fatalf("GetTradeHistory: %v", err)
	}
	if len(history) != 1 || history[0].Signature != "sig1" {
		t.Fatalf("GetTradeHistory = %+v", history)
	}
}

func TestPendingCommandLifecycle(t *testing.T) {
	s := openTestStore(t)
	if err := s.PutPendingCommand("id1", "mintA", "StopLoss"); err != nil {
		t.Fatalf("PutPendingCommand: %v", err)
	}

	stale, err := s.StalePendingCommands(0)
	if err != nil {
		t.Fatalf("StalePendingCommands: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != "id1" {
		t.Fatalf("StalePendingCommands = %+v", stale)
	}

	if err := s.ClearPendingCommand("id1"); err != nil {
		t.Fatalf("ClearPendingCommand: %v", err)
	}
	stale2, _ := s.StalePendingCommands(0)
	if len(stale2) != 0 {
		t.Fatalf("expected no pending commands after clear, got %+v", stale2)
	}
}
