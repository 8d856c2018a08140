package execution

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"engine/internal/execservice"
	"engine/internal/model"
	"engine/internal/state"
)

type alwaysFailAdapter struct {
	calls atomic.Int32
}

func (a *alwaysFailAdapter) ExecuteSellWithRetry(ctx context.Context, req execservice.SellRequest) (execservice.SwapOutcome, error) {
	a.calls.Add(1)
	return execservice.SwapOutcome{}, errors.New("insufficient liquidity, slippage exceeded")
}

func (a *alwaysFailAdapter) ExecuteMultiSell(ctx context.Context, mints []string, fractionPercent decimal.Decimal) ([]execservice.SwapOutcome, error) {
	return nil, errors.New("not implemented")
}

func openStore(t *testing.T) *state.Store {
	t.Helper()
	s, err := state.Open(filepath.Join(t.TempDir(), "t.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedPosition(t *testing.T, s *state.Store, mint string) {
	t.Helper()
	err := s.UpsertPosition(&model.Position{
		TokenMint:       mint,
		Symbol:          "FOO",
		EntryPrice:      decimal.NewFromFloat(1.0),
		AmountNative:    decimal.NewFromFloat(1.5),
		StopLossPercent: decimal.NewFromFloat(-50),
		CurrentPrice:    decimal.NewFromFloat(0.5),
		Active:          true,
	})
	if err != nil {
		t.Fatalf("seed position: %v", err)
	}
}

type noopNotifier struct{}

func (noopNotifier) SendMessage(string)                          {}
func (noopNotifier) SendErrorAlert(string)                       {}
func (noopNotifier) SendConnectivityAlert(string, bool, string)  {}

func TestRouterSimulatedSuccessReconciles(t *testing.T) {
	s := openStore(t)
	seedPosition(t, s, "mintA")

	feedback := make(chan model.Feedback, 4)
	r := New(s, nil, nil, noopNotifier{}, feedback, Config{AutoExecute: false})

	r.Dispatch(model.Command{Kind: model.KindStopLoss, TokenMint: "mintA", Fraction: decimal.NewFromInt(100), IsEmergency: true})

	select {
	case fb := <-feedback:
		if !fb.Success {
			t.Fatalf("expected success feedback, got %+v", fb)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for feedback")
	}

	pos, err := s.GetPosition("mintA")
	if err != nil {
		t.Fatalf("GetPosition: %v", err)
	}
	if pos.Active {
		t.Fatalf("expected position closed after simulated 100%% stop loss")
	}
}

func TestTradeTypeMapping(t *testing.T) {
	cases := []struct {
		kind model.CommandKind
		want model.TradeType
	}{
		{model.KindStopLoss, model.TradeAutoSL},
		{model.KindTP1, model.TradeAutoTP1},
		{model.KindTP2, model.TradeAutoTP2},
	}
	for _, c := range cases {
		got := tradeTypeFor(model.Command{Kind: c.kind})
		if got != c.want {
			t.Errorf("tradeTypeFor(%s) = %s, want %s", c.kind, got, c.want)
		}
	}
}

func TestBackoffDoublesFrom200ms(t *testing.T) {
	if backoff(1) != 200*time.Millisecond {
		t.Errorf("backoff(1) = %v, want 200ms", backoff(1))
	}
	if backoff(2) != 400*time.Millisecond {
		t.Errorf("backoff(2) = %v, want 400ms", backoff(2))
	}
	if backoff(3) != 800*time.Millisecond {
		t.Errorf("backoff(3) = %v, want 800ms", backoff(3))
	}
}

func TestRouterExhaustsBudgetAndReportsFailure(t *testing.T) {
	s := openStore(t)
	seedPosition(t, s, "mintA")

	adapter := &alwaysFailAdapter{}
	feedback := make(chan model.Feedback, 4)
	r := New(s, adapter, nil, noopNotifier{}, feedback, Config{AutoExecute: true, DefaultSlippageBps: 100, DefaultPriorityTip: 1000})

	r.Dispatch(model.Command{Kind: model.KindStopLoss, TokenMint: "mintA", Fraction: decimal.NewFromInt(100), IsEmergency: false})

	select {
	case fb := <-feedback:
		if fb.Success {
			t.Fatalf("expected Failure feedback, got success")
		}
		if fb.Kind != model.KindStopLoss {
			t.Fatalf("feedback kind = %s, want StopLoss", fb.Kind)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for failure feedback")
	}

	if got := adapter.calls.Load(); got != 3 {
		t.Errorf("adapter called %d times, want 3 (non-emergency budget)", got)
	}

	pos, err := s.GetPosition("mintA")
	if err != nil {
		t.Fatalf("GetPosition: %v", err)
	}
	if !pos.Active {
		t.Fatalf("position must remain active after exhausted retries — liquidity is still held on-chain")
	}
}

func TestReconcilePartialFractionUsesFractionOfPosition(t *testing.T) {
	s := openStore(t)
	seedPosition(t, s, "mintA") // AmountNative 1.5, CurrentPrice 0.5

	feedback := make(chan model.Feedback, 4)
	r := New(s, nil, nil, noopNotifier{}, feedback, Config{AutoExecute: false, SimLoggingEnabled: true})

	r.Dispatch(model.Command{Kind: model.KindTP1, TokenMint: "mintA", Fraction: decimal.NewFromInt(50)})

	select {
	case fb := <-feedback:
		if !fb.Success {
			t.Fatalf("expected success feedback, got %+v", fb)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for feedback")
	}

	trades, err := s.GetTradeHistory(10)
	if err != nil {
		t.Fatalf("GetTradeHistory: %v", err)
	}
	if len(trades) != 1 {
		t.Fatalf("expected 1 trade recorded, got %d", len(trades))
	}

	// invested = AmountNative(1.5) * fraction(50%) = 0.75
	// output = invested * CurrentPrice(0.5) = 0.375
	// pnl = output - invested = -0.375, not output - full position (-1.125)
	wantPnL := decimal.NewFromFloat(-0.375)
	if !trades[0].PnLNative.Equal(wantPnL) {
		t.Errorf("PnLNative = %s, want %s (partial-fill PnL must scale by Fraction, not the full position)", trades[0].PnLNative, wantPnL)
	}
}

func TestAttemptBudget(t *testing.T) {
	if attemptBudget(true) != 5 {
		t.Errorf("attemptBudget(emergency) = %d, want 5", attemptBudget(true))
	}
	if attemptBudget(false) != 3 {
		t.Errorf("attemptBudget(non-emergency) = %d, want 3", attemptBudget(false))
	}
}
