package strategy

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"engine/internal/model"
	"engine/internal/state"
)

type recordingDispatcher struct {
	commands []model.Command
}

func (d *recordingDispatcher) Dispatch(cmd model.Command) {
	d.commands = append(d.commands, cmd)
}

func (d *recordingDispatcher) countKind(kind model.CommandKind) int {
	n := 0
	for _, c := range d.commands {
		if c.Kind == kind {
			n++
		}
	}
	return n
}

type noopNotifier struct{}

func (noopNotifier) SendMessage(string)                         {}
func (noopNotifier) SendErrorAlert(string)                      {}
func (noopNotifier) SendConnectivityAlert(string, bool, string) {}

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
		AmountNative:    decimal.NewFromFloat(2.0),
		StopLossPercent: decimal.NewFromFloat(-50),
		TP1Percent:      decimal.NewFromFloat(1000), // unreachable in these tests
		TP1Fraction:     decimal.NewFromFloat(50),
		TP2Set:          false,
		CurrentPrice:    decimal.NewFromFloat(1.0),
		Active:          true,
	})
	if err != nil {
		t.Fatalf("seed position: %v", err)
	}
}

func newEngine(t *testing.T, d Dispatcher, bc BreakerConfig) (*Engine, *state.Store) {
	t.Helper()
	s := openStore(t)
	return New(s, d, noopNotifier{}, bc), s
}

// Below the stop-loss floor (-50%), a tick must dispatch exactly one
// StopLoss command, dedupe a repeat at the same price, and unlock a
// retry once Failure feedback clears the attempt set.
func TestStopLossRetryAfterFailureFeedback(t *testing.T) {
	d := &recordingDispatcher{}
	e, s := newEngine(t, d, BreakerConfig{Threshold: 3, Window: time.Minute})
	seedPosition(t, s, "mintA")

	tick := model.PriceTick{TokenMint: "mintA", PriceNative: decimal.NewFromFloat(0.4)} // gain -60%

	e.processPriceTick(tick)
	if got := d.countKind(model.KindStopLoss); got != 1 {
		t.Fatalf("after first tick, StopLoss dispatches = %d, want 1", got)
	}
	if _, inFlight := e.slAttempted["mintA"]; !inFlight {
		t.Fatalf("expected mintA in slAttempted after dispatch")
	}

	// Same price again: attempt set must dedupe, no second dispatch.
	e.processPriceTick(tick)
	if got := d.countKind(model.KindStopLoss); got != 1 {
		t.Fatalf("after duplicate tick, StopLoss dispatches = %d, want still 1", got)
	}

	// Failure feedback clears the attempt set, unlocking a retry.
	e.processFeedback(model.Feedback{TokenMint: "mintA", Kind: model.KindStopLoss, Success: false})
	if _, inFlight := e.slAttempted["mintA"]; inFlight {
		t.Fatalf("expected mintA cleared from slAttempted after Failure feedback")
	}

	e.processPriceTick(tick)
	if got := d.countKind(model.KindStopLoss); got != 2 {
		t.Fatalf("after retry tick, StopLoss dispatches = %d, want 2", got)
	}
}

// The breaker trips on the Threshold-th Failure within Window and
// clears on the next Success.
func TestBreakerTripsAndClears(t *testing.T) {
	d := &recordingDispatcher{}
	e, _ := newEngine(t, d, BreakerConfig{Threshold: 3, Window: time.Minute})

	for i := 0; i < 2; i++ {
		e.processFeedback(model.Feedback{TokenMint: "mintA", Kind: model.KindStopLoss, Success: false})
		if e.Tripped() {
			t.Fatalf("breaker tripped early after %d failures, want after 3", i+1)
		}
	}

	e.processFeedback(model.Feedback{TokenMint: "mintA", Kind: model.KindStopLoss, Success: false})
	if !e.Tripped() {
		t.Fatal("expected breaker tripped after 3 consecutive failures")
	}

	e.processFeedback(model.Feedback{TokenMint: "mintA", Kind: model.KindStopLoss, Success: true})
	if e.Tripped() {
		t.Fatal("expected breaker cleared after a Success")
	}
}

// While tripped, Run must not feed ticks into processPriceTick (no new
// commands), while still consuming feedback off the other channel.
func TestTrippedBreakerSkipsNewTickCommands(t *testing.T) {
	d := &recordingDispatcher{}
	e, s := newEngine(t, d, BreakerConfig{Threshold: 3, Window: time.Minute})
	seedPosition(t, s, "mintA")

	for i := 0; i < 3; i++ {
		e.processFeedback(model.Feedback{TokenMint: "mintA", Kind: model.KindStopLoss, Success: false})
	}
	if !e.Tripped() {
		t.Fatal("setup failed: breaker should be tripped")
	}

	ticks := make(chan model.PriceTick, 1)
	feedback := make(chan model.Feedback)
	close(feedback)
	ticks <- model.PriceTick{TokenMint: "mintA", PriceNative: decimal.NewFromFloat(0.4)}
	close(ticks)

	e.Run(ticks, feedback)

	if got := d.countKind(model.KindStopLoss); got != 0 {
		t.Fatalf("tripped breaker dispatched %d StopLoss commands, want 0", got)
	}
}

// A gain crossing TP1Percent dispatches exactly one TP1 command with
// the position's configured fraction.
func TestTP1TriggersOnceWithConfiguredFraction(t *testing.T) {
	d := &recordingDispatcher{}
	e, s := newEngine(t, d, BreakerConfig{Threshold: 3, Window: time.Minute})
	err := s.UpsertPosition(&model.Position{
		TokenMint:       "mintB",
		Symbol:          "BAR",
		EntryPrice:      decimal.NewFromFloat(1.0),
		AmountNative:    decimal.NewFromFloat(2.0),
		StopLossPercent: decimal.NewFromFloat(-50),
		TP1Percent:      decimal.NewFromFloat(20),
		TP1Fraction:     decimal.NewFromFloat(50),
		CurrentPrice:    decimal.NewFromFloat(1.0),
		Active:          true,
	})
	if err != nil {
		t.Fatalf("seed position: %v", err)
	}

	tick := model.PriceTick{TokenMint: "mintB", PriceNative: decimal.NewFromFloat(1.25)} // gain +25%
	e.processPriceTick(tick)
	e.processPriceTick(tick)

	if got := d.countKind(model.KindTP1); got != 1 {
		t.Fatalf("TP1 dispatches = %d, want 1", got)
	}
	if !d.commands[0].Fraction.Equal(decimal.NewFromFloat(50)) {
		t.Errorf("TP1 command Fraction = %s, want 50", d.commands[0].Fraction)
	}
}
