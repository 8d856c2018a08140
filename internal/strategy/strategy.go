// Package strategy implements the Strategy Engine: the single-
// consumer loop that evaluates exit rules on every price tick,
// maintains per-(mint,kind) attempt sets, and owns the global circuit
// breaker.
package strategy

import (
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"engine/internal/model"
	"engine/internal/notify"
	"engine/internal/state"
	"engine/internal/trailing"
)

var hundred = decimal.NewFromInt(100)

// Dispatcher is the subset of the Execution Router's surface the
// Strategy Engine needs: fire-and-forget command dispatch.
type Dispatcher interface {
	Dispatch(cmd model.Command)
}

// BreakerConfig parameterizes the circuit breaker.
type BreakerConfig struct {
	Threshold int
	Window    time.Duration
}

type breaker struct {
	failCount  int
	lastFailAt time.Time
	tripped    atomic.Bool // read from other goroutines (status surfaces); only Run() writes it
	cfg        BreakerConfig
}

func (b *breaker) onFailure() {
	now := time.Now()
	if b.lastFailAt.IsZero() || now.Sub(b.lastFailAt) > b.cfg.Window {
		b.failCount = 1
	} else {
		b.failCount++
	}
	b.lastFailAt = now

	if b.failCount >= b.cfg.Threshold && !b.tripped.Load() {
		b.tripped.Store(true)
		log.Warn().Int("fail_count", b.failCount).Msg("circuit breaker tripped")
	}
}

func (b *breaker) onSuccess() {
	b.failCount = 0
	if b.tripped.Load() {
		b.tripped.Store(false)
		log.Info().Msg("circuit breaker cleared")
	}
}

// Engine is the Strategy Engine's owned state: attempt sets and
// breaker counters live here, with no external access, per the
// concurrency model.
type Engine struct {
	store    *state.Store
	router   Dispatcher
	notifier notify.Notifier

	tp1Attempted map[string]struct{}
	tp2Attempted map[string]struct{}
	slAttempted  map[string]struct{}

	trailingMonitors map[string]*trailing.Stop

	breaker breaker
}

// New builds a Strategy Engine.
func New(store *state.Store, router Dispatcher, notifier notify.Notifier, bc BreakerConfig) *Engine {
	return &Engine{
		store:            store,
		router:           router,
		notifier:         notifier,
		tp1Attempted:     make(map[string]struct{}),
		tp2Attempted:     make(map[string]struct{}),
		slAttempted:      make(map[string]struct{}),
		trailingMonitors: make(map[string]*trailing.Stop),
		breaker:          breaker{cfg: bc},
	}
}

// Run is the single-consumer select loop over ticks and feedback. It
// exits when both channels are closed.
func (e *Engine) Run(ticks <-chan model.PriceTick, feedback <-chan model.Feedback) {
	ticksOpen, feedbackOpen := true, true
	for ticksOpen || feedbackOpen {
		if !ticksOpen {
			fb, ok := <-feedback
			if !ok {
				feedbackOpen = false
				continue
			}
			e.processFeedback(fb)
			continue
		}
		if !feedbackOpen {
			tick, ok := <-ticks
			if !ok {
				ticksOpen = false
				continue
			}
			if !e.breaker.tripped.Load() {
				e.processPriceTick(tick)
			}
			continue
		}

		select {
		case fb, ok := <-feedback:
			if !ok {
				feedbackOpen = false
				continue
			}
			e.processFeedback(fb)
		case tick, ok := <-ticks:
			if !ok {
				ticksOpen = false
				continue
			}
			if !e.breaker.tripped.Load() {
				e.processPriceTick(tick)
			}
		}
	}
}

func (e *Engine) processPriceTick(tick model.PriceTick) {
	pos, err := e.store.GetPosition(tick.TokenMint)
	if err != nil {
		log.Error().Err(err).Str("mint", tick.TokenMint).Msg("failed to load position for tick")
		return
	}
	if pos == nil || !pos.Active {
		return
	}

	ts, ok := e.trailingMonitors[tick.TokenMint]
	if !ok {
		ts = trailing.Resume(pos.EntryPrice, pos.StopLossPercent, pos.TrailingDistancePercent,
			pos.TrailingActivationPercent, pos.TrailingPeakPrice, pos.TrailingCurrentSLPercent, pos.TrailingEnabled)
		e.trailingMonitors[tick.TokenMint] = ts
	}

	if ts.Update(tick.PriceNative) {
		mint := tick.TokenMint
		peak, sl, enabled := ts.Peak, ts.CurrentSL, ts.Enabled
		go func() {
			if err := e.store.UpdateTrailingSL(mint, peak, sl, enabled); err != nil {
				log.Error().Err(err).Str("mint", mint).Msg("failed to persist trailing update")
			}
		}()
	}

	// A tripped breaker suppresses new commands. Run already skips ticks
	// while tripped; this check covers direct callers.
	if e.breaker.tripped.Load() {
		return
	}

	gain := tick.PriceNative.Sub(pos.EntryPrice).Div(pos.EntryPrice).Mul(hundred)

	if !pos.TP1Triggered && gain.GreaterThanOrEqual(pos.TP1Percent) {
		if _, inFlight := e.tp1Attempted[tick.TokenMint]; !inFlight {
			e.tp1Attempted[tick.TokenMint] = struct{}{}
			e.router.Dispatch(model.Command{
				Kind: model.KindTP1, TokenMint: tick.TokenMint, Symbol: pos.Symbol,
				Fraction: pos.TP1Fraction, EntryPrice: pos.EntryPrice,
			})
		}
	}

	if pos.TP2Set && !pos.TP2Triggered && gain.GreaterThanOrEqual(pos.TP2Percent) {
		if _, inFlight := e.tp2Attempted[tick.TokenMint]; !inFlight {
			e.tp2Attempted[tick.TokenMint] = struct{}{}
			e.router.Dispatch(model.Command{
				Kind: model.KindTP2, TokenMint: tick.TokenMint, Symbol: pos.Symbol,
				Fraction: pos.TP2Fraction,
			})
		}
	}

	effectiveSL := decimal.Max(ts.CurrentSL, pos.StopLossPercent)
	if gain.LessThanOrEqual(effectiveSL) {
		if _, inFlight := e.slAttempted[tick.TokenMint]; !inFlight {
			e.slAttempted[tick.TokenMint] = struct{}{}
			e.router.Dispatch(model.Command{
				Kind: model.KindStopLoss, TokenMint: tick.TokenMint, Symbol: pos.Symbol,
				Fraction: hundred, IsEmergency: true,
			})
		}
	}
}

func (e *Engine) processFeedback(fb model.Feedback) {
	if fb.Success {
		e.breaker.onSuccess()
		return
	}

	e.breaker.onFailure()

	switch fb.Kind {
	case model.KindTP1:
		delete(e.tp1Attempted, fb.TokenMint)
	case model.KindTP2:
		delete(e.tp2Attempted, fb.TokenMint)
	case model.KindStopLoss:
		delete(e.slAttempted, fb.TokenMint)
	}
}

// Tripped reports whether the circuit breaker is currently open. It
// is exposed for status surfaces (admin API, TUI); the Strategy
// Engine itself is the only thing that gates on it for command
// emission.
func (e *Engine) Tripped() bool {
	return e.breaker.tripped.Load()
}
