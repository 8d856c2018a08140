// Package execution implements the Execution Router: a concurrent
// consumer of Commands that drives each through an adaptive
// retry/backoff escalation against the external execution service and
// performs post-trade reconciliation.
package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"engine/internal/errors"
	"engine/internal/execservice"
	"engine/internal/model"
	"engine/internal/notify"
	"engine/internal/state"
)

var hundred = decimal.NewFromInt(100)
var maxSlippageBps = decimal.NewFromInt(10000)

// Config is the slice of engine configuration the Router needs.
type Config struct {
	AutoExecute        bool
	DefaultSlippageBps int
	DefaultPriorityTip uint64
	SimLoggingEnabled  bool
}

// Router drives Commands to completion and reports Feedback.
type Router struct {
	store    *state.Store
	adapter  execservice.Adapter
	oracle   execservice.PriorityFeeOracle
	notifier notify.Notifier
	feedback chan<- model.Feedback
	cfg      Config
}

// New builds a Router. oracle may be nil (no dynamic fee hint).
func New(store *state.Store, adapter execservice.Adapter, oracle execservice.PriorityFeeOracle, notifier notify.Notifier, feedback chan<- model.Feedback, cfg Config) *Router {
	return &Router{store: store, adapter: adapter, oracle: oracle, notifier: notifier, feedback: feedback, cfg: cfg}
}

// Dispatch spawns one goroutine per command, per the concurrency model
// (the Router drives commands in parallel; the Strategy Engine stays
// single-threaded).
func (r *Router) Dispatch(cmd model.Command) {
	go r.run(cmd)
}

func attemptBudget(isEmergency bool) int {
	if isEmergency {
		return 5
	}
	return 3
}

func backoff(attempt int) time.Duration {
	ms := 200 * (1 << uint(attempt-1))
	return time.Duration(ms) * time.Millisecond
}

func (r *Router) run(cmd model.Command) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Interface("panic", rec).Str("mint", cmd.TokenMint).Msg("router task panicked")
		}
	}()

	pendingID := uuid.NewString()
	if err := r.store.PutPendingCommand(pendingID, cmd.TokenMint, string(cmd.Kind)); err != nil {
		log.Error().Err(err).Str("mint", cmd.TokenMint).Msg("failed to record pending command")
	}
	defer func() {
		if err := r.store.ClearPendingCommand(pendingID); err != nil {
			log.Error().Err(err).Str("mint", cmd.TokenMint).Msg("failed to clear pending command")
		}
	}()

	if !r.cfg.AutoExecute {
		r.runSimulated(cmd)
		return
	}

	maxAttempts := attemptBudget(cmd.IsEmergency)
	slippageBps := r.cfg.DefaultSlippageBps
	priorityTip := r.resolvePriorityTip()

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if cmd.IsEmergency && attempt == maxAttempts-1 {
			slippageBps = 10000
			log.Warn().Str("mint", cmd.TokenMint).Msg("degen mode: forcing max slippage on penultimate emergency attempt")
		}

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		outcome, err := r.adapter.ExecuteSellWithRetry(ctx, execservice.SellRequest{
			TokenMint:       cmd.TokenMint,
			FractionPercent: cmd.Fraction,
			IsEmergency:     cmd.IsEmergency,
			SlippageBps:     slippageBps,
			PriorityTip:     priorityTip,
		})
		cancel()

		if err == nil {
			r.reconcile(cmd, outcome)
			return
		}

		class := execservice.Classify(err)
		switch class {
		case errors.ClassSlippageTight:
			slippageBps = min(slippageBps*2, int(maxSlippageBps.IntPart()))
		case errors.ClassNetworkTransient:
			priorityTip = uint64(float64(priorityTip) * 1.5)
		case errors.ClassRateLimit:
			// no param change, just backoff
		}

		if attempt == maxAttempts {
			reason := fmt.Sprintf("%s: %v", class, err)
			log.Error().Str("mint", cmd.TokenMint).Str("kind", string(cmd.Kind)).Str("reason", reason).
				Msg("execution attempts exhausted, position still open - intervene manually")
			r.notifier.SendErrorAlert(fmt.Sprintf("%s on %s exhausted retries: position still open - intervene manually (%s)",
				cmd.Kind, cmd.TokenMint, reason))
			r.sendFeedback(model.Feedback{TokenMint: cmd.TokenMint, Kind: cmd.Kind, Success: false, Reason: reason})
			return
		}

		log.Warn().Str("mint", cmd.TokenMint).Int("attempt", attempt).Str("class", class.String()).Err(err).
			Msg("execution attempt failed, retrying")
		time.Sleep(backoff(attempt))
	}
}

func (r *Router) resolvePriorityTip() uint64 {
	if r.oracle == nil {
		return r.cfg.DefaultPriorityTip
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	tip, err := r.oracle.PriorityFee(ctx)
	if err != nil {
		return r.cfg.DefaultPriorityTip
	}
	return tip
}

// runSimulated fabricates a deterministic successful outcome instead
// of calling the real adapter, for auto_execute=false operation.
func (r *Router) runSimulated(cmd model.Command) {
	pos, err := r.store.GetPosition(cmd.TokenMint)
	if err != nil || pos == nil {
		r.sendFeedback(model.Feedback{TokenMint: cmd.TokenMint, Kind: cmd.Kind, Success: false, Reason: "no position for simulated trade"})
		return
	}

	fraction := cmd.Fraction
	amount := pos.AmountNative.Mul(fraction).Div(hundred)
	outcome := execservice.SwapOutcome{
		Signature:      "SIMULATED",
		InputAmount:    amount,
		OutputAmount:   amount.Mul(pos.CurrentPrice),
		Route:          "simulation",
		PriceImpactPct: decimal.Zero,
		FeePaid:        decimal.Zero,
	}
	r.reconcile(cmd, outcome)
}

func (r *Router) sendFeedback(fb model.Feedback) {
	select {
	case r.feedback <- fb:
	default:
		log.Warn().Str("mint", fb.TokenMint).Msg("feedback channel full, dropping")
	}
}

// reconcile runs the post-execution bookkeeping: trade record,
// position update, success feedback. Each step is a separate store
// call with no enclosing transaction; a failed step is logged and does
// not undo the steps before it.
func (r *Router) reconcile(cmd model.Command, outcome execservice.SwapOutcome) {
	pos, err := r.store.GetPosition(cmd.TokenMint)
	if err != nil || pos == nil {
		log.Error().Str("mint", cmd.TokenMint).Msg("reconcile: position missing")
		r.sendFeedback(model.Feedback{TokenMint: cmd.TokenMint, Kind: cmd.Kind, Success: true})
		return
	}

	invested := pos.AmountNative.Mul(cmd.Fraction).Div(hundred)
	pnlNative := outcome.OutputAmount.Sub(invested)
	pnlPercent := decimal.Zero
	if !invested.IsZero() {
		pnlPercent = pnlNative.Div(invested).Mul(hundred)
	}

	tradeType := tradeTypeFor(cmd)
	simulated := outcome.Signature == "SIMULATED"

	if !simulated || r.cfg.SimLoggingEnabled {
		trade := &model.TradeRecord{
			Signature:      outcome.Signature,
			TokenMint:      cmd.TokenMint,
			Symbol:         pos.Symbol,
			TradeType:      tradeType,
			AmountIn:       outcome.InputAmount,
			AmountOut:      outcome.OutputAmount,
			PriceExecuted:  pos.CurrentPrice,
			PnLNative:      pnlNative,
			PnLPercent:     pnlPercent,
			Route:          outcome.Route,
			PriceImpactPct: outcome.PriceImpactPct,
			FeePaid:        outcome.FeePaid,
			ExecutedAt:     time.Now(),
		}
		if err := r.store.RecordTrade(trade); err != nil {
			log.Error().Err(err).Str("mint", cmd.TokenMint).Msg("failed to record trade")
			r.notifier.SendErrorAlert(fmt.Sprintf("trade executed for %s but the trade record failed to persist: %v", cmd.TokenMint, err))
		}
	}

	switch {
	case cmd.Kind == model.KindStopLoss || cmd.Fraction.Equal(hundred):
		if err := r.store.ClosePosition(cmd.TokenMint); err != nil {
			log.Error().Err(err).Str("mint", cmd.TokenMint).Msg("close_position failed")
		}
	case cmd.Kind == model.KindTP1:
		if err := r.store.MarkTP1Triggered(cmd.TokenMint); err != nil {
			log.Error().Err(err).Str("mint", cmd.TokenMint).Msg("mark_tp1_triggered failed")
		}
		remaining := pos.AmountNative.Mul(hundred.Sub(cmd.Fraction)).Div(hundred)
		if err := r.store.UpdateAmountInvested(cmd.TokenMint, remaining); err != nil {
			log.Error().Err(err).Str("mint", cmd.TokenMint).Msg("update_amount_invested failed")
		}
	case cmd.Kind == model.KindTP2:
		if err := r.store.MarkTP2Triggered(cmd.TokenMint); err != nil {
			log.Error().Err(err).Str("mint", cmd.TokenMint).Msg("mark_tp2_triggered failed")
		}
		remaining := pos.AmountNative.Mul(hundred.Sub(cmd.Fraction)).Div(hundred)
		if err := r.store.UpdateAmountInvested(cmd.TokenMint, remaining); err != nil {
			log.Error().Err(err).Str("mint", cmd.TokenMint).Msg("update_amount_invested failed")
		}
	}

	r.notifier.SendMessage(fmt.Sprintf("%s executed on %s: pnl %s (%s%%)", cmd.Kind, cmd.TokenMint, pnlNative.StringFixed(4), pnlPercent.StringFixed(2)))
	r.sendFeedback(model.Feedback{TokenMint: cmd.TokenMint, Kind: cmd.Kind, Success: true})
}

func tradeTypeFor(cmd model.Command) model.TradeType {
	switch cmd.Kind {
	case model.KindStopLoss:
		return model.TradeAutoSL
	case model.KindTP1:
		return model.TradeAutoTP1
	case model.KindTP2:
		return model.TradeAutoTP2
	default:
		return model.TradeManualSell
	}
}

// ForceCloseAll liquidates every active position via a multi-sell
// bundle, staggering submissions to avoid tripping rate limits, for
// operator-triggered panic-close.
func (r *Router) ForceCloseAll(ctx context.Context) error {
	positions, err := r.store.GetActivePositions()
	if err != nil {
		return err
	}

	for _, pos := range positions {
		go func(p *model.Position) {
			outcomes, err := r.adapter.ExecuteMultiSell(ctx, []string{p.TokenMint}, hundred)
			if err != nil || len(outcomes) == 0 {
				log.Error().Err(err).Str("mint", p.TokenMint).Msg("force close failed")
				return
			}
			r.reconcile(model.Command{Kind: model.KindStopLoss, TokenMint: p.TokenMint, Fraction: hundred, IsEmergency: true}, outcomes[0])
		}(pos)
		time.Sleep(100 * time.Millisecond)
	}
	return nil
}
