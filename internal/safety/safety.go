// Package safety implements the Safety Supervisor: the ghost-position
// purge run once at boot, the stale pending-command check, and the
// hibernation watcher that advises the rest of the engine when the
// wallet balance runs low. Price Feed connectivity alerts are sent by
// the on-chain stream through the notifier, not by this package.
package safety

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"engine/internal/model"
	"engine/internal/notify"
	"engine/internal/state"
	"engine/internal/walletinfo"
)

// hysteresis is the spec's stated gap above min_balance required
// before hibernation clears, to avoid flapping right at the floor.
var hysteresis = decimal.NewFromFloat(0.04)

// hibernationCheckInterval is how often the watcher re-reads balance.
const hibernationCheckInterval = 30 * time.Second

// stalePendingThreshold marks a pending-command row as a possible
// duplicate risk once it has outlived a normal retry loop.
const stalePendingThreshold = 2 * time.Minute

// Supervisor owns the boot-time ghost purge and the background
// hibernation watcher.
type Supervisor struct {
	store    *state.Store
	rpc      *walletinfo.RPCClient
	wallet   *walletinfo.Wallet
	tracker  *walletinfo.BalanceTracker
	notifier notify.Notifier

	minBalance decimal.Decimal
	walletAddr string

	hibernating atomic.Bool
}

// New builds a Safety Supervisor.
func New(store *state.Store, rpc *walletinfo.RPCClient, wallet *walletinfo.Wallet, notifier notify.Notifier, minBalance decimal.Decimal) *Supervisor {
	return &Supervisor{
		store:      store,
		rpc:        rpc,
		wallet:     wallet,
		tracker:    walletinfo.NewBalanceTracker(wallet, rpc),
		notifier:   notifier,
		minBalance: minBalance,
		walletAddr: wallet.Address(),
	}
}

// Hibernating reports the current advisory hibernation flag. Other
// components may consult it before emitting new trading commands.
func (s *Supervisor) Hibernating() bool {
	return s.hibernating.Load()
}

// RunBootChecks performs the ghost-position purge and logs any stale
// pending-command rows, then returns. It should run once, before the
// rest of the engine starts consuming ticks.
func (s *Supervisor) RunBootChecks(ctx context.Context) {
	s.purgeGhostPositions(ctx)
	s.logStalePendingCommands()
}

func (s *Supervisor) purgeGhostPositions(ctx context.Context) {
	positions, err := s.store.GetActivePositions()
	if err != nil {
		log.Error().Err(err).Msg("safety: failed to load active positions for ghost purge")
		return
	}

	for _, pos := range positions {
		accounts, err := s.rpc.GetTokenAccountsByOwner(ctx, s.walletAddr, pos.TokenMint)
		if err != nil {
			log.Warn().Err(err).Str("mint", pos.TokenMint).Msg("safety: ghost purge check failed, leaving position active")
			continue
		}

		var balance uint64
		for _, acc := range accounts {
			balance += acc.Amount
		}
		if balance > 0 {
			continue
		}

		log.Warn().Str("mint", pos.TokenMint).Msg("safety: ghost position detected, zero on-chain balance, closing")

		if err := s.store.RecordTrade(&model.TradeRecord{
			TokenMint:  pos.TokenMint,
			Symbol:     pos.Symbol,
			TradeType:  model.TradeGhostPurge,
			PnLNative:  pos.AmountNative.Neg(),
			PnLPercent: decimal.NewFromInt(-100),
			ExecutedAt: time.Now(),
		}); err != nil {
			log.Error().Err(err).Str("mint", pos.TokenMint).Msg("safety: failed to record ghost purge trade")
		}
		if err := s.store.ClosePosition(pos.TokenMint); err != nil {
			log.Error().Err(err).Str("mint", pos.TokenMint).Msg("safety: failed to close ghost position")
		}
	}
}

func (s *Supervisor) logStalePendingCommands() {
	stale, err := s.store.StalePendingCommands(stalePendingThreshold)
	if err != nil {
		log.Error().Err(err).Msg("safety: failed to query stale pending commands")
		return
	}
	for _, c := range stale {
		log.Warn().Str("mint", c.TokenMint).Str("kind", c.Kind).Time("started_at", c.StartedAt).
			Msg("safety: stale pending command found at boot, possible duplicate risk")
	}
}

// RunHibernationWatcher polls the wallet balance every 30s and flips
// the hibernation flag per the spec's hysteresis rule, until ctx is
// cancelled.
func (s *Supervisor) RunHibernationWatcher(ctx context.Context) {
	ticker := time.NewTicker(hibernationCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkBalance(ctx)
		}
	}
}

func (s *Supervisor) checkBalance(ctx context.Context) {
	if err := s.tracker.Refresh(ctx); err != nil {
		log.Warn().Err(err).Msg("safety: balance refresh failed")
		return
	}
	balance := s.tracker.Balance()

	fees, err := s.store.GetFeeStats(time.Time{})
	var feeNote string
	if err == nil {
		feeNote = fees.TotalFeePaid.StringFixed(6)
	}

	wasHibernating := s.hibernating.Load()
	switch nextHibernationState(wasHibernating, balance, s.minBalance) {
	case true:
		if !wasHibernating {
			s.hibernating.Store(true)
			log.Warn().Str("balance", balance.StringFixed(6)).Str("min_balance", s.minBalance.StringFixed(6)).
				Msg("safety: wallet balance below minimum, hibernating")
			s.notifier.SendErrorAlert("wallet balance " + balance.StringFixed(6) + " below minimum " +
				s.minBalance.StringFixed(6) + ", lifetime fees paid " + feeNote + " - new trading commands suppressed")
		}
	case false:
		if wasHibernating {
			s.hibernating.Store(false)
			log.Info().Str("balance", balance.StringFixed(6)).Msg("safety: wallet balance recovered, clearing hibernation")
			s.notifier.SendMessage("wallet balance recovered to " + balance.StringFixed(6) + ", resuming trading")
		}
	}
}

// nextHibernationState applies the spec's hysteresis rule: trip below
// minBalance, clear only once balance reaches minBalance+hysteresis,
// and hold steady inside the band between the two.
func nextHibernationState(current bool, balance, minBalance decimal.Decimal) bool {
	if balance.LessThan(minBalance) {
		return true
	}
	if balance.GreaterThanOrEqual(minBalance.Add(hysteresis)) {
		return false
	}
	return current
}
