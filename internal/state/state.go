// Package state implements the State Manager: the single-writer,
// multi-reader durable store for positions and the trade log.
package state

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
	"github.com/shopspring/decimal"

	"github.com/rs/zerolog/log"
	"engine/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS positions (
	token_mint TEXT PRIMARY KEY,
	symbol TEXT NOT NULL,
	entry_price TEXT NOT NULL,
	amount_native TEXT NOT NULL,
	stop_loss_percent TEXT NOT NULL,
	tp1_percent TEXT NOT NULL,
	tp1_fraction TEXT NOT NULL,
	tp1_triggered INTEGER NOT NULL DEFAULT 0,
	tp2_set INTEGER NOT NULL DEFAULT 0,
	tp2_percent TEXT NOT NULL DEFAULT '0',
	tp2_fraction TEXT NOT NULL DEFAULT '0',
	tp2_triggered INTEGER NOT NULL DEFAULT 0,
	trailing_enabled INTEGER NOT NULL DEFAULT 0,
	trailing_distance_percent TEXT NOT NULL DEFAULT '0',
	trailing_activation_percent TEXT NOT NULL DEFAULT '0',
	trailing_peak_price TEXT NOT NULL DEFAULT '0',
	trailing_current_sl_percent TEXT NOT NULL DEFAULT '0',
	current_price TEXT NOT NULL DEFAULT '0',
	active INTEGER NOT NULL DEFAULT 1,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS trades (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	signature TEXT NOT NULL,
	token_mint TEXT NOT NULL,
	symbol TEXT NOT NULL,
	trade_type TEXT NOT NULL,
	amount_in TEXT NOT NULL,
	amount_out TEXT NOT NULL,
	price_executed TEXT NOT NULL,
	pnl_native TEXT NOT NULL,
	pnl_percent TEXT NOT NULL,
	route TEXT NOT NULL DEFAULT '',
	price_impact_pct TEXT NOT NULL DEFAULT '0',
	fee_paid TEXT NOT NULL DEFAULT '0',
	executed_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_executed_at ON trades(executed_at);
CREATE INDEX IF NOT EXISTS idx_trades_mint ON trades(token_mint);

CREATE TABLE IF NOT EXISTS pending_commands (
	id TEXT PRIMARY KEY,
	token_mint TEXT NOT NULL,
	kind TEXT NOT NULL,
	started_at INTEGER NOT NULL
);
`

// Store is the sqlite-backed State Manager. All mutating operations
// take wmu so concurrent callers are serialized, matching the spec's
// "connection pool with FIFO write discipline" on top of sqlite's
// single-writer model.
type Store struct {
	db  *sql.DB
	wmu sync.Mutex
}

// Open opens (creating if necessary) the sqlite database at path with
// WAL journaling, matching the teacher's pragma-tuned DSN.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func now() int64 { return time.Now().Unix() }

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func dec(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return v
}

func scanPosition(row interface {
	Scan(dest ...any) error
}) (*model.Position, error) {
	var p model.Position
	var entry, amount, sl, tp1p, tp1f, tp2p, tp2f, trDist, trAct, trPeak, trSL, curPrice string
	var tp1t, tp2set, tp2t, trEnabled, active int
	var createdAt, updatedAt int64

	if err := row.Scan(
		&p.TokenMint, &p.Symbol, &entry, &amount, &sl,
		&tp1p, &tp1f, &tp1t,
		&tp2set, &tp2p, &tp2f, &tp2t,
		&trEnabled, &trDist, &trAct, &trPeak, &trSL,
		&curPrice, &active, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	p.EntryPrice = dec(entry)
	p.AmountNative = dec(amount)
	p.StopLossPercent = dec(sl)
	p.TP1Percent = dec(tp1p)
	p.TP1Fraction = dec(tp1f)
	p.TP1Triggered = tp1t != 0
	p.TP2Set = tp2set != 0
	p.TP2Percent = dec(tp2p)
	p.TP2Fraction = dec(tp2f)
	p.TP2Triggered = tp2t != 0
	p.TrailingEnabled = trEnabled != 0
	p.TrailingDistancePercent = dec(trDist)
	p.TrailingActivationPercent = dec(trAct)
	p.TrailingPeakPrice = dec(trPeak)
	p.TrailingCurrentSLPercent = dec(trSL)
	p.CurrentPrice = dec(curPrice)
	p.Active = active != 0
	p.CreatedAt = time.Unix(createdAt, 0)
	p.UpdatedAt = time.Unix(updatedAt, 0)

	return &p, nil
}

const positionColumns = `token_mint, symbol, entry_price, amount_native, stop_loss_percent,
	tp1_percent, tp1_fraction, tp1_triggered,
	tp2_set, tp2_percent, tp2_fraction, tp2_triggered,
	trailing_enabled, trailing_distance_percent, trailing_activation_percent,
	trailing_peak_price, trailing_current_sl_percent,
	current_price, active, created_at, updated_at`

// GetActivePositions returns all active=true rows.
func (s *Store) GetActivePositions() ([]*model.Position, error) {
	rows, err := s.db.Query(`SELECT ` + positionColumns + ` FROM positions WHERE active = 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetPosition returns the position for mint, or nil if absent.
func (s *Store) GetPosition(mint string) (*model.Position, error) {
	row := s.db.QueryRow(`SELECT `+positionColumns+` FROM positions WHERE token_mint = ?`, mint)
	p, err := scanPosition(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// UpsertPosition creates or replaces the row for pos.TokenMint.
func (s *Store) UpsertPosition(pos *model.Position) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	ts := now()
	createdAt := ts
	if !pos.CreatedAt.IsZero() {
		createdAt = pos.CreatedAt.Unix()
	}

	_, err := s.db.Exec(`
		INSERT INTO positions (`+positionColumns+`)
		VALUES (?,?,?,?,?, ?,?,?, ?,?,?,?, ?,?,?,?,?, ?,?,?,?)
		ON CONFLICT(token_mint) DO UPDATE SET
			symbol=excluded.symbol, entry_price=excluded.entry_price, amount_native=excluded.amount_native,
			stop_loss_percent=excluded.stop_loss_percent,
			tp1_percent=excluded.tp1_percent, tp1_fraction=excluded.tp1_fraction, tp1_triggered=excluded.tp1_triggered,
			tp2_set=excluded.tp2_set, tp2_percent=excluded.tp2_percent, tp2_fraction=excluded.tp2_fraction, tp2_triggered=excluded.tp2_triggered,
			trailing_enabled=excluded.trailing_enabled, trailing_distance_percent=excluded.trailing_distance_percent,
			trailing_activation_percent=excluded.trailing_activation_percent,
			trailing_peak_price=excluded.trailing_peak_price, trailing_current_sl_percent=excluded.trailing_current_sl_percent,
			current_price=excluded.current_price, active=excluded.active, updated_at=excluded.updated_at
	`,
		pos.TokenMint, pos.Symbol, pos.EntryPrice.String(), pos.AmountNative.String(), pos.StopLossPercent.String(),
		pos.TP1Percent.String(), pos.TP1Fraction.String(), boolToInt(pos.TP1Triggered),
		boolToInt(pos.TP2Set), pos.TP2Percent.String(), pos.TP2Fraction.String(), boolToInt(pos.TP2Triggered),
		boolToInt(pos.TrailingEnabled), pos.TrailingDistancePercent.String(), pos.TrailingActivationPercent.String(),
		pos.TrailingPeakPrice.String(), pos.TrailingCurrentSLPercent.String(),
		pos.CurrentPrice.String(), boolToInt(pos.Active), createdAt, ts,
	)
	return err
}

// UpdatePositionPrice is the fast path: updates only current_price
// and updated_at.
func (s *Store) UpdatePositionPrice(mint string, price decimal.Decimal) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	_, err := s.db.Exec(`UPDATE positions SET current_price = ?, updated_at = ? WHERE token_mint = ?`,
		price.String(), now(), mint)
	return err
}

// UpdateTrailingSL atomically advances the trailing fields. It is
// monotone: a write that would lower current_sl (or peak) compared to
// the stored row is silently rejected rather than applied, since
// trailing writes race across goroutines and a stale write must never
// reverse a newer one.
func (s *Store) UpdateTrailingSL(mint string, peak, currentSL decimal.Decimal, enabled bool) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	_, err := s.db.Exec(`
		UPDATE positions
		SET trailing_peak_price = CASE WHEN CAST(? AS REAL) > CAST(trailing_peak_price AS REAL) THEN ? ELSE trailing_peak_price END,
		    trailing_current_sl_percent = CASE WHEN CAST(? AS REAL) > CAST(trailing_current_sl_percent AS REAL) THEN ? ELSE trailing_current_sl_percent END,
		    trailing_enabled = CASE WHEN ? = 1 THEN 1 ELSE trailing_enabled END,
		    updated_at = ?
		WHERE token_mint = ?
	`, peak.String(), peak.String(), currentSL.String(), currentSL.String(), boolToInt(enabled), now(), mint)
	return err
}

// MarkTP1Triggered idempotently sets tp1_triggered.
func (s *Store) MarkTP1Triggered(mint string) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	_, err := s.db.Exec(`UPDATE positions SET tp1_triggered = 1, updated_at = ? WHERE token_mint = ?`, now(), mint)
	return err
}

// MarkTP2Triggered idempotently sets tp2_triggered (and tp1_triggered,
// preserving the tp2_triggered => tp1_triggered invariant).
func (s *Store) MarkTP2Triggered(mint string) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	_, err := s.db.Exec(`UPDATE positions SET tp2_triggered = 1, tp1_triggered = 1, updated_at = ? WHERE token_mint = ?`, now(), mint)
	return err
}

// UpdateAmountInvested records the remaining allocation after a
// partial close.
func (s *Store) UpdateAmountInvested(mint string, remaining decimal.Decimal) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	_, err := s.db.Exec(`UPDATE positions SET amount_native = ?, updated_at = ? WHERE token_mint = ?`,
		remaining.String(), now(), mint)
	return err
}

// ClosePosition idempotently sets active=false.
func (s *Store) ClosePosition(mint string) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	_, err := s.db.Exec(`UPDATE positions SET active = 0, updated_at = ? WHERE token_mint = ?`, now(), mint)
	return err
}

// RecordTrade appends trade to the trade log. Trade rows are never
// updated after insertion.
func (s *Store) RecordTrade(trade *model.TradeRecord) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	ts := trade.ExecutedAt.Unix()
	if trade.ExecutedAt.IsZero() {
		ts = now()
	}

	res, err := s.db.Exec(`
		INSERT INTO trades (signature, token_mint, symbol, trade_type, amount_in, amount_out,
			price_executed, pnl_native, pnl_percent, route, price_impact_pct, fee_paid, executed_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
	`,
		trade.Signature, trade.TokenMint, trade.Symbol, string(trade.TradeType),
		trade.AmountIn.String(), trade.AmountOut.String(), trade.PriceExecuted.String(),
		trade.PnLNative.String(), trade.PnLPercent.String(), trade.Route,
		trade.PriceImpactPct.String(), trade.FeePaid.String(), ts,
	)
	if err != nil {
		log.Error().Err(err).Str("mint", trade.TokenMint).Msg("record_trade failed")
		return err
	}
	if id, err := res.LastInsertId(); err == nil {
		trade.ID = id
	}
	return nil
}

// GetTradeHistory returns the most recent trades, newest first.
func (s *Store) GetTradeHistory(limit int) ([]*model.TradeRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, signature, token_mint, symbol, trade_type, amount_in, amount_out,
			price_executed, pnl_native, pnl_percent, route, price_impact_pct, fee_paid, executed_at
		FROM trades ORDER BY executed_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.TradeRecord
	for rows.Next() {
		var t model.TradeRecord
		var tradeType string
		var amtIn, amtOut, price, pnlN, pnlP, impact, fee string
		var executedAt int64
		if err := rows.Scan(&t.ID, &t.Signature, &t.TokenMint, &t.Symbol, &tradeType,
			&amtIn, &amtOut, &price, &pnlN, &pnlP, &t.Route, &impact, &fee, &executedAt); err != nil {
			return nil, err
		}
		t.TradeType = model.TradeType(tradeType)
		t.AmountIn = dec(amtIn)
		t.AmountOut = dec(amtOut)
		t.PriceExecuted = dec(price)
		t.PnLNative = dec(pnlN)
		t.PnLPercent = dec(pnlP)
		t.PriceImpactPct = dec(impact)
		t.FeePaid = dec(fee)
		t.ExecutedAt = time.Unix(executedAt, 0)
		out = append(out, &t)
	}
	return out, rows.Err()
}

// Stats is an aggregate summary over the trade log.
type Stats struct {
	TotalTrades  int
	TotalPnLNative decimal.Decimal
	Wins         int
	Losses       int
}

// GetStats aggregates over the full trade log.
func (s *Store) GetStats() (*Stats, error) {
	row := s.db.QueryRow(`
		SELECT COUNT(*),
			COALESCE(SUM(CAST(pnl_native AS REAL)), 0),
			COALESCE(SUM(CASE WHEN CAST(pnl_native AS REAL) > 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN CAST(pnl_native AS REAL) < 0 THEN 1 ELSE 0 END), 0)
		FROM trades
	`)
	var total, wins, losses int
	var pnl float64
	if err := row.Scan(&total, &pnl, &wins, &losses); err != nil {
		return nil, err
	}
	return &Stats{
		TotalTrades:    total,
		TotalPnLNative: decimal.NewFromFloat(pnl),
		Wins:           wins,
		Losses:         losses,
	}, nil
}

// FeeStats summarizes fees paid since an optional cutoff.
type FeeStats struct {
	TotalFeePaid decimal.Decimal
	TradeCount   int
}

// GetFeeStats sums fee_paid across trades, optionally since a cutoff
// time. A zero since means "all time".
func (s *Store) GetFeeStats(since time.Time) (*FeeStats, error) {
	var row *sql.Row
	if since.IsZero() {
		row = s.db.QueryRow(`SELECT COALESCE(SUM(CAST(fee_paid AS REAL)),0), COUNT(*) FROM trades`)
	} else {
		row = s.db.QueryRow(`SELECT COALESCE(SUM(CAST(fee_paid AS REAL)),0), COUNT(*) FROM trades WHERE executed_at >= ?`, since.Unix())
	}
	var fee float64
	var count int
	if err := row.Scan(&fee, &count); err != nil {
		return nil, err
	}
	return &FeeStats{TotalFeePaid: decimal.NewFromFloat(fee), TradeCount: count}, nil
}

// PutPendingCommand records a short-lived pending-command marker
// before the Router starts a retry loop, per the supplemented
// crash-window mitigation.
func (s *Store) PutPendingCommand(id, mint, kind string) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	_, err := s.db.Exec(`INSERT OR REPLACE INTO pending_commands (id, token_mint, kind, started_at) VALUES (?,?,?,?)`,
		id, mint, kind, now())
	return err
}

// ClearPendingCommand removes the marker on terminal success/failure.
func (s *Store) ClearPendingCommand(id string) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	_, err := s.db.Exec(`DELETE FROM pending_commands WHERE id = ?`, id)
	return err
}

// StalePendingCommand is a pending-command row older than the
// boot-time staleness threshold.
type StalePendingCommand struct {
	ID        string
	TokenMint string
	Kind      string
	StartedAt time.Time
}

// StalePendingCommands returns pending-command rows older than
// maxAge, for the Safety Supervisor to surface as possible-duplicate
// risk at boot.
func (s *Store) StalePendingCommands(maxAge time.Duration) ([]StalePendingCommand, error) {
	cutoff := time.Now().Add(-maxAge).Unix()
	rows, err := s.db.Query(`SELECT id, token_mint, kind, started_at FROM pending_commands WHERE started_at < ?`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StalePendingCommand
	for rows.Next() {
		var c StalePendingCommand
		var startedAt int64
		if err := rows.Scan(&c.ID, &c.TokenMint, &c.Kind, &startedAt); err != nil {
			return nil, err
		}
		c.StartedAt = time.Unix(startedAt, 0)
		out = append(out, c)
	}
	return out, rows.Err()
}
