// Package model defines the shared data types that flow between the
// trading control loop's components: positions, trade records, price
// ticks, commands and feedback.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradeType identifies why a trade record exists.
type TradeType string

const (
	TradeAutoSL     TradeType = "AUTO_SL"
	TradeAutoTP1    TradeType = "AUTO_TP1"
	TradeAutoTP2    TradeType = "AUTO_TP2"
	TradeManualBuy  TradeType = "MANUAL_BUY"
	TradeManualSell TradeType = "MANUAL_SELL"
	TradeGhostPurge TradeType = "GHOST_PURGE"
)

// TickSource identifies which feed produced a PriceTick.
type TickSource string

const (
	SourceStream    TickSource = "Stream"
	SourceWebSocket TickSource = "WebSocket"
	SourceRESTPoll  TickSource = "RESTPoll"
)

// CommandKind identifies the exit action a Command requests.
type CommandKind string

const (
	KindTP1      CommandKind = "TP1"
	KindTP2      CommandKind = "TP2"
	KindStopLoss CommandKind = "StopLoss"
)

// Position is one open (or recently closed) memecoin position.
//
// The State Manager keeps tp2_triggered => tp1_triggered (marking TP2
// also marks TP1) and never lowers the persisted trailing peak or
// current SL. It does not validate tp1_percent < tp2_percent or
// trailing_current_sl_percent >= stop_loss_percent when a position is
// upserted, and neither does this struct.
type Position struct {
	TokenMint string
	Symbol    string

	EntryPrice   decimal.Decimal
	AmountNative decimal.Decimal

	StopLossPercent decimal.Decimal

	TP1Percent   decimal.Decimal
	TP1Fraction  decimal.Decimal
	TP1Triggered bool

	TP2Set       bool
	TP2Percent   decimal.Decimal
	TP2Fraction  decimal.Decimal
	TP2Triggered bool

	TrailingEnabled            bool
	TrailingDistancePercent    decimal.Decimal
	TrailingActivationPercent  decimal.Decimal
	TrailingPeakPrice          decimal.Decimal
	TrailingCurrentSLPercent   decimal.Decimal

	CurrentPrice decimal.Decimal

	Active bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// TradeRecord is an append-only trade log entry. Once written it is
// never mutated.
type TradeRecord struct {
	ID             int64
	Signature      string
	TokenMint      string
	Symbol         string
	TradeType      TradeType
	AmountIn       decimal.Decimal
	AmountOut      decimal.Decimal
	PriceExecuted  decimal.Decimal
	PnLNative      decimal.Decimal
	PnLPercent     decimal.Decimal
	Route          string
	PriceImpactPct decimal.Decimal
	FeePaid        decimal.Decimal
	ExecutedAt     time.Time
}

// PriceTick is a single price observation for one token.
type PriceTick struct {
	TokenMint       string
	Symbol          string
	PriceNative     decimal.Decimal
	PriceUSD        decimal.Decimal
	LiquidityUSD    decimal.Decimal
	Volume24h       decimal.Decimal
	PriceChange24h  decimal.Decimal
	Source          TickSource
	ReceivedAt      time.Time
}

// Command is the sell action the Strategy Engine asks the Execution
// Router to carry out. Fraction applies to every Kind (StopLoss always
// carries 100); EntryPrice is set only for TP1 and IsEmergency only for
// StopLoss.
type Command struct {
	Kind        CommandKind
	TokenMint   string
	Symbol      string
	Fraction    decimal.Decimal // percent of remaining position, 0-100
	EntryPrice  decimal.Decimal
	IsEmergency bool
}

// Feedback is the terminal outcome of a Command.
type Feedback struct {
	TokenMint string
	Kind      CommandKind
	Success   bool
	Reason    string
}

// TrailingStop is the per-position peak-tracking ratchet state.
type TrailingStop struct {
	Entry      decimal.Decimal
	InitialSL  decimal.Decimal
	Peak       decimal.Decimal
	CurrentSL  decimal.Decimal
	Distance   decimal.Decimal
	Activation decimal.Decimal
	Enabled    bool
}

// MonitoredToken is the payload accepted on the Price Feed's
// Subscribe command channel. PoolAddress lets the on-chain source
// derive the vault pair up-front; it is ignored by the REST poller.
type MonitoredToken struct {
	TokenMint   string
	Symbol      string
	PoolAddress string
}
