// Package execservice defines the External Execution Service contract
// the Execution Router drives, and the error classification boundary
// that keeps the core free of raw upstream-string inspection.
package execservice

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"

	"engine/internal/errors"
)

// SellRequest is one attempt's parameters.
type SellRequest struct {
	TokenMint       string
	FractionPercent decimal.Decimal
	IsEmergency     bool
	SlippageBps     int
	PriorityTip     uint64
}

// SwapOutcome is the result of a successful swap.
type SwapOutcome struct {
	Signature      string
	InputAmount    decimal.Decimal
	OutputAmount   decimal.Decimal
	Route          string
	PriceImpactPct decimal.Decimal
	FeePaid        decimal.Decimal
}

// Adapter is the out-of-scope external execution service: wire-level
// DEX quote/build/sign/send primitives live behind this interface.
type Adapter interface {
	ExecuteSellWithRetry(ctx context.Context, req SellRequest) (SwapOutcome, error)
	ExecuteMultiSell(ctx context.Context, mints []string, fractionPercent decimal.Decimal) ([]SwapOutcome, error)
}

// PriorityFeeOracle returns a dynamic priority-fee hint. Implementers
// should honor the context's deadline (the Router gives it 2s) and
// return an error if no hint is available, in which case the Router
// falls back to its configured default.
type PriorityFeeOracle interface {
	PriorityFee(ctx context.Context) (uint64, error)
}

// Classify maps a raw adapter error into the small enum the Router
// switches on. This is the one place in the codebase that inspects
// upstream error text; everything past this boundary works off
// errors.Class.
func Classify(err error) errors.Class {
	if err == nil {
		return errors.ClassOther
	}
	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "toomanyrequests"), strings.Contains(msg, "rate limit"), strings.Contains(msg, "429"):
		return errors.ClassRateLimit
	case strings.Contains(msg, "slippage"), strings.Contains(msg, "0x11"), strings.Contains(msg, "insufficient"), strings.Contains(msg, "error"):
		return errors.ClassSlippageTight
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "blockhashnotfound"), strings.Contains(msg, "0x0"), strings.Contains(msg, "connection reset"):
		return errors.ClassNetworkTransient
	default:
		return errors.ClassOther
	}
}
