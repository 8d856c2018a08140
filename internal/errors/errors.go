// Package errors defines the small set of error classes the Execution
// Router reasons about. Everything upstream of execservice.Classify
// deals only in these, never in raw adapter error strings.
package errors

// Class is a coarse bucket for an execution attempt's failure, used to
// decide what to adjust before retrying.
type Class string

const (
	ClassSlippageTight   Class = "slippage_tight"
	ClassNetworkTransient Class = "network_transient"
	ClassRateLimit       Class = "rate_limit"
	ClassOther           Class = "other"
)

func (c Class) String() string {
	return string(c)
}
