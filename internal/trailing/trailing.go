// Package trailing implements the per-position trailing stop-loss
// ratchet: a peak tracker whose stop floor only ever moves up.
package trailing

import "github.com/shopspring/decimal"

var hundred = decimal.NewFromInt(100)

// Stop is one position's trailing stop-loss state.
type Stop struct {
	Entry      decimal.Decimal
	InitialSL  decimal.Decimal
	Peak       decimal.Decimal
	CurrentSL  decimal.Decimal
	Distance   decimal.Decimal
	Activation decimal.Decimal
	Enabled    bool
}

// New creates a Stop seeded at entry, disabled until the activation
// threshold is reached.
func New(entry, initialSL, distance, activation decimal.Decimal) *Stop {
	return &Stop{
		Entry:      entry,
		InitialSL:  initialSL,
		Peak:       entry,
		CurrentSL:  initialSL,
		Distance:   distance,
		Activation: activation,
		Enabled:    false,
	}
}

// Resume rebuilds a Stop from persisted state (peak/current_sl
// already advanced by a prior run). A persisted current_sl is only
// taken over once the stop is enabled; before activation the floor
// stays at initialSL.
func Resume(entry, initialSL, distance, activation, peak, currentSL decimal.Decimal, enabled bool) *Stop {
	s := New(entry, initialSL, distance, activation)
	if peak.GreaterThan(s.Peak) {
		s.Peak = peak
	}
	if enabled && currentSL.GreaterThan(s.CurrentSL) {
		s.CurrentSL = currentSL
	}
	s.Enabled = enabled
	return s
}

// Update advances the ratchet for the given price and reports
// whether Peak, Enabled or CurrentSL changed.
func (s *Stop) Update(price decimal.Decimal) bool {
	changed := false

	if price.GreaterThan(s.Peak) {
		s.Peak = price
		changed = true
	}

	gain := price.Sub(s.Entry).Div(s.Entry).Mul(hundred)

	if !s.Enabled && gain.GreaterThanOrEqual(s.Activation) {
		s.Enabled = true
		changed = true
	}

	if s.Enabled {
		candidate := s.Peak.Mul(hundred.Sub(s.Distance)).Div(hundred).Sub(s.Entry).Div(s.Entry).Mul(hundred)
		if candidate.GreaterThan(s.CurrentSL) {
			s.CurrentSL = candidate
			changed = true
		}
	}

	return changed
}

// GainFromEntry returns (price-entry)/entry*100.
func (s *Stop) GainFromEntry(price decimal.Decimal) decimal.Decimal {
	return price.Sub(s.Entry).Div(s.Entry).Mul(hundred)
}

// IsTriggered reports whether price has fallen to or below the
// current SL floor.
func (s *Stop) IsTriggered(price decimal.Decimal) bool {
	return s.GainFromEntry(price).LessThanOrEqual(s.CurrentSL)
}

// SLPrice returns the native-unit price corresponding to CurrentSL.
func (s *Stop) SLPrice() decimal.Decimal {
	return s.Entry.Mul(hundred.Add(s.CurrentSL)).Div(hundred)
}

// Reset returns the Stop to its pre-activation state.
func (s *Stop) Reset() {
	s.Peak = s.Entry
	s.CurrentSL = s.InitialSL
	s.Enabled = false
}
