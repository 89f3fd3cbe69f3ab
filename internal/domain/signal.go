package domain

import "time"

// Action is the strategy layer's intent. Anything other than buy or sell is
// ignored by the core.
type Action string

const (
	ActionBuy  Action = "buy"
	ActionSell Action = "sell"
	ActionHold Action = "hold"
)

// Signal is the opaque strategy layer's output consumed by the trader.
type Signal struct {
	Strategy  string
	Symbol    string
	Action    Action
	Side      OutcomeSide
	Size      float64 // quote currency notional
	Reason    string
	Timestamp time.Time
}

// Actionable reports whether the core should react to the signal at all:
// buy/sell with a positive size and a known outcome side. Malformed and hold
// signals are dropped, not errors.
func (s Signal) Actionable() bool {
	if s.Action != ActionBuy && s.Action != ActionSell {
		return false
	}
	if s.Side != OutcomeUp && s.Side != OutcomeDown {
		return false
	}
	return s.Size > 0
}
