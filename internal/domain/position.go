package domain

import "time"

// PositionState is the exit controller's monitoring state for a position.
type PositionState string

const (
	PositionOpen      PositionState = "OPEN"
	PositionExiting   PositionState = "EXITING"
	PositionClosed    PositionState = "CLOSED"
	PositionAbandoned PositionState = "ABANDONED"
)

// Position is one live holding in the exit controller's table, keyed by
// strategy+symbol+window. Created on a confirmed entry fill, mutated on every
// tick, and destroyed on confirmed exit fill, window expiry, or abandonment.
type Position struct {
	Strategy  string
	Symbol    string
	WindowKey string
	TokenID   string
	Outcome   OutcomeSide

	EntryPrice    float64
	Shares        float64
	CostBasis     float64 // actual currency spent: shares * avg fill price
	RequestedSize float64 // nominal notional requested at entry, kept for audit

	HighWaterMark float64 // best price observed since entry
	PeakProfitPct float64 // peak unrealized profit fraction at the HWM
	LockedFloor   float64 // locked-in profit floor; monotonically non-decreasing

	State           PositionState
	FailedExitCount int
	EntryOrderID    string
	EntryTxRef      string
	OpenedAt        time.Time
	LastEvaluatedAt time.Time
	WindowEndTime   time.Time
}

// Key returns the position table key.
func (p *Position) Key() string {
	return p.Strategy + "|" + p.Symbol + "|" + p.WindowKey
}

// UnrealizedPct returns the unrealized profit fraction at price, relative to
// entry. Zero entry price yields zero rather than a division blow-up.
func (p *Position) UnrealizedPct(price float64) float64 {
	if p.EntryPrice <= 0 {
		return 0
	}
	return (price - p.EntryPrice) / p.EntryPrice
}

// UnrealizedPnL returns unrealized P&L in quote currency at price.
func (p *Position) UnrealizedPnL(price float64) float64 {
	return p.Shares*price - p.CostBasis
}

// RaiseHighWaterMark lifts the high-water mark and peak profit fraction if
// price exceeds the stored mark. Returns true when raised.
func (p *Position) RaiseHighWaterMark(price float64) bool {
	if price <= p.HighWaterMark {
		return false
	}
	p.HighWaterMark = price
	p.PeakProfitPct = p.UnrealizedPct(price)
	return true
}

// RaiseFloor lifts the locked profit floor to floor if it is higher. The
// floor never moves down once set.
func (p *Position) RaiseFloor(floor float64) bool {
	if floor <= p.LockedFloor {
		return false
	}
	p.LockedFloor = floor
	return true
}

// DrawdownFromPeak returns the fractional retracement of price from the
// high-water mark.
func (p *Position) DrawdownFromPeak(price float64) float64 {
	if p.HighWaterMark <= 0 {
		return 0
	}
	return (p.HighWaterMark - price) / p.HighWaterMark
}
