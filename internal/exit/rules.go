package exit

import (
	"polytrader/internal/domain"
)

// Decision is the outcome of one tick evaluation for one position.
type Decision struct {
	Exit   bool
	Reason string // one of the domain.ExitReason constants when Exit is true
}

// hold is the no-action decision.
var hold = Decision{}

// Evaluate runs the fixed-priority rule chain for one position at the current
// price. The first matching rule wins and short-circuits the rest for this
// tick. Side effects on p are limited to raising the high-water mark and the
// locked floor; the caller owns the state transition when an exit fires.
//
// Priority order:
//  1. stop loss, always first as the safety net
//  2. high-water-mark update
//  3. profit-floor ratchet (never lowers)
//  4. floor exit
//  5. trailing exit
func Evaluate(p *domain.Position, price float64, rules RuleSet) Decision {
	pct := p.UnrealizedPct(price)

	// 1. Stop loss outranks everything, including a nominally matching
	// trailing condition from an earlier peak.
	if pct <= -rules.StopLossPct {
		return Decision{Exit: true, Reason: domain.ExitReasonStopLoss}
	}

	// 2. New peak.
	p.RaiseHighWaterMark(price)

	// 3. Ratchet: every step whose threshold the peak has reached may raise
	// the floor. Walked ascending so the highest earned floor sticks.
	for _, step := range rules.Floors {
		if step.Threshold <= p.PeakProfitPct {
			p.RaiseFloor(step.Floor)
		}
	}

	// 4. Locked floor hit: lock in at least the floor.
	if p.LockedFloor > 0 && pct <= p.LockedFloor {
		return Decision{Exit: true, Reason: domain.ExitReasonFloor}
	}

	// 5. Trailing: give back from the peak while still above the floor.
	if p.HighWaterMark > 0 && p.DrawdownFromPeak(price) >= rules.TrailingPct {
		return Decision{Exit: true, Reason: domain.ExitReasonTrailing}
	}

	return hold
}
