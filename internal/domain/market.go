package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Market describes one live settlement window of a binary contract: the two
// outcome tokens and the instant the window resolves.
type Market struct {
	Symbol    string
	UpToken   string
	DownToken string
	EndTime   time.Time
}

// WindowKey identifies the settlement window for exposure accounting.
// Format: symbol|unix-end-time.
func (m Market) WindowKey() string {
	return WindowKey(m.Symbol, m.EndTime)
}

// WindowKey builds a settlement-window identifier from symbol and end time.
func WindowKey(symbol string, endTime time.Time) string {
	return fmt.Sprintf("%s|%d", symbol, endTime.Unix())
}

// ParseWindowKey splits a window key back into its symbol and end time. The
// key is self-describing so exposure held against a window stays resolvable
// after every live market for the symbol has moved on.
func ParseWindowKey(key string) (string, time.Time, error) {
	i := strings.LastIndexByte(key, '|')
	if i <= 0 || i == len(key)-1 {
		return "", time.Time{}, fmt.Errorf("malformed window key %q", key)
	}
	sec, err := strconv.ParseInt(key[i+1:], 10, 64)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("malformed window key %q: %w", key, err)
	}
	return key[:i], time.Unix(sec, 0).UTC(), nil
}

// TimeRemaining returns how long until the window resolves (negative once
// past resolution).
func (m Market) TimeRemaining(now time.Time) time.Duration {
	return m.EndTime.Sub(now)
}

// Token returns the token id for the given outcome side.
func (m Market) Token(outcome OutcomeSide) string {
	if outcome == OutcomeDown {
		return m.DownToken
	}
	return m.UpToken
}

// Quote is a top-of-book snapshot for one outcome token.
type Quote struct {
	Bid     float64
	Ask     float64
	Mid     float64
	Spread  float64
	BidSize float64
	AskSize float64
}

// SpreadPct returns the spread as a fraction of mid, or 0 when mid is zero.
func (q Quote) SpreadPct() float64 {
	if q.Mid <= 0 {
		return 0
	}
	return q.Spread / q.Mid
}

// AskSlipPct estimates entry slippage for a buy at the ask: the ask's
// premium over mid as a fraction of mid, or 0 when mid is zero.
func (q Quote) AskSlipPct() float64 {
	if q.Mid <= 0 {
		return 0
	}
	return (q.Ask - q.Mid) / q.Mid
}

// MarketUpdate is one tick of market data for an outcome token.
type MarketUpdate struct {
	Symbol    string
	TokenID   string
	Quote     Quote
	Timestamp time.Time
}

// Stale reports whether the update is older than maxAge at now. Acting on
// stale prices is worse than not acting at all.
func (u MarketUpdate) Stale(now time.Time, maxAge time.Duration) bool {
	return now.Sub(u.Timestamp) > maxAge
}
