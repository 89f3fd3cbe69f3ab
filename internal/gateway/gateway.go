// Package gateway defines the contract to the exchange: the only component
// allowed to talk to the network. Callers must treat Filled=false and a
// returned error identically as "did not execute".
package gateway

import (
	"context"
	"errors"
	"time"

	"polytrader/internal/domain"
)

// Exchange-reported order statuses. Matched is trusted as on-chain proof of
// execution when balance verification is inconclusive.
const (
	StatusMatched = "matched"
	StatusMined   = "mined"
	StatusDelayed = "delayed"
	StatusFailed  = "failed"
)

// ErrUnavailable is returned when the exchange cannot be reached.
var ErrUnavailable = errors.New("exchange unavailable")

// TradeResult is the exchange's response to a buy or sell. Multiple fields
// redundantly signal execution because no single one is reliable under
// settlement lag.
type TradeResult struct {
	Filled   bool
	Shares   float64
	AvgPrice float64
	Fee      float64 // exchange fee charged for the execution
	TxRef    string
	Success  bool
	Status   string
}

// Executed reports whether the result carries positive evidence of a fill.
func (r TradeResult) Executed() bool {
	return r.Filled && r.Success
}

// Gateway is the exchange-facing surface consumed by the core. All calls may
// fail or time out.
type Gateway interface {
	// CurrentMarket returns the live settlement window for the symbol.
	CurrentMarket(ctx context.Context, symbol string) (domain.Market, error)

	// BestPrices returns a top-of-book snapshot for the token.
	BestPrices(ctx context.Context, tokenID string) (domain.Quote, error)

	// Balance returns settled shares held for the token.
	Balance(ctx context.Context, tokenID string) (float64, error)

	// Buy spends notional quote currency on the token at limitPrice.
	Buy(ctx context.Context, tokenID string, notional, limitPrice float64, typ domain.OrderType) (TradeResult, error)

	// Sell liquidates shares of the token at limitPrice.
	Sell(ctx context.Context, tokenID string, shares, limitPrice float64, typ domain.OrderType) (TradeResult, error)
}

// RetryPolicy is the uniform bounded retry applied to network calls:
// explicit max attempts with an exponential backoff schedule, never
// recursion.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy suits short exchange RPCs.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   250 * time.Millisecond,
		MaxDelay:    2 * time.Second,
	}
}

// Do calls fn up to MaxAttempts times, doubling the delay between attempts
// up to MaxDelay. It returns nil on the first success, the last error
// otherwise, and respects context cancellation between attempts.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	delay := p.BaseDelay

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
	return err
}
