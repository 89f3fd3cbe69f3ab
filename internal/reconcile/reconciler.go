// Package reconcile periodically compares what the trader believes it holds
// against the settled balances the exchange reports. Discrepancies are logged
// and counted, never auto-corrected: a wrong automatic fix on a live book is
// worse than a loud report.
package reconcile

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"polytrader/internal/domain"
	"polytrader/internal/gateway"
	"polytrader/internal/observability"
)

// DefaultTolerance absorbs share dust from fee rounding on the exchange side.
const DefaultTolerance = 1e-6

// PositionSource yields the current position table. The reconciler copies the
// result before comparing so a slow balance query never blocks trading.
type PositionSource interface {
	Positions() []domain.Position
}

// Mismatch is one detected discrepancy.
type Mismatch struct {
	TokenID  string
	Believed float64
	Settled  float64
	Delta    float64
}

// Reconciler runs the periodic balance check.
type Reconciler struct {
	gw        gateway.Gateway
	source    PositionSource
	tolerance float64
	metrics   *observability.Metrics
	log       *zap.Logger
}

// New creates a reconciler. tolerance <= 0 selects DefaultTolerance.
func New(gw gateway.Gateway, source PositionSource, tolerance float64, metrics *observability.Metrics, log *zap.Logger) *Reconciler {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &Reconciler{
		gw:        gw,
		source:    source,
		tolerance: tolerance,
		metrics:   metrics,
		log:       log.Named("reconcile"),
	}
}

// Run executes reconciliation on every interval tick until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single reconciliation pass and returns the mismatches
// found. Balance query failures skip the token rather than fail the pass.
func (r *Reconciler) RunOnce(ctx context.Context) []Mismatch {
	believed := r.believedBalances()

	var mismatches []Mismatch
	for tokenID, shares := range believed {
		settled, err := r.gw.Balance(ctx, tokenID)
		if err != nil {
			r.log.Warn("balance query failed, token skipped",
				zap.String("token_id", tokenID),
				zap.Error(err))
			continue
		}

		delta := settled - shares
		if math.Abs(delta) <= r.tolerance {
			continue
		}

		m := Mismatch{TokenID: tokenID, Believed: shares, Settled: settled, Delta: delta}
		mismatches = append(mismatches, m)
		r.log.Warn("balance mismatch",
			zap.String("token_id", tokenID),
			zap.Float64("believed", m.Believed),
			zap.Float64("settled", m.Settled),
			zap.Float64("delta", m.Delta))
		if r.metrics != nil {
			r.metrics.ReconcileMismatches.Inc()
		}
	}

	if r.metrics != nil {
		r.metrics.ReconcileRuns.Inc()
	}
	return mismatches
}

// believedBalances sums open position shares per token from a copy of the
// position table.
func (r *Reconciler) believedBalances() map[string]float64 {
	believed := make(map[string]float64)
	for _, p := range r.source.Positions() {
		if p.State == domain.PositionOpen || p.State == domain.PositionExiting {
			believed[p.TokenID] += p.Shares
		}
	}
	return believed
}
