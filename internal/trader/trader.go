// Package trader is the event loop tying the pieces together: market updates
// and strategy signals come in on channels, everything else happens on timers.
// One goroutine serializes all trading decisions so no two signals ever race
// for the same window.
package trader

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"polytrader/internal/domain"
	"polytrader/internal/exit"
	"polytrader/internal/gateway"
	"polytrader/internal/observability"
	"polytrader/internal/orders"
	"polytrader/internal/reconcile"
	"polytrader/internal/risk"
	"polytrader/internal/storage"
)

// Config holds the loop's timing knobs.
type Config struct {
	// MaxTickAge is the staleness gate: updates older than this are dropped
	// rather than acted on.
	MaxTickAge time.Duration

	ReconcileInterval time.Duration
	SweepInterval     time.Duration
	KillSwitchPoll    time.Duration
}

// DefaultConfig returns production loop timings.
func DefaultConfig() Config {
	return Config{
		MaxTickAge:        5 * time.Second,
		ReconcileInterval: 1 * time.Minute,
		SweepInterval:     30 * time.Second,
		KillSwitchPoll:    2 * time.Second,
	}
}

// Trader runs the main event loop.
type Trader struct {
	cfg Config

	gw         gateway.Gateway
	ctrl       *exit.Controller
	riskMgr    *risk.Manager
	orderMgr   *orders.Manager
	strategies storage.StrategyStore
	reconciler *reconcile.Reconciler
	metrics    *observability.Metrics
	log        *zap.Logger
	now        func() time.Time
}

// New wires a trader. reconciler and metrics may be nil.
func New(
	cfg Config,
	gw gateway.Gateway,
	ctrl *exit.Controller,
	riskMgr *risk.Manager,
	orderMgr *orders.Manager,
	strategies storage.StrategyStore,
	reconciler *reconcile.Reconciler,
	metrics *observability.Metrics,
	log *zap.Logger,
) *Trader {
	return &Trader{
		cfg:        cfg,
		gw:         gw,
		ctrl:       ctrl,
		riskMgr:    riskMgr,
		orderMgr:   orderMgr,
		strategies: strategies,
		reconciler: reconciler,
		metrics:    metrics,
		log:        log.Named("trader"),
		now:        time.Now,
	}
}

// SetClock overrides the clock, for tests.
func (t *Trader) SetClock(now func() time.Time) {
	t.now = now
}

// Run processes updates and signals until ctx is cancelled or both channels
// close. It restores persisted positions first so a restart picks up where
// the previous process left off.
func (t *Trader) Run(ctx context.Context, updates <-chan domain.MarketUpdate, signals <-chan domain.Signal) error {
	if err := t.ctrl.Restore(ctx); err != nil {
		return err
	}

	if ks := t.riskMgr.KillSwitch(); ks != nil && t.cfg.KillSwitchPoll > 0 {
		go ks.Poll(ctx, t.cfg.KillSwitchPoll)
	}

	sweep := time.NewTicker(t.cfg.SweepInterval)
	defer sweep.Stop()
	reconcileTick := time.NewTicker(t.cfg.ReconcileInterval)
	defer reconcileTick.Stop()
	dailyReset := time.NewTimer(t.untilNextMidnight())
	defer dailyReset.Stop()

	t.log.Info("trader loop started")

	for {
		select {
		case <-ctx.Done():
			t.log.Info("trader loop stopped", zap.Error(ctx.Err()))
			return ctx.Err()

		case update, ok := <-updates:
			if !ok {
				updates = nil
				if signals == nil {
					return nil
				}
				continue
			}
			t.handleUpdate(ctx, update)

		case sig, ok := <-signals:
			if !ok {
				signals = nil
				if updates == nil {
					return nil
				}
				continue
			}
			t.handleSignal(ctx, sig)

		case <-sweep.C:
			t.runSweep()

		case <-reconcileTick.C:
			if t.reconciler != nil {
				t.reconciler.RunOnce(ctx)
			}

		case <-dailyReset.C:
			t.riskMgr.ResetDaily()
			dailyReset.Reset(t.untilNextMidnight())
		}
	}
}

// handleUpdate applies the staleness gate and forwards the tick to the exit
// controller.
func (t *Trader) handleUpdate(ctx context.Context, update domain.MarketUpdate) {
	if update.Stale(t.now(), t.cfg.MaxTickAge) {
		if t.metrics != nil {
			t.metrics.TicksStale.Inc()
		}
		t.log.Debug("stale tick dropped",
			zap.String("token_id", update.TokenID),
			zap.Time("tick_time", update.Timestamp))
		return
	}

	t.ctrl.OnTick(ctx, update)
	if t.metrics != nil {
		t.metrics.TicksProcessed.Inc()
	}
}

// handleSignal screens a strategy signal and executes it. Buys open positions
// through the entry path; sells request a manual exit of the strategy's
// position. Refusals are counted, never retried.
func (t *Trader) handleSignal(ctx context.Context, sig domain.Signal) {
	if !sig.Actionable() {
		t.ignoreSignal(sig, "not_actionable")
		return
	}

	if t.strategies != nil {
		enabled, err := t.strategies.IsEnabled(ctx, sig.Strategy)
		if err != nil {
			t.log.Warn("strategy flag lookup failed, allowing",
				zap.String("strategy", sig.Strategy),
				zap.Error(err))
		} else if !enabled {
			t.ignoreSignal(sig, "strategy_disabled")
			return
		}
	}

	if sig.Action == domain.ActionSell {
		if err := t.ctrl.CloseManual(ctx, sig.Strategy, sig.Symbol); err != nil {
			t.log.Warn("manual exit failed",
				zap.String("strategy", sig.Strategy),
				zap.String("symbol", sig.Symbol),
				zap.Error(err))
		}
		return
	}

	market, err := t.gw.CurrentMarket(ctx, sig.Symbol)
	if err != nil {
		t.ignoreSignal(sig, "no_market")
		return
	}
	quote, err := t.gw.BestPrices(ctx, market.Token(sig.Side))
	if err != nil {
		t.ignoreSignal(sig, "no_quote")
		return
	}

	_, err = t.ctrl.OpenPosition(ctx, sig, market, quote)
	switch {
	case err == nil:
	case errors.Is(err, exit.ErrDuplicateEntry):
		t.ignoreSignal(sig, "duplicate")
	case errors.Is(err, exit.ErrEntryRefused):
		// Veto details were already logged and counted by the risk layer.
	default:
		t.log.Error("entry failed",
			zap.String("strategy", sig.Strategy),
			zap.String("symbol", sig.Symbol),
			zap.Error(err))
	}
}

// ignoreSignal logs and counts a dropped signal.
func (t *Trader) ignoreSignal(sig domain.Signal, cause string) {
	t.log.Debug("signal ignored",
		zap.String("strategy", sig.Strategy),
		zap.String("symbol", sig.Symbol),
		zap.String("action", string(sig.Action)),
		zap.String("cause", cause))
	if t.metrics != nil {
		t.metrics.SignalsIgnored.WithLabelValues(cause).Inc()
	}
}

// runSweep releases risk exposure held against closed windows, expires live
// orders in them, and refreshes the reported gauges.
func (t *Trader) runSweep() {
	released := t.riskMgr.SweepExpired(t.ctrl.WindowEnd)
	for _, key := range released {
		t.log.Warn("exposure released for closed window", zap.String("window", key))
	}
	expired := t.orderMgr.ExpireBefore(t.now(), t.ctrl.WindowEnd)
	for _, id := range expired {
		t.log.Warn("order expired with its window", zap.String("order_id", id))
	}

	if t.metrics != nil {
		snap := t.riskMgr.Snapshot()
		t.metrics.TotalExposure.Set(snap.TotalExposure)
		t.metrics.OpenPositions.Set(float64(snap.OpenPositions))
		t.metrics.OpenOrders.Set(float64(t.orderMgr.CountOpen()))
		setBool(t.metrics.BreakerTripped, snap.BreakerTripped)
		setBool(t.metrics.KillSwitchActive, snap.KillSwitchActive)
	}
}

func setBool(g interface{ Set(float64) }, v bool) {
	if v {
		g.Set(1)
	} else {
		g.Set(0)
	}
}

// untilNextMidnight returns the duration to the next UTC midnight.
func (t *Trader) untilNextMidnight() time.Duration {
	now := t.now().UTC()
	next := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
	return next.Sub(now)
}
