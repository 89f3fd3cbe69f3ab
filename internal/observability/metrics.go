// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the trader. Metrics are registered
// against an explicit registry so tests can build isolated instances.
type Metrics struct {
	// Order metrics
	OrdersCreated  *prometheus.CounterVec
	OrdersTerminal *prometheus.CounterVec
	OrderRetries   prometheus.Counter
	FillsRecorded  prometheus.Counter
	OpenOrders     prometheus.Gauge

	// Risk metrics
	TradesVetoed     *prometheus.CounterVec
	BreakerTripped   prometheus.Gauge
	KillSwitchActive prometheus.Gauge
	TotalExposure    prometheus.Gauge
	OpenPositions    prometheus.Gauge

	// Exit metrics
	ExitsTriggered        *prometheus.CounterVec
	ExitFailures          prometheus.Counter
	PositionsAbandoned    prometheus.Counter
	EntriesRefused        *prometheus.CounterVec
	VerificationOverrides prometheus.Counter
	RealizedPnL           prometheus.Counter
	RealizedLoss          prometheus.Counter

	// Reconciliation metrics
	ReconcileRuns       prometheus.Counter
	ReconcileMismatches prometheus.Counter

	// Feed metrics
	TicksProcessed prometheus.Counter
	TicksStale     prometheus.Counter
	SignalsIgnored *prometheus.CounterVec
}

// NewMetrics registers all metrics on reg. Pass prometheus.DefaultRegisterer
// in production.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "polytrader"
	}
	factory := promauto.With(reg)

	return &Metrics{
		OrdersCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orders",
			Name:      "created_total",
			Help:      "Total number of orders created by strategy",
		}, []string{"strategy"}),
		OrdersTerminal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orders",
			Name:      "terminal_total",
			Help:      "Total number of orders reaching a terminal state, by state",
		}, []string{"state"}),
		OrderRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orders",
			Name:      "retries_total",
			Help:      "Total number of failed-order retries prepared",
		}),
		FillsRecorded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orders",
			Name:      "fills_total",
			Help:      "Total number of fills recorded",
		}),
		OpenOrders: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "orders",
			Name:      "open",
			Help:      "Current number of live orders",
		}),

		TradesVetoed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "risk",
			Name:      "trades_vetoed_total",
			Help:      "Total number of trades vetoed by rule",
		}, []string{"rule"}),
		BreakerTripped: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "risk",
			Name:      "circuit_breaker_tripped",
			Help:      "1 while the circuit breaker is tripped",
		}),
		KillSwitchActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "risk",
			Name:      "kill_switch_active",
			Help:      "1 while the kill switch is active",
		}),
		TotalExposure: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "risk",
			Name:      "total_exposure",
			Help:      "Aggregate open exposure in quote currency",
		}),
		OpenPositions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "risk",
			Name:      "open_positions",
			Help:      "Current number of open positions",
		}),

		ExitsTriggered: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "exit",
			Name:      "triggered_total",
			Help:      "Total number of exits triggered by reason",
		}, []string{"reason"}),
		ExitFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "exit",
			Name:      "failures_total",
			Help:      "Total number of failed exit attempts",
		}),
		PositionsAbandoned: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "exit",
			Name:      "positions_abandoned_total",
			Help:      "Total number of positions abandoned after repeated exit failures",
		}),
		EntriesRefused: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "exit",
			Name:      "entries_refused_total",
			Help:      "Total number of entries refused before submission, by cause",
		}, []string{"cause"}),
		VerificationOverrides: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "exit",
			Name:      "verification_overrides_total",
			Help:      "Total number of fills accepted on tx-proof trust despite inconclusive balance verification",
		}),
		RealizedPnL: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "exit",
			Name:      "realized_profit_total",
			Help:      "Cumulative realized profit in quote currency",
		}),
		RealizedLoss: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "exit",
			Name:      "realized_loss_total",
			Help:      "Cumulative realized loss in quote currency",
		}),

		ReconcileRuns: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "runs_total",
			Help:      "Total number of reconciliation passes",
		}),
		ReconcileMismatches: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "mismatches_total",
			Help:      "Total number of balance discrepancies detected",
		}),

		TicksProcessed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "ticks_processed_total",
			Help:      "Total number of market updates processed",
		}),
		TicksStale: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "ticks_stale_total",
			Help:      "Total number of market updates dropped as stale",
		}),
		SignalsIgnored: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "signals_ignored_total",
			Help:      "Total number of strategy signals ignored, by cause",
		}, []string{"cause"}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
