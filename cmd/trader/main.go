// Package main runs the trader: market feed in, orders out, control plane on
// the side. Storage is PostgreSQL plus an optional ClickHouse archive, or
// fully in-memory for paper trading.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"polytrader/internal/api"
	"polytrader/internal/config"
	"polytrader/internal/domain"
	"polytrader/internal/exit"
	"polytrader/internal/gateway"
	"polytrader/internal/gateway/stub"
	"polytrader/internal/logging"
	"polytrader/internal/observability"
	"polytrader/internal/orders"
	"polytrader/internal/reconcile"
	"polytrader/internal/risk"
	"polytrader/internal/storage"
	chstore "polytrader/internal/storage/clickhouse"
	"polytrader/internal/storage/memory"
	"polytrader/internal/storage/migrations"
	pgstore "polytrader/internal/storage/postgres"
	"polytrader/internal/trader"
)

// stores bundles the storage implementations behind their interfaces.
type stores struct {
	trades     storage.TradeStore
	positions  storage.PositionStore
	strategies storage.StrategyStore
	archive    storage.TradeArchive // nil without ClickHouse
}

func main() {
	// .env values become defaults; real environment still wins.
	_ = godotenv.Load()

	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "Path to YAML configuration")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.New(cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown on the first signal, forced on the second.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("shutdown signal received", zap.String("signal", sig.String()))
		cancel()
		select {
		case <-sigCh:
			log.Error("second signal, forcing exit")
			os.Exit(1)
		case <-time.After(30 * time.Second):
			log.Error("graceful shutdown timed out, forcing exit")
			os.Exit(1)
		}
	}()

	st, cleanup, err := buildStores(ctx, cfg, log)
	if err != nil {
		log.Fatal("storage", zap.Error(err))
	}
	defer cleanup()

	metrics := observability.NewMetrics(cfg.Server.MetricsNamespace, prometheus.DefaultRegisterer)

	ks := risk.NewKillSwitch(cfg.Trader.KillSwitchFile, log)
	riskMgr := risk.NewManager(cfg.RiskConfig(), ks, log)

	orderMgr := orders.NewManager(log)
	orderMgr.Subscribe(func(e orders.Event) {
		switch e.Type {
		case orders.EventCreated:
			metrics.OrdersCreated.WithLabelValues(e.Order.Strategy).Inc()
		case orders.EventFill:
			metrics.FillsRecorded.Inc()
		case orders.EventTerminal:
			metrics.OrdersTerminal.WithLabelValues(string(e.Order.State)).Inc()
		case orders.EventRetry:
			metrics.OrderRetries.Inc()
		}
	})

	// Paper-trading gateway. A live venue adapter implements
	// gateway.Gateway and replaces this.
	gw := stub.New()

	ctrl := exit.NewController(cfg.ExitConfig(), gw, orderMgr, riskMgr,
		st.trades, st.positions, st.archive, metrics, log)

	reconciler := reconcile.New(gw, ctrl, 0, metrics, log)

	tr := trader.New(cfg.TraderConfig(), gw, ctrl, riskMgr, orderMgr,
		st.strategies, reconciler, metrics, log)

	signals := make(chan domain.Signal, 64)

	apiServer := api.NewServer(riskMgr, ctrl, orderMgr, st.strategies,
		observability.Handler(), log)
	apiServer.SetSignalSink(signals)
	go func() {
		if err := apiServer.Start(ctx, cfg.Server.Addr); err != nil {
			log.Error("control plane stopped", zap.Error(err))
			cancel()
		}
	}()

	updates, closeFeed, err := buildUpdates(ctx, cfg, log)
	if err != nil {
		log.Fatal("feed", zap.Error(err))
	}
	defer closeFeed()

	err = tr.Run(ctx, updates, signals)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal("trader", zap.Error(err))
	}
	log.Info("shutdown complete")
}

// buildStores connects the configured backends and runs migrations.
func buildStores(ctx context.Context, cfg *config.Config, log *zap.Logger) (*stores, func(), error) {
	if cfg.Storage.UseMemory {
		log.Info("using in-memory storage")
		return &stores{
			trades:     memory.NewTradeStore(),
			positions:  memory.NewPositionStore(),
			strategies: memory.NewStrategyStore(),
		}, func() {}, nil
	}

	pool, err := pgstore.NewPool(ctx, cfg.Storage.PostgresDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("postgres migrations: %w", err)
	}

	st := &stores{
		trades:     pgstore.NewTradeStore(pool),
		positions:  pgstore.NewPositionStore(pool),
		strategies: pgstore.NewStrategyStore(pool),
	}
	cleanup := func() { pool.Close() }

	if cfg.Storage.ClickhouseDSN != "" {
		conn, err := migrations.RunClickhouseMigrations(ctx, cfg.Storage.ClickhouseDSN)
		if err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("clickhouse migrations: %w", err)
		}
		st.archive = chstore.NewTradeArchiveStore(conn)
		cleanup = func() {
			_ = conn.Close()
			pool.Close()
		}
	}

	return st, cleanup, nil
}

// buildUpdates connects the market feed, or returns an idle channel when no
// endpoint is configured (signals-only paper trading).
func buildUpdates(ctx context.Context, cfg *config.Config, log *zap.Logger) (<-chan domain.MarketUpdate, func(), error) {
	if cfg.Feed.Endpoint == "" {
		log.Warn("no feed endpoint configured, positions will only exit at settlement")
		return make(chan domain.MarketUpdate), func() {}, nil
	}

	feed, err := gateway.NewFeed(ctx, cfg.Feed.Endpoint, nil, log)
	if err != nil {
		return nil, nil, err
	}
	return feed.Updates(), func() { _ = feed.Close() }, nil
}
