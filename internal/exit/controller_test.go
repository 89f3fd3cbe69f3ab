package exit

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"polytrader/internal/domain"
	"polytrader/internal/gateway"
	"polytrader/internal/gateway/stub"
	"polytrader/internal/orders"
	"polytrader/internal/risk"
	"polytrader/internal/storage/memory"
)

type controllerFixture struct {
	ctrl      *Controller
	gw        *stub.Gateway
	orders    *orders.Manager
	risk      *risk.Manager
	trades    *memory.TradeStore
	positions *memory.PositionStore
	now       time.Time
	market    domain.Market
	quote     domain.Quote
}

func (f *controllerFixture) advance(d time.Duration) {
	f.now = f.now.Add(d)
}

func newControllerFixture(t *testing.T, cfg Config) *controllerFixture {
	t.Helper()

	// Only the per-trade size limit is active; everything else would get
	// in the way of exercising the exit paths.
	return newControllerFixtureRisk(t, cfg, risk.Config{MaxPositionPerTrade: 50})
}

func newControllerFixtureRisk(t *testing.T, cfg Config, riskCfg risk.Config) *controllerFixture {
	t.Helper()

	f := &controllerFixture{
		gw:        stub.New(),
		trades:    memory.NewTradeStore(),
		positions: memory.NewPositionStore(),
		now:       time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }

	log := zap.NewNop()
	f.orders = orders.NewManager(log)
	f.orders.SetClock(clock)

	f.risk = risk.NewManager(riskCfg, nil, log)
	f.risk.SetClock(clock)

	f.ctrl = NewController(cfg, f.gw, f.orders, f.risk, f.trades, f.positions, nil, nil, log)
	f.ctrl.SetClock(clock)

	f.market = domain.Market{
		Symbol:    "BTC-15m",
		UpToken:   "btc-up",
		DownToken: "btc-down",
		EndTime:   f.now.Add(10 * time.Minute),
	}
	f.quote = domain.Quote{Bid: 0.49, Ask: 0.51, Mid: 0.50, Spread: 0.02, BidSize: 100, AskSize: 100}
	return f
}

func buySignal(size float64) domain.Signal {
	return domain.Signal{
		Strategy: "momentum",
		Symbol:   "BTC-15m",
		Action:   domain.ActionBuy,
		Side:     domain.OutcomeUp,
		Size:     size,
	}
}

func TestController_OpenPosition(t *testing.T) {
	f := newControllerFixture(t, DefaultConfig())
	ctx := context.Background()

	pos, err := f.ctrl.OpenPosition(ctx, buySignal(5), f.market, f.quote)
	if err != nil {
		t.Fatalf("OpenPosition: %v", err)
	}

	if pos.EntryPrice != 0.51 {
		t.Errorf("entry price %.4f, want the ask", pos.EntryPrice)
	}
	if pos.State != domain.PositionOpen {
		t.Errorf("state %s, want OPEN", pos.State)
	}
	if pos.HighWaterMark != pos.EntryPrice {
		t.Errorf("high-water mark %.4f should start at entry", pos.HighWaterMark)
	}

	// Persisted for restart recovery.
	persisted, err := f.positions.Get(ctx, pos.Key())
	if err != nil {
		t.Fatalf("position not persisted: %v", err)
	}
	if persisted.Shares != pos.Shares {
		t.Errorf("persisted shares %.4f != %.4f", persisted.Shares, pos.Shares)
	}

	// One entry trade recorded.
	records, err := f.trades.GetByWindow(ctx, f.market.WindowKey())
	if err != nil || len(records) != 1 {
		t.Fatalf("want 1 trade record, got %d (err %v)", len(records), err)
	}
	if records[0].Kind != domain.TradeEntry {
		t.Errorf("record kind %s, want ENTRY", records[0].Kind)
	}

	// Exposure booked with the risk manager.
	if snap := f.risk.Snapshot(); snap.OpenPositions != 1 || snap.TotalExposure <= 0 {
		t.Errorf("risk not updated: positions=%d exposure=%.2f", snap.OpenPositions, snap.TotalExposure)
	}
}

func TestController_SecondSignalForHeldWindowRefused(t *testing.T) {
	f := newControllerFixture(t, DefaultConfig())
	ctx := context.Background()

	if _, err := f.ctrl.OpenPosition(ctx, buySignal(5), f.market, f.quote); err != nil {
		t.Fatalf("first entry: %v", err)
	}
	if _, err := f.ctrl.OpenPosition(ctx, buySignal(5), f.market, f.quote); !errors.Is(err, ErrDuplicateEntry) {
		t.Fatalf("second entry for the same window must be refused, got %v", err)
	}

	calls := f.gw.Calls()
	if len(calls) != 1 {
		t.Fatalf("exactly one order expected, got %d", len(calls))
	}
}

func TestController_PendingMarkerBlocksRacingSignal(t *testing.T) {
	f := newControllerFixture(t, DefaultConfig())
	ctx := context.Background()

	// Simulate an entry round-trip in flight for the window.
	windowKey := f.market.WindowKey()
	f.ctrl.mu.Lock()
	f.ctrl.pending[windowKey] = pendingEntry{strategy: "momentum", at: f.now}
	f.ctrl.mu.Unlock()

	f.advance(50 * time.Millisecond)
	if _, err := f.ctrl.OpenPosition(ctx, buySignal(5), f.market, f.quote); !errors.Is(err, ErrDuplicateEntry) {
		t.Fatalf("racing signal must be refused, got %v", err)
	}
	if len(f.gw.Calls()) != 0 {
		t.Fatal("racing signal must never reach the exchange")
	}

	// After the marker times out the window is claimable again.
	f.advance(f.ctrl.cfg.PendingEntryTimeout)
	if _, err := f.ctrl.OpenPosition(ctx, buySignal(5), f.market, f.quote); err != nil {
		t.Fatalf("entry after marker expiry: %v", err)
	}
}

func TestController_DynamicMinimumSize(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinOrderValue = 1.0
	cfg.Defaults.StopLossPct = 0.50
	f := newControllerFixture(t, cfg)

	// $0.50 requested; at max stop loss only $0.25 would remain, below the
	// $1 exchange minimum. The entry is raised to $2 so the worst-case
	// exit stays tradable.
	if _, err := f.ctrl.OpenPosition(context.Background(), buySignal(0.5), f.market, f.quote); err != nil {
		t.Fatalf("OpenPosition: %v", err)
	}

	calls := f.gw.Calls()
	if len(calls) != 1 {
		t.Fatalf("want 1 call, got %d", len(calls))
	}
	if calls[0].Amount != 2.0 {
		t.Errorf("entry notional %.4f, want 2.0", calls[0].Amount)
	}
}

func TestController_RiskVetoRefusesEntry(t *testing.T) {
	f := newControllerFixture(t, DefaultConfig())

	// 60 > the 50 per-trade limit configured in the fixture.
	_, err := f.ctrl.OpenPosition(context.Background(), buySignal(60), f.market, f.quote)
	if !errors.Is(err, ErrEntryRefused) {
		t.Fatalf("oversized entry must be refused, got %v", err)
	}
	if len(f.gw.Calls()) != 0 {
		t.Fatal("vetoed entry must never reach the exchange")
	}
}

func TestController_EntryRetriesOnceAtWorsePrice(t *testing.T) {
	f := newControllerFixture(t, DefaultConfig())

	f.gw.QueueBuy("btc-up", gateway.TradeResult{}, gateway.ErrUnavailable)
	f.gw.QueueBuy("btc-up", gateway.TradeResult{
		Filled: true, Shares: 9.6, AvgPrice: 0.52, TxRef: "0xabc",
		Success: true, Status: gateway.StatusMatched,
	}, nil)

	pos, err := f.ctrl.OpenPosition(context.Background(), buySignal(5), f.market, f.quote)
	if err != nil {
		t.Fatalf("OpenPosition: %v", err)
	}

	calls := f.gw.Calls()
	if len(calls) != 2 {
		t.Fatalf("want 2 attempts, got %d", len(calls))
	}
	wantRetry := 0.51 * 1.02
	if diff := calls[1].LimitPrice - wantRetry; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("retry limit %.6f, want %.6f", calls[1].LimitPrice, wantRetry)
	}
	if pos.EntryPrice != 0.52 {
		t.Errorf("entry price %.4f from retry fill, want 0.52", pos.EntryPrice)
	}
}

func TestController_EntryFailsAfterRetry(t *testing.T) {
	f := newControllerFixture(t, DefaultConfig())

	f.gw.QueueBuy("btc-up", gateway.TradeResult{}, gateway.ErrUnavailable)

	_, err := f.ctrl.OpenPosition(context.Background(), buySignal(5), f.market, f.quote)
	if err == nil {
		t.Fatal("entry must fail when both attempts fail")
	}
	// A missed opportunity, not a crash: no position, no exposure.
	if len(f.ctrl.Positions()) != 0 {
		t.Error("no position should exist after a failed entry")
	}
	if snap := f.risk.Snapshot(); snap.TotalExposure != 0 {
		t.Errorf("no exposure should be booked, got %.2f", snap.TotalExposure)
	}
}

func TestController_VerifyEntryFill(t *testing.T) {
	f := newControllerFixture(t, DefaultConfig())
	ctx := context.Background()

	filled := gateway.TradeResult{
		Filled: true, Shares: 10, AvgPrice: 0.51, TxRef: "0xabc",
		Success: true, Status: gateway.StatusMatched,
	}

	// No tx reference: rejected outright.
	noTx := filled
	noTx.TxRef = ""
	if ok, _ := f.ctrl.verifyEntryFill(ctx, "btc-up", 0, noTx); ok {
		t.Error("fill without tx reference must not verify")
	}

	// Balance increased: verified without any override.
	f.gw.SetBalance("btc-up", 10)
	ok, overrode := f.ctrl.verifyEntryFill(ctx, "btc-up", 0, filled)
	if !ok || overrode {
		t.Errorf("balance-confirmed fill: ok=%v overrode=%v", ok, overrode)
	}

	// Balance unchanged under settlement lag, status matched: accepted on
	// tx proof with the override flagged.
	ok, overrode = f.ctrl.verifyEntryFill(ctx, "btc-up", 10, filled)
	if !ok || !overrode {
		t.Errorf("tx-proof fill: ok=%v overrode=%v", ok, overrode)
	}

	// Same but status only delayed: not enough evidence.
	delayed := filled
	delayed.Status = gateway.StatusDelayed
	if ok, _ := f.ctrl.verifyEntryFill(ctx, "btc-up", 10, delayed); ok {
		t.Error("delayed status must not pass on tx proof")
	}

	// TrustTxProof off: matched status alone is no longer enough.
	f.ctrl.cfg.TrustTxProof = false
	if ok, _ := f.ctrl.verifyEntryFill(ctx, "btc-up", 10, filled); ok {
		t.Error("override disabled, inconclusive balance must fail")
	}
}

func TestController_StopLossTickClosesPosition(t *testing.T) {
	f := newControllerFixture(t, DefaultConfig())
	ctx := context.Background()

	pos, err := f.ctrl.OpenPosition(ctx, buySignal(5), f.market, f.quote)
	if err != nil {
		t.Fatalf("OpenPosition: %v", err)
	}

	// Bid collapses through the 50% stop.
	f.advance(time.Minute)
	f.ctrl.OnTick(ctx, domain.MarketUpdate{
		Symbol:    "BTC-15m",
		TokenID:   "btc-up",
		Quote:     domain.Quote{Bid: 0.20, Ask: 0.22, Mid: 0.21, Spread: 0.02},
		Timestamp: f.now,
	})

	if len(f.ctrl.Positions()) != 0 {
		t.Fatal("position should be closed")
	}

	// One sell at the buffered bid.
	calls := f.gw.Calls()
	if len(calls) != 2 || calls[1].Op != "sell" {
		t.Fatalf("want buy then sell, got %+v", calls)
	}
	wantLimit := 0.20 * 0.98
	if diff := calls[1].LimitPrice - wantLimit; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("sell limit %.6f, want %.6f", calls[1].LimitPrice, wantLimit)
	}

	// Exit trade recorded with full context.
	records, _ := f.trades.GetByWindow(ctx, f.market.WindowKey())
	if len(records) != 2 {
		t.Fatalf("want entry and exit records, got %d", len(records))
	}
	var exitRec *domain.TradeRecord
	for _, r := range records {
		if r.Kind == domain.TradeExit {
			exitRec = r
		}
	}
	if exitRec == nil {
		t.Fatal("no exit record")
	}
	if exitRec.ExitReason != domain.ExitReasonStopLoss {
		t.Errorf("exit reason %q, want stop_loss", exitRec.ExitReason)
	}
	if exitRec.EntryPrice != pos.EntryPrice {
		t.Errorf("exit record entry price %.4f, want %.4f", exitRec.EntryPrice, pos.EntryPrice)
	}
	if exitRec.RealizedPnL >= 0 {
		t.Errorf("stop loss exit should realize a loss, got %.4f", exitRec.RealizedPnL)
	}

	// Exposure released and the loss booked.
	snap := f.risk.Snapshot()
	if snap.OpenPositions != 0 || snap.TotalExposure != 0 {
		t.Errorf("exposure not released: positions=%d exposure=%.2f", snap.OpenPositions, snap.TotalExposure)
	}
	if snap.DailyPnL >= 0 {
		t.Errorf("daily pnl should be negative, got %.2f", snap.DailyPnL)
	}

	// The persisted copy is gone.
	if _, err := f.positions.Get(ctx, pos.Key()); err == nil {
		t.Error("persisted position should be deleted after close")
	}
}

func TestController_ExitingStateBlocksDuplicateTrigger(t *testing.T) {
	f := newControllerFixture(t, DefaultConfig())
	ctx := context.Background()

	if _, err := f.ctrl.OpenPosition(ctx, buySignal(5), f.market, f.quote); err != nil {
		t.Fatalf("OpenPosition: %v", err)
	}

	// First failed exit leaves the position OPEN with one strike; while the
	// sell is in flight the EXITING state kept a second trigger out.
	f.gw.QueueSell("btc-up", gateway.TradeResult{}, gateway.ErrUnavailable)
	f.gw.QueueSell("btc-up", gateway.TradeResult{
		Filled: true, Shares: 9.8, AvgPrice: 0.196, TxRef: "0xdead",
		Success: true, Status: gateway.StatusMatched,
	}, nil)

	tick := domain.MarketUpdate{
		Symbol:  "BTC-15m",
		TokenID: "btc-up",
		Quote:   domain.Quote{Bid: 0.20, Ask: 0.22, Mid: 0.21, Spread: 0.02},
	}
	f.ctrl.OnTick(ctx, tick)

	positions := f.ctrl.Positions()
	if len(positions) != 1 {
		t.Fatalf("position should survive a failed exit, table has %d", len(positions))
	}
	if positions[0].State != domain.PositionOpen {
		t.Errorf("state %s after failed exit, want OPEN", positions[0].State)
	}
	if positions[0].FailedExitCount != 1 {
		t.Errorf("failed exit count %d, want 1", positions[0].FailedExitCount)
	}

	// Next tick retries the exit and succeeds.
	f.ctrl.OnTick(ctx, tick)
	if len(f.ctrl.Positions()) != 0 {
		t.Fatal("position should close on the retried exit")
	}
}

func TestController_BoundedExitFailuresAbandon(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxExitAttempts = 2
	f := newControllerFixture(t, cfg)
	ctx := context.Background()

	pos, err := f.ctrl.OpenPosition(ctx, buySignal(5), f.market, f.quote)
	if err != nil {
		t.Fatalf("OpenPosition: %v", err)
	}

	// Every sell fails.
	f.gw.QueueSell("btc-up", gateway.TradeResult{}, gateway.ErrUnavailable)

	tick := domain.MarketUpdate{
		Symbol:  "BTC-15m",
		TokenID: "btc-up",
		Quote:   domain.Quote{Bid: 0.20, Ask: 0.22, Mid: 0.21, Spread: 0.02},
	}
	f.ctrl.OnTick(ctx, tick) // strike one
	f.ctrl.OnTick(ctx, tick) // strike two: abandoned

	if len(f.ctrl.Positions()) != 0 {
		t.Fatal("abandoned position must leave the monitoring table")
	}

	// Persisted as ABANDONED for offline audit, not deleted.
	persisted, err := f.positions.Get(ctx, pos.Key())
	if err != nil {
		t.Fatalf("abandoned position should stay persisted: %v", err)
	}
	if persisted.State != domain.PositionAbandoned {
		t.Errorf("persisted state %s, want ABANDONED", persisted.State)
	}
	if persisted.FailedExitCount != 2 {
		t.Errorf("failed exit count %d, want 2", persisted.FailedExitCount)
	}

	// Further ticks must not resubmit sells for it.
	before := len(f.gw.Calls())
	f.ctrl.OnTick(ctx, tick)
	if len(f.gw.Calls()) != before {
		t.Error("abandoned position must not trade again")
	}
}

func TestController_SweepReleasesAbandonedExposure(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxExitAttempts = 2
	f := newControllerFixture(t, cfg)
	ctx := context.Background()

	pos, err := f.ctrl.OpenPosition(ctx, buySignal(5), f.market, f.quote)
	if err != nil {
		t.Fatalf("OpenPosition: %v", err)
	}

	// Every sell fails until the position is abandoned. Its exposure stays
	// booked: abandonment settles at window expiry, not at the last strike.
	f.gw.QueueSell("btc-up", gateway.TradeResult{}, gateway.ErrUnavailable)
	tick := domain.MarketUpdate{
		Symbol:  "BTC-15m",
		TokenID: "btc-up",
		Quote:   domain.Quote{Bid: 0.20, Ask: 0.22, Mid: 0.21, Spread: 0.02},
	}
	f.ctrl.OnTick(ctx, tick)
	f.ctrl.OnTick(ctx, tick)

	// Trading moves on to the next window for the same symbol.
	later := f.market
	later.EndTime = f.now.Add(40 * time.Minute)
	sig := buySignal(5)
	sig.Strategy = "scalper"
	if _, err := f.ctrl.OpenPosition(ctx, sig, later, f.quote); err != nil {
		t.Fatalf("OpenPosition in later window: %v", err)
	}

	if snap := f.risk.Snapshot(); snap.OpenPositions != 2 {
		t.Fatalf("want 2 booked windows before the sweep, got %d", snap.OpenPositions)
	}

	// The abandoned window settles. The sweep must release exactly its
	// exposure, leaving the live window booked.
	f.advance(11 * time.Minute)
	released := f.risk.SweepExpired(f.ctrl.WindowEnd)
	if len(released) != 1 || released[0] != pos.WindowKey {
		t.Fatalf("released %v, want [%s]", released, pos.WindowKey)
	}

	snap := f.risk.Snapshot()
	if snap.OpenPositions != 1 {
		t.Errorf("open positions %d after sweep, want 1", snap.OpenPositions)
	}
	if diff := snap.TotalExposure - 5.0; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("exposure %.4f after sweep, want the live window's 5.00", snap.TotalExposure)
	}
}

func TestController_SlippageVetoRefusesEntry(t *testing.T) {
	f := newControllerFixtureRisk(t, DefaultConfig(), risk.Config{
		MaxPositionPerTrade: 50,
		MaxSlippagePct:      0.01,
	})
	ctx := context.Background()

	// The ask sits 2% over mid, beyond the 1% slippage cap; the veto must
	// land before any network call.
	_, err := f.ctrl.OpenPosition(ctx, buySignal(5), f.market, f.quote)
	if !errors.Is(err, ErrEntryRefused) {
		t.Fatalf("want ErrEntryRefused, got %v", err)
	}
	if calls := f.gw.Calls(); len(calls) != 0 {
		t.Errorf("vetoed entry must not reach the exchange: %+v", calls)
	}
}

func TestController_ExitFeeRecorded(t *testing.T) {
	f := newControllerFixture(t, DefaultConfig())
	ctx := context.Background()

	pos, err := f.ctrl.OpenPosition(ctx, buySignal(5), f.market, f.quote)
	if err != nil {
		t.Fatalf("OpenPosition: %v", err)
	}

	f.gw.QueueSell("btc-up", gateway.TradeResult{
		Filled: true, Shares: pos.Shares, AvgPrice: 0.196, Fee: 0.05,
		TxRef: "0xfee", Success: true, Status: gateway.StatusMatched,
	}, nil)

	f.advance(time.Minute)
	f.ctrl.OnTick(ctx, domain.MarketUpdate{
		Symbol:    "BTC-15m",
		TokenID:   "btc-up",
		Quote:     domain.Quote{Bid: 0.20, Ask: 0.22, Mid: 0.21, Spread: 0.02},
		Timestamp: f.now,
	})

	records, _ := f.trades.GetByWindow(ctx, f.market.WindowKey())
	var exitRec *domain.TradeRecord
	for _, r := range records {
		if r.Kind == domain.TradeExit {
			exitRec = r
		}
	}
	if exitRec == nil {
		t.Fatal("no exit record")
	}
	if exitRec.Fees != 0.05 {
		t.Errorf("fees %.4f, want 0.05", exitRec.Fees)
	}

	// Realized P&L and the booked loss are both net of the fee.
	wantPnL := pos.Shares*0.196 - pos.CostBasis - 0.05
	if diff := exitRec.RealizedPnL - wantPnL; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("realized pnl %.6f, want %.6f", exitRec.RealizedPnL, wantPnL)
	}
	if diff := f.risk.Snapshot().DailyPnL - wantPnL; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("daily pnl %.6f, want %.6f", f.risk.Snapshot().DailyPnL, wantPnL)
	}
}

func TestController_WindowExpirySettles(t *testing.T) {
	f := newControllerFixture(t, DefaultConfig())
	ctx := context.Background()

	pos, err := f.ctrl.OpenPosition(ctx, buySignal(5), f.market, f.quote)
	if err != nil {
		t.Fatalf("OpenPosition: %v", err)
	}

	// Move past settlement; the tick finds a dead window.
	f.advance(11 * time.Minute)
	f.ctrl.OnTick(ctx, domain.MarketUpdate{
		Symbol:  "BTC-15m",
		TokenID: "btc-up",
		Quote:   domain.Quote{Bid: 0.55, Ask: 0.57, Mid: 0.56, Spread: 0.02},
	})

	if len(f.ctrl.Positions()) != 0 {
		t.Fatal("expired position should be settled out")
	}
	// No sell: the contract resolved on-chain.
	for _, c := range f.gw.Calls() {
		if c.Op == "sell" {
			t.Fatal("settlement must not submit a sell")
		}
	}

	records, _ := f.trades.GetByWindow(ctx, f.market.WindowKey())
	var found bool
	for _, r := range records {
		if r.Kind == domain.TradeExit && r.ExitReason == domain.ExitReasonExpiry {
			found = true
		}
	}
	if !found {
		t.Error("expiry settlement should record a window_expiry exit")
	}
	if _, err := f.positions.Get(ctx, pos.Key()); err == nil {
		t.Error("persisted position should be deleted after settlement")
	}
}

func TestController_SiblingPositionsEvaluatedIndependently(t *testing.T) {
	f := newControllerFixture(t, DefaultConfig())
	ctx := context.Background()

	if _, err := f.ctrl.OpenPosition(ctx, buySignal(5), f.market, f.quote); err != nil {
		t.Fatalf("first entry: %v", err)
	}

	// Second strategy holds the same token in the same window.
	sig := buySignal(5)
	sig.Strategy = "reversion"
	if _, err := f.ctrl.OpenPosition(ctx, sig, f.market, f.quote); err != nil {
		t.Fatalf("second entry: %v", err)
	}

	// One position is poisoned with zeroed pricing state; its evaluation
	// must not silence the healthy sibling's stop loss.
	f.ctrl.mu.Lock()
	for _, p := range f.ctrl.table {
		if p.Strategy == "reversion" {
			p.EntryPrice = 0
			p.HighWaterMark = 0
		}
	}
	f.ctrl.mu.Unlock()

	f.ctrl.OnTick(ctx, domain.MarketUpdate{
		Symbol:  "BTC-15m",
		TokenID: "btc-up",
		Quote:   domain.Quote{Bid: 0.20, Ask: 0.22, Mid: 0.21, Spread: 0.02},
	})

	remaining := f.ctrl.Positions()
	if len(remaining) != 1 {
		t.Fatalf("healthy position should close, poisoned one stays; table has %d", len(remaining))
	}
	if remaining[0].Strategy != "reversion" {
		t.Errorf("wrong survivor: %s", remaining[0].Strategy)
	}
}

func TestController_RestoreDiscardsExpiredPositions(t *testing.T) {
	f := newControllerFixture(t, DefaultConfig())
	ctx := context.Background()

	live := &domain.Position{
		Strategy: "momentum", Symbol: "BTC-15m", WindowKey: "BTC-15m|100",
		TokenID: "btc-up", EntryPrice: 0.50, Shares: 10, CostBasis: 5,
		State: domain.PositionOpen, WindowEndTime: f.now.Add(5 * time.Minute),
	}
	dead := &domain.Position{
		Strategy: "momentum", Symbol: "ETH-15m", WindowKey: "ETH-15m|50",
		TokenID: "eth-up", EntryPrice: 0.40, Shares: 10, CostBasis: 4,
		State: domain.PositionOpen, WindowEndTime: f.now.Add(-20 * time.Minute),
	}
	for _, p := range []*domain.Position{live, dead} {
		if err := f.positions.Upsert(ctx, p); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	if err := f.ctrl.Restore(ctx); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	restored := f.ctrl.Positions()
	if len(restored) != 1 {
		t.Fatalf("want 1 restored position, got %d", len(restored))
	}
	if restored[0].Symbol != "BTC-15m" {
		t.Errorf("wrong position restored: %s", restored[0].Symbol)
	}

	// Exposure re-booked for the survivor only.
	if snap := f.risk.Snapshot(); snap.OpenPositions != 1 || snap.TotalExposure != 5 {
		t.Errorf("risk not rebuilt: positions=%d exposure=%.2f", snap.OpenPositions, snap.TotalExposure)
	}
}

func TestController_ProfitFloorAcrossTicks(t *testing.T) {
	f := newControllerFixture(t, DefaultConfig())
	ctx := context.Background()

	// Enter at 0.20 via a scripted fill.
	f.gw.QueueBuy("btc-up", gateway.TradeResult{
		Filled: true, Shares: 25, AvgPrice: 0.20, TxRef: "0xentry",
		Success: true, Status: gateway.StatusMatched,
	}, nil)
	if _, err := f.ctrl.OpenPosition(ctx, buySignal(5), f.market, f.quote); err != nil {
		t.Fatalf("OpenPosition: %v", err)
	}

	tick := func(bid float64) {
		f.advance(10 * time.Second)
		f.ctrl.OnTick(ctx, domain.MarketUpdate{
			Symbol:  "BTC-15m",
			TokenID: "btc-up",
			Quote:   domain.Quote{Bid: bid, Ask: bid + 0.02, Mid: bid + 0.01, Spread: 0.02},
		})
	}

	tick(0.26) // +30% peak locks the 0.20 floor
	if got := f.ctrl.Positions(); len(got) != 1 || got[0].LockedFloor != 0.20 {
		t.Fatalf("floor not locked at the peak: %+v", got)
	}

	tick(0.24) // back to the floor: exit fires
	if len(f.ctrl.Positions()) != 0 {
		t.Fatal("floor exit should have closed the position")
	}

	records, _ := f.trades.GetByWindow(ctx, f.market.WindowKey())
	var reason string
	for _, r := range records {
		if r.Kind == domain.TradeExit {
			reason = r.ExitReason
		}
	}
	if reason != domain.ExitReasonFloor {
		t.Errorf("exit reason %q, want profit_floor", reason)
	}
}
