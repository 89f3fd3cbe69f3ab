// Package exit owns every open position: the entry discipline that creates
// them, the per-tick rule chain that closes them, and the abandonment path
// for positions that refuse to close.
package exit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"polytrader/internal/domain"
	"polytrader/internal/gateway"
	"polytrader/internal/idhash"
	"polytrader/internal/observability"
	"polytrader/internal/orders"
	"polytrader/internal/risk"
	"polytrader/internal/storage"
)

// ErrDuplicateEntry is returned when a signal races an in-flight entry for
// the same instrument and window.
var ErrDuplicateEntry = errors.New("entry already pending for window")

// ErrEntryRefused is returned when the entry is refused before ever reaching
// the market (risk veto or minimum-size headroom).
var ErrEntryRefused = errors.New("entry refused")

// ErrVerificationFailed is returned when the exchange reported a fill that
// could not be confirmed by any trusted combination of signals.
var ErrVerificationFailed = errors.New("fill verification failed")

// pendingEntry marks an entry round-trip in flight for a window.
type pendingEntry struct {
	strategy string
	at       time.Time
}

// Controller tracks open positions and applies the exit rule chain on every
// tick. One instance serves all strategies.
type Controller struct {
	cfg Config

	gw        gateway.Gateway
	orderMgr  *orders.Manager
	riskMgr   *risk.Manager
	trades    storage.TradeStore
	positions storage.PositionStore
	archive   storage.TradeArchive // optional, best-effort
	metrics   *observability.Metrics
	log       *zap.Logger
	now       func() time.Time

	mu      sync.Mutex
	table   map[string]*domain.Position // keyed by Position.Key()
	pending map[string]pendingEntry     // keyed by window key
}

// NewController wires the exit controller. archive may be nil.
func NewController(
	cfg Config,
	gw gateway.Gateway,
	orderMgr *orders.Manager,
	riskMgr *risk.Manager,
	trades storage.TradeStore,
	positions storage.PositionStore,
	archive storage.TradeArchive,
	metrics *observability.Metrics,
	log *zap.Logger,
) *Controller {
	return &Controller{
		cfg:       cfg,
		gw:        gw,
		orderMgr:  orderMgr,
		riskMgr:   riskMgr,
		trades:    trades,
		positions: positions,
		archive:   archive,
		metrics:   metrics,
		log:       log.Named("exit"),
		now:       time.Now,
		table:     make(map[string]*domain.Position),
		pending:   make(map[string]pendingEntry),
	}
}

// SetClock overrides the clock, for tests.
func (c *Controller) SetClock(now func() time.Time) {
	c.now = now
}

// Positions returns a copy of the position table.
func (c *Controller) Positions() []domain.Position {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]domain.Position, 0, len(c.table))
	for _, p := range c.table {
		out = append(out, *p)
	}
	return out
}

// WindowEnd resolves a window key to its settlement time for the risk
// manager's exposure sweep. The end time is parsed out of the key itself, so
// exposure held against an abandoned position stays releasable long after
// the market has moved to newer windows.
func (c *Controller) WindowEnd(windowKey string) (time.Time, bool) {
	_, end, err := domain.ParseWindowKey(windowKey)
	if err != nil {
		return time.Time{}, false
	}
	return end, true
}

// Restore loads persisted open positions on startup. Positions whose window
// has already ended are discarded rather than restored: their contract has
// settled and monitoring them would act on a dead market.
func (c *Controller) Restore(ctx context.Context) error {
	persisted, err := c.positions.GetOpen(ctx)
	if err != nil {
		return fmt.Errorf("load open positions: %w", err)
	}

	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, p := range persisted {
		if !p.WindowEndTime.After(now) {
			c.log.Warn("discarding stale persisted position",
				zap.String("key", p.Key()),
				zap.Time("window_end", p.WindowEndTime))
			continue
		}
		restored := *p
		restored.State = domain.PositionOpen
		c.table[restored.Key()] = &restored
		c.riskMgr.RecordTradeOpen(restored.WindowKey, restored.CostBasis)
		c.log.Info("restored position",
			zap.String("key", restored.Key()),
			zap.Float64("shares", restored.Shares),
			zap.Float64("entry_price", restored.EntryPrice))
	}
	return nil
}

// minEntrySize returns the smallest entry notional whose worst-case exit
// still clears the exchange minimum order value. At maximum stop loss the
// position is worth size*(1-stopLoss); that residue must remain sellable.
func (c *Controller) minEntrySize(rules RuleSet) float64 {
	residue := 1 - rules.StopLossPct
	if residue <= 0 {
		return c.cfg.MinOrderValue
	}
	return c.cfg.MinOrderValue / residue
}

// OpenPosition executes the entry path for an actionable buy signal:
// duplicate-entry guard, dynamic minimum size, risk validation, order
// submission with a single bounded retry at a worse price, and multi-signal
// fill verification. Returns the created position on success.
func (c *Controller) OpenPosition(ctx context.Context, sig domain.Signal, market domain.Market, quote domain.Quote) (*domain.Position, error) {
	if !sig.Actionable() || sig.Action != domain.ActionBuy {
		return nil, fmt.Errorf("%w: signal not an actionable buy", ErrEntryRefused)
	}

	now := c.now()
	windowKey := market.WindowKey()
	posKey := sig.Strategy + "|" + market.Symbol + "|" + windowKey

	// Claim the pending-entry marker before any network round-trip so a
	// near-simultaneous duplicate signal cannot race this one.
	c.mu.Lock()
	if _, held := c.table[posKey]; held {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: position already open", ErrDuplicateEntry)
	}
	if marker, ok := c.pending[windowKey]; ok && now.Sub(marker.at) < c.cfg.PendingEntryTimeout {
		c.mu.Unlock()
		c.countRefusal("pending_entry")
		return nil, ErrDuplicateEntry
	}
	c.pending[windowKey] = pendingEntry{strategy: sig.Strategy, at: now}
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, windowKey)
		c.mu.Unlock()
	}()

	rules := c.cfg.RulesFor(sig.Strategy)

	// Dynamic minimum: size up so the worst-case exit is still tradable,
	// or refuse before reaching the market.
	size := sig.Size
	if min := c.minEntrySize(rules); size < min {
		c.log.Info("raising entry to dynamic minimum",
			zap.String("strategy", sig.Strategy),
			zap.Float64("requested", size),
			zap.Float64("minimum", min))
		size = min
	}

	res := c.riskMgr.ValidateTrade(risk.TradeRequest{
		Strategy:  sig.Strategy,
		Symbol:    market.Symbol,
		WindowKey: windowKey,
		Size:      size,
	}, &risk.MarketContext{
		TimeRemaining:    market.TimeRemaining(now),
		SpreadPct:        quote.SpreadPct(),
		EstimatedSlipPct: quote.AskSlipPct(),
		BidSize:          quote.BidSize,
		AskSize:          quote.AskSize,
	})
	if !res.Allowed {
		for _, v := range res.Violations {
			c.countVeto(v.Rule)
		}
		return nil, fmt.Errorf("%w: %s", ErrEntryRefused, res.Violations[0].Rule)
	}

	tokenID := market.Token(sig.Side)

	order, err := c.orderMgr.Create(domain.OrderParams{
		Strategy:   sig.Strategy,
		Symbol:     market.Symbol,
		TokenID:    tokenID,
		WindowKey:  windowKey,
		Side:       domain.SideBuy,
		Outcome:    sig.Side,
		LimitPrice: quote.Ask,
		Size:       size,
		Type:       domain.OrderTypeFOK,
		MaxRetries: 1,
		Snapshot: domain.MarketSnapshot{
			BestBid:       quote.Bid,
			BestAsk:       quote.Ask,
			Mid:           quote.Mid,
			Spread:        quote.Spread,
			TimeRemaining: market.TimeRemaining(now),
			Taken:         now,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEntryRefused, err)
	}

	balanceBefore, balErr := c.gw.Balance(ctx, tokenID)
	if balErr != nil {
		c.log.Warn("pre-entry balance unavailable", zap.Error(balErr))
		balanceBefore = -1 // sentinel: verification must fall back to tx proof
	}

	result, limitUsed, err := c.submitEntry(ctx, order.ID, tokenID, size, quote.Ask)
	if err != nil {
		_ = c.orderMgr.ApplyFailed(order.ID, err.Error())
		c.log.Warn("entry submission failed, missed opportunity",
			zap.String("strategy", sig.Strategy),
			zap.String("window", windowKey),
			zap.Error(err))
		return nil, err
	}

	verified, overridden := c.verifyEntryFill(ctx, tokenID, balanceBefore, result)
	if !verified {
		_ = c.orderMgr.ApplyFailed(order.ID, "fill verification failed")
		return nil, fmt.Errorf("%w: tx=%s status=%s", ErrVerificationFailed, result.TxRef, result.Status)
	}
	if overridden {
		c.log.Warn("fill accepted on tx proof, balance verification inconclusive",
			zap.String("tx_ref", result.TxRef),
			zap.String("status", result.Status))
		if c.metrics != nil {
			c.metrics.VerificationOverrides.Inc()
		}
	}

	fillSize := result.Shares * result.AvgPrice
	_ = c.orderMgr.ApplyFill(order.ID, domain.Fill{
		Price:     result.AvgPrice,
		Size:      fillSize,
		Shares:    result.Shares,
		Fee:       result.Fee,
		TxRef:     result.TxRef,
		Timestamp: c.now(),
	})

	pos := &domain.Position{
		Strategy:        sig.Strategy,
		Symbol:          market.Symbol,
		WindowKey:       windowKey,
		TokenID:         tokenID,
		Outcome:         sig.Side,
		EntryPrice:      result.AvgPrice,
		Shares:          result.Shares,
		CostBasis:       fillSize,
		RequestedSize:   size,
		HighWaterMark:   result.AvgPrice,
		State:           domain.PositionOpen,
		EntryOrderID:    order.ID,
		EntryTxRef:      result.TxRef,
		OpenedAt:        c.now(),
		LastEvaluatedAt: c.now(),
		WindowEndTime:   market.EndTime,
	}

	c.mu.Lock()
	c.table[pos.Key()] = pos
	c.mu.Unlock()

	c.riskMgr.RecordTradeOpen(windowKey, fillSize)
	c.persistPosition(ctx, pos)
	c.recordTrade(ctx, pos, domain.TradeEntry, result, limitUsed, "")

	c.log.Info("position opened",
		zap.String("key", pos.Key()),
		zap.Float64("shares", pos.Shares),
		zap.Float64("entry_price", pos.EntryPrice),
		zap.Float64("cost_basis", pos.CostBasis))

	return pos, nil
}

// submitEntry performs the buy with a single retry at a slightly worse price
// on transient failure, bounded by the configured extra slippage.
func (c *Controller) submitEntry(ctx context.Context, orderID, tokenID string, size, limit float64) (gateway.TradeResult, float64, error) {
	result, err := c.gw.Buy(ctx, tokenID, size, limit, domain.OrderTypeFOK)
	if err == nil && result.Executed() {
		_ = c.orderMgr.ApplySubmitted(orderID, result.TxRef)
		return result, limit, nil
	}

	retryLimit := limit * (1 + c.cfg.RetryExtraSlippage)
	c.log.Warn("entry submission failed, one retry at worse price",
		zap.Float64("limit", limit),
		zap.Float64("retry_limit", retryLimit),
		zap.Error(err))

	result, err = c.gw.Buy(ctx, tokenID, size, retryLimit, domain.OrderTypeFOK)
	if err != nil {
		return gateway.TradeResult{}, retryLimit, fmt.Errorf("entry retry: %w", err)
	}
	if !result.Executed() {
		return gateway.TradeResult{}, retryLimit, fmt.Errorf("entry retry not filled: status=%s", result.Status)
	}
	_ = c.orderMgr.ApplySubmitted(orderID, result.TxRef)
	return result, retryLimit, nil
}

// verifyEntryFill accepts a reported fill only on multiple independent
// signals: tx reference plus success flag plus either an observed balance
// increase or, when balance verification is inconclusive under settlement
// lag, a confirmed-matched status trusted as on-chain proof (if configured).
// Returns (verified, overrodeBalanceCheck).
func (c *Controller) verifyEntryFill(ctx context.Context, tokenID string, balanceBefore float64, result gateway.TradeResult) (bool, bool) {
	if result.TxRef == "" || !result.Success {
		return false, false
	}

	if balanceBefore >= 0 {
		balanceAfter, err := c.gw.Balance(ctx, tokenID)
		if err == nil && balanceAfter > balanceBefore {
			return true, false
		}
		// Inconclusive: settlement lag or balance query failure.
	}

	if c.cfg.TrustTxProof && result.Status == gateway.StatusMatched {
		return true, true
	}
	return false, false
}

// CloseManual exits a position on operator or strategy demand, outside the
// rule chain. The position must currently be OPEN.
func (c *Controller) CloseManual(ctx context.Context, strategy, symbol string) error {
	c.mu.Lock()
	var target *domain.Position
	for _, p := range c.table {
		if p.Strategy == strategy && p.Symbol == symbol && p.State == domain.PositionOpen {
			target = p
			break
		}
	}
	if target == nil {
		c.mu.Unlock()
		return fmt.Errorf("no open position for %s/%s", strategy, symbol)
	}
	target.State = domain.PositionExiting
	c.mu.Unlock()

	quote, err := c.gw.BestPrices(ctx, target.TokenID)
	if err != nil {
		c.failExit(ctx, target, fmt.Errorf("quote for manual exit: %w", err))
		return err
	}

	c.log.Info("manual exit requested",
		zap.String("key", target.Key()),
		zap.Float64("bid", quote.Bid))
	if c.metrics != nil {
		c.metrics.ExitsTriggered.WithLabelValues(domain.ExitReasonManual).Inc()
	}

	c.executeExit(ctx, target, quote, domain.ExitReasonManual)
	return nil
}

// OnTick evaluates every position on the updated token. Each position's
// evaluation is isolated: a panic or error in one never silences monitoring
// of its siblings.
func (c *Controller) OnTick(ctx context.Context, update domain.MarketUpdate) {
	now := c.now()

	c.mu.Lock()
	var due []*domain.Position
	for _, p := range c.table {
		if p.TokenID == update.TokenID && p.State == domain.PositionOpen {
			due = append(due, p)
		}
	}
	c.mu.Unlock()

	for _, p := range due {
		c.evaluatePosition(ctx, p, update, now)
	}
}

// evaluatePosition runs one position through expiry check and the rule
// chain, recovering from panics so siblings keep being monitored.
func (c *Controller) evaluatePosition(ctx context.Context, p *domain.Position, update domain.MarketUpdate, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			c.mu.Lock()
			p.State = domain.PositionOpen // safe value so monitoring continues
			c.mu.Unlock()
			c.log.Error("position evaluation panicked",
				zap.String("key", p.Key()),
				zap.Any("panic", r))
		}
	}()

	if !p.WindowEndTime.After(now) {
		c.settleExpired(ctx, p, update.Quote.Bid)
		return
	}

	price := update.Quote.Bid // exit side: what the position could sell at

	c.mu.Lock()
	p.LastEvaluatedAt = now
	decision := Evaluate(p, price, c.cfg.RulesFor(p.Strategy))
	if !decision.Exit {
		c.mu.Unlock()
		return
	}
	// EXITING guards against a duplicate trigger on the next tick.
	p.State = domain.PositionExiting
	c.mu.Unlock()

	c.log.Info("exit triggered",
		zap.String("key", p.Key()),
		zap.String("reason", decision.Reason),
		zap.Float64("price", price),
		zap.Float64("entry_price", p.EntryPrice),
		zap.Float64("hwm", p.HighWaterMark),
		zap.Float64("locked_floor", p.LockedFloor))
	if c.metrics != nil {
		c.metrics.ExitsTriggered.WithLabelValues(decision.Reason).Inc()
	}

	c.executeExit(ctx, p, update.Quote, decision.Reason)
}

// executeExit submits the closing order and settles the position state:
// closed on verified fill, back to OPEN with an incremented failure counter
// otherwise, abandoned once the counter crosses the bound.
func (c *Controller) executeExit(ctx context.Context, p *domain.Position, quote domain.Quote, reason string) {
	limit := quote.Bid * (1 - c.cfg.ExitPriceBuffer) // cross the spread

	order, err := c.orderMgr.Create(domain.OrderParams{
		Strategy:   p.Strategy,
		Symbol:     p.Symbol,
		TokenID:    p.TokenID,
		WindowKey:  p.WindowKey,
		Side:       domain.SideSell,
		Outcome:    p.Outcome,
		LimitPrice: limit,
		Size:       p.Shares * limit,
		Type:       domain.OrderTypeFOK,
		Snapshot: domain.MarketSnapshot{
			BestBid: quote.Bid,
			BestAsk: quote.Ask,
			Mid:     quote.Mid,
			Spread:  quote.Spread,
			Taken:   c.now(),
		},
	})
	if err != nil {
		c.failExit(ctx, p, fmt.Errorf("create exit order: %w", err))
		return
	}

	result, err := c.gw.Sell(ctx, p.TokenID, p.Shares, limit, domain.OrderTypeFOK)
	if err != nil || !result.Executed() {
		_ = c.orderMgr.ApplyFailed(order.ID, fmt.Sprintf("exit not executed: err=%v status=%s", err, result.Status))
		c.failExit(ctx, p, fmt.Errorf("sell %s: err=%v status=%s", p.TokenID, err, result.Status))
		return
	}

	_ = c.orderMgr.ApplySubmitted(order.ID, result.TxRef)
	_ = c.orderMgr.ApplyFill(order.ID, domain.Fill{
		Price:     result.AvgPrice,
		Size:      result.Shares * result.AvgPrice,
		Shares:    result.Shares,
		Fee:       result.Fee,
		TxRef:     result.TxRef,
		Timestamp: c.now(),
	})

	c.closePosition(ctx, p, result, reason)
}

// failExit reverts the position to OPEN and abandons it once the bounded
// attempt budget is exhausted.
func (c *Controller) failExit(ctx context.Context, p *domain.Position, cause error) {
	c.mu.Lock()
	p.FailedExitCount++
	attempts := p.FailedExitCount
	if attempts >= c.cfg.MaxExitAttempts {
		p.State = domain.PositionAbandoned
	} else {
		p.State = domain.PositionOpen
	}
	abandoned := p.State == domain.PositionAbandoned
	if abandoned {
		delete(c.table, p.Key())
	}
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.ExitFailures.Inc()
	}

	if !abandoned {
		c.log.Warn("exit attempt failed, position back to open",
			zap.String("key", p.Key()),
			zap.Int("attempts", attempts),
			zap.Int("budget", c.cfg.MaxExitAttempts),
			zap.Error(cause))
		c.persistPosition(ctx, p)
		return
	}

	// Abandoned: left to settle at window expiry rather than retried
	// forever. Persisted with full context for offline audit.
	c.log.Error("position abandoned after repeated exit failures",
		zap.String("key", p.Key()),
		zap.Int("attempts", attempts),
		zap.Float64("entry_price", p.EntryPrice),
		zap.Float64("peak_price", p.HighWaterMark),
		zap.Float64("shares", p.Shares),
		zap.Error(cause))
	if c.metrics != nil {
		c.metrics.PositionsAbandoned.Inc()
	}
	c.persistPosition(ctx, p)
	c.recordTrade(ctx, p, domain.TradeExit, gateway.TradeResult{}, 0, domain.ExitReasonAbandoned)
}

// closePosition finalizes a verified exit fill: realized P&L is reported to
// the risk manager and the position leaves the table.
func (c *Controller) closePosition(ctx context.Context, p *domain.Position, result gateway.TradeResult, reason string) {
	proceeds := result.Shares * result.AvgPrice
	pnl := proceeds - p.CostBasis - result.Fee

	c.mu.Lock()
	p.State = domain.PositionClosed
	delete(c.table, p.Key())
	c.mu.Unlock()

	c.riskMgr.RecordTradeClose(p.WindowKey, pnl)

	if c.metrics != nil {
		if pnl >= 0 {
			c.metrics.RealizedPnL.Add(pnl)
		} else {
			c.metrics.RealizedLoss.Add(-pnl)
		}
	}

	if err := c.positions.Delete(ctx, p.Key()); err != nil {
		c.log.Warn("delete persisted position", zap.String("key", p.Key()), zap.Error(err))
	}
	c.recordTrade(ctx, p, domain.TradeExit, result, result.AvgPrice, reason)

	c.log.Info("position closed",
		zap.String("key", p.Key()),
		zap.String("reason", reason),
		zap.Float64("exit_price", result.AvgPrice),
		zap.Float64("realized_pnl", pnl))
}

// settleExpired removes a position whose settlement window has ended. The
// contract has resolved on-chain; there is nothing left to trade.
func (c *Controller) settleExpired(ctx context.Context, p *domain.Position, lastBid float64) {
	proceeds := p.Shares * lastBid
	pnl := proceeds - p.CostBasis

	c.mu.Lock()
	p.State = domain.PositionClosed
	delete(c.table, p.Key())
	c.mu.Unlock()

	c.riskMgr.RecordTradeClose(p.WindowKey, pnl)

	if err := c.positions.Delete(ctx, p.Key()); err != nil {
		c.log.Warn("delete persisted position", zap.String("key", p.Key()), zap.Error(err))
	}
	c.recordTrade(ctx, p, domain.TradeExit, gateway.TradeResult{AvgPrice: lastBid, Shares: p.Shares}, lastBid, domain.ExitReasonExpiry)

	c.log.Info("position settled at window expiry",
		zap.String("key", p.Key()),
		zap.Float64("last_bid", lastBid),
		zap.Float64("estimated_pnl", pnl))
}

// persistPosition snapshots the position for restart recovery.
func (c *Controller) persistPosition(ctx context.Context, p *domain.Position) {
	c.mu.Lock()
	snapshot := *p
	c.mu.Unlock()

	if err := c.positions.Upsert(ctx, &snapshot); err != nil {
		c.log.Warn("persist position", zap.String("key", snapshot.Key()), zap.Error(err))
	}
}

// recordTrade writes the authoritative trade log entry, then mirrors it to
// the analytical archive best-effort.
func (c *Controller) recordTrade(ctx context.Context, p *domain.Position, kind domain.TradeKind, result gateway.TradeResult, price float64, exitReason string) {
	now := c.now()
	record := &domain.TradeRecord{
		TradeID:    idhash.ComputeTradeID(p.Strategy, p.Symbol, p.WindowKey, string(kind), now.UnixMilli()),
		OrderID:    p.EntryOrderID,
		Strategy:   p.Strategy,
		Symbol:     p.Symbol,
		WindowKey:  p.WindowKey,
		TokenID:    p.TokenID,
		Kind:       kind,
		Outcome:    p.Outcome,
		Price:      price,
		Shares:     result.Shares,
		Size:       result.Shares * result.AvgPrice,
		Fees:       result.Fee,
		TxRef:      result.TxRef,
		ExecutedAt: now,
	}
	if kind == domain.TradeEntry {
		record.Side = domain.SideBuy
		record.Price = result.AvgPrice
		record.Size = p.CostBasis
	} else {
		record.Side = domain.SideSell
		record.ExitReason = exitReason
		record.EntryPrice = p.EntryPrice
		record.PeakPrice = p.HighWaterMark
		record.RealizedPnL = result.Shares*result.AvgPrice - p.CostBasis - result.Fee
	}

	if err := c.trades.Insert(ctx, record); err != nil {
		c.log.Error("record trade", zap.String("trade_id", record.TradeID), zap.Error(err))
	}
	if c.archive != nil {
		if err := c.archive.InsertBulk(ctx, []*domain.TradeRecord{record}); err != nil {
			c.log.Warn("archive trade", zap.String("trade_id", record.TradeID), zap.Error(err))
		}
	}
}

func (c *Controller) countVeto(rule string) {
	if c.metrics != nil {
		c.metrics.TradesVetoed.WithLabelValues(rule).Inc()
	}
}

func (c *Controller) countRefusal(cause string) {
	if c.metrics != nil {
		c.metrics.EntriesRefused.WithLabelValues(cause).Inc()
	}
}
