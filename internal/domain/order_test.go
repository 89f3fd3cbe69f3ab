package domain

import (
	"errors"
	"testing"
	"time"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestOrder() *Order {
	return newTypedOrder(OrderTypeFOK)
}

func newTypedOrder(typ OrderType) *Order {
	return NewOrder("ord-1", OrderParams{
		ClientOrderID: "c-1",
		Strategy:      "momentum",
		Symbol:        "BTC-15M",
		TokenID:       "tok-up",
		WindowKey:     "BTC-15M|1748779200",
		Side:          SideBuy,
		Outcome:       OutcomeUp,
		LimitPrice:    0.55,
		Size:          10.0,
		Type:          typ,
		MaxRetries:    2,
		Snapshot: MarketSnapshot{
			BestBid: 0.52,
			BestAsk: 0.55,
			Mid:     0.535,
			Spread:  0.03,
			Taken:   t0,
		},
	}, t0)
}

func TestNewOrder_StartsPending(t *testing.T) {
	o := newTestOrder()
	if o.State != OrderStatePending {
		t.Fatalf("expected PENDING, got %s", o.State)
	}
	if o.RemainingSize != o.Size {
		t.Errorf("remaining = %f, want %f", o.RemainingSize, o.Size)
	}
	if len(o.History) != 1 {
		t.Errorf("expected 1 history entry, got %d", len(o.History))
	}
}

func TestOrder_HappyPathTransitions(t *testing.T) {
	o := newTypedOrder(OrderTypeGTC)

	if err := o.MarkSubmitted("ex-1", t0.Add(time.Second)); err != nil {
		t.Fatalf("MarkSubmitted: %v", err)
	}
	if o.ExchangeOrderID != "ex-1" {
		t.Errorf("exchange id not recorded")
	}
	if err := o.MarkOpen("resting", t0.Add(2*time.Second)); err != nil {
		t.Fatalf("MarkOpen: %v", err)
	}

	// Partial fill leaves the order PARTIALLY_FILLED.
	err := o.AddFill(Fill{Price: 0.55, Size: 5.5, Shares: 10, Timestamp: t0.Add(3 * time.Second)})
	if err != nil {
		t.Fatalf("AddFill: %v", err)
	}
	if o.State != OrderStatePartiallyFilled {
		t.Fatalf("expected PARTIALLY_FILLED, got %s", o.State)
	}

	// Completing fill reaches FILLED.
	err = o.AddFill(Fill{Price: 0.45, Size: 4.5, Shares: 10, Timestamp: t0.Add(4 * time.Second)})
	if err != nil {
		t.Fatalf("AddFill: %v", err)
	}
	if o.State != OrderStateFilled {
		t.Fatalf("expected FILLED, got %s", o.State)
	}
	if o.CompletedAt.IsZero() {
		t.Errorf("terminal timestamp not set")
	}
}

func TestOrder_FillInvariant(t *testing.T) {
	o := newTypedOrder(OrderTypeGTC)
	_ = o.MarkSubmitted("ex-1", t0)
	_ = o.MarkOpen("", t0)

	fills := []Fill{
		{Price: 0.50, Size: 2.0, Shares: 4, Timestamp: t0},
		{Price: 0.55, Size: 3.3, Shares: 6, Timestamp: t0},
		{Price: 0.47, Size: 4.7, Shares: 10, Timestamp: t0},
	}
	for i, f := range fills {
		if err := o.AddFill(f); err != nil {
			t.Fatalf("fill %d: %v", i, err)
		}
		if got := o.FilledSize + o.RemainingSize; got != o.Size {
			t.Errorf("after fill %d: filled+remaining = %f, want %f", i, got, o.Size)
		}
	}

	// VWAP = total quote spent / total shares.
	wantAvg := 10.0 / 20.0
	if diff := o.AvgFillPrice - wantAvg; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("avg fill price = %f, want %f", o.AvgFillPrice, wantAvg)
	}
}

func TestOrder_FOKPriceImprovementCompletes(t *testing.T) {
	o := newTestOrder()
	_ = o.MarkSubmitted("ex-1", t0)

	// The fill lands below the limit, spending 9.6 of the 10.0 notional.
	// A fill-or-kill never rests, so the order is FILLED with the unspent
	// remainder returned.
	if err := o.AddFill(Fill{Price: 0.48, Size: 9.6, Shares: 20, Timestamp: t0}); err != nil {
		t.Fatalf("AddFill: %v", err)
	}
	if o.State != OrderStateFilled {
		t.Fatalf("expected FILLED, got %s", o.State)
	}
	if o.RemainingSize != 0 {
		t.Errorf("remaining = %f, want 0", o.RemainingSize)
	}
	if diff := o.AvgFillPrice - 0.48; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("avg fill price = %f, want 0.48", o.AvgFillPrice)
	}
}

func TestOrder_IllegalTransitionsRejected(t *testing.T) {
	cases := []struct {
		name string
		run  func(o *Order) error
	}{
		{"open before submit", func(o *Order) error { return o.MarkOpen("", t0) }},
		{"submit twice", func(o *Order) error {
			_ = o.MarkSubmitted("ex-1", t0)
			return o.MarkSubmitted("ex-2", t0)
		}},
		{"cancel after fill", func(o *Order) error {
			_ = o.MarkSubmitted("ex-1", t0)
			if err := o.AddFill(Fill{Price: 0.5, Size: 10, Shares: 20, Timestamp: t0}); err != nil {
				return err
			}
			return o.MarkCancelled("late callback", t0)
		}},
		{"fill after reject", func(o *Order) error {
			_ = o.MarkRejected("no funds", t0)
			return o.AddFill(Fill{Price: 0.5, Size: 1, Shares: 2, Timestamp: t0})
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			o := newTestOrder()
			err := tc.run(o)
			if !errors.Is(err, ErrInvalidTransition) {
				t.Fatalf("expected ErrInvalidTransition, got %v", err)
			}
			// State must be unchanged by the rejected request, and the
			// rejection must be visible in history.
			last := o.History[len(o.History)-1]
			if last.Event != "transition_rejected" && last.Event != "fill_rejected" {
				t.Errorf("rejection not recorded, last event %q", last.Event)
			}
		})
	}
}

func TestOrder_IllegalTransitionKeepsState(t *testing.T) {
	o := newTestOrder()
	_ = o.MarkSubmitted("ex-1", t0)
	_ = o.AddFill(Fill{Price: 0.5, Size: 10, Shares: 20, Timestamp: t0})

	if err := o.MarkFailed("late timeout", t0); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if o.State != OrderStateFilled {
		t.Errorf("state mutated to %s by rejected transition", o.State)
	}
}

func TestOrder_RetryCycle(t *testing.T) {
	o := newTestOrder()
	_ = o.MarkSubmitted("ex-1", t0)
	_ = o.MarkFailed("connection reset", t0)

	if !o.CanRetry() {
		t.Fatal("expected retry to be allowed")
	}
	if err := o.PrepareRetry(t0); err != nil {
		t.Fatalf("PrepareRetry: %v", err)
	}
	if o.State != OrderStatePending {
		t.Errorf("expected PENDING after retry prep, got %s", o.State)
	}
	if o.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", o.RetryCount)
	}
	if o.LastError != "" || o.ExchangeOrderID != "" {
		t.Errorf("error/exchange id not cleared for retry")
	}

	// Exhaust the budget: two retries allowed, third refused.
	_ = o.MarkFailed("reset again", t0)
	if err := o.PrepareRetry(t0); err != nil {
		t.Fatalf("second retry: %v", err)
	}
	_ = o.MarkFailed("reset once more", t0)
	if o.CanRetry() {
		t.Error("retry allowed past MaxRetries")
	}
	if err := o.PrepareRetry(t0); err == nil {
		t.Error("PrepareRetry succeeded past MaxRetries")
	}
}

func TestOrder_CalculatePnL(t *testing.T) {
	o := newTestOrder()
	_ = o.MarkSubmitted("ex-1", t0)

	if _, err := o.CalculatePnL(0.60); !errors.Is(err, ErrNoFills) {
		t.Fatalf("expected ErrNoFills before fills, got %v", err)
	}

	// 20 shares at avg 0.50.
	_ = o.AddFill(Fill{Price: 0.50, Size: 10, Shares: 20, Fee: 0.02, Timestamp: t0})

	pnl, err := o.CalculatePnL(0.60)
	if err != nil {
		t.Fatalf("CalculatePnL: %v", err)
	}
	if diff := pnl.Gross - 2.0; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("gross = %f, want 2.0", pnl.Gross)
	}
	if diff := pnl.Net - 1.98; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("net = %f, want 1.98", pnl.Net)
	}
	// Bought at 0.50 against a 0.535 mid: negative slippage (price improvement).
	if pnl.SlippageCost >= 0 {
		t.Errorf("slippage = %f, want negative", pnl.SlippageCost)
	}
}

func TestPosition_FloorNeverLowered(t *testing.T) {
	p := &Position{EntryPrice: 0.20, Shares: 10, CostBasis: 2.0, HighWaterMark: 0.20}

	if !p.RaiseFloor(0.05) {
		t.Fatal("first raise refused")
	}
	if p.RaiseFloor(0.05) {
		t.Error("equal floor treated as raise")
	}
	if p.RaiseFloor(0.02) {
		t.Error("floor lowered")
	}
	if !p.RaiseFloor(0.12) {
		t.Error("higher floor refused")
	}
	if p.LockedFloor != 0.12 {
		t.Errorf("floor = %f, want 0.12", p.LockedFloor)
	}
}

func TestMarketUpdate_Stale(t *testing.T) {
	u := MarketUpdate{Timestamp: t0}
	if u.Stale(t0.Add(4*time.Second), 5*time.Second) {
		t.Error("fresh update reported stale")
	}
	if !u.Stale(t0.Add(6*time.Second), 5*time.Second) {
		t.Error("stale update not detected")
	}
}
