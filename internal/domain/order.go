package domain

import (
	"errors"
	"fmt"
	"time"
)

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OutcomeSide is the branch of a binary contract an order trades.
type OutcomeSide string

const (
	OutcomeUp   OutcomeSide = "UP"
	OutcomeDown OutcomeSide = "DOWN"
)

// OrderType selects the exchange execution mode.
type OrderType string

const (
	OrderTypeFOK OrderType = "FOK" // fill-or-kill: fills completely and immediately, or cancels
	OrderTypeGTC OrderType = "GTC" // good-till-cancelled
	OrderTypeGTD OrderType = "GTD" // good-till-date
)

// OrderState is a node in the order lifecycle state machine.
type OrderState string

const (
	OrderStatePending         OrderState = "PENDING"
	OrderStateSubmitted       OrderState = "SUBMITTED"
	OrderStateOpen            OrderState = "OPEN"
	OrderStatePartiallyFilled OrderState = "PARTIALLY_FILLED"
	OrderStateFilled          OrderState = "FILLED"
	OrderStateCancelled       OrderState = "CANCELLED"
	OrderStateRejected        OrderState = "REJECTED"
	OrderStateExpired         OrderState = "EXPIRED"
	OrderStateFailed          OrderState = "FAILED"
)

// ErrInvalidTransition is returned when a requested lifecycle transition is
// not present in the transition table. The order's state is left unchanged.
var ErrInvalidTransition = errors.New("invalid order state transition")

// ErrNoFills is returned by CalculatePnL when the order has no filled size.
var ErrNoFills = errors.New("order has no fills")

// orderTransitions is the exhaustive set of legal next states per state.
// FAILED -> PENDING is the only edge out of a terminal state; it prepares a
// bounded retry. Out-of-order network callbacks requesting any edge not
// listed here are rejected and recorded in history without mutating state.
var orderTransitions = map[OrderState][]OrderState{
	OrderStatePending:         {OrderStateSubmitted, OrderStateCancelled, OrderStateRejected, OrderStateExpired, OrderStateFailed},
	OrderStateSubmitted:       {OrderStateOpen, OrderStateFilled, OrderStateCancelled, OrderStateRejected, OrderStateExpired, OrderStateFailed},
	OrderStateOpen:            {OrderStatePartiallyFilled, OrderStateFilled, OrderStateCancelled, OrderStateRejected, OrderStateExpired, OrderStateFailed},
	OrderStatePartiallyFilled: {OrderStateFilled, OrderStateCancelled, OrderStateRejected, OrderStateExpired, OrderStateFailed},
	OrderStateFilled:          {},
	OrderStateCancelled:       {},
	OrderStateRejected:        {},
	OrderStateExpired:         {},
	OrderStateFailed:          {OrderStatePending},
}

// IsTerminal reports whether s is a terminal lifecycle state. FAILED is
// terminal for accounting purposes even though a retry edge exists.
func (s OrderState) IsTerminal() bool {
	switch s {
	case OrderStateFilled, OrderStateCancelled, OrderStateRejected, OrderStateExpired, OrderStateFailed:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to OrderState) bool {
	for _, next := range orderTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Fill is a single execution against an order. Size is in quote currency;
// Shares is the contract quantity received or delivered.
type Fill struct {
	Price     float64
	Size      float64
	Shares    float64
	Fee       float64
	TxRef     string
	Timestamp time.Time
}

// MarketSnapshot captures book state at order creation, used later to
// compute realized slippage.
type MarketSnapshot struct {
	BestBid       float64
	BestAsk       float64
	Mid           float64
	Spread        float64
	TimeRemaining time.Duration
	Taken         time.Time
}

// HistoryEntry is one audit record of a lifecycle event.
type HistoryEntry struct {
	Timestamp time.Time
	State     OrderState
	Event     string
	Detail    string
}

// OrderParams are the immutable inputs to order creation.
type OrderParams struct {
	ClientOrderID string
	Strategy      string
	Symbol        string
	TokenID       string
	WindowKey     string
	Side          Side
	Outcome       OutcomeSide
	LimitPrice    float64
	Size          float64 // quote currency notional
	Type          OrderType
	MaxRetries    int
	Snapshot      MarketSnapshot
}

// Order is the canonical record of a single order submitted to the exchange.
// It is mutated only through the explicit transition methods below and is
// immutable once in a terminal state (except the FAILED retry edge). Methods
// are not safe for concurrent use; the OrderManager serializes access.
type Order struct {
	ID              string // internal id
	ClientOrderID   string
	ExchangeOrderID string

	Strategy  string
	Symbol    string
	TokenID   string
	WindowKey string

	Side       Side
	Outcome    OutcomeSide
	LimitPrice float64
	Size       float64
	Type       OrderType

	State         OrderState
	Fills         []Fill
	FilledSize    float64 // quote currency filled so far
	FilledShares  float64
	RemainingSize float64
	AvgFillPrice  float64 // volume-weighted mean across fills
	Fees          float64

	Snapshot MarketSnapshot

	CreatedAt      time.Time
	SubmittedAt    time.Time
	OpenedAt       time.Time
	FirstFillAt    time.Time
	CompletedAt    time.Time // time of entering any terminal state
	LastError      string
	RetryCount     int
	MaxRetries     int
	StateChangedAt time.Time

	History []HistoryEntry
}

// NewOrder creates an Order in PENDING with the full market context snapshot
// captured for later slippage accounting.
func NewOrder(id string, p OrderParams, now time.Time) *Order {
	o := &Order{
		ID:             id,
		ClientOrderID:  p.ClientOrderID,
		Strategy:       p.Strategy,
		Symbol:         p.Symbol,
		TokenID:        p.TokenID,
		WindowKey:      p.WindowKey,
		Side:           p.Side,
		Outcome:        p.Outcome,
		LimitPrice:     p.LimitPrice,
		Size:           p.Size,
		Type:           p.Type,
		State:          OrderStatePending,
		RemainingSize:  p.Size,
		MaxRetries:     p.MaxRetries,
		Snapshot:       p.Snapshot,
		CreatedAt:      now,
		StateChangedAt: now,
	}
	o.record(now, "created", fmt.Sprintf("%s %s %s size=%.4f limit=%.4f", p.Side, p.Outcome, p.Symbol, p.Size, p.LimitPrice))
	return o
}

// record appends an audit entry at the current state.
func (o *Order) record(now time.Time, event, detail string) {
	o.History = append(o.History, HistoryEntry{
		Timestamp: now,
		State:     o.State,
		Event:     event,
		Detail:    detail,
	})
}

// transition moves the order to next if the edge is legal. Illegal requests
// are recorded in history and rejected without mutating state.
func (o *Order) transition(next OrderState, now time.Time, event, detail string) error {
	if !CanTransition(o.State, next) {
		o.record(now, "transition_rejected", fmt.Sprintf("%s -> %s: %s", o.State, next, event))
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.State, next)
	}
	o.State = next
	o.StateChangedAt = now
	if next.IsTerminal() {
		o.CompletedAt = now
	}
	o.record(now, event, detail)
	return nil
}

// MarkSubmitted records acceptance by the exchange and the assigned id.
func (o *Order) MarkSubmitted(exchangeOrderID string, now time.Time) error {
	if err := o.transition(OrderStateSubmitted, now, "submitted", "exchange_id="+exchangeOrderID); err != nil {
		return err
	}
	o.ExchangeOrderID = exchangeOrderID
	o.SubmittedAt = now
	return nil
}

// MarkOpen records the order resting on the book.
func (o *Order) MarkOpen(detail string, now time.Time) error {
	if err := o.transition(OrderStateOpen, now, "open", detail); err != nil {
		return err
	}
	o.OpenedAt = now
	return nil
}

// AddFill applies one execution: filled and remaining size, share count, the
// running weighted average price, and accrued fees are all recomputed. A
// fill-or-kill order is FILLED by its single fill; otherwise the order moves
// to FILLED once remaining size reaches zero, or to PARTIALLY_FILLED if it
// is currently OPEN.
func (o *Order) AddFill(f Fill) error {
	if o.State.IsTerminal() {
		o.record(f.Timestamp, "fill_rejected", "fill after terminal state")
		return fmt.Errorf("%w: fill in state %s", ErrInvalidTransition, o.State)
	}

	o.Fills = append(o.Fills, f)
	o.FilledSize += f.Size
	o.FilledShares += f.Shares
	o.Fees += f.Fee
	o.RemainingSize = o.Size - o.FilledSize
	if o.RemainingSize < 0 {
		o.RemainingSize = 0
	}
	if o.FilledShares > 0 {
		o.AvgFillPrice = o.FilledSize / o.FilledShares
	}
	if o.FirstFillAt.IsZero() {
		o.FirstFillAt = f.Timestamp
	}

	detail := fmt.Sprintf("price=%.4f size=%.4f shares=%.4f", f.Price, f.Size, f.Shares)
	if o.Type == OrderTypeFOK {
		// A fill-or-kill executes exactly once; price improvement returns
		// the unspent notional to the wallet rather than leaving the order
		// resting.
		if o.RemainingSize > 0 {
			detail += fmt.Sprintf(" unspent=%.4f", o.RemainingSize)
		}
		o.RemainingSize = 0
		return o.transition(OrderStateFilled, f.Timestamp, "filled", detail)
	}
	if o.RemainingSize <= fillEpsilon {
		o.RemainingSize = 0
		return o.transition(OrderStateFilled, f.Timestamp, "filled", detail)
	}
	if o.State == OrderStateOpen {
		return o.transition(OrderStatePartiallyFilled, f.Timestamp, "partial_fill", detail)
	}
	o.record(f.Timestamp, "fill", detail)
	return nil
}

// fillEpsilon absorbs float dust when deciding an order is fully filled.
const fillEpsilon = 1e-9

// MarkCancelled moves the order to CANCELLED.
func (o *Order) MarkCancelled(reason string, now time.Time) error {
	return o.transition(OrderStateCancelled, now, "cancelled", reason)
}

// MarkRejected moves the order to REJECTED, keeping the first error seen.
func (o *Order) MarkRejected(reason string, now time.Time) error {
	if err := o.transition(OrderStateRejected, now, "rejected", reason); err != nil {
		return err
	}
	if o.LastError == "" {
		o.LastError = reason
	}
	return nil
}

// MarkExpired moves the order to EXPIRED.
func (o *Order) MarkExpired(reason string, now time.Time) error {
	return o.transition(OrderStateExpired, now, "expired", reason)
}

// MarkFailed moves the order to FAILED, keeping the first error seen.
func (o *Order) MarkFailed(reason string, now time.Time) error {
	if err := o.transition(OrderStateFailed, now, "failed", reason); err != nil {
		return err
	}
	if o.LastError == "" {
		o.LastError = reason
	}
	return nil
}

// CanRetry reports whether the order may be prepared for another attempt.
func (o *Order) CanRetry() bool {
	return o.State == OrderStateFailed && o.RetryCount < o.MaxRetries
}

// PrepareRetry moves a FAILED order back to PENDING, increments the retry
// counter, and clears the captured error.
func (o *Order) PrepareRetry(now time.Time) error {
	if !o.CanRetry() {
		return fmt.Errorf("%w: retry %d/%d in state %s", ErrInvalidTransition, o.RetryCount, o.MaxRetries, o.State)
	}
	if err := o.transition(OrderStatePending, now, "retry_prepared", fmt.Sprintf("attempt=%d", o.RetryCount+1)); err != nil {
		return err
	}
	o.RetryCount++
	o.LastError = ""
	o.ExchangeOrderID = ""
	return nil
}

// PnLResult is the realized outcome of an order at a given exit price.
type PnLResult struct {
	Gross        float64 // shares * (exit - avg fill), sign-adjusted for side
	Net          float64 // gross minus accrued fees
	SlippageCost float64 // cost of fill price vs. the creation-time mid
}

// CalculatePnL computes realized P&L against exitPrice. Valid only once the
// order has filled size.
func (o *Order) CalculatePnL(exitPrice float64) (PnLResult, error) {
	if o.FilledShares <= 0 {
		return PnLResult{}, ErrNoFills
	}

	gross := o.FilledShares * (exitPrice - o.AvgFillPrice)
	slip := o.FilledShares * (o.AvgFillPrice - o.Snapshot.Mid)
	if o.Side == SideSell {
		gross = -gross
		slip = -slip
	}
	return PnLResult{
		Gross:        gross,
		Net:          gross - o.Fees,
		SlippageCost: slip,
	}, nil
}
