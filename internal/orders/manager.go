// Package orders tracks every order the trader creates through its lifecycle.
// The manager owns the order registry; all state changes flow through it so
// listeners observe a single consistent sequence of events.
package orders

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"polytrader/internal/domain"
	"polytrader/internal/idhash"
)

// EventType labels a lifecycle notification.
type EventType string

const (
	EventCreated   EventType = "created"
	EventSubmitted EventType = "submitted"
	EventOpen      EventType = "open"
	EventFill      EventType = "fill"
	EventTerminal  EventType = "terminal"
	EventRetry     EventType = "retry"
)

// Event is delivered synchronously to listeners after a state change commits.
// The order is a copy; listeners may not mutate manager state through it.
type Event struct {
	Type  EventType
	Order domain.Order
}

// Listener receives order events. Listeners run on the caller's goroutine
// under no manager lock, so they may call back into the manager.
type Listener func(Event)

// Manager is the order registry. All mutations go through its Apply methods,
// which enforce the lifecycle transitions and fan events out to listeners.
type Manager struct {
	mu         sync.RWMutex
	orders     map[string]*domain.Order // keyed by internal id
	byExchange map[string]string        // exchange id -> internal id
	open       map[string]struct{}      // internal ids in non-terminal, post-submit states

	listeners []Listener
	log       *zap.Logger
	now       func() time.Time
}

// NewManager creates an empty order manager.
func NewManager(log *zap.Logger) *Manager {
	return &Manager{
		orders:     make(map[string]*domain.Order),
		byExchange: make(map[string]string),
		open:       make(map[string]struct{}),
		log:        log.Named("orders"),
		now:        time.Now,
	}
}

// SetClock overrides the manager's clock, for tests.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// Subscribe registers a listener for all subsequent events.
func (m *Manager) Subscribe(l Listener) {
	m.mu.Lock()
	m.listeners = append(m.listeners, l)
	m.mu.Unlock()
}

// Create registers a new PENDING order and returns a copy of it.
func (m *Manager) Create(p domain.OrderParams) (domain.Order, error) {
	if p.Strategy == "" || p.TokenID == "" {
		return domain.Order{}, fmt.Errorf("create order: strategy and token required")
	}
	if p.Size <= 0 {
		return domain.Order{}, fmt.Errorf("create order: size must be positive, got %f", p.Size)
	}

	now := m.now()
	o := domain.NewOrder(uuid.NewString(), p, now)
	o.ClientOrderID = idhash.ComputeClientOrderID(p.Strategy, p.TokenID, now.UnixNano(), 0)

	m.mu.Lock()
	m.orders[o.ID] = o
	m.mu.Unlock()

	m.log.Info("order created",
		zap.String("order_id", o.ID),
		zap.String("strategy", o.Strategy),
		zap.String("token_id", o.TokenID),
		zap.Float64("size", o.Size))

	m.emit(Event{Type: EventCreated, Order: *o})
	return *o, nil
}

// ApplySubmitted moves an order to SUBMITTED and indexes its exchange id.
func (m *Manager) ApplySubmitted(id, exchangeID string) error {
	return m.apply(id, EventSubmitted, func(o *domain.Order) error {
		if err := o.MarkSubmitted(exchangeID, m.now()); err != nil {
			return err
		}
		if exchangeID != "" {
			m.byExchange[exchangeID] = o.ID
		}
		m.open[o.ID] = struct{}{}
		return nil
	})
}

// ApplyOpen moves an order to OPEN (resting on the book).
func (m *Manager) ApplyOpen(id string) error {
	return m.apply(id, EventOpen, func(o *domain.Order) error {
		return o.MarkOpen("resting on book", m.now())
	})
}

// ApplyFill records a fill; the order moves to PARTIALLY_FILLED or FILLED
// depending on remaining size.
func (m *Manager) ApplyFill(id string, fill domain.Fill) error {
	return m.apply(id, EventFill, func(o *domain.Order) error {
		if err := o.AddFill(fill); err != nil {
			return err
		}
		if o.State.IsTerminal() {
			delete(m.open, o.ID)
		}
		return nil
	})
}

// ApplyCancelled moves an order to CANCELLED.
func (m *Manager) ApplyCancelled(id, reason string) error {
	return m.applyTerminal(id, func(o *domain.Order) error {
		return o.MarkCancelled(reason, m.now())
	})
}

// ApplyRejected moves an order to REJECTED.
func (m *Manager) ApplyRejected(id, reason string) error {
	return m.applyTerminal(id, func(o *domain.Order) error {
		return o.MarkRejected(reason, m.now())
	})
}

// ApplyExpired moves an order to EXPIRED.
func (m *Manager) ApplyExpired(id string) error {
	return m.applyTerminal(id, func(o *domain.Order) error {
		return o.MarkExpired("window closed", m.now())
	})
}

// ApplyFailed moves an order to FAILED, from which Retry may revive it.
func (m *Manager) ApplyFailed(id, cause string) error {
	return m.applyTerminal(id, func(o *domain.Order) error {
		return o.MarkFailed(cause, m.now())
	})
}

// Retry moves a FAILED order back to PENDING with a fresh client id, provided
// its retry budget is not exhausted.
func (m *Manager) Retry(id string) error {
	return m.apply(id, EventRetry, func(o *domain.Order) error {
		if !o.CanRetry() {
			return fmt.Errorf("order %s: %w: retries exhausted (%d/%d)",
				o.ID, domain.ErrInvalidTransition, o.RetryCount, o.MaxRetries)
		}
		if err := o.PrepareRetry(m.now()); err != nil {
			return err
		}
		o.ClientOrderID = idhash.ComputeClientOrderID(o.Strategy, o.TokenID, m.now().UnixNano(), o.RetryCount)
		return nil
	})
}

// Get returns a copy of the order. The second result reports existence.
func (m *Manager) Get(id string) (domain.Order, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orders[id]
	if !ok {
		return domain.Order{}, false
	}
	return *o, true
}

// GetByExchangeID resolves an exchange-assigned id to a copy of the order.
func (m *Manager) GetByExchangeID(exchangeID string) (domain.Order, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byExchange[exchangeID]
	if !ok {
		return domain.Order{}, false
	}
	o, ok := m.orders[id]
	if !ok {
		return domain.Order{}, false
	}
	return *o, true
}

// OpenOrders returns copies of all orders in post-submit, non-terminal states.
func (m *Manager) OpenOrders() []domain.Order {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]domain.Order, 0, len(m.open))
	for id := range m.open {
		if o, ok := m.orders[id]; ok {
			out = append(out, *o)
		}
	}
	return out
}

// CountOpen returns the number of live orders.
func (m *Manager) CountOpen() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.open)
}

// ExpireBefore expires every live order belonging to a window that ended at or
// before cutoff. Returns the ids expired.
func (m *Manager) ExpireBefore(cutoff time.Time, windowEnd func(windowKey string) (time.Time, bool)) []string {
	var stale []string

	m.mu.RLock()
	for id := range m.open {
		o := m.orders[id]
		end, ok := windowEnd(o.WindowKey)
		if ok && !end.After(cutoff) {
			stale = append(stale, id)
		}
	}
	m.mu.RUnlock()

	var expired []string
	for _, id := range stale {
		if err := m.ApplyExpired(id); err == nil {
			expired = append(expired, id)
		}
	}
	return expired
}

// apply runs mutate on the order under lock, then emits the event with a copy.
func (m *Manager) apply(id string, typ EventType, mutate func(*domain.Order) error) error {
	m.mu.Lock()
	o, ok := m.orders[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("order %s not found", id)
	}
	if err := mutate(o); err != nil {
		m.mu.Unlock()
		return err
	}
	snapshot := *o
	m.mu.Unlock()

	m.emit(Event{Type: typ, Order: snapshot})
	return nil
}

// applyTerminal is apply for transitions into terminal states, with the open
// set bookkeeping folded in.
func (m *Manager) applyTerminal(id string, mutate func(*domain.Order) error) error {
	return m.apply(id, EventTerminal, func(o *domain.Order) error {
		if err := mutate(o); err != nil {
			return err
		}
		delete(m.open, o.ID)
		if o.ExchangeOrderID != "" {
			delete(m.byExchange, o.ExchangeOrderID)
		}
		return nil
	})
}

// emit delivers the event to all listeners without holding the state lock.
func (m *Manager) emit(e Event) {
	m.mu.RLock()
	listeners := make([]Listener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.RUnlock()

	for _, l := range listeners {
		l(e)
	}
}
