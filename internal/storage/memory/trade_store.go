package memory

import (
	"context"
	"sort"
	"sync"

	"polytrader/internal/domain"
	"polytrader/internal/storage"
)

// TradeStore is an in-memory implementation of storage.TradeStore.
type TradeStore struct {
	mu   sync.RWMutex
	data map[string]*domain.TradeRecord // keyed by trade_id
}

// NewTradeStore creates a new in-memory trade store.
func NewTradeStore() *TradeStore {
	return &TradeStore{
		data: make(map[string]*domain.TradeRecord),
	}
}

// Insert adds a new trade. Returns ErrDuplicateKey if trade_id exists.
func (s *TradeStore) Insert(_ context.Context, t *domain.TradeRecord) error {
	if t == nil || t.TradeID == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[t.TradeID]; exists {
		return storage.ErrDuplicateKey
	}

	copy := *t
	s.data[t.TradeID] = &copy
	return nil
}

// GetByID retrieves a trade by its ID. Returns ErrNotFound if not exists.
func (s *TradeStore) GetByID(_ context.Context, tradeID string) (*domain.TradeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, exists := s.data[tradeID]
	if !exists {
		return nil, storage.ErrNotFound
	}

	copy := *t
	return &copy, nil
}

// GetByWindow retrieves all trades for a window, ordered by executed_at ASC.
func (s *TradeStore) GetByWindow(_ context.Context, windowKey string) ([]*domain.TradeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.TradeRecord
	for _, t := range s.data {
		if t.WindowKey == windowKey {
			copy := *t
			result = append(result, &copy)
		}
	}

	sortByExecutedAt(result)
	return result, nil
}

// GetByStrategy retrieves all trades for a strategy, ordered by executed_at ASC.
func (s *TradeStore) GetByStrategy(_ context.Context, strategy string) ([]*domain.TradeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.TradeRecord
	for _, t := range s.data {
		if t.Strategy == strategy {
			copy := *t
			result = append(result, &copy)
		}
	}

	sortByExecutedAt(result)
	return result, nil
}

// GetSince retrieves trades executed at or after sinceMs, ordered by
// executed_at ASC.
func (s *TradeStore) GetSince(_ context.Context, sinceMs int64) ([]*domain.TradeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.TradeRecord
	for _, t := range s.data {
		if t.ExecutedAt.UnixMilli() >= sinceMs {
			copy := *t
			result = append(result, &copy)
		}
	}

	sortByExecutedAt(result)
	return result, nil
}

func sortByExecutedAt(trades []*domain.TradeRecord) {
	sort.Slice(trades, func(i, j int) bool {
		return trades[i].ExecutedAt.Before(trades[j].ExecutedAt)
	})
}

var _ storage.TradeStore = (*TradeStore)(nil)
