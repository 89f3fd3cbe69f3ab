package memory

import (
	"context"
	"sync"

	"polytrader/internal/storage"
)

// StrategyStore is an in-memory implementation of storage.StrategyStore.
type StrategyStore struct {
	mu   sync.RWMutex
	data map[string]bool
}

// NewStrategyStore creates a new in-memory strategy store.
func NewStrategyStore() *StrategyStore {
	return &StrategyStore{
		data: make(map[string]bool),
	}
}

// SetEnabled records whether a strategy may open new positions.
func (s *StrategyStore) SetEnabled(_ context.Context, strategy string, enabled bool) error {
	if strategy == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[strategy] = enabled
	return nil
}

// IsEnabled reports a strategy's flag. Unknown strategies default to enabled.
func (s *StrategyStore) IsEnabled(_ context.Context, strategy string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	enabled, exists := s.data[strategy]
	if !exists {
		return true, nil
	}
	return enabled, nil
}

// GetAll retrieves every recorded flag.
func (s *StrategyStore) GetAll(_ context.Context) (map[string]bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]bool, len(s.data))
	for k, v := range s.data {
		out[k] = v
	}
	return out, nil
}

var _ storage.StrategyStore = (*StrategyStore)(nil)
