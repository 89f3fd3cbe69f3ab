package postgres

import (
	"context"
	"fmt"

	"polytrader/internal/storage"
)

// StrategyStore implements storage.StrategyStore using PostgreSQL.
type StrategyStore struct {
	pool *Pool
}

// NewStrategyStore creates a new StrategyStore.
func NewStrategyStore(pool *Pool) *StrategyStore {
	return &StrategyStore{pool: pool}
}

// Compile-time interface check.
var _ storage.StrategyStore = (*StrategyStore)(nil)

// SetEnabled records whether a strategy may open new positions.
func (s *StrategyStore) SetEnabled(ctx context.Context, strategy string, enabled bool) error {
	if strategy == "" {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO strategy_flags (strategy, enabled, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (strategy) DO UPDATE SET
			enabled = EXCLUDED.enabled,
			updated_at = now()
	`

	_, err := s.pool.Exec(ctx, query, strategy, enabled)
	if err != nil {
		return fmt.Errorf("set strategy flag: %w", err)
	}
	return nil
}

// IsEnabled reports a strategy's flag. Unknown strategies default to enabled.
func (s *StrategyStore) IsEnabled(ctx context.Context, strategy string) (bool, error) {
	var enabled bool
	err := s.pool.QueryRow(ctx,
		`SELECT enabled FROM strategy_flags WHERE strategy = $1`, strategy,
	).Scan(&enabled)
	if err != nil {
		if isNotFoundError(err) {
			return true, nil
		}
		return false, fmt.Errorf("get strategy flag: %w", err)
	}
	return enabled, nil
}

// GetAll retrieves every recorded flag.
func (s *StrategyStore) GetAll(ctx context.Context) (map[string]bool, error) {
	rows, err := s.pool.Query(ctx, `SELECT strategy, enabled FROM strategy_flags`)
	if err != nil {
		return nil, fmt.Errorf("get strategy flags: %w", err)
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var strategy string
		var enabled bool
		if err := rows.Scan(&strategy, &enabled); err != nil {
			return nil, fmt.Errorf("scan strategy flag row: %w", err)
		}
		out[strategy] = enabled
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate strategy flag rows: %w", err)
	}

	return out, nil
}
