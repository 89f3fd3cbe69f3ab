package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"polytrader/internal/domain"
	"polytrader/internal/storage"
)

// PositionStore implements storage.PositionStore using PostgreSQL.
type PositionStore struct {
	pool *Pool
}

// NewPositionStore creates a new PositionStore.
func NewPositionStore(pool *Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

// Compile-time interface check.
var _ storage.PositionStore = (*PositionStore)(nil)

const positionColumns = `
	position_key, strategy, symbol, window_key, token_id, outcome,
	entry_price, shares, cost_basis, requested_size,
	high_water_mark, peak_profit_pct, locked_floor,
	state, failed_exit_count, entry_order_id, entry_tx_ref,
	opened_at, last_evaluated_at, window_end_time
`

// Upsert inserts or replaces the snapshot for the position's key.
func (s *PositionStore) Upsert(ctx context.Context, p *domain.Position) error {
	if p == nil || p.Strategy == "" || p.Symbol == "" || p.WindowKey == "" {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO positions (` + positionColumns + `) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10,
			$11, $12, $13,
			$14, $15, $16, $17,
			$18, $19, $20
		)
		ON CONFLICT (position_key) DO UPDATE SET
			entry_price = EXCLUDED.entry_price,
			shares = EXCLUDED.shares,
			cost_basis = EXCLUDED.cost_basis,
			requested_size = EXCLUDED.requested_size,
			high_water_mark = EXCLUDED.high_water_mark,
			peak_profit_pct = EXCLUDED.peak_profit_pct,
			locked_floor = EXCLUDED.locked_floor,
			state = EXCLUDED.state,
			failed_exit_count = EXCLUDED.failed_exit_count,
			entry_order_id = EXCLUDED.entry_order_id,
			entry_tx_ref = EXCLUDED.entry_tx_ref,
			last_evaluated_at = EXCLUDED.last_evaluated_at
	`

	_, err := s.pool.Exec(ctx, query,
		p.Key(), p.Strategy, p.Symbol, p.WindowKey, p.TokenID, string(p.Outcome),
		p.EntryPrice, p.Shares, p.CostBasis, p.RequestedSize,
		p.HighWaterMark, p.PeakProfitPct, p.LockedFloor,
		string(p.State), p.FailedExitCount, p.EntryOrderID, p.EntryTxRef,
		p.OpenedAt, p.LastEvaluatedAt, p.WindowEndTime,
	)
	if err != nil {
		return fmt.Errorf("upsert position: %w", err)
	}
	return nil
}

// Get retrieves a position by its composite key. Returns ErrNotFound if not exists.
func (s *PositionStore) Get(ctx context.Context, key string) (*domain.Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions WHERE position_key = $1`

	row := s.pool.QueryRow(ctx, query, key)
	p, err := scanPosition(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get position: %w", err)
	}
	return p, nil
}

// GetOpen retrieves all positions in the OPEN or EXITING state.
func (s *PositionStore) GetOpen(ctx context.Context) ([]*domain.Position, error) {
	query := `
		SELECT ` + positionColumns + `
		FROM positions
		WHERE state IN ('OPEN', 'EXITING')
		ORDER BY opened_at ASC
	`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("get open positions: %w", err)
	}
	defer rows.Close()

	var positions []*domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan position row: %w", err)
		}
		positions = append(positions, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate position rows: %w", err)
	}

	return positions, nil
}

// Delete removes a position snapshot. Deleting a missing key is not an error.
func (s *PositionStore) Delete(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM positions WHERE position_key = $1`, key)
	if err != nil {
		return fmt.Errorf("delete position: %w", err)
	}
	return nil
}

// scanPosition scans a single row into a Position.
func scanPosition(row pgx.Row) (*domain.Position, error) {
	var p domain.Position
	var key, outcome, state string

	err := row.Scan(
		&key, &p.Strategy, &p.Symbol, &p.WindowKey, &p.TokenID, &outcome,
		&p.EntryPrice, &p.Shares, &p.CostBasis, &p.RequestedSize,
		&p.HighWaterMark, &p.PeakProfitPct, &p.LockedFloor,
		&state, &p.FailedExitCount, &p.EntryOrderID, &p.EntryTxRef,
		&p.OpenedAt, &p.LastEvaluatedAt, &p.WindowEndTime,
	)
	if err != nil {
		return nil, err
	}

	p.Outcome = domain.OutcomeSide(outcome)
	p.State = domain.PositionState(state)
	return &p, nil
}
