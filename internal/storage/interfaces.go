package storage

import (
	"context"

	"polytrader/internal/domain"
)

// TradeStore provides access to the trade_records log.
type TradeStore interface {
	// Insert adds a new trade. Returns ErrDuplicateKey if trade_id exists.
	Insert(ctx context.Context, t *domain.TradeRecord) error

	// GetByID retrieves a trade by its ID. Returns ErrNotFound if not exists.
	GetByID(ctx context.Context, tradeID string) (*domain.TradeRecord, error)

	// GetByWindow retrieves all trades for a settlement window, ordered by
	// executed_at ASC.
	GetByWindow(ctx context.Context, windowKey string) ([]*domain.TradeRecord, error)

	// GetByStrategy retrieves all trades for a strategy, ordered by
	// executed_at ASC.
	GetByStrategy(ctx context.Context, strategy string) ([]*domain.TradeRecord, error)

	// GetSince retrieves trades executed at or after the given unix-ms
	// timestamp, ordered by executed_at ASC.
	GetSince(ctx context.Context, sinceMs int64) ([]*domain.TradeRecord, error)
}

// PositionStore provides access to position snapshots. Positions are keyed by
// strategy|symbol|window and upserted on every state change so a restart can
// restore open positions.
type PositionStore interface {
	// Upsert inserts or replaces the snapshot for the position's key.
	Upsert(ctx context.Context, p *domain.Position) error

	// Get retrieves a position by its composite key. Returns ErrNotFound
	// if not exists.
	Get(ctx context.Context, key string) (*domain.Position, error)

	// GetOpen retrieves all positions in the OPEN or EXITING state.
	GetOpen(ctx context.Context) ([]*domain.Position, error)

	// Delete removes a position snapshot. Deleting a missing key is not
	// an error.
	Delete(ctx context.Context, key string) error
}

// StrategyStore persists per-strategy enablement flags across restarts.
type StrategyStore interface {
	// SetEnabled records whether a strategy may open new positions.
	SetEnabled(ctx context.Context, strategy string, enabled bool) error

	// IsEnabled reports a strategy's flag. Unknown strategies default to
	// enabled.
	IsEnabled(ctx context.Context, strategy string) (bool, error)

	// GetAll retrieves every recorded flag.
	GetAll(ctx context.Context) (map[string]bool, error)
}

// TradeArchive is the append-only analytical copy of the trade log, written
// best-effort after the authoritative TradeStore insert.
type TradeArchive interface {
	// InsertBulk appends trades to the archive. Duplicates are tolerated.
	InsertBulk(ctx context.Context, trades []*domain.TradeRecord) error

	// GetByWindow retrieves archived trades for a window, ordered by
	// executed_at ASC.
	GetByWindow(ctx context.Context, windowKey string) ([]*domain.TradeRecord, error)
}
