package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"polytrader/internal/domain"
	"polytrader/internal/storage"
)

// TradeStore implements storage.TradeStore using PostgreSQL.
type TradeStore struct {
	pool *Pool
}

// NewTradeStore creates a new TradeStore.
func NewTradeStore(pool *Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

// Compile-time interface check.
var _ storage.TradeStore = (*TradeStore)(nil)

const tradeColumns = `
	trade_id, order_id, strategy, symbol, window_key, token_id,
	kind, side, outcome,
	price, shares, size, fees, tx_ref, slippage, executed_at,
	exit_reason, entry_price, peak_price, realized_pnl
`

// Insert adds a new trade. Returns ErrDuplicateKey if trade_id exists.
func (s *TradeStore) Insert(ctx context.Context, t *domain.TradeRecord) error {
	if t == nil || t.TradeID == "" {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO trade_records (` + tradeColumns + `) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9,
			$10, $11, $12, $13, $14, $15, $16,
			$17, $18, $19, $20
		)
	`

	_, err := s.pool.Exec(ctx, query,
		t.TradeID, t.OrderID, t.Strategy, t.Symbol, t.WindowKey, t.TokenID,
		string(t.Kind), string(t.Side), string(t.Outcome),
		t.Price, t.Shares, t.Size, t.Fees, t.TxRef, t.Slippage, t.ExecutedAt,
		t.ExitReason, t.EntryPrice, t.PeakPrice, t.RealizedPnL,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert trade record: %w", err)
	}
	return nil
}

// GetByID retrieves a trade by its ID. Returns ErrNotFound if not exists.
func (s *TradeStore) GetByID(ctx context.Context, tradeID string) (*domain.TradeRecord, error) {
	query := `SELECT ` + tradeColumns + ` FROM trade_records WHERE trade_id = $1`

	row := s.pool.QueryRow(ctx, query, tradeID)
	t, err := scanTradeRecord(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get trade record by id: %w", err)
	}
	return t, nil
}

// GetByWindow retrieves all trades for a window, ordered by executed_at ASC.
func (s *TradeStore) GetByWindow(ctx context.Context, windowKey string) ([]*domain.TradeRecord, error) {
	query := `
		SELECT ` + tradeColumns + `
		FROM trade_records
		WHERE window_key = $1
		ORDER BY executed_at ASC, trade_id ASC
	`

	rows, err := s.pool.Query(ctx, query, windowKey)
	if err != nil {
		return nil, fmt.Errorf("get trade records by window: %w", err)
	}
	defer rows.Close()

	return scanTradeRecords(rows)
}

// GetByStrategy retrieves all trades for a strategy, ordered by executed_at ASC.
func (s *TradeStore) GetByStrategy(ctx context.Context, strategy string) ([]*domain.TradeRecord, error) {
	query := `
		SELECT ` + tradeColumns + `
		FROM trade_records
		WHERE strategy = $1
		ORDER BY executed_at ASC, trade_id ASC
	`

	rows, err := s.pool.Query(ctx, query, strategy)
	if err != nil {
		return nil, fmt.Errorf("get trade records by strategy: %w", err)
	}
	defer rows.Close()

	return scanTradeRecords(rows)
}

// GetSince retrieves trades executed at or after sinceMs, ordered by
// executed_at ASC.
func (s *TradeStore) GetSince(ctx context.Context, sinceMs int64) ([]*domain.TradeRecord, error) {
	query := `
		SELECT ` + tradeColumns + `
		FROM trade_records
		WHERE executed_at >= to_timestamp($1::double precision / 1000)
		ORDER BY executed_at ASC, trade_id ASC
	`

	rows, err := s.pool.Query(ctx, query, sinceMs)
	if err != nil {
		return nil, fmt.Errorf("get trade records since: %w", err)
	}
	defer rows.Close()

	return scanTradeRecords(rows)
}

// scanTradeRecord scans a single row into a TradeRecord.
func scanTradeRecord(row pgx.Row) (*domain.TradeRecord, error) {
	var t domain.TradeRecord
	var kind, side, outcome string

	err := row.Scan(
		&t.TradeID, &t.OrderID, &t.Strategy, &t.Symbol, &t.WindowKey, &t.TokenID,
		&kind, &side, &outcome,
		&t.Price, &t.Shares, &t.Size, &t.Fees, &t.TxRef, &t.Slippage, &t.ExecutedAt,
		&t.ExitReason, &t.EntryPrice, &t.PeakPrice, &t.RealizedPnL,
	)
	if err != nil {
		return nil, err
	}

	t.Kind = domain.TradeKind(kind)
	t.Side = domain.Side(side)
	t.Outcome = domain.OutcomeSide(outcome)
	return &t, nil
}

// scanTradeRecords scans multiple rows into a slice of TradeRecord.
func scanTradeRecords(rows pgx.Rows) ([]*domain.TradeRecord, error) {
	var trades []*domain.TradeRecord

	for rows.Next() {
		t, err := scanTradeRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trade record row: %w", err)
		}
		trades = append(trades, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trade record rows: %w", err)
	}

	return trades, nil
}
