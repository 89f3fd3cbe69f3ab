package clickhouse

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"polytrader/internal/domain"
	"polytrader/internal/storage"
)

// TradeArchiveStore implements storage.TradeArchive using ClickHouse. The
// archive uses ReplacingMergeTree keyed by trade_id, so re-inserting the same
// trade after a restart is harmless.
type TradeArchiveStore struct {
	conn *Conn
}

// NewTradeArchiveStore creates a new TradeArchiveStore.
func NewTradeArchiveStore(conn *Conn) *TradeArchiveStore {
	return &TradeArchiveStore{conn: conn}
}

// Compile-time interface check.
var _ storage.TradeArchive = (*TradeArchiveStore)(nil)

// InsertBulk appends trades to the archive. Duplicates are tolerated.
func (s *TradeArchiveStore) InsertBulk(ctx context.Context, trades []*domain.TradeRecord) error {
	if len(trades) == 0 {
		return nil
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO trade_archive (
			trade_id, order_id, strategy, symbol, window_key, token_id,
			kind, side, outcome,
			price, shares, size, fees, tx_ref, slippage, executed_at_ms,
			exit_reason, entry_price, peak_price, realized_pnl
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, t := range trades {
		err = batch.Append(
			t.TradeID, t.OrderID, t.Strategy, t.Symbol, t.WindowKey, t.TokenID,
			string(t.Kind), string(t.Side), string(t.Outcome),
			t.Price, t.Shares, t.Size, t.Fees, t.TxRef, t.Slippage, uint64(t.ExecutedAt.UnixMilli()),
			t.ExitReason, t.EntryPrice, t.PeakPrice, t.RealizedPnL,
		)
		if err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}

	return nil
}

// GetByWindow retrieves archived trades for a window, ordered by executed_at ASC.
func (s *TradeArchiveStore) GetByWindow(ctx context.Context, windowKey string) ([]*domain.TradeRecord, error) {
	query := `
		SELECT trade_id, order_id, strategy, symbol, window_key, token_id,
			kind, side, outcome,
			price, shares, size, fees, tx_ref, slippage, executed_at_ms,
			exit_reason, entry_price, peak_price, realized_pnl
		FROM trade_archive FINAL
		WHERE window_key = ?
		ORDER BY executed_at_ms ASC
	`

	rows, err := s.conn.Query(ctx, query, windowKey)
	if err != nil {
		return nil, fmt.Errorf("query by window: %w", err)
	}
	defer rows.Close()

	return scanArchivedTrades(rows)
}

// scanArchivedTrades scans multiple rows.
func scanArchivedTrades(rows driver.Rows) ([]*domain.TradeRecord, error) {
	var trades []*domain.TradeRecord

	for rows.Next() {
		var t domain.TradeRecord
		var kind, side, outcome string
		var executedAtMs uint64

		err := rows.Scan(
			&t.TradeID, &t.OrderID, &t.Strategy, &t.Symbol, &t.WindowKey, &t.TokenID,
			&kind, &side, &outcome,
			&t.Price, &t.Shares, &t.Size, &t.Fees, &t.TxRef, &t.Slippage, &executedAtMs,
			&t.ExitReason, &t.EntryPrice, &t.PeakPrice, &t.RealizedPnL,
		)
		if err != nil {
			return nil, fmt.Errorf("scan trade archive row: %w", err)
		}

		t.Kind = domain.TradeKind(kind)
		t.Side = domain.Side(side)
		t.Outcome = domain.OutcomeSide(outcome)
		t.ExecutedAt = time.UnixMilli(int64(executedAtMs))
		trades = append(trades, &t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trade archive rows: %w", err)
	}

	return trades, nil
}
