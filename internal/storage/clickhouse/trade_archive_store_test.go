package clickhouse

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"polytrader/internal/domain"
)

func archiveTrade(tradeID, windowKey string, executedAt time.Time) *domain.TradeRecord {
	return &domain.TradeRecord{
		TradeID:    tradeID,
		OrderID:    "order-" + tradeID,
		Strategy:   "momentum",
		Symbol:     "BTC-15M",
		WindowKey:  windowKey,
		TokenID:    "tok-up",
		Kind:       domain.TradeExit,
		Side:       domain.SideSell,
		Outcome:    domain.OutcomeUp,
		Price:      0.61,
		Shares:     192.3,
		Size:       117.3,
		Fees:       0.2,
		TxRef:      "0xdef",
		ExecutedAt: executedAt,

		ExitReason:  domain.ExitReasonTrailing,
		EntryPrice:  0.52,
		PeakPrice:   0.66,
		RealizedPnL: 17.3,
	}
}

func TestTradeArchiveStore_InsertAndGetByWindow(t *testing.T) {
	conn, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewTradeArchiveStore(conn)

	base := time.UnixMilli(1748779000000).UTC()
	trades := []*domain.TradeRecord{
		archiveTrade("t2", "w1", base.Add(2*time.Second)),
		archiveTrade("t1", "w1", base.Add(1*time.Second)),
		archiveTrade("t3", "w2", base.Add(3*time.Second)),
	}

	require.NoError(t, store.InsertBulk(ctx, trades))

	result, err := store.GetByWindow(ctx, "w1")
	require.NoError(t, err)
	require.Len(t, result, 2)
	assert.Equal(t, "t1", result[0].TradeID)
	assert.Equal(t, "t2", result[1].TradeID)
	assert.Equal(t, domain.ExitReasonTrailing, result[0].ExitReason)
	assert.InDelta(t, 17.3, result[0].RealizedPnL, 0.0001)
}

func TestTradeArchiveStore_DuplicatesTolerated(t *testing.T) {
	conn, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewTradeArchiveStore(conn)

	trade := archiveTrade("t1", "w1", time.UnixMilli(1748779000000).UTC())
	require.NoError(t, store.InsertBulk(ctx, []*domain.TradeRecord{trade}))
	require.NoError(t, store.InsertBulk(ctx, []*domain.TradeRecord{trade}))

	result, err := store.GetByWindow(ctx, "w1")
	require.NoError(t, err)
	assert.Len(t, result, 1, "FINAL should collapse replacing-merge duplicates")
}

func TestTradeArchiveStore_EmptyBatchIsNoop(t *testing.T) {
	store := NewTradeArchiveStore(nil)
	require.NoError(t, store.InsertBulk(context.Background(), nil))
}
