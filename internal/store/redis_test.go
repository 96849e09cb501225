package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradeledger/position-engine/internal/model"
)

func TestCachedStore_ListPositionsReadThrough(t *testing.T) {
	ctx := context.Background()
	db, mock := redismock.NewClientMock()
	primary := NewMemoryStore()
	key := model.PositionKey{Ticker: "AAPL", PlatformID: 1}
	require.NoError(t, primary.ReplacePositions(ctx, []model.PositionKey{key},
		[]model.Position{openPosition("AAPL", 1, 5)}))

	cached := NewCachedStore(primary, db, time.Minute)

	want, _ := primary.ListPositions(ctx, model.PositionOpen)
	data, err := json.Marshal(want)
	require.NoError(t, err)

	t.Run("miss populates cache", func(t *testing.T) {
		mock.ExpectGet("positions:open").RedisNil()
		mock.ExpectSet("positions:open", data, time.Minute).SetVal("OK")

		got, err := cached.ListPositions(ctx, model.PositionOpen)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("hit skips primary", func(t *testing.T) {
		// Change the primary behind the cache's back.
		require.NoError(t, primary.ReplacePositions(ctx, []model.PositionKey{key}, nil))
		mock.ExpectGet("positions:open").SetVal(string(data))

		got, err := cached.ListPositions(ctx, model.PositionOpen)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.True(t, got[0].Quantity.Equal(d(5)))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestCachedStore_ReplacePositionsInvalidates(t *testing.T) {
	ctx := context.Background()
	db, mock := redismock.NewClientMock()
	cached := NewCachedStore(NewMemoryStore(), db, time.Minute)

	mock.ExpectDel("positions:all", "positions:open", "positions:close").SetVal(1)

	key := model.PositionKey{Ticker: "AAPL", PlatformID: 1}
	require.NoError(t, cached.ReplacePositions(ctx, []model.PositionKey{key},
		[]model.Position{openPosition("AAPL", 1, 1)}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCachedStore_FailedWriteKeepsCache(t *testing.T) {
	ctx := context.Background()
	db, mock := redismock.NewClientMock()
	cached := NewCachedStore(NewMemoryStore(), db, time.Minute)

	// Foreign key in positions makes the primary reject the write.
	err := cached.ReplacePositions(ctx,
		[]model.PositionKey{{Ticker: "AAPL", PlatformID: 1}},
		[]model.Position{openPosition("TSLA", 1, 1)})
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet(), "no cache command on failure")
}

func TestCachedStore_InsertPlatformInvalidates(t *testing.T) {
	ctx := context.Background()
	db, mock := redismock.NewClientMock()
	cached := NewCachedStore(NewMemoryStore(), db, time.Minute)

	mock.ExpectDel("platforms").SetVal(1)
	require.NoError(t, cached.InsertPlatform(ctx, &model.Platform{Name: "Schwab"}))

	mock.ExpectGet("platforms").RedisNil()
	data, _ := json.Marshal([]model.Platform{{ID: 1, Name: "Schwab"}})
	mock.ExpectSet("platforms", data, time.Minute).SetVal("OK")

	platforms, err := cached.ListPlatforms(ctx)
	require.NoError(t, err)
	assert.Equal(t, []model.Platform{{ID: 1, Name: "Schwab"}}, platforms)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCachedStore_PassthroughTrades(t *testing.T) {
	ctx := context.Background()
	db, mock := redismock.NewClientMock()
	cached := NewCachedStore(NewMemoryStore(), db, time.Minute)

	require.NoError(t, cached.InsertTrade(ctx, &model.Trade{Ticker: "AAPL", PlatformID: 1, Side: model.SideBuy}))
	trades, err := cached.ListTrades(ctx)
	require.NoError(t, err)
	assert.Len(t, trades, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}
