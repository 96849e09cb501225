package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradeledger/position-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func openPosition(ticker string, platform int64, qty float64) model.Position {
	return model.Position{
		Ticker:     ticker,
		PlatformID: platform,
		Status:     model.PositionOpen,
		Direction:  model.DirectionLong,
		EntryPrice: d(100),
		Quantity:   d(qty),
		EntryDate:  model.Date(2024, time.March, 1),
	}
}

func TestMemoryStore_ListTradesOrdered(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	for _, tr := range []model.Trade{
		{Ticker: "MSFT", PlatformID: 1, Date: model.Date(2024, 1, 1), Side: model.SideBuy, Quantity: d(1)},
		{Ticker: "AAPL", PlatformID: 2, Date: model.Date(2024, 1, 1), Side: model.SideBuy, Quantity: d(1)},
		{Ticker: "AAPL", PlatformID: 1, Date: model.Date(2024, 1, 3), Side: model.SideSell, Quantity: d(1)},
		{Ticker: "AAPL", PlatformID: 1, Date: model.Date(2024, 1, 2), Side: model.SideBuy, Quantity: d(1)},
	} {
		tr := tr
		require.NoError(t, s.InsertTrade(ctx, &tr))
		assert.NotZero(t, tr.ID)
	}

	trades, err := s.ListTrades(ctx)
	require.NoError(t, err)
	require.Len(t, trades, 4)
	assert.Equal(t, "AAPL", trades[0].Ticker)
	assert.Equal(t, int64(1), trades[0].PlatformID)
	assert.True(t, trades[0].Date.Before(trades[1].Date))
	assert.Equal(t, int64(2), trades[2].PlatformID)
	assert.Equal(t, "MSFT", trades[3].Ticker)
}

func TestMemoryStore_ReplacePositionsLeavesOtherKeys(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	aapl := model.PositionKey{Ticker: "AAPL", PlatformID: 1}
	msft := model.PositionKey{Ticker: "MSFT", PlatformID: 1}

	require.NoError(t, s.ReplacePositions(ctx,
		[]model.PositionKey{aapl, msft},
		[]model.Position{openPosition("AAPL", 1, 5), openPosition("MSFT", 1, 2)},
	))
	require.NoError(t, s.ReplacePositions(ctx,
		[]model.PositionKey{aapl},
		[]model.Position{openPosition("AAPL", 1, 7)},
	))

	positions, err := s.ListPositions(ctx, "")
	require.NoError(t, err)
	require.Len(t, positions, 2)

	byKey := map[model.PositionKey]model.Position{}
	for _, p := range positions {
		byKey[p.Key()] = p
	}
	assert.True(t, byKey[aapl].Quantity.Equal(d(7)))
	assert.True(t, byKey[msft].Quantity.Equal(d(2)))
}

func TestMemoryStore_ReplacePositionsRejectsForeignKey(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	aapl := model.PositionKey{Ticker: "AAPL", PlatformID: 1}

	require.NoError(t, s.ReplacePositions(ctx, []model.PositionKey{aapl}, []model.Position{openPosition("AAPL", 1, 1)}))

	err := s.ReplacePositions(ctx, []model.PositionKey{aapl}, []model.Position{openPosition("TSLA", 1, 1)})
	require.Error(t, err)

	// Nothing changed.
	positions, _ := s.ListPositions(ctx, "")
	require.Len(t, positions, 1)
	assert.Equal(t, "AAPL", positions[0].Ticker)
}

func TestMemoryStore_ListPositionsByStatus(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	key := model.PositionKey{Ticker: "AAPL", PlatformID: 1}

	closed := openPosition("AAPL", 1, 1)
	closed.Status = model.PositionClosed
	require.NoError(t, s.ReplacePositions(ctx, []model.PositionKey{key},
		[]model.Position{openPosition("AAPL", 1, 1), closed}))

	open, err := s.ListPositions(ctx, model.PositionOpen)
	require.NoError(t, err)
	assert.Len(t, open, 1)

	done, err := s.ListPositions(ctx, model.PositionClosed)
	require.NoError(t, err)
	assert.Len(t, done, 1)
}

func TestMemoryStore_OptionLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	o := &model.OptionTrade{Ticker: "AAPL", PlatformID: 1, Strategy: "Covered Call", StrikePrice: d(150)}
	require.NoError(t, s.InsertOptionTrade(ctx, o))
	assert.Equal(t, model.OptionOpen, o.Status)

	synthetic := &model.Trade{Ticker: "AAPL", PlatformID: 1, Price: d(150), Quantity: d(100),
		Date: model.Date(2024, 6, 21), Side: model.SideSell}
	require.NoError(t, s.SettleOptionTrade(ctx, o.ID, model.OptionClose{
		Status:     model.OptionAssigned,
		CloseDate:  model.Date(2024, 6, 21),
		ProfitLoss: decimal.NewNullDecimal(d(150)),
	}, synthetic))
	assert.NotZero(t, synthetic.ID)

	got, err := s.GetOptionTrade(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OptionAssigned, got.Status)
	require.NotNil(t, got.CloseDate)
	assert.True(t, got.ProfitLoss.Decimal.Equal(d(150)))

	trades, _ := s.ListTrades(ctx)
	require.Len(t, trades, 1)
	assert.Equal(t, model.SideSell, trades[0].Side)

	open, _ := s.ListOptionTrades(ctx, model.OptionOpen)
	assert.Empty(t, open)
	closed, _ := s.ListOptionTrades(ctx, model.ClosedOptionStatuses...)
	assert.Len(t, closed, 1)
}

func TestMemoryStore_SettleTwiceRejected(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	o := &model.OptionTrade{Ticker: "AAPL", PlatformID: 1, Strategy: "cash secured put", StrikePrice: d(50)}
	require.NoError(t, s.InsertOptionTrade(ctx, o))
	settle := func(notes string) error {
		synthetic := &model.Trade{Ticker: "AAPL", PlatformID: 1, Price: d(50), Quantity: d(100),
			Date: model.Date(2024, 2, 16), Side: model.SideBuy}
		return s.SettleOptionTrade(ctx, o.ID, model.OptionClose{
			Status:    model.OptionAssigned,
			CloseDate: model.Date(2024, 2, 16),
			Notes:     notes,
		}, synthetic)
	}

	require.NoError(t, settle("first"))
	assert.ErrorIs(t, settle("second"), ErrAlreadySettled)

	got, err := s.GetOptionTrade(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, "first", got.Notes)
	trades, _ := s.ListTrades(ctx)
	assert.Len(t, trades, 1)
}

func TestMemoryStore_NotFound(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.GetOptionTrade(ctx, 42)
	assert.True(t, errors.Is(err, ErrNotFound))

	err = s.SettleOptionTrade(ctx, 42, model.OptionClose{Status: model.OptionExpired}, &model.Trade{Ticker: "X"})
	assert.True(t, errors.Is(err, ErrNotFound))
	trades, _ := s.ListTrades(ctx)
	assert.Empty(t, trades, "failed settle must not append the synthetic trade")

	_, err = s.GetMetadata(ctx, MetaLastImport)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestMemoryStore_PlatformsUniqueAndSorted(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.InsertPlatform(ctx, &model.Platform{Name: "Robinhood"}))
	require.NoError(t, s.InsertPlatform(ctx, &model.Platform{Name: "Fidelity"}))
	assert.ErrorIs(t, s.InsertPlatform(ctx, &model.Platform{Name: "Fidelity"}), ErrDuplicate)

	platforms, err := s.ListPlatforms(ctx)
	require.NoError(t, err)
	require.Len(t, platforms, 2)
	assert.Equal(t, "Fidelity", platforms[0].Name)
}

func TestMemoryStore_Metadata(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.SetMetadata(ctx, MetaLastImport, "a"))
	require.NoError(t, s.SetMetadata(ctx, MetaLastImport, "b"))
	v, err := s.GetMetadata(ctx, MetaLastImport)
	require.NoError(t, err)
	assert.Equal(t, "b", v)
}
