package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradeledger/position-engine/internal/events"
	"github.com/tradeledger/position-engine/internal/model"
	"github.com/tradeledger/position-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func seed(t *testing.T, s store.Store, trades ...model.Trade) {
	t.Helper()
	for i := range trades {
		require.NoError(t, s.InsertTrade(context.Background(), &trades[i]))
	}
}

func buy(ticker string, platform int64, qty, price float64, day int) model.Trade {
	return model.Trade{Ticker: ticker, PlatformID: platform, Quantity: d(qty), Price: d(price),
		Date: model.Date(2024, time.January, day), Side: model.SideBuy}
}

func sell(ticker string, platform int64, qty, price float64, day int) model.Trade {
	tr := buy(ticker, platform, qty, price, day)
	tr.Side = model.SideSell
	return tr
}

// withoutIDs strips surrogate keys so two runs can be compared.
func withoutIDs(ps []model.Position) []model.Position {
	out := make([]model.Position, len(ps))
	for i, p := range ps {
		p.ID = 0
		out[i] = p
	}
	return out
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(_ context.Context, e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

// --- Scenarios ---

func TestRun_PartialFillScenario(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	seed(t, s,
		buy("AAPL", 1, 10, 100, 1),
		buy("AAPL", 1, 5, 110, 2),
		sell("AAPL", 1, 12, 120, 3),
	)
	pub := &recorder{}

	report, err := New(s, pub).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Keys)
	assert.Equal(t, 1, report.Open)
	assert.Equal(t, 2, report.Closed)
	assert.Empty(t, report.Unmatched)
	assert.NotEmpty(t, report.RunID)

	closed, err := s.ListPositions(ctx, model.PositionClosed)
	require.NoError(t, err)
	require.Len(t, closed, 2)
	total := decimal.Zero
	for _, p := range closed {
		total = total.Add(p.ProfitLoss.Decimal)
	}
	assert.True(t, total.Equal(d(220)), "realized P/L = 200 + 20, got %s", total)

	open, err := s.ListPositions(ctx, model.PositionOpen)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.True(t, open[0].Quantity.Equal(d(3)))
	assert.True(t, open[0].EntryPrice.Equal(d(110)))

	require.Len(t, pub.events, 1)
	assert.Equal(t, events.PositionsReconciled, pub.events[0].Type)
	assert.Equal(t, report.RunID, pub.events[0].Subject)
}

func TestRun_Idempotent(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	seed(t, s,
		buy("AAPL", 1, 10, 100, 1),
		sell("AAPL", 1, 4, 105, 2),
		buy("MSFT", 2, 3, 300, 1),
		sell("MSFT", 2, 3, 290, 5),
	)
	r := New(s, nil)

	_, err := r.Run(ctx)
	require.NoError(t, err)
	first, _ := s.ListPositions(ctx, "")

	_, err = r.Run(ctx)
	require.NoError(t, err)
	second, _ := s.ListPositions(ctx, "")

	assert.Equal(t, withoutIDs(first), withoutIDs(second))
}

func TestRun_KeysAbsentFromTradesUntouched(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	legacy := model.PositionKey{Ticker: "GE", PlatformID: 9}
	require.NoError(t, s.ReplacePositions(ctx, []model.PositionKey{legacy}, []model.Position{{
		Ticker: "GE", PlatformID: 9, Status: model.PositionOpen, Direction: model.DirectionLong,
		EntryPrice: d(80), Quantity: d(10), EntryDate: model.Date(2020, 5, 1),
	}}))
	seed(t, s, buy("AAPL", 1, 1, 100, 1))

	_, err := New(s, nil).Run(ctx)
	require.NoError(t, err)

	positions, _ := s.ListPositions(ctx, "")
	var sawLegacy bool
	for _, p := range positions {
		if p.Key() == legacy {
			sawLegacy = true
		}
	}
	assert.True(t, sawLegacy, "positions of keys with no trades must survive a run")
}

func TestRun_ReportsUnmatchedSells(t *testing.T) {
	s := store.NewMemoryStore()
	seed(t, s,
		buy("AAPL", 1, 5, 50, 1),
		sell("AAPL", 1, 8, 60, 2),
	)

	report, err := New(s, nil).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Unmatched, 1)
	assert.True(t, report.Unmatched[0].Quantity.Equal(d(3)))
	assert.Equal(t, model.Date(2024, time.January, 2), report.Unmatched[0].Date)
	assert.Equal(t, 0, report.Open)
}

// --- Failure ---

type failingStore struct {
	*store.MemoryStore
	listErr    error
	replaceErr error
}

func (f *failingStore) ListTrades(ctx context.Context) ([]model.Trade, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.MemoryStore.ListTrades(ctx)
}

func (f *failingStore) ReplacePositions(ctx context.Context, keys []model.PositionKey, ps []model.Position) error {
	if f.replaceErr != nil {
		return f.replaceErr
	}
	return f.MemoryStore.ReplacePositions(ctx, keys, ps)
}

func TestRun_FailureLeavesPositionsUnchanged(t *testing.T) {
	ctx := context.Background()
	fs := &failingStore{MemoryStore: store.NewMemoryStore()}
	seed(t, fs, buy("AAPL", 1, 10, 100, 1))

	r := New(fs, nil)
	_, err := r.Run(ctx)
	require.NoError(t, err)
	before, _ := fs.ListPositions(ctx, "")

	seed(t, fs, sell("AAPL", 1, 10, 120, 2))

	fs.replaceErr = errors.New("connection reset")
	pub := &recorder{}
	r.publisher = pub
	_, err = r.Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, fs.replaceErr)
	after, _ := fs.ListPositions(ctx, "")
	assert.Equal(t, before, after)
	assert.Empty(t, pub.events, "failed runs publish nothing")

	fs.replaceErr = nil
	fs.listErr = errors.New("timeout")
	_, err = r.Run(ctx)
	require.Error(t, err)
	after, _ = fs.ListPositions(ctx, "")
	assert.Equal(t, before, after)
}

func TestRun_ConcurrentRunsSerialized(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	seed(t, s,
		buy("AAPL", 1, 10, 100, 1),
		sell("AAPL", 1, 4, 105, 2),
	)
	r := New(s, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Run(ctx)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	positions, _ := s.ListPositions(ctx, "")
	assert.Len(t, positions, 2, "one closed fragment and one open lot, never duplicates")
}
