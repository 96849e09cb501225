package options

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradeledger/position-engine/internal/model"
	"github.com/tradeledger/position-engine/internal/reconcile"
	"github.com/tradeledger/position-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// --- Profit/loss ---

func TestProfitLoss_CreditAndDebit(t *testing.T) {
	credit := ProfitLoss(model.Credit, d(2), decimal.Zero, d(0.5), decimal.Zero)
	if !credit.Equal(d(150)) {
		t.Errorf("credit P/L = %s, want 150", credit)
	}
	debit := ProfitLoss(model.Debit, d(2), decimal.Zero, d(0.5), decimal.Zero)
	if !debit.Equal(d(-150)) {
		t.Errorf("debit P/L = %s, want -150", debit)
	}
}

func TestProfitLoss_FeesSubtractedBothWays(t *testing.T) {
	got := ProfitLoss(model.Credit, d(1.25), d(0.65), decimal.Zero, d(0.65))
	// 125 - 1.30
	if !got.Equal(d(123.7)) {
		t.Errorf("P/L = %s, want 123.70", got)
	}
	got = ProfitLoss(model.Debit, d(1), d(1), d(3), d(1))
	if !got.Equal(d(198)) {
		t.Errorf("P/L = %s, want 198", got)
	}
}

// --- Assignment side ---

func TestAssignmentSide_Mapping(t *testing.T) {
	cases := []struct {
		strategy string
		tx       model.TransactionType
		want     model.Side
	}{
		{"covered call", model.Credit, model.SideSell},
		{"Covered_Call", model.Debit, model.SideSell},
		{"cash secured put", model.Credit, model.SideBuy},
		{"cash-secured-put", model.Debit, model.SideBuy},
		{"call", model.Debit, model.SideBuy},
		{"call", model.Credit, model.SideSell},
		{"put", model.Debit, model.SideSell},
		{" PUT ", model.Credit, model.SideBuy},
	}
	for _, tc := range cases {
		got, err := AssignmentSide(tc.strategy, tc.tx)
		if err != nil {
			t.Errorf("%q/%s: unexpected error %v", tc.strategy, tc.tx, err)
			continue
		}
		if got != tc.want {
			t.Errorf("%q/%s = %s, want %s", tc.strategy, tc.tx, got, tc.want)
		}
	}
}

func TestAssignmentSide_Unknown(t *testing.T) {
	_, err := AssignmentSide("iron condor", model.Credit)
	if !errors.Is(err, ErrUnknownStrategy) {
		t.Errorf("expected ErrUnknownStrategy, got %v", err)
	}
}

// --- Validate ---

func TestValidate(t *testing.T) {
	valid := func() *model.OptionTrade {
		return &model.OptionTrade{
			Ticker: " aapl ", PlatformID: 1, Strategy: "Covered Call", StrikePrice: d(150),
			TradeDate: model.Date(2024, 5, 1), ExpiryDate: model.Date(2024, 6, 21),
			TransactionType: "Credit", OpenPrice: d(2.1),
		}
	}

	o := valid()
	if err := Validate(o); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if o.Ticker != "AAPL" || o.Strategy != CoveredCall || o.TransactionType != model.Credit || o.Status != model.OptionOpen {
		t.Errorf("not normalized: %+v", o)
	}

	for name, mutate := range map[string]func(*model.OptionTrade){
		"no ticker":     func(o *model.OptionTrade) { o.Ticker = "" },
		"no platform":   func(o *model.OptionTrade) { o.PlatformID = 0 },
		"zero strike":   func(o *model.OptionTrade) { o.StrikePrice = decimal.Zero },
		"bad tx type":   func(o *model.OptionTrade) { o.TransactionType = "swap" },
		"expiry first":  func(o *model.OptionTrade) { o.ExpiryDate = model.Date(2024, 4, 1) },
		"unknown strat": func(o *model.OptionTrade) { o.Strategy = "strangle" },
	} {
		o := valid()
		mutate(o)
		if err := Validate(o); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

// --- Close ---

type testEnv struct {
	store   *store.MemoryStore
	settler *Settler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	s := store.NewMemoryStore()
	return &testEnv{store: s, settler: NewSettler(s, reconcile.New(s, nil), nil)}
}

func (e *testEnv) open(t *testing.T, strategy string, tx model.TransactionType) *model.OptionTrade {
	t.Helper()
	o := &model.OptionTrade{
		Ticker: "AAPL", PlatformID: 1, Strategy: strategy, StrikePrice: d(150),
		TradeDate: model.Date(2024, 5, 1), ExpiryDate: model.Date(2024, 6, 21),
		TransactionType: tx, OpenPrice: d(2), Notes: "opened",
	}
	if err := e.store.InsertOptionTrade(context.Background(), o); err != nil {
		t.Fatalf("insert: %v", err)
	}
	return o
}

func TestClose_ExpiredCredit(t *testing.T) {
	env := newTestEnv(t)
	o := env.open(t, CoveredCall, model.Credit)

	got, err := env.settler.Close(context.Background(), o.ID, CloseRequest{
		Status:    "Expired",
		CloseDate: time.Date(2024, 6, 21, 16, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if !got.ProfitLoss.Decimal.Equal(d(200)) {
		t.Errorf("P/L = %s, want 200", got.ProfitLoss.Decimal)
	}
	if got.Notes != "opened" {
		t.Errorf("empty notes must keep the existing ones, got %q", got.Notes)
	}
	if !got.CloseDate.Equal(model.Date(2024, 6, 21)) {
		t.Errorf("close date should be truncated to the day, got %v", got.CloseDate)
	}

	trades, _ := env.store.ListTrades(context.Background())
	if len(trades) != 0 {
		t.Errorf("expired options must not create stock trades, got %d", len(trades))
	}
}

func TestClose_AssignedCreatesSyntheticTradeAndReconciles(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	o := env.open(t, CashSecuredPut, model.Credit)

	_, err := env.settler.Close(ctx, o.ID, CloseRequest{
		Status:     model.OptionAssigned,
		CloseDate:  model.Date(2024, 6, 21),
		ClosePrice: decimal.Zero,
		Notes:      "put to me",
	})
	if err != nil {
		t.Fatalf("close: %v", err)
	}

	trades, _ := env.store.ListTrades(ctx)
	if len(trades) != 1 {
		t.Fatalf("expected 1 synthetic trade, got %d", len(trades))
	}
	tr := trades[0]
	if tr.Side != model.SideBuy || !tr.Quantity.Equal(d(100)) || !tr.Price.Equal(d(150)) || !tr.Date.Equal(model.Date(2024, 6, 21)) {
		t.Errorf("synthetic trade = %+v", tr)
	}

	open, _ := env.store.ListPositions(ctx, model.PositionOpen)
	if len(open) != 1 || !open[0].Quantity.Equal(d(100)) {
		t.Errorf("reconcile should have opened a 100 share lot, got %+v", open)
	}
}

func TestClose_NotFoundMutatesNothing(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.settler.Close(context.Background(), 999, CloseRequest{
		Status: model.OptionAssigned, CloseDate: model.Date(2024, 6, 21),
	})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	trades, _ := env.store.ListTrades(context.Background())
	if len(trades) != 0 {
		t.Errorf("no synthetic trade may be written for a missing option, got %d", len(trades))
	}
}

func TestClose_AlreadyClosed(t *testing.T) {
	env := newTestEnv(t)
	o := env.open(t, Call, model.Debit)
	req := CloseRequest{Status: model.OptionClosed, CloseDate: model.Date(2024, 6, 1), ClosePrice: d(3)}

	if _, err := env.settler.Close(context.Background(), o.ID, req); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if _, err := env.settler.Close(context.Background(), o.ID, req); !errors.Is(err, ErrAlreadyClosed) {
		t.Errorf("expected ErrAlreadyClosed, got %v", err)
	}
}

// slowReads delays option reads so concurrent closes both pass the status
// check before either writes.
type slowReads struct {
	*store.MemoryStore
}

func (s slowReads) GetOptionTrade(ctx context.Context, id int64) (*model.OptionTrade, error) {
	o, err := s.MemoryStore.GetOptionTrade(ctx, id)
	time.Sleep(50 * time.Millisecond)
	return o, err
}

func TestClose_ConcurrentClosesSettleOnce(t *testing.T) {
	ms := store.NewMemoryStore()
	env := &testEnv{store: ms}
	settler := NewSettler(slowReads{ms}, reconcile.New(ms, nil), nil)
	o := env.open(t, CashSecuredPut, model.Credit)
	req := CloseRequest{Status: model.OptionAssigned, CloseDate: model.Date(2024, 6, 21)}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = settler.Close(context.Background(), o.ID, req)
		}(i)
	}
	wg.Wait()

	var ok, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrAlreadyClosed):
			conflicts++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 || conflicts != 1 {
		t.Fatalf("want one success and one conflict, got %v", errs)
	}

	trades, _ := ms.ListTrades(context.Background())
	if len(trades) != 1 {
		t.Errorf("expected exactly 1 synthetic trade, got %d", len(trades))
	}
	open, _ := ms.ListPositions(context.Background(), model.PositionOpen)
	if len(open) != 1 || !open[0].Quantity.Equal(d(100)) {
		t.Errorf("expected a single 100 share lot, got %+v", open)
	}
}

func TestClose_UnknownStrategyPersistsNothing(t *testing.T) {
	env := newTestEnv(t)
	o := env.open(t, "butterfly", model.Debit)

	_, err := env.settler.Close(context.Background(), o.ID, CloseRequest{
		Status: model.OptionExercised, CloseDate: model.Date(2024, 6, 21),
	})
	if !errors.Is(err, ErrUnknownStrategy) {
		t.Fatalf("expected ErrUnknownStrategy, got %v", err)
	}
	got, _ := env.store.GetOptionTrade(context.Background(), o.ID)
	if got.Status != model.OptionOpen {
		t.Errorf("option must stay open, got %s", got.Status)
	}
}

func TestClose_RequestValidation(t *testing.T) {
	env := newTestEnv(t)
	o := env.open(t, Put, model.Debit)

	if _, err := env.settler.Close(context.Background(), o.ID, CloseRequest{Status: "open", CloseDate: model.Date(2024, 6, 1)}); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("expected ErrInvalidStatus, got %v", err)
	}
	if _, err := env.settler.Close(context.Background(), o.ID, CloseRequest{Status: model.OptionClosed}); !errors.Is(err, ErrMissingCloseDate) {
		t.Errorf("expected ErrMissingCloseDate, got %v", err)
	}
}
