package tax

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradeledger/position-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func closedPosition(entry, exit time.Time, entryPrice, exitPrice, qty float64) model.Position {
	return model.Position{
		Ticker: "AAPL", PlatformID: 1, Status: model.PositionClosed, Direction: model.DirectionLong,
		EntryPrice: d(entryPrice), Quantity: d(qty), EntryDate: entry,
		ExitPrice: decimal.NewNullDecimal(d(exitPrice)), ExitDate: &exit,
	}
}

func closedOption(trade, closed time.Time, pnl float64) model.OptionTrade {
	return model.OptionTrade{
		Ticker: "AAPL", PlatformID: 1, Status: model.OptionExpired,
		TradeDate: trade, CloseDate: &closed, ProfitLoss: decimal.NewNullDecimal(d(pnl)),
	}
}

// --- Term boundary ---

func TestClassifyPosition_TermBoundary(t *testing.T) {
	c := Default()
	entry := model.Date(2023, time.January, 1)

	r, ok := c.ClassifyPosition(closedPosition(entry, model.Date(2024, time.January, 1), 10, 12, 5))
	if !ok {
		t.Fatal("expected classification")
	}
	if r.HoldingDays != 365 || r.Term != ShortTerm || !r.Rate.Equal(d(0.24)) {
		t.Errorf("365 days = %d %s %s, want short term at 0.24", r.HoldingDays, r.Term, r.Rate)
	}
	if r.Year != 2024 {
		t.Errorf("year bucket = %d, want exit year 2024", r.Year)
	}
	if !r.Gain.Equal(d(10)) || !r.Tax.Equal(d(2.4)) {
		t.Errorf("gain %s tax %s, want 10 / 2.4", r.Gain, r.Tax)
	}

	r, _ = c.ClassifyPosition(closedPosition(entry, model.Date(2024, time.January, 2), 10, 12, 5))
	if r.HoldingDays != 366 || r.Term != LongTerm || !r.Tax.Equal(d(1.5)) {
		t.Errorf("366 days = %d %s tax %s, want long term tax 1.5", r.HoldingDays, r.Term, r.Tax)
	}
}

func TestClassifyPosition_ShortDirection(t *testing.T) {
	p := closedPosition(model.Date(2024, 1, 1), model.Date(2024, 2, 1), 50, 40, 2)
	p.Direction = model.DirectionShort
	r, _ := Default().ClassifyPosition(p)
	if !r.Gain.Equal(d(20)) {
		t.Errorf("short gain = %s, want 20", r.Gain)
	}
}

func TestClassify_MissingDatesExcluded(t *testing.T) {
	c := Default()
	p := closedPosition(model.Date(2024, 1, 1), model.Date(2024, 2, 1), 1, 2, 1)
	p.ExitDate = nil
	if _, ok := c.ClassifyPosition(p); ok {
		t.Error("position without exit date must be excluded")
	}

	open := closedPosition(model.Date(2024, 1, 1), model.Date(2024, 2, 1), 1, 2, 1)
	open.Status = model.PositionOpen
	if _, ok := c.ClassifyPosition(open); ok {
		t.Error("open positions are not realized gains")
	}

	o := closedOption(time.Time{}, model.Date(2024, 2, 1), 100)
	if _, ok := c.ClassifyOption(o); ok {
		t.Error("option without trade date must be excluded")
	}
	o = closedOption(model.Date(2024, 1, 1), model.Date(2024, 2, 1), 100)
	o.Status = model.OptionOpen
	if _, ok := c.ClassifyOption(o); ok {
		t.Error("open options are not realized gains")
	}
}

// --- Aggregation ---

func TestAggregate_YearlyAndBreakdown(t *testing.T) {
	c := Default()
	positions := []model.Position{
		// 2023 stock short term +100
		closedPosition(model.Date(2023, 3, 1), model.Date(2023, 6, 1), 10, 20, 10),
		// 2023 stock long term +200
		closedPosition(model.Date(2022, 1, 1), model.Date(2023, 12, 1), 10, 30, 10),
		// 2024 stock short term -50
		closedPosition(model.Date(2024, 1, 10), model.Date(2024, 1, 20), 30, 25, 10),
	}
	options := []model.OptionTrade{
		// 2023 options short term
		closedOption(model.Date(2023, 5, 1), model.Date(2023, 5, 19), 150),
		// excluded
		closedOption(time.Time{}, model.Date(2023, 5, 19), 999),
	}

	s := c.Aggregate(positions, options)

	if len(s.Years) != 2 {
		t.Fatalf("expected 2 years, got %d", len(s.Years))
	}
	y2023 := s.Years[0]
	if y2023.Year != 2023 || !y2023.Gain.Equal(d(450)) {
		t.Errorf("2023 gain = %s, want 450", y2023.Gain)
	}
	// 100*0.24 + 200*0.15 + 150*0.24 = 24 + 30 + 36
	if !y2023.Tax.Equal(d(90)) {
		t.Errorf("2023 tax = %s, want 90", y2023.Tax)
	}
	if s.Years[1].Year != 2024 || !s.Years[1].Gain.Equal(d(-50)) || !s.Years[1].Tax.Equal(d(-12)) {
		t.Errorf("2024 = %+v, want gain -50 tax -12", s.Years[1])
	}

	want := []struct {
		year  int
		asset Asset
		term  Term
		gain  float64
	}{
		{2023, Stock, LongTerm, 200},
		{2023, Stock, ShortTerm, 100},
		{2023, Options, ShortTerm, 150},
		{2024, Stock, ShortTerm, -50},
	}
	if len(s.Breakdown) != len(want) {
		t.Fatalf("expected %d breakdown rows, got %d: %+v", len(want), len(s.Breakdown), s.Breakdown)
	}
	for i, w := range want {
		row := s.Breakdown[i]
		if row.Year != w.year || row.Asset != w.asset || row.Term != w.term || !row.Gain.Equal(d(w.gain)) {
			t.Errorf("row %d = %+v, want %+v", i, row, w)
		}
	}
}

func TestAggregate_RoundsOnlyOnOutput(t *testing.T) {
	c := Default()
	// Three gains of 0.005 sum to 0.015, which rounds to 0.02. Rounding each
	// record first would give 0.03.
	var positions []model.Position
	for i := 0; i < 3; i++ {
		positions = append(positions, closedPosition(model.Date(2024, 1, 1), model.Date(2024, 1, 2), 1, 1.005, 1))
	}
	s := c.Aggregate(positions, nil)
	if !s.Years[0].Gain.Equal(d(0.02)) {
		t.Errorf("gain = %s, want 0.02", s.Years[0].Gain)
	}
}

func TestAggregate_Empty(t *testing.T) {
	s := Default().Aggregate(nil, nil)
	if len(s.Years) != 0 || len(s.Breakdown) != 0 {
		t.Errorf("expected empty summary, got %+v", s)
	}
}
