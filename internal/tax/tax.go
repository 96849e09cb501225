// Package tax classifies realized gains into tax years and holding terms
// and estimates the tax owed at flat rates.
package tax

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradeledger/position-engine/internal/model"
)

// Term is the holding-period class of a realized gain.
type Term string

const (
	ShortTerm Term = "Short Term"
	LongTerm  Term = "Long Term"
)

// Asset is the instrument class of a realized gain.
type Asset string

const (
	Stock   Asset = "Stock"
	Options Asset = "Options"
)

// Classifier holds the holding-period threshold and rates.
type Classifier struct {
	// LongTermDays is the holding period a gain must exceed to be long term.
	LongTermDays  int
	LongTermRate  decimal.Decimal
	ShortTermRate decimal.Decimal
}

// Default returns the classifier with a 365 day threshold, 15% long-term
// and 24% short-term rates.
func Default() Classifier {
	return Classifier{
		LongTermDays:  365,
		LongTermRate:  decimal.RequireFromString("0.15"),
		ShortTermRate: decimal.RequireFromString("0.24"),
	}
}

// Record is one classified gain.
type Record struct {
	Asset       Asset           `json:"asset"`
	Year        int             `json:"year"`
	HoldingDays int             `json:"holding_days"`
	Term        Term            `json:"term"`
	Rate        decimal.Decimal `json:"rate"`
	Gain        decimal.Decimal `json:"gain"`
	Tax         decimal.Decimal `json:"tax"`
}

func (c Classifier) record(asset Asset, start, end time.Time, gain decimal.Decimal) Record {
	days := model.DaysBetween(start, end)
	term, rate := ShortTerm, c.ShortTermRate
	if days > c.LongTermDays {
		term, rate = LongTerm, c.LongTermRate
	}
	return Record{
		Asset:       asset,
		Year:        end.Year(),
		HoldingDays: days,
		Term:        term,
		Rate:        rate,
		Gain:        gain,
		Tax:         gain.Mul(rate),
	}
}

// ClassifyPosition classifies a closed stock position. It reports false
// for open positions and positions missing either boundary date.
func (c Classifier) ClassifyPosition(p model.Position) (Record, bool) {
	if p.Status != model.PositionClosed || p.ExitDate == nil || p.EntryDate.IsZero() {
		return Record{}, false
	}
	exit := p.ExitPrice.Decimal
	var gain decimal.Decimal
	if p.Direction == model.DirectionShort {
		gain = p.EntryPrice.Sub(exit).Mul(p.Quantity)
	} else {
		gain = exit.Sub(p.EntryPrice).Mul(p.Quantity)
	}
	return c.record(Stock, p.EntryDate, *p.ExitDate, gain), true
}

// ClassifyOption classifies a settled option trade. The gain is its
// recorded P/L. Open trades and trades missing a date are skipped.
func (c Classifier) ClassifyOption(o model.OptionTrade) (Record, bool) {
	if !o.Status.IsClosed() || o.CloseDate == nil || o.TradeDate.IsZero() {
		return Record{}, false
	}
	return c.record(Options, o.TradeDate, *o.CloseDate, o.ProfitLoss.Decimal), true
}

// YearTotal is the overall gain and estimated tax for one tax year.
type YearTotal struct {
	Year int             `json:"year"`
	Gain decimal.Decimal `json:"gain"`
	Tax  decimal.Decimal `json:"tax"`
}

// BreakdownRow is the gain and tax for one (year, asset, term).
type BreakdownRow struct {
	Year  int             `json:"year"`
	Asset Asset           `json:"asset"`
	Term  Term            `json:"term"`
	Gain  decimal.Decimal `json:"gain"`
	Tax   decimal.Decimal `json:"tax"`
}

// Summary is the aggregated tax view.
type Summary struct {
	Years     []YearTotal    `json:"years"`
	Breakdown []BreakdownRow `json:"breakdown"`
}

type breakdownKey struct {
	year  int
	asset Asset
	term  Term
}

// Aggregate classifies every record and sums gain and tax per year and per
// (year, asset, term). Sums are exact; rows are rounded to cents on output.
func (c Classifier) Aggregate(positions []model.Position, options []model.OptionTrade) Summary {
	var records []Record
	for _, p := range positions {
		if r, ok := c.ClassifyPosition(p); ok {
			records = append(records, r)
		}
	}
	for _, o := range options {
		if r, ok := c.ClassifyOption(o); ok {
			records = append(records, r)
		}
	}

	years := map[int]*YearTotal{}
	rows := map[breakdownKey]*BreakdownRow{}
	for _, r := range records {
		y, ok := years[r.Year]
		if !ok {
			y = &YearTotal{Year: r.Year}
			years[r.Year] = y
		}
		y.Gain = y.Gain.Add(r.Gain)
		y.Tax = y.Tax.Add(r.Tax)

		k := breakdownKey{r.Year, r.Asset, r.Term}
		row, ok := rows[k]
		if !ok {
			row = &BreakdownRow{Year: r.Year, Asset: r.Asset, Term: r.Term}
			rows[k] = row
		}
		row.Gain = row.Gain.Add(r.Gain)
		row.Tax = row.Tax.Add(r.Tax)
	}

	s := Summary{
		Years:     make([]YearTotal, 0, len(years)),
		Breakdown: make([]BreakdownRow, 0, len(rows)),
	}
	for _, y := range years {
		s.Years = append(s.Years, YearTotal{Year: y.Year, Gain: y.Gain.Round(2), Tax: y.Tax.Round(2)})
	}
	for _, row := range rows {
		r := *row
		r.Gain, r.Tax = r.Gain.Round(2), r.Tax.Round(2)
		s.Breakdown = append(s.Breakdown, r)
	}
	sort.Slice(s.Years, func(i, j int) bool { return s.Years[i].Year < s.Years[j].Year })
	sort.Slice(s.Breakdown, func(i, j int) bool {
		a, b := s.Breakdown[i], s.Breakdown[j]
		if a.Year != b.Year {
			return a.Year < b.Year
		}
		if a.Asset != b.Asset {
			return a.Asset > b.Asset // Stock before Options
		}
		return a.Term < b.Term
	})
	return s
}
