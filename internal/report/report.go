// Package report builds read-only views over positions, option trades and
// cash flows: position summaries, realized P/L trends, cash-flow totals and
// the valued portfolio.
package report

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradeledger/position-engine/internal/model"
)

// ErrInvalidPeriod is returned for a trend period other than week or month.
var ErrInvalidPeriod = errors.New("report: period must be week or month")

// Platforms resolves platform ids to display names.
type Platforms interface {
	NameOr(ctx context.Context, id int64) string
}

type groupKey struct {
	platform string
	ticker   string
}

func sortedKeys[V any](m map[groupKey]V) []groupKey {
	keys := make([]groupKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].platform != keys[j].platform {
			return keys[i].platform < keys[j].platform
		}
		return keys[i].ticker < keys[j].ticker
	})
	return keys
}

// weightedAverage returns sum(value*weight)/sum(weight), or zero.
func weightedAverage(weighted, weight decimal.Decimal) decimal.Decimal {
	if weight.IsZero() {
		return decimal.Zero
	}
	return weighted.DivRound(weight, 6)
}

// --- Position summary ---

// OpenRow aggregates the open lots of one (platform, ticker).
type OpenRow struct {
	Platform     string          `json:"platform"`
	Ticker       string          `json:"ticker"`
	AverageEntry decimal.Decimal `json:"avg_entry_price"`
	Quantity     decimal.Decimal `json:"total_quantity"`
}

// ClosedRow aggregates the closed fragments of one (platform, ticker).
type ClosedRow struct {
	Platform     string          `json:"platform"`
	Ticker       string          `json:"ticker"`
	AverageEntry decimal.Decimal `json:"avg_entry_price"`
	AverageExit  decimal.Decimal `json:"avg_exit_price"`
	Quantity     decimal.Decimal `json:"quantity"`
	ProfitLoss   decimal.Decimal `json:"profit_loss"`
}

// Summary is the per-(platform, ticker) position view.
type Summary struct {
	Open   []OpenRow   `json:"open"`
	Closed []ClosedRow `json:"closed"`
}

// PositionSummary groups positions by platform and ticker with
// quantity-weighted average prices.
func PositionSummary(ctx context.Context, positions []model.Position, platforms Platforms) Summary {
	type acc struct {
		qty, entry, exit, pnl decimal.Decimal
	}
	open := map[groupKey]*acc{}
	closed := map[groupKey]*acc{}

	for _, p := range positions {
		k := groupKey{platforms.NameOr(ctx, p.PlatformID), p.Ticker}
		m := open
		if p.Status == model.PositionClosed {
			m = closed
		}
		a, ok := m[k]
		if !ok {
			a = &acc{}
			m[k] = a
		}
		a.qty = a.qty.Add(p.Quantity)
		a.entry = a.entry.Add(p.EntryPrice.Mul(p.Quantity))
		a.exit = a.exit.Add(p.ExitPrice.Decimal.Mul(p.Quantity))
		a.pnl = a.pnl.Add(p.ProfitLoss.Decimal)
	}

	s := Summary{Open: []OpenRow{}, Closed: []ClosedRow{}}
	for _, k := range sortedKeys(open) {
		a := open[k]
		s.Open = append(s.Open, OpenRow{
			Platform:     k.platform,
			Ticker:       k.ticker,
			AverageEntry: weightedAverage(a.entry, a.qty),
			Quantity:     a.qty,
		})
	}
	for _, k := range sortedKeys(closed) {
		a := closed[k]
		s.Closed = append(s.Closed, ClosedRow{
			Platform:     k.platform,
			Ticker:       k.ticker,
			AverageEntry: weightedAverage(a.entry, a.qty),
			AverageExit:  weightedAverage(a.exit, a.qty),
			Quantity:     a.qty,
			ProfitLoss:   a.pnl.Round(2),
		})
	}
	return s
}

// --- Realized P/L trend ---

// Period is the trend bucket size.
type Period string

const (
	Weekly  Period = "week"
	Monthly Period = "month"
)

// TrendRow is the realized P/L of one week or month.
type TrendRow struct {
	Year int `json:"year"`
	// Index is the ISO week or the calendar month.
	Index  int             `json:"index"`
	Label  string          `json:"label"`
	Stock  decimal.Decimal `json:"stock_pl"`
	Option decimal.Decimal `json:"option_pl"`
	Total  decimal.Decimal `json:"total_pl"`
}

type bucket struct {
	year, index int
}

// bucketOf returns the trend bucket of a date and its label. Weeks are ISO
// weeks labelled with their Friday, the end of the trading week.
func bucketOf(t time.Time, period Period) (bucket, string) {
	if period == Weekly {
		year, week := t.ISOWeek()
		weekday := int(t.Weekday())
		if weekday == 0 {
			weekday = 7
		}
		friday := model.Day(t).AddDate(0, 0, 5-weekday)
		return bucket{year, week}, friday.Format("2006-01-02")
	}
	return bucket{t.Year(), int(t.Month())}, fmt.Sprintf("%s %d", t.Month().String()[:3], t.Year())
}

// PLTrend sums realized P/L of closed positions (by exit date) and settled
// options (by close date) per week or month. Records without a date or a
// P/L are skipped.
func PLTrend(positions []model.Position, options []model.OptionTrade, period Period) ([]TrendRow, error) {
	if period != Weekly && period != Monthly {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPeriod, period)
	}

	rows := map[bucket]*TrendRow{}
	row := func(t time.Time) *TrendRow {
		b, label := bucketOf(t, period)
		r, ok := rows[b]
		if !ok {
			r = &TrendRow{Year: b.year, Index: b.index, Label: label}
			rows[b] = r
		}
		return r
	}

	for _, p := range positions {
		if p.Status != model.PositionClosed || p.ExitDate == nil || !p.ProfitLoss.Valid {
			continue
		}
		r := row(*p.ExitDate)
		r.Stock = r.Stock.Add(p.ProfitLoss.Decimal)
	}
	for _, o := range options {
		if !o.Status.IsClosed() || o.CloseDate == nil || !o.ProfitLoss.Valid {
			continue
		}
		r := row(*o.CloseDate)
		r.Option = r.Option.Add(o.ProfitLoss.Decimal)
	}

	out := make([]TrendRow, 0, len(rows))
	for _, r := range rows {
		r.Stock = r.Stock.Round(2)
		r.Option = r.Option.Round(2)
		r.Total = r.Stock.Add(r.Option)
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Year != out[j].Year {
			return out[i].Year < out[j].Year
		}
		return out[i].Index < out[j].Index
	})
	return out, nil
}

// --- Cash flows ---

// CashFlowRow is the deposit and withdrawal total of one (year, platform).
type CashFlowRow struct {
	Year        int             `json:"year"`
	Platform    string          `json:"platform"`
	Deposits    decimal.Decimal `json:"deposits"`
	Withdrawals decimal.Decimal `json:"withdrawals"`
	Net         decimal.Decimal `json:"net"`
}

// CashFlowSummary totals deposits and withdrawals per year and platform.
func CashFlowSummary(ctx context.Context, flows []model.CashFlow, platforms Platforms) []CashFlowRow {
	type key struct {
		year     int
		platform string
	}
	rows := map[key]*CashFlowRow{}
	for _, f := range flows {
		k := key{f.Date.Year(), platforms.NameOr(ctx, f.PlatformID)}
		r, ok := rows[k]
		if !ok {
			r = &CashFlowRow{Year: k.year, Platform: k.platform}
			rows[k] = r
		}
		switch f.Type {
		case model.Deposit:
			r.Deposits = r.Deposits.Add(f.Amount)
		case model.Withdrawal:
			r.Withdrawals = r.Withdrawals.Add(f.Amount)
		}
	}

	out := make([]CashFlowRow, 0, len(rows))
	for _, r := range rows {
		r.Net = r.Deposits.Sub(r.Withdrawals)
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Year != out[j].Year {
			return out[i].Year < out[j].Year
		}
		return out[i].Platform < out[j].Platform
	})
	return out
}
