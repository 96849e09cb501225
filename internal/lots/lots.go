// Package lots implements FIFO lot matching: it turns the buy/sell trade log
// of one (ticker, platform) key into open lots and closed position fragments
// with realized profit/loss.
//
// Quantities are fixed-point decimals rounded to QuantityScale places, so a
// lot is considered empty once its remainder falls below Epsilon rather than
// on an exact zero comparison.
package lots

import (
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradeledger/position-engine/internal/model"
)

var (
	// QuantityScale is the number of decimal places kept on quantities.
	QuantityScale int32 = 6

	// MoneyScale is the number of decimal places kept on profit/loss.
	MoneyScale int32 = 2

	// Epsilon is the remaining quantity below which a lot is exhausted.
	Epsilon = decimal.New(1, -6)
)

// Lot is the open, unmatched portion of a single buy trade.
type Lot struct {
	TradeID          int64
	Price            decimal.Decimal
	OriginalQuantity decimal.Decimal
	Remaining        decimal.Decimal
	EntryDate        time.Time
}

// Exhausted reports whether the lot has no quantity left.
func (l *Lot) Exhausted() bool {
	return l.Remaining.Abs().LessThan(Epsilon)
}

// Unmatched records sell quantity for which no open lot was left.
// It is not turned into a short position.
type Unmatched struct {
	TradeID  int64           `json:"trade_id"`
	Ticker   string          `json:"ticker"`
	Platform int64           `json:"platform_id"`
	Date     time.Time       `json:"date"`
	Quantity decimal.Decimal `json:"quantity"`
}

// Key returns the position key of the unmatched sell.
func (u Unmatched) Key() model.PositionKey {
	return model.PositionKey{Ticker: u.Ticker, PlatformID: u.Platform}
}

// Result is the outcome of matching one key.
type Result struct {
	Key       model.PositionKey
	Closed    []model.Position
	Open      []model.Position
	Unmatched []Unmatched
}

// Positions returns closed fragments followed by open lots.
func (r Result) Positions() []model.Position {
	out := make([]model.Position, 0, len(r.Closed)+len(r.Open))
	out = append(out, r.Closed...)
	return append(out, r.Open...)
}

// Normalize prepares a trade for matching: the quantity is rounded to
// QuantityScale places and made positive, the side is lower-cased and
// trimmed. It returns false for trades that contribute nothing (zero
// quantity after rounding).
func Normalize(t model.Trade) (model.Trade, bool) {
	t.Quantity = t.Quantity.Abs().Round(QuantityScale)
	if t.Quantity.IsZero() {
		return t, false
	}
	t.Side = model.Side(strings.ToLower(strings.TrimSpace(string(t.Side))))
	t.Date = model.Day(t.Date)
	return t, true
}

// Sort orders trades by (date, id): the date is primary and the id keeps
// entry order for trades on the same day.
func Sort(trades []model.Trade) {
	sort.SliceStable(trades, func(i, j int) bool {
		if !trades[i].Date.Equal(trades[j].Date) {
			return trades[i].Date.Before(trades[j].Date)
		}
		return trades[i].ID < trades[j].ID
	})
}

// Match runs FIFO matching over the trades of a single key. The input does
// not need to be ordered; trades belonging to other keys are ignored.
func Match(key model.PositionKey, trades []model.Trade) Result {
	res := Result{Key: key}

	ordered := make([]model.Trade, 0, len(trades))
	for _, t := range trades {
		if t.Key() != key {
			continue
		}
		if n, ok := Normalize(t); ok {
			ordered = append(ordered, n)
		}
	}
	Sort(ordered)

	var queue []*Lot
	for _, t := range ordered {
		switch t.Side {
		case model.SideBuy:
			queue = append(queue, &Lot{
				TradeID:          t.ID,
				Price:            t.Price,
				OriginalQuantity: t.Quantity,
				Remaining:        t.Quantity,
				EntryDate:        t.Date,
			})

		case model.SideSell:
			sellQty := t.Quantity
			for sellQty.IsPositive() && len(queue) > 0 {
				lot := queue[0]
				matched := decimal.Min(lot.Remaining, sellQty).Round(QuantityScale)
				res.Closed = append(res.Closed, closedFragment(key, lot, t, matched))

				lot.Remaining = lot.Remaining.Sub(matched).Round(QuantityScale)
				sellQty = sellQty.Sub(matched).Round(QuantityScale)
				if lot.Exhausted() {
					queue = queue[1:]
				}
			}
			if sellQty.IsPositive() {
				res.Unmatched = append(res.Unmatched, Unmatched{
					TradeID:  t.ID,
					Ticker:   key.Ticker,
					Platform: key.PlatformID,
					Date:     t.Date,
					Quantity: sellQty,
				})
			}
		}
	}

	for _, lot := range queue {
		res.Open = append(res.Open, model.Position{
			Ticker:        key.Ticker,
			PlatformID:    key.PlatformID,
			Status:        model.PositionOpen,
			Direction:     model.DirectionLong,
			EntryPrice:    lot.Price,
			Quantity:      lot.Remaining,
			EntryDate:     lot.EntryDate,
			SourceTradeID: lot.TradeID,
		})
	}
	return res
}

// MatchAll groups trades by (ticker, platform) and matches each key
// independently. A key whose trades all normalize away yields no result.
// Results are sorted by ticker then platform id.
func MatchAll(trades []model.Trade) []Result {
	groups := make(map[model.PositionKey][]model.Trade)
	for _, t := range trades {
		if _, ok := Normalize(t); !ok {
			continue
		}
		groups[t.Key()] = append(groups[t.Key()], t)
	}

	keys := make([]model.PositionKey, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Ticker != keys[j].Ticker {
			return keys[i].Ticker < keys[j].Ticker
		}
		return keys[i].PlatformID < keys[j].PlatformID
	})

	results := make([]Result, 0, len(keys))
	for _, k := range keys {
		results = append(results, Match(k, groups[k]))
	}
	return results
}

func closedFragment(key model.PositionKey, lot *Lot, sell model.Trade, matched decimal.Decimal) model.Position {
	exitDate := sell.Date
	pnl := sell.Price.Sub(lot.Price).Mul(matched).Round(MoneyScale)
	return model.Position{
		Ticker:        key.Ticker,
		PlatformID:    key.PlatformID,
		Status:        model.PositionClosed,
		Direction:     model.DirectionLong,
		EntryPrice:    lot.Price,
		Quantity:      matched,
		EntryDate:     lot.EntryDate,
		ExitPrice:     decimal.NewNullDecimal(sell.Price),
		ExitDate:      &exitDate,
		ProfitLoss:    decimal.NewNullDecimal(pnl),
		SourceTradeID: lot.TradeID,
	}
}
