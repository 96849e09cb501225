package report

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/tradeledger/position-engine/internal/model"
)

// Prices looks up current prices. Tickers with an unknown price are simply
// absent from the result.
type Prices interface {
	Prices(ctx context.Context, tickers []string) map[string]decimal.Decimal
}

// Holding is one open (platform, ticker) valued at the current price.
// Value fields are null when the price is unknown.
type Holding struct {
	Platform       string              `json:"platform"`
	Ticker         string              `json:"ticker"`
	Quantity       decimal.Decimal     `json:"total_quantity"`
	AveragePrice   decimal.Decimal     `json:"average_price"`
	Cost           decimal.Decimal     `json:"trade_cost"`
	CurrentPrice   decimal.NullDecimal `json:"current_price"`
	CurrentValue   decimal.NullDecimal `json:"current_value"`
	UnrealizedGain decimal.NullDecimal `json:"unrealized_gain"`
	PercentGain    decimal.NullDecimal `json:"percent_profit_loss"`
}

// PlatformTotal sums the holdings of one platform. Value and gain cover only
// holdings with a known price and are null when none has one.
type PlatformTotal struct {
	Platform       string              `json:"platform"`
	Investment     decimal.Decimal     `json:"total_investment"`
	Value          decimal.NullDecimal `json:"total_portfolio_value"`
	UnrealizedGain decimal.NullDecimal `json:"total_unrealized_gains"`
	PercentGain    decimal.NullDecimal `json:"pct_unrealized_gain"`
	pricedCost     decimal.Decimal
}

// TotalRow is the platform name of the grand total row.
const TotalRow = "Total"

// PortfolioReport is the valued open portfolio.
type PortfolioReport struct {
	Holdings  []Holding       `json:"holdings"`
	Platforms []PlatformTotal `json:"platforms"`
}

var hundred = decimal.NewFromInt(100)

func percent(gain, cost decimal.Decimal) decimal.NullDecimal {
	if cost.IsZero() {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(gain.Div(cost).Mul(hundred).Round(2))
}

func (t *PlatformTotal) add(h Holding) {
	t.Investment = t.Investment.Add(h.Cost)
	if !h.CurrentValue.Valid {
		return
	}
	t.Value = decimal.NewNullDecimal(t.Value.Decimal.Add(h.CurrentValue.Decimal))
	t.UnrealizedGain = decimal.NewNullDecimal(t.UnrealizedGain.Decimal.Add(h.UnrealizedGain.Decimal))
	t.pricedCost = t.pricedCost.Add(h.Cost)
}

// Portfolio values the open positions with current prices. A missing price
// leaves the holding's value fields empty instead of failing the report.
func Portfolio(ctx context.Context, open []model.Position, platforms Platforms, prices Prices) PortfolioReport {
	type acc struct {
		qty, cost decimal.Decimal
	}
	groups := map[groupKey]*acc{}
	tickerSet := map[string]bool{}
	for _, p := range open {
		if p.Status != model.PositionOpen {
			continue
		}
		k := groupKey{platforms.NameOr(ctx, p.PlatformID), p.Ticker}
		a, ok := groups[k]
		if !ok {
			a = &acc{}
			groups[k] = a
		}
		a.qty = a.qty.Add(p.Quantity)
		a.cost = a.cost.Add(p.EntryPrice.Mul(p.Quantity))
		tickerSet[p.Ticker] = true
	}

	tickers := make([]string, 0, len(tickerSet))
	for t := range tickerSet {
		tickers = append(tickers, t)
	}
	sort.Strings(tickers)

	var quotes map[string]decimal.Decimal
	if prices != nil && len(tickers) > 0 {
		quotes = prices.Prices(ctx, tickers)
	}

	report := PortfolioReport{Holdings: []Holding{}, Platforms: []PlatformTotal{}}
	totals := map[string]*PlatformTotal{}
	var order []string
	for _, k := range sortedKeys(groups) {
		a := groups[k]
		h := Holding{
			Platform:     k.platform,
			Ticker:       k.ticker,
			Quantity:     a.qty,
			AveragePrice: weightedAverage(a.cost, a.qty),
			Cost:         a.cost.Round(2),
		}
		if price, ok := quotes[k.ticker]; ok {
			value := price.Mul(a.qty).Round(2)
			gain := value.Sub(h.Cost)
			h.CurrentPrice = decimal.NewNullDecimal(price)
			h.CurrentValue = decimal.NewNullDecimal(value)
			h.UnrealizedGain = decimal.NewNullDecimal(gain)
			h.PercentGain = percent(gain, h.Cost)
		}
		report.Holdings = append(report.Holdings, h)

		t, ok := totals[k.platform]
		if !ok {
			t = &PlatformTotal{Platform: k.platform}
			totals[k.platform] = t
			order = append(order, k.platform)
		}
		t.add(h)
	}

	grand := PlatformTotal{Platform: TotalRow}
	for _, name := range order {
		t := totals[name]
		t.PercentGain = percent(t.UnrealizedGain.Decimal, t.pricedCost)
		report.Platforms = append(report.Platforms, *t)

		grand.Investment = grand.Investment.Add(t.Investment)
		if t.Value.Valid {
			grand.Value = decimal.NewNullDecimal(grand.Value.Decimal.Add(t.Value.Decimal))
			grand.UnrealizedGain = decimal.NewNullDecimal(grand.UnrealizedGain.Decimal.Add(t.UnrealizedGain.Decimal))
			grand.pricedCost = grand.pricedCost.Add(t.pricedCost)
		}
	}
	if len(order) > 0 {
		grand.PercentGain = percent(grand.UnrealizedGain.Decimal, grand.pricedCost)
		report.Platforms = append(report.Platforms, grand)
	}
	return report
}
