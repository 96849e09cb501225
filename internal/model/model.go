// Package model defines the core domain types shared across the position engine.
// All monetary values and quantities use shopspring/decimal, never float64.
//
// Dates carry day granularity and are always UTC midnight.
package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an equity trade.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// PositionStatus distinguishes unmatched lots from matched fragments.
type PositionStatus string

const (
	PositionOpen   PositionStatus = "open"
	PositionClosed PositionStatus = "close"
)

// Direction is the way a round trip was initiated. Positions produced by the
// lot matcher are always long; short is kept for imported history.
type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
)

// TransactionType tells whether an option premium was received or paid at open.
type TransactionType string

const (
	Credit TransactionType = "credit" // premium received, short option
	Debit  TransactionType = "debit"  // premium paid, long option
)

// OptionStatus is the lifecycle state of an option trade.
type OptionStatus string

const (
	OptionOpen      OptionStatus = "open"
	OptionExpired   OptionStatus = "expired"
	OptionExercised OptionStatus = "exercised"
	OptionAssigned  OptionStatus = "assigned"
	OptionClosed    OptionStatus = "closed"
)

// ClosedOptionStatuses lists every terminal option status.
var ClosedOptionStatuses = []OptionStatus{OptionExpired, OptionExercised, OptionAssigned, OptionClosed}

// IsClosed reports whether s is a terminal status.
func (s OptionStatus) IsClosed() bool {
	for _, c := range ClosedOptionStatuses {
		if s == c {
			return true
		}
	}
	return false
}

// Trade is an immutable buy/sell record from the trade log.
// Side is kept as entered; the lot matcher normalizes it.
type Trade struct {
	ID         int64           `json:"id"`
	Ticker     string          `json:"ticker"`
	PlatformID int64           `json:"platform_id"`
	Price      decimal.Decimal `json:"price"`
	Quantity   decimal.Decimal `json:"quantity"`
	Date       time.Time       `json:"date"`
	Side       Side            `json:"side"`
}

// PositionKey identifies the independent FIFO queue a trade belongs to.
type PositionKey struct {
	Ticker     string `json:"ticker"`
	PlatformID int64  `json:"platform_id"`
}

func (k PositionKey) String() string {
	return fmt.Sprintf("%s@%d", k.Ticker, k.PlatformID)
}

// Key returns the position key of the trade.
func (t Trade) Key() PositionKey {
	return PositionKey{Ticker: t.Ticker, PlatformID: t.PlatformID}
}

// Position is a derived record: either one unconsumed lot (open) or one
// matched lot/sell fragment (close). Positions are rebuilt on every
// reconciliation and never edited by hand.
type Position struct {
	ID         int64               `json:"id"`
	Ticker     string              `json:"ticker"`
	PlatformID int64               `json:"platform_id"`
	Status     PositionStatus      `json:"status"`
	Direction  Direction           `json:"direction"`
	EntryPrice decimal.Decimal     `json:"entry_price"`
	Quantity   decimal.Decimal     `json:"quantity"`
	EntryDate  time.Time           `json:"entry_date"`
	ExitPrice  decimal.NullDecimal `json:"exit_price"`
	ExitDate   *time.Time          `json:"exit_date,omitempty"`
	ProfitLoss decimal.NullDecimal `json:"profit_loss"`

	// SourceTradeID is the buy trade the lot originated from.
	SourceTradeID int64 `json:"source_trade_id"`
}

// Key returns the position key.
func (p Position) Key() PositionKey {
	return PositionKey{Ticker: p.Ticker, PlatformID: p.PlatformID}
}

// OptionTrade is one option leg. The close fields are set once when the
// trade transitions to a terminal status.
type OptionTrade struct {
	ID              int64               `json:"id"`
	Ticker          string              `json:"ticker"`
	PlatformID      int64               `json:"platform_id"`
	Strategy        string              `json:"strategy"`
	StrikePrice     decimal.Decimal     `json:"strike_price"`
	ExpiryDate      time.Time           `json:"expiry_date"`
	TradeDate       time.Time           `json:"trade_date"`
	TransactionType TransactionType     `json:"transaction_type"`
	OpenPrice       decimal.Decimal     `json:"option_open_price"`
	OpenFee         decimal.Decimal     `json:"open_fee"`
	Notes           string              `json:"notes"`
	Status          OptionStatus        `json:"status"`
	CloseDate       *time.Time          `json:"close_date,omitempty"`
	ClosePrice      decimal.NullDecimal `json:"option_close_price"`
	CloseFee        decimal.NullDecimal `json:"close_fee"`
	ProfitLoss      decimal.NullDecimal `json:"profit_loss"`
}

// OptionClose carries the fields written when an option trade is settled.
type OptionClose struct {
	Status     OptionStatus        `json:"status"`
	CloseDate  time.Time           `json:"close_date"`
	ClosePrice decimal.Decimal     `json:"option_close_price"`
	CloseFee   decimal.Decimal     `json:"close_fee"`
	ProfitLoss decimal.NullDecimal `json:"profit_loss"`
	Notes      string              `json:"notes"`
}

// Platform is a brokerage account.
type Platform struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// CashFlowType is deposit or withdrawal.
type CashFlowType string

const (
	Deposit    CashFlowType = "deposit"
	Withdrawal CashFlowType = "withdrawal"
)

// CashFlow is a cash movement in or out of a platform.
type CashFlow struct {
	ID         int64           `json:"id"`
	PlatformID int64           `json:"platform_id"`
	Type       CashFlowType    `json:"flow_type"`
	Amount     decimal.Decimal `json:"amount"`
	Date       time.Time       `json:"flow_date"`
	Notes      string          `json:"notes"`
}

// Date returns the UTC midnight of the given calendar day.
func Date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// Day truncates t to its calendar day in UTC.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return Date(y, m, d)
}

// DaysBetween returns the number of calendar days from a to b.
func DaysBetween(a, b time.Time) int {
	return int(Day(b).Sub(Day(a)).Hours() / 24)
}
