// Package options settles option trades: realized P/L at close and the
// stock trade created when an option is assigned or exercised.
package options

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradeledger/position-engine/internal/events"
	"github.com/tradeledger/position-engine/internal/metrics"
	"github.com/tradeledger/position-engine/internal/model"
	"github.com/tradeledger/position-engine/internal/reconcile"
	"github.com/tradeledger/position-engine/internal/store"
)

var (
	ErrUnknownStrategy  = errors.New("options: unknown strategy")
	ErrAlreadyClosed    = errors.New("options: trade already closed")
	ErrInvalidStatus    = errors.New("options: close status must be expired, exercised, assigned or closed")
	ErrInvalidTrade     = errors.New("options: invalid option trade")
	ErrMissingCloseDate = errors.New("options: close date is required")
)

// ContractSize is the number of shares one option contract controls.
var ContractSize = decimal.NewFromInt(100)

// Strategies.
const (
	CoveredCall    = "covered call"
	CashSecuredPut = "cash secured put"
	Call           = "call"
	Put            = "put"
)

// NormalizeStrategy lower-cases a strategy name and folds separators so
// "Covered_Call" and "covered-call" compare equal to CoveredCall.
func NormalizeStrategy(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.NewReplacer("_", " ", "-", " ").Replace(s)
	return strings.Join(strings.Fields(s), " ")
}

// ProfitLoss returns the realized P/L of one contract.
//
//	credit: (open - close) * 100 - fees
//	debit:  (close - open) * 100 - fees
func ProfitLoss(txType model.TransactionType, openPrice, openFee, closePrice, closeFee decimal.Decimal) decimal.Decimal {
	fees := openFee.Add(closeFee)
	var diff decimal.Decimal
	if txType == model.Credit {
		diff = openPrice.Sub(closePrice)
	} else {
		diff = closePrice.Sub(openPrice)
	}
	return diff.Mul(ContractSize).Sub(fees)
}

// AssignmentSide returns the side of the stock trade created when an
// option is assigned or exercised.
//
//	covered call        any     sell (shares called away)
//	cash secured put    any     buy  (shares put to us)
//	call                debit   buy  (long call exercised)
//	call                credit  sell (short call assigned)
//	put                 debit   sell (long put exercised)
//	put                 credit  buy  (short put assigned)
func AssignmentSide(strategy string, txType model.TransactionType) (model.Side, error) {
	switch NormalizeStrategy(strategy) {
	case CoveredCall:
		return model.SideSell, nil
	case CashSecuredPut:
		return model.SideBuy, nil
	case Call:
		if txType == model.Credit {
			return model.SideSell, nil
		}
		return model.SideBuy, nil
	case Put:
		if txType == model.Credit {
			return model.SideBuy, nil
		}
		return model.SideSell, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
}

// Validate checks a new option trade and normalizes its text fields.
func Validate(o *model.OptionTrade) error {
	o.Ticker = strings.ToUpper(strings.TrimSpace(o.Ticker))
	o.Strategy = NormalizeStrategy(o.Strategy)
	o.TransactionType = model.TransactionType(strings.ToLower(strings.TrimSpace(string(o.TransactionType))))

	switch {
	case o.Ticker == "":
		return fmt.Errorf("%w: ticker is required", ErrInvalidTrade)
	case o.PlatformID <= 0:
		return fmt.Errorf("%w: platform is required", ErrInvalidTrade)
	case !o.StrikePrice.IsPositive():
		return fmt.Errorf("%w: strike price must be positive", ErrInvalidTrade)
	case o.OpenPrice.IsNegative() || o.OpenFee.IsNegative():
		return fmt.Errorf("%w: open price and fee must not be negative", ErrInvalidTrade)
	case o.TransactionType != model.Credit && o.TransactionType != model.Debit:
		return fmt.Errorf("%w: transaction type must be credit or debit", ErrInvalidTrade)
	case o.TradeDate.IsZero() || o.ExpiryDate.IsZero():
		return fmt.Errorf("%w: trade and expiry dates are required", ErrInvalidTrade)
	case o.ExpiryDate.Before(o.TradeDate):
		return fmt.Errorf("%w: expiry before trade date", ErrInvalidTrade)
	}
	if _, err := AssignmentSide(o.Strategy, o.TransactionType); err != nil {
		return err
	}
	o.TradeDate = model.Day(o.TradeDate)
	o.ExpiryDate = model.Day(o.ExpiryDate)
	o.Status = model.OptionOpen
	return nil
}

// CloseRequest carries the user-supplied close fields. Zero prices and
// fees are valid (an expired option closes at 0).
type CloseRequest struct {
	Status     model.OptionStatus `json:"status"`
	CloseDate  time.Time          `json:"close_date"`
	ClosePrice decimal.Decimal    `json:"option_close_price"`
	CloseFee   decimal.Decimal    `json:"close_fee"`
	Notes      string             `json:"notes"`
}

// Store is the persistence the settler needs.
type Store interface {
	GetOptionTrade(ctx context.Context, id int64) (*model.OptionTrade, error)
	SettleOptionTrade(ctx context.Context, id int64, close model.OptionClose, synthetic *model.Trade) error
}

// Reconciler rebuilds positions after a synthetic trade is appended.
type Reconciler interface {
	Run(ctx context.Context) (*reconcile.Report, error)
}

// Settler closes option trades.
type Settler struct {
	store      Store
	reconciler Reconciler
	publisher  events.Publisher
}

// NewSettler creates a settler. reconciler and publisher may be nil.
func NewSettler(store Store, reconciler Reconciler, publisher events.Publisher) *Settler {
	return &Settler{store: store, reconciler: reconciler, publisher: publisher}
}

// Close settles option trade id. Either the close fields and the synthetic
// trade are both persisted, or nothing is.
//
// When a synthetic trade is appended, positions are reconciled afterwards.
// A failed reconciliation is logged but does not fail the close: the
// settlement is already committed and the next run picks the trade up.
func (s *Settler) Close(ctx context.Context, id int64, req CloseRequest) (*model.OptionTrade, error) {
	status := model.OptionStatus(strings.ToLower(strings.TrimSpace(string(req.Status))))
	if !status.IsClosed() {
		return nil, fmt.Errorf("%w: got %q", ErrInvalidStatus, req.Status)
	}
	if req.CloseDate.IsZero() {
		return nil, ErrMissingCloseDate
	}
	if req.ClosePrice.IsNegative() || req.CloseFee.IsNegative() {
		return nil, fmt.Errorf("%w: close price and fee must not be negative", ErrInvalidTrade)
	}

	o, err := s.store.GetOptionTrade(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.Status.IsClosed() {
		return nil, fmt.Errorf("option trade %d is %s: %w", id, o.Status, ErrAlreadyClosed)
	}

	closeDate := model.Day(req.CloseDate)
	pnl := ProfitLoss(o.TransactionType, o.OpenPrice, o.OpenFee, req.ClosePrice, req.CloseFee)

	var synthetic *model.Trade
	if status == model.OptionAssigned || status == model.OptionExercised {
		side, err := AssignmentSide(o.Strategy, o.TransactionType)
		if err != nil {
			return nil, err
		}
		synthetic = &model.Trade{
			Ticker:     o.Ticker,
			PlatformID: o.PlatformID,
			Price:      o.StrikePrice,
			Quantity:   ContractSize,
			Date:       closeDate,
			Side:       side,
		}
	}

	notes := req.Notes
	if notes == "" {
		notes = o.Notes
	}
	c := model.OptionClose{
		Status:     status,
		CloseDate:  closeDate,
		ClosePrice: req.ClosePrice,
		CloseFee:   req.CloseFee,
		ProfitLoss: decimal.NewNullDecimal(pnl),
		Notes:      notes,
	}
	if err := s.store.SettleOptionTrade(ctx, id, c, synthetic); err != nil {
		if errors.Is(err, store.ErrAlreadySettled) {
			// Another close won between the read above and this write.
			return nil, fmt.Errorf("option trade %d: %w", id, ErrAlreadyClosed)
		}
		return nil, fmt.Errorf("settle option trade %d: %w", id, err)
	}

	o.Status = c.Status
	o.CloseDate = &closeDate
	o.ClosePrice = decimal.NewNullDecimal(c.ClosePrice)
	o.CloseFee = decimal.NewNullDecimal(c.CloseFee)
	o.ProfitLoss = c.ProfitLoss
	o.Notes = c.Notes

	metrics.OptionSettlements.WithLabelValues(string(status)).Inc()
	slog.Info("option settled",
		"id", id,
		"ticker", o.Ticker,
		"status", status,
		"profit_loss", pnl.String(),
		"synthetic_trade", synthetic != nil,
	)
	events.Emit(ctx, s.publisher, events.New(events.OptionSettled, fmt.Sprintf("option:%d", id), o))

	if synthetic != nil && s.reconciler != nil {
		if _, err := s.reconciler.Run(ctx); err != nil {
			slog.Error("reconcile after settlement failed", "id", id, "error", err)
		}
	}
	return o, nil
}
