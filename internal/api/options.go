package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/tradeledger/position-engine/internal/model"
	"github.com/tradeledger/position-engine/internal/options"
)

// OptionRequest is the JSON body for POST /options.
type OptionRequest struct {
	Ticker          string          `json:"ticker"`
	PlatformID      int64           `json:"platform_id"`
	Platform        string          `json:"platform"`
	Strategy        string          `json:"strategy"`
	StrikePrice     decimal.Decimal `json:"strike_price"`
	ExpiryDate      string          `json:"expiry_date"`
	TradeDate       string          `json:"trade_date"`
	TransactionType string          `json:"transaction_type"` // credit | debit
	OpenPrice       decimal.Decimal `json:"option_open_price"`
	OpenFee         decimal.Decimal `json:"open_fee"`
	Notes           string          `json:"notes"`
}

// CloseOptionRequest is the JSON body for POST /options/{optionID}/close.
type CloseOptionRequest struct {
	Status     string          `json:"status"`
	CloseDate  string          `json:"close_date"`
	ClosePrice decimal.Decimal `json:"option_close_price"`
	CloseFee   decimal.Decimal `json:"close_fee"`
	Notes      string          `json:"notes"`
}

// CreateOption handles POST /api/v1/options
func (s *Service) CreateOption(w http.ResponseWriter, r *http.Request) {
	var req OptionRequest
	if err := decode(r, &req); err != nil {
		fail(w, r, err)
		return
	}
	ctx := r.Context()

	tradeDate, err := parseDate("trade_date", req.TradeDate)
	if err != nil {
		fail(w, r, err)
		return
	}
	expiry, err := parseDate("expiry_date", req.ExpiryDate)
	if err != nil {
		fail(w, r, err)
		return
	}
	platformID, err := s.resolvePlatform(ctx, req.PlatformID, req.Platform)
	if err != nil {
		fail(w, r, err)
		return
	}

	o := &model.OptionTrade{
		Ticker:          req.Ticker,
		PlatformID:      platformID,
		Strategy:        req.Strategy,
		StrikePrice:     req.StrikePrice,
		ExpiryDate:      expiry,
		TradeDate:       tradeDate,
		TransactionType: model.TransactionType(req.TransactionType),
		OpenPrice:       req.OpenPrice,
		OpenFee:         req.OpenFee,
		Notes:           req.Notes,
	}
	if err := options.Validate(o); err != nil {
		fail(w, r, err)
		return
	}
	if err := s.store.InsertOptionTrade(ctx, o); err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

// ListOptions handles GET /api/v1/options?status=open|closed|all
//
// "closed" selects every terminal status; a specific terminal status such
// as "expired" selects only that one.
func (s *Service) ListOptions(w http.ResponseWriter, r *http.Request) {
	var statuses []model.OptionStatus
	switch v := model.OptionStatus(strings.ToLower(r.URL.Query().Get("status"))); {
	case v == "" || v == "all":
	case v == model.OptionOpen:
		statuses = []model.OptionStatus{model.OptionOpen}
	case v == model.OptionClosed:
		statuses = model.ClosedOptionStatuses
	case v.IsClosed():
		statuses = []model.OptionStatus{v}
	default:
		fail(w, r, validationf("unknown option status %q", v))
		return
	}

	trades, err := s.store.ListOptionTrades(r.Context(), statuses...)
	if err != nil {
		fail(w, r, err)
		return
	}
	if trades == nil {
		trades = []model.OptionTrade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// CloseOption handles POST /api/v1/options/{optionID}/close
func (s *Service) CloseOption(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "optionID"), 10, 64)
	if err != nil || id <= 0 {
		fail(w, r, validationf("invalid option id"))
		return
	}
	var req CloseOptionRequest
	if err := decode(r, &req); err != nil {
		fail(w, r, err)
		return
	}
	closeDate, err := parseDate("close_date", req.CloseDate)
	if err != nil {
		fail(w, r, err)
		return
	}

	o, err := s.settler.Close(r.Context(), id, options.CloseRequest{
		Status:     model.OptionStatus(req.Status),
		CloseDate:  closeDate,
		ClosePrice: req.ClosePrice,
		CloseFee:   req.CloseFee,
		Notes:      req.Notes,
	})
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}
