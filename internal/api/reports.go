package api

import (
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/tradeledger/position-engine/internal/model"
	"github.com/tradeledger/position-engine/internal/report"
)

// CashFlowRequest is the JSON body for POST /cash-flows.
type CashFlowRequest struct {
	PlatformID int64           `json:"platform_id"`
	Platform   string          `json:"platform"`
	Type       string          `json:"flow_type"` // deposit | withdrawal
	Amount     decimal.Decimal `json:"amount"`
	Date       string          `json:"flow_date"`
	Notes      string          `json:"notes"`
}

// Taxes handles GET /api/v1/taxes
func (s *Service) Taxes(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	positions, err := s.store.ListPositions(ctx, model.PositionClosed)
	if err != nil {
		fail(w, r, err)
		return
	}
	opts, err := s.store.ListOptionTrades(ctx, model.ClosedOptionStatuses...)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.classifier.Aggregate(positions, opts))
}

// PLTrend handles GET /api/v1/reports/pl?period=week|month
func (s *Service) PLTrend(w http.ResponseWriter, r *http.Request) {
	period := report.Period(strings.ToLower(r.URL.Query().Get("period")))
	if period == "" {
		period = report.Weekly
	}
	ctx := r.Context()
	positions, err := s.store.ListPositions(ctx, model.PositionClosed)
	if err != nil {
		fail(w, r, err)
		return
	}
	opts, err := s.store.ListOptionTrades(ctx, model.ClosedOptionStatuses...)
	if err != nil {
		fail(w, r, err)
		return
	}
	rows, err := report.PLTrend(positions, opts, period)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

// Portfolio handles GET /api/v1/reports/portfolio
func (s *Service) Portfolio(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	open, err := s.store.ListPositions(ctx, model.PositionOpen)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report.Portfolio(ctx, open, s.platforms, s.prices))
}

// ListCashFlows handles GET /api/v1/cash-flows
func (s *Service) ListCashFlows(w http.ResponseWriter, r *http.Request) {
	flows, err := s.store.ListCashFlows(r.Context())
	if err != nil {
		fail(w, r, err)
		return
	}
	if flows == nil {
		flows = []model.CashFlow{}
	}
	writeJSON(w, http.StatusOK, flows)
}

// RecordCashFlow handles POST /api/v1/cash-flows
func (s *Service) RecordCashFlow(w http.ResponseWriter, r *http.Request) {
	var req CashFlowRequest
	if err := decode(r, &req); err != nil {
		fail(w, r, err)
		return
	}
	ctx := r.Context()

	flowType := model.CashFlowType(strings.ToLower(strings.TrimSpace(req.Type)))
	if flowType != model.Deposit && flowType != model.Withdrawal {
		fail(w, r, validationf("flow_type must be deposit or withdrawal"))
		return
	}
	if !req.Amount.IsPositive() {
		fail(w, r, validationf("amount must be positive"))
		return
	}
	date, err := parseDate("flow_date", req.Date)
	if err != nil {
		fail(w, r, err)
		return
	}
	platformID, err := s.resolvePlatform(ctx, req.PlatformID, req.Platform)
	if err != nil {
		fail(w, r, err)
		return
	}

	f := &model.CashFlow{
		PlatformID: platformID,
		Type:       flowType,
		Amount:     req.Amount,
		Date:       date,
		Notes:      req.Notes,
	}
	if err := s.store.InsertCashFlow(ctx, f); err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, f)
}

// CashFlowSummary handles GET /api/v1/cash-flows/summary
func (s *Service) CashFlowSummary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	flows, err := s.store.ListCashFlows(ctx)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report.CashFlowSummary(ctx, flows, s.platforms))
}
