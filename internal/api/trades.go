package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradeledger/position-engine/internal/events"
	"github.com/tradeledger/position-engine/internal/metrics"
	"github.com/tradeledger/position-engine/internal/model"
	"github.com/tradeledger/position-engine/internal/report"
	"github.com/tradeledger/position-engine/internal/store"
)

// TradeRequest is the JSON body for POST /trades. Either PlatformID or
// Platform (by name) identifies the platform.
type TradeRequest struct {
	Ticker     string          `json:"ticker"`
	PlatformID int64           `json:"platform_id"`
	Platform   string          `json:"platform"`
	Price      decimal.Decimal `json:"price"`
	Quantity   decimal.Decimal `json:"quantity"`
	Date       string          `json:"date"` // YYYY-MM-DD
	Side       string          `json:"side"` // buy | sell
}

// PositionView is a position with its platform name resolved.
type PositionView struct {
	model.Position
	Platform string `json:"platform"`
}

// ImportResponse is returned from POST /trades/batch.
type ImportResponse struct {
	Imported  int               `json:"imported"`
	Reconcile *reconcileSummary `json:"reconcile,omitempty"`
}

type reconcileSummary struct {
	RunID     string `json:"run_id"`
	Open      int    `json:"open"`
	Closed    int    `json:"closed"`
	Unmatched int    `json:"unmatched"`
}

// toTrade validates req and resolves its platform.
func (s *Service) toTrade(ctx context.Context, req TradeRequest) (*model.Trade, error) {
	ticker := strings.ToUpper(strings.TrimSpace(req.Ticker))
	if ticker == "" {
		return nil, validationf("ticker is required")
	}
	side := model.Side(strings.ToLower(strings.TrimSpace(req.Side)))
	if side != model.SideBuy && side != model.SideSell {
		return nil, validationf("side must be buy or sell")
	}
	if !req.Price.IsPositive() {
		return nil, validationf("price must be positive")
	}
	if !req.Quantity.IsPositive() {
		return nil, validationf("quantity must be positive")
	}
	date, err := parseDate("date", req.Date)
	if err != nil {
		return nil, err
	}
	platformID, err := s.resolvePlatform(ctx, req.PlatformID, req.Platform)
	if err != nil {
		return nil, err
	}
	return &model.Trade{
		Ticker:     ticker,
		PlatformID: platformID,
		Price:      req.Price,
		Quantity:   req.Quantity,
		Date:       date,
		Side:       side,
	}, nil
}

// resolvePlatform maps an id or a name to a known platform id. A directory
// load failure is returned as is, so it surfaces as a server error.
func (s *Service) resolvePlatform(ctx context.Context, id int64, name string) (int64, error) {
	if id == 0 && name != "" {
		resolved, ok, err := s.platforms.LookupID(ctx, name)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, validationf("unknown platform %q", name)
		}
		return resolved, nil
	}
	_, ok, err := s.platforms.LookupName(ctx, id)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, validationf("unknown platform %d", id)
	}
	return id, nil
}

func (s *Service) recordTrade(ctx context.Context, t *model.Trade) error {
	if err := s.store.InsertTrade(ctx, t); err != nil {
		return fmt.Errorf("record trade: %w", err)
	}
	metrics.TradesRecorded.WithLabelValues(string(t.Side)).Inc()
	slog.Info("trade recorded",
		"id", t.ID,
		"ticker", t.Ticker,
		"platform_id", t.PlatformID,
		"side", t.Side,
		"quantity", t.Quantity.String(),
		"price", t.Price.String(),
	)
	events.Emit(ctx, s.publisher, events.New(events.TradeRecorded, t.Key().String(), t))
	return nil
}

// reconcileAfterWrite rebuilds positions after new trades. The trades are
// already committed, so a failure is logged and reported as nil.
func (s *Service) reconcileAfterWrite(ctx context.Context) *reconcileSummary {
	rep, err := s.reconciler.Run(ctx)
	if err != nil {
		slog.Error("reconcile after trade write failed", "error", err)
		return nil
	}
	return &reconcileSummary{RunID: rep.RunID, Open: rep.Open, Closed: rep.Closed, Unmatched: len(rep.Unmatched)}
}

// RecordTrade handles POST /api/v1/trades
func (s *Service) RecordTrade(w http.ResponseWriter, r *http.Request) {
	var req TradeRequest
	if err := decode(r, &req); err != nil {
		fail(w, r, err)
		return
	}
	ctx := r.Context()
	t, err := s.toTrade(ctx, req)
	if err != nil {
		fail(w, r, err)
		return
	}
	if err := s.recordTrade(ctx, t); err != nil {
		fail(w, r, err)
		return
	}
	s.reconcileAfterWrite(ctx)
	writeJSON(w, http.StatusCreated, t)
}

// ImportTrades handles POST /api/v1/trades/batch. The whole batch is
// validated before anything is written; positions are reconciled once.
func (s *Service) ImportTrades(w http.ResponseWriter, r *http.Request) {
	var reqs []TradeRequest
	if err := decode(r, &reqs); err != nil {
		fail(w, r, err)
		return
	}
	if len(reqs) == 0 {
		fail(w, r, validationf("no trades in batch"))
		return
	}
	ctx := r.Context()

	trades := make([]*model.Trade, 0, len(reqs))
	for i, req := range reqs {
		t, err := s.toTrade(ctx, req)
		if err != nil {
			fail(w, r, validationf("trade %d: %v", i, err))
			return
		}
		trades = append(trades, t)
	}
	for _, t := range trades {
		if err := s.recordTrade(ctx, t); err != nil {
			fail(w, r, err)
			return
		}
	}
	if err := s.store.SetMetadata(ctx, store.MetaLastImport, time.Now().UTC().Format(time.RFC3339)); err != nil {
		slog.Warn("failed to record import time", "error", err)
	}

	writeJSON(w, http.StatusCreated, ImportResponse{
		Imported:  len(trades),
		Reconcile: s.reconcileAfterWrite(ctx),
	})
}

// LastImport handles GET /api/v1/trades/last-import
func (s *Service) LastImport(w http.ResponseWriter, r *http.Request) {
	v, err := s.store.GetMetadata(r.Context(), store.MetaLastImport)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"last_import": v})
}

// ListTrades handles GET /api/v1/trades
func (s *Service) ListTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := s.store.ListTrades(r.Context())
	if err != nil {
		fail(w, r, err)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// SyncPositions handles POST /api/v1/positions/sync
func (s *Service) SyncPositions(w http.ResponseWriter, r *http.Request) {
	rep, err := s.reconciler.Run(r.Context())
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// ListPositions handles GET /api/v1/positions?status=open|close
func (s *Service) ListPositions(w http.ResponseWriter, r *http.Request) {
	status := model.PositionStatus(r.URL.Query().Get("status"))
	if status != "" && status != model.PositionOpen && status != model.PositionClosed {
		fail(w, r, validationf("status must be open or close"))
		return
	}
	ctx := r.Context()
	positions, err := s.store.ListPositions(ctx, status)
	if err != nil {
		fail(w, r, err)
		return
	}

	views := make([]PositionView, 0, len(positions))
	for _, p := range positions {
		views = append(views, PositionView{Position: p, Platform: s.platforms.NameOr(ctx, p.PlatformID)})
	}
	writeJSON(w, http.StatusOK, views)
}

// PositionSummary handles GET /api/v1/positions/summary
func (s *Service) PositionSummary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	positions, err := s.store.ListPositions(ctx, "")
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report.PositionSummary(ctx, positions, s.platforms))
}
