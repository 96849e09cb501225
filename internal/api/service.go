// Package api provides the HTTP handlers for recording trades and option
// trades, reconciling positions, and serving the position, tax, P/L,
// portfolio and cash-flow views.
//
// All monetary values use shopspring/decimal, never float64 for money.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tradeledger/position-engine/internal/events"
	"github.com/tradeledger/position-engine/internal/options"
	"github.com/tradeledger/position-engine/internal/platform"
	"github.com/tradeledger/position-engine/internal/reconcile"
	"github.com/tradeledger/position-engine/internal/report"
	"github.com/tradeledger/position-engine/internal/store"
	"github.com/tradeledger/position-engine/internal/tax"
)

// errValidation marks request errors that map to 400.
var errValidation = errors.New("invalid request")

// Dependencies wires a Service. Prices, Publisher and Hub are optional.
type Dependencies struct {
	Store      store.Store
	Platforms  *platform.Directory
	Reconciler *reconcile.Reconciler
	Settler    *options.Settler
	Classifier tax.Classifier
	Prices     report.Prices
	Publisher  events.Publisher
	Hub        *Hub
}

// Service handles the ledger HTTP API.
type Service struct {
	store      store.Store
	platforms  *platform.Directory
	reconciler *reconcile.Reconciler
	settler    *options.Settler
	classifier tax.Classifier
	prices     report.Prices
	publisher  events.Publisher
	hub        *Hub
}

// NewService creates a new API service.
func NewService(deps Dependencies) *Service {
	return &Service{
		store:      deps.Store,
		platforms:  deps.Platforms,
		reconciler: deps.Reconciler,
		settler:    deps.Settler,
		classifier: deps.Classifier,
		prices:     deps.Prices,
		publisher:  deps.Publisher,
		hub:        deps.Hub,
	}
}

// Routes mounts every handler on r. Callers mount r under /api/v1.
func (s *Service) Routes(r chi.Router) {
	r.Get("/trades", s.ListTrades)
	r.Post("/trades", s.RecordTrade)
	r.Post("/trades/batch", s.ImportTrades)
	r.Get("/trades/last-import", s.LastImport)

	r.Get("/positions", s.ListPositions)
	r.Post("/positions/sync", s.SyncPositions)
	r.Get("/positions/summary", s.PositionSummary)

	r.Get("/options", s.ListOptions)
	r.Post("/options", s.CreateOption)
	r.Post("/options/{optionID}/close", s.CloseOption)

	r.Get("/taxes", s.Taxes)
	r.Get("/reports/pl", s.PLTrend)
	r.Get("/reports/portfolio", s.Portfolio)

	r.Get("/cash-flows", s.ListCashFlows)
	r.Post("/cash-flows", s.RecordCashFlow)
	r.Get("/cash-flows/summary", s.CashFlowSummary)

	r.Get("/platforms", s.ListPlatforms)
	r.Post("/platforms", s.CreatePlatform)
	r.Post("/platforms/refresh", s.RefreshPlatforms)

	if s.hub != nil {
		r.Get("/ws", s.hub.HandleWS)
	}
}

// --- Helpers ---

const dateLayout = "2006-01-02"

func parseDate(field, v string) (time.Time, error) {
	t, err := time.Parse(dateLayout, strings.TrimSpace(v))
	if err != nil {
		return time.Time{}, validationf("%s must be YYYY-MM-DD", field)
	}
	return t, nil
}

// validationError is a client error whose message is safe to return.
type validationError struct{ msg string }

func (e validationError) Error() string        { return e.msg }
func (e validationError) Is(target error) bool { return target == errValidation }

func validationf(format string, args ...any) error {
	return validationError{msg: fmt.Sprintf(format, args...)}
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return validationf("invalid request body")
	}
	return nil
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, options.ErrAlreadyClosed),
		errors.Is(err, store.ErrAlreadySettled),
		errors.Is(err, store.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, errValidation),
		errors.Is(err, options.ErrInvalidStatus),
		errors.Is(err, options.ErrInvalidTrade),
		errors.Is(err, options.ErrMissingCloseDate),
		errors.Is(err, options.ErrUnknownStrategy),
		errors.Is(err, report.ErrInvalidPeriod):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// fail writes err with its mapped status. Internal errors are logged and
// hidden from the client.
func fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		msg = "internal error"
	}
	writeError(w, msg, status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
