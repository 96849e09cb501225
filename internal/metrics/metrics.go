// Package metrics provides Prometheus instrumentation for the position engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ReconcileRuns counts reconciliation runs by outcome (ok|error).
	ReconcileRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_reconcile_runs_total",
		Help: "Total number of position reconciliation runs",
	}, []string{"outcome"})

	ReconcileDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ledger_reconcile_duration_seconds",
		Help:    "Position reconciliation latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// Positions tracks the number of derived positions after the last run.
	Positions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ledger_positions",
		Help: "Derived positions by status after the last reconciliation",
	}, []string{"status"})

	// UnmatchedSells counts sell fragments that found no open lot.
	UnmatchedSells = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_unmatched_sells_total",
		Help: "Sell fragments dropped because no open lot remained",
	})

	// OptionSettlements counts option closes by terminal status.
	OptionSettlements = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_option_settlements_total",
		Help: "Option trades closed, by status",
	}, []string{"status"})

	TradesRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_trades_recorded_total",
		Help: "Trades appended to the trade log, by side",
	}, []string{"side"})

	// QuoteLookups counts price lookups by result (hit|miss|error).
	QuoteLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_quote_lookups_total",
		Help: "Quote lookups by cache result",
	}, []string{"result"})

	// QuoteBreakerState is 0 closed, 1 half-open, 2 open.
	QuoteBreakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_quote_breaker_state",
		Help: "Quote source circuit breaker state",
	})

	// EventsPublished counts domain events by type and outcome.
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_events_published_total",
		Help: "Domain events published",
	}, []string{"type", "outcome"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Label by route pattern, not raw path, to keep cardinality bounded.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrader take over the connection.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
