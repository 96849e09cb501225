// Package reconcile rebuilds the derived positions table from the trade log.
//
// Every run is a full recompute: all trades are loaded, matched FIFO per
// (ticker, platform), and the positions of every key present in the trade
// log are replaced in one atomic store call. Running twice on the same
// trades yields the same positions.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tradeledger/position-engine/internal/events"
	"github.com/tradeledger/position-engine/internal/lots"
	"github.com/tradeledger/position-engine/internal/metrics"
	"github.com/tradeledger/position-engine/internal/model"
)

// Store is the persistence the reconciler needs.
type Store interface {
	ListTrades(ctx context.Context) ([]model.Trade, error)
	ReplacePositions(ctx context.Context, keys []model.PositionKey, positions []model.Position) error
}

// Report summarizes one reconciliation run.
type Report struct {
	RunID     string           `json:"run_id"`
	Keys      int              `json:"keys"`
	Open      int              `json:"open"`
	Closed    int              `json:"closed"`
	Unmatched []lots.Unmatched `json:"unmatched,omitempty"`
	StartedAt time.Time        `json:"started_at"`
	Duration  time.Duration    `json:"duration_ns"`
}

// Reconciler serializes reconciliation runs. It is the single writer of
// the positions table.
type Reconciler struct {
	mu        sync.Mutex
	store     Store
	publisher events.Publisher
}

// New creates a reconciler. publisher may be nil.
func New(store Store, publisher events.Publisher) *Reconciler {
	return &Reconciler{store: store, publisher: publisher}
}

// Run performs one full recompute. On any store failure the positions
// table is left as it was before the run.
func (r *Reconciler) Run(ctx context.Context) (*Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	report := &Report{RunID: uuid.NewString(), StartedAt: time.Now().UTC()}

	trades, err := r.store.ListTrades(ctx)
	if err != nil {
		metrics.ReconcileRuns.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("load trades: %w", err)
	}

	results := lots.MatchAll(trades)
	keys := make([]model.PositionKey, 0, len(results))
	var positions []model.Position
	for _, res := range results {
		keys = append(keys, res.Key)
		positions = append(positions, res.Positions()...)
		report.Open += len(res.Open)
		report.Closed += len(res.Closed)
		report.Unmatched = append(report.Unmatched, res.Unmatched...)
	}
	report.Keys = len(keys)

	if err := r.store.ReplacePositions(ctx, keys, positions); err != nil {
		metrics.ReconcileRuns.WithLabelValues("error").Inc()
		slog.Error("positions reconcile failed", "run_id", report.RunID, "error", err)
		return nil, fmt.Errorf("replace positions: %w", err)
	}
	report.Duration = time.Since(report.StartedAt)

	for _, u := range report.Unmatched {
		slog.Warn("sell exceeds open lots",
			"run_id", report.RunID,
			"trade_id", u.TradeID,
			"key", u.Key().String(),
			"quantity", u.Quantity.String(),
		)
	}

	metrics.ReconcileRuns.WithLabelValues("ok").Inc()
	metrics.ReconcileDuration.Observe(report.Duration.Seconds())
	metrics.Positions.WithLabelValues(string(model.PositionOpen)).Set(float64(report.Open))
	metrics.Positions.WithLabelValues(string(model.PositionClosed)).Set(float64(report.Closed))
	metrics.UnmatchedSells.Add(float64(len(report.Unmatched)))

	slog.Info("positions reconciled",
		"run_id", report.RunID,
		"keys", report.Keys,
		"open", report.Open,
		"closed", report.Closed,
		"unmatched", len(report.Unmatched),
		"duration", report.Duration,
	)

	events.Emit(ctx, r.publisher, events.New(events.PositionsReconciled, report.RunID, report))
	return report, nil
}
