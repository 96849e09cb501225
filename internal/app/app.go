// Package app wires the stores, publishers and services shared by the
// HTTP server and the ledgerctl command.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/tradeledger/position-engine/internal/config"
	"github.com/tradeledger/position-engine/internal/events"
	"github.com/tradeledger/position-engine/internal/options"
	"github.com/tradeledger/position-engine/internal/platform"
	"github.com/tradeledger/position-engine/internal/quote"
	"github.com/tradeledger/position-engine/internal/reconcile"
	"github.com/tradeledger/position-engine/internal/report"
	"github.com/tradeledger/position-engine/internal/store"
	"github.com/tradeledger/position-engine/internal/tax"
)

// App holds the wired components.
type App struct {
	Config     *config.Config
	Store      store.Store
	Platforms  *platform.Directory
	Publisher  events.Publisher
	Reconciler *reconcile.Reconciler
	Settler    *options.Settler
	Classifier tax.Classifier
	Prices     report.Prices // nil when no quote URL is configured

	postgres *store.PostgresStore
	cleanup  []func()
}

// SetupLogging installs the JSON slog handler at the configured level.
func SetupLogging(cfg *config.Config) {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)
}

// New connects to the configured backends. Without DATABASE_URL it falls
// back to the in-memory store. extra publishers receive every event next
// to Kafka.
func New(ctx context.Context, cfg *config.Config, extra ...events.Publisher) (*App, error) {
	a := &App{Config: cfg, Classifier: cfg.Classifier()}

	// --- Store ---
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("database connection failed: %w", err)
		}
		a.cleanup = append(a.cleanup, pool.Close)
		a.postgres = store.NewPostgresStore(pool)
		a.Store = a.postgres
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				a.Close()
				return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
			}
			rdb := redis.NewClient(opt)
			a.cleanup = append(a.cleanup, func() { rdb.Close() })
			a.Store = store.NewCachedStore(a.postgres, rdb, cfg.Cache.Positions).WithPlatformTTL(cfg.Cache.Platforms)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		a.Store = store.NewMemoryStore()
	}

	// --- Events ---
	var publishers events.Fanout
	if len(cfg.Kafka.Brokers) > 0 {
		kp := events.NewKafkaPublisher(events.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic), cfg.Kafka.Topic)
		a.cleanup = append(a.cleanup, func() {
			if err := kp.Close(); err != nil {
				slog.Error("kafka writer close failed", "error", err)
			}
		})
		publishers = append(publishers, kp)
		slog.Info("kafka events enabled", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	}
	publishers = append(publishers, extra...)
	a.Publisher = publishers

	// --- Services ---
	a.Platforms = platform.NewDirectory(a.Store)
	a.Reconciler = reconcile.New(a.Store, a.Publisher)
	a.Settler = options.NewSettler(a.Store, a.Reconciler, a.Publisher)

	if cfg.Quote.URL != "" {
		src := quote.NewHTTPSource(cfg.Quote.URL, cfg.Quote.RPS, cfg.Quote.Timeout)
		a.Prices = quote.NewService(src, cfg.QuoteService())
		slog.Info("quote lookups enabled", "url", cfg.Quote.URL)
	}
	return a, nil
}

// Migrate applies the schema. It is a no-op on the in-memory store.
func (a *App) Migrate(ctx context.Context) error {
	if a.postgres == nil {
		return nil
	}
	return a.postgres.Migrate(ctx)
}

// Close releases connections in reverse order of creation.
func (a *App) Close() {
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
	a.cleanup = nil
}
