// Package quote looks up current market prices for the portfolio report.
//
// Service puts an explicit TTL cache and a circuit breaker in front of a
// Source. A failed or rejected lookup yields "price unknown" rather than
// an error, so reports degrade instead of failing.
package quote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"

	"github.com/tradeledger/position-engine/internal/metrics"
)

// ErrNoPrice is returned by a Source that has no price for a ticker.
var ErrNoPrice = errors.New("quote: no price available")

// Source fetches one current price.
type Source interface {
	Quote(ctx context.Context, ticker string) (decimal.Decimal, error)
}

// Config tunes the cache and breaker.
type Config struct {
	TTL time.Duration
	// FailureThreshold is the number of consecutive failures that opens
	// the breaker.
	FailureThreshold uint32
	// OpenTimeout is how long the breaker stays open before a half-open probe.
	OpenTimeout time.Duration
}

// DefaultConfig caches prices for five minutes and opens the breaker after
// three consecutive failures for thirty seconds.
func DefaultConfig() Config {
	return Config{TTL: 5 * time.Minute, FailureThreshold: 3, OpenTimeout: 30 * time.Second}
}

type entry struct {
	price   decimal.Decimal
	expires time.Time
}

// Service is a cached, breaker-guarded price lookup.
type Service struct {
	src     Source
	ttl     time.Duration
	breaker *gobreaker.CircuitBreaker
	now     func() time.Time

	mu    sync.Mutex
	cache map[string]entry
}

// NewService creates a price service in front of src.
func NewService(src Source, cfg Config) *Service {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 3
	}
	threshold := cfg.FailureThreshold
	st := gobreaker.Settings{
		Name:        "quote-source",
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			// A ticker the source does not know is not a source outage.
			return err == nil || errors.Is(err, ErrNoPrice)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.QuoteBreakerState.Set(float64(to))
			slog.Warn("circuit breaker state change", "name", name, "from", from.String(), "to", to.String())
		},
	}
	return &Service{
		src:     src,
		ttl:     cfg.TTL,
		breaker: gobreaker.NewCircuitBreaker(st),
		now:     time.Now,
		cache:   make(map[string]entry),
	}
}

// State reports the breaker state.
func (s *Service) State() gobreaker.State {
	return s.breaker.State()
}

// Price returns the current price of ticker, or false when unknown.
func (s *Service) Price(ctx context.Context, ticker string) (decimal.Decimal, bool) {
	ticker = strings.ToUpper(strings.TrimSpace(ticker))

	s.mu.Lock()
	e, ok := s.cache[ticker]
	s.mu.Unlock()
	if ok && s.now().Before(e.expires) {
		metrics.QuoteLookups.WithLabelValues("hit").Inc()
		return e.price, true
	}
	metrics.QuoteLookups.WithLabelValues("miss").Inc()

	v, err := s.breaker.Execute(func() (interface{}, error) {
		return s.src.Quote(ctx, ticker)
	})
	if err != nil {
		metrics.QuoteLookups.WithLabelValues("error").Inc()
		slog.Debug("quote unavailable", "ticker", ticker, "error", err)
		return decimal.Decimal{}, false
	}
	price := v.(decimal.Decimal)

	s.mu.Lock()
	s.cache[ticker] = entry{price: price, expires: s.now().Add(s.ttl)}
	s.mu.Unlock()
	return price, true
}

// Prices looks up every ticker. Unknown prices are left out.
func (s *Service) Prices(ctx context.Context, tickers []string) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(tickers))
	for _, t := range tickers {
		if p, ok := s.Price(ctx, t); ok {
			out[t] = p
		}
	}
	return out
}

// Invalidate drops every cached price.
func (s *Service) Invalidate() {
	s.mu.Lock()
	s.cache = make(map[string]entry)
	s.mu.Unlock()
}

// StaticSource serves fixed prices. Used when no quote endpoint is configured.
type StaticSource map[string]decimal.Decimal

func (s StaticSource) Quote(_ context.Context, ticker string) (decimal.Decimal, error) {
	if p, ok := s[ticker]; ok {
		return p, nil
	}
	return decimal.Decimal{}, fmt.Errorf("%s: %w", ticker, ErrNoPrice)
}
