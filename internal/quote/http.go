package quote

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// HTTPSource fetches prices from a JSON endpoint:
//
//	GET {baseURL}/quote/{ticker}  ->  {"symbol": "AAPL", "price": "187.32"}
//
// Requests are throttled by a token bucket so a large portfolio cannot
// exceed the provider's rate limit.
type HTTPSource struct {
	client  *resty.Client
	limiter *rate.Limiter
}

type quoteResponse struct {
	Symbol string              `json:"symbol"`
	Price  decimal.NullDecimal `json:"price"`
}

// NewHTTPSource creates a source for baseURL allowing rps requests per
// second with a burst of the same size.
func NewHTTPSource(baseURL string, rps float64, timeout time.Duration) *HTTPSource {
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	return &HTTPSource{
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

func (s *HTTPSource) Quote(ctx context.Context, ticker string) (decimal.Decimal, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return decimal.Decimal{}, fmt.Errorf("rate limit wait: %w", err)
	}

	var out quoteResponse
	resp, err := s.client.R().
		SetContext(ctx).
		SetPathParam("ticker", ticker).
		SetResult(&out).
		Get("/quote/{ticker}")
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("fetch quote %s: %w", ticker, err)
	}
	switch {
	case resp.StatusCode() == http.StatusNotFound:
		return decimal.Decimal{}, fmt.Errorf("%s: %w", ticker, ErrNoPrice)
	case resp.IsError():
		return decimal.Decimal{}, fmt.Errorf("fetch quote %s: status %d", ticker, resp.StatusCode())
	case !out.Price.Valid || !out.Price.Decimal.IsPositive():
		return decimal.Decimal{}, fmt.Errorf("%s: %w", ticker, ErrNoPrice)
	}
	return out.Price.Decimal, nil
}
