package collector

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"RedDaySentinel/internal/model"
)

// Fetcher defines the interface for fetching market data.
type Fetcher interface {
	// FetchCurrentPrice returns the latest traded price.
	FetchCurrentPrice(ctx context.Context, symbol string) (float64, error)
	// FetchDailyBars returns up to days completed daily candles, oldest first.
	// The candle for the current UTC day is never included.
	FetchDailyBars(ctx context.Context, symbol string, days int) ([]model.DailyBar, error)
	Name() string
}

// newHTTPClient builds a client with optional proxy support.
func newHTTPClient(proxyURL string, timeout time.Duration) *http.Client {
	transport := &http.Transport{Proxy: http.ProxyFromEnvironment}
	if proxyURL != "" {
		if u, err := url.Parse(proxyURL); err == nil {
			transport.Proxy = http.ProxyURL(u)
		}
	}
	return &http.Client{Timeout: timeout, Transport: transport}
}

// newLimiter allows perMinute requests per minute with a small burst.
// Zero or negative disables limiting.
func newLimiter(perMinute int) *rate.Limiter {
	if perMinute <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 2)
}

// FailoverFetcher tries each fetcher in order and returns the first success.
type FailoverFetcher struct {
	Fetchers []Fetcher
}

// NewFailoverFetcher wraps primary with zero or more fallbacks. Nil entries are dropped.
func NewFailoverFetcher(primary Fetcher, fallbacks ...Fetcher) *FailoverFetcher {
	f := &FailoverFetcher{}
	for _, x := range append([]Fetcher{primary}, fallbacks...) {
		if x != nil {
			f.Fetchers = append(f.Fetchers, x)
		}
	}
	return f
}

func (f *FailoverFetcher) Name() string {
	if len(f.Fetchers) == 0 {
		return "failover"
	}
	return f.Fetchers[0].Name()
}

func (f *FailoverFetcher) FetchCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	var errs []error
	for _, x := range f.Fetchers {
		p, err := x.FetchCurrentPrice(ctx, symbol)
		if err == nil {
			return p, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", x.Name(), err))
		if ctx.Err() != nil {
			break
		}
	}
	return 0, failoverErr(errs)
}

func (f *FailoverFetcher) FetchDailyBars(ctx context.Context, symbol string, days int) ([]model.DailyBar, error) {
	var errs []error
	for _, x := range f.Fetchers {
		bars, err := x.FetchDailyBars(ctx, symbol, days)
		if err == nil {
			return bars, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", x.Name(), err))
		if ctx.Err() != nil {
			break
		}
	}
	return nil, failoverErr(errs)
}

func failoverErr(errs []error) error {
	if len(errs) == 0 {
		return errors.New("no fetchers configured")
	}
	return fmt.Errorf("all fetchers failed: %w", errors.Join(errs...))
}

func dateOf(t time.Time) string {
	return t.UTC().Format(model.DateLayout)
}

func lastN(bars []model.DailyBar, n int) []model.DailyBar {
	if n > 0 && len(bars) > n {
		return bars[len(bars)-n:]
	}
	return bars
}
