package collector

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"RedDaySentinel/internal/model"
)

// referenceTTL outlives one UTC day so the entry survives until the key changes.
const referenceTTL = 26 * time.Hour

// Collector turns fetcher data into observations for the trigger evaluator.
type Collector struct {
	Fetcher Fetcher
	Symbol  string

	cache ReferenceCache
	log   zerolog.Logger
	now   func() time.Time
}

// NewCollector creates a new Collector. cache may be nil.
func NewCollector(fetcher Fetcher, symbol string, cache ReferenceCache, log zerolog.Logger) *Collector {
	return &Collector{
		Fetcher: fetcher,
		Symbol:  symbol,
		cache:   cache,
		log:     log.With().Str("component", "collector").Str("symbol", symbol).Logger(),
		now:     time.Now,
	}
}

// Intraday observes the current price against yesterday's completed close.
// The reference is left absent when the newest completed candle is not yesterday's.
func (c *Collector) Intraday(ctx context.Context) (model.Observation, error) {
	now := c.now().UTC()
	today := now.Format(model.DateLayout)
	yesterday := now.AddDate(0, 0, -1).Format(model.DateLayout)

	price, err := c.Fetcher.FetchCurrentPrice(ctx, c.Symbol)
	if err != nil {
		return model.Observation{}, fmt.Errorf("fetch current price: %w", err)
	}

	obs := model.Observation{
		Kind:        model.ObservationIntraday,
		Symbol:      c.Symbol,
		Source:      c.Fetcher.Name(),
		Price:       price,
		SessionDate: today,
		ObservedAt:  now,
	}

	bars, err := c.completedBars(ctx, today, yesterday, 2)
	if err != nil {
		return obs, fmt.Errorf("fetch daily bars: %w", err)
	}
	last := bars[len(bars)-1]
	if last.Date != yesterday {
		c.log.Warn().Str("latest_close", last.Date).Str("expected", yesterday).Msg("reference close is stale")
		return obs, nil
	}
	ref := last.Close
	obs.ReferenceClose = &ref
	obs.ReferenceDate = last.Date
	return obs, nil
}

// SessionClose observes the last completed daily candle against the one before it.
func (c *Collector) SessionClose(ctx context.Context) (model.Observation, error) {
	now := c.now().UTC()
	today := now.Format(model.DateLayout)
	yesterday := now.AddDate(0, 0, -1).Format(model.DateLayout)

	bars, err := c.completedBars(ctx, today, yesterday, 2)
	if err != nil {
		return model.Observation{}, fmt.Errorf("fetch daily bars: %w", err)
	}
	if len(bars) < 2 {
		return model.Observation{}, fmt.Errorf("need 2 completed daily bars, got %d", len(bars))
	}

	session, prev := bars[len(bars)-1], bars[len(bars)-2]
	obs := model.Observation{
		Kind:        model.ObservationSessionClose,
		Symbol:      c.Symbol,
		Source:      c.Fetcher.Name(),
		Price:       session.Close,
		SessionDate: session.Date,
		ObservedAt:  now,
	}
	if dayBefore(session.Date) == prev.Date {
		ref := prev.Close
		obs.ReferenceClose = &ref
		obs.ReferenceDate = prev.Date
	} else {
		c.log.Warn().Str("session", session.Date).Str("previous", prev.Date).Msg("gap between daily candles")
	}
	return obs, nil
}

// CurrentPrice fetches the latest price only.
func (c *Collector) CurrentPrice(ctx context.Context) (float64, error) {
	return c.Fetcher.FetchCurrentPrice(ctx, c.Symbol)
}

// completedBars reads the last n completed bars, using the cache when the set
// already ends at yesterday.
func (c *Collector) completedBars(ctx context.Context, today, yesterday string, n int) ([]model.DailyBar, error) {
	key := cacheKey(c.Symbol, today, n)
	if c.cache != nil {
		bars, ok, err := c.cache.Get(ctx, key)
		if err != nil {
			c.log.Warn().Err(err).Msg("reference cache read failed")
		} else if ok && len(bars) > 0 {
			return bars, nil
		}
	}

	bars, err := c.Fetcher.FetchDailyBars(ctx, c.Symbol, n)
	if err != nil {
		return nil, err
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("no completed daily bars")
	}

	if c.cache != nil && bars[len(bars)-1].Date == yesterday {
		if err := c.cache.Set(ctx, key, bars, referenceTTL); err != nil {
			c.log.Warn().Err(err).Msg("reference cache write failed")
		}
	}
	return bars, nil
}

func dayBefore(date string) string {
	t, err := time.Parse(model.DateLayout, date)
	if err != nil {
		return ""
	}
	return t.AddDate(0, 0, -1).Format(model.DateLayout)
}
