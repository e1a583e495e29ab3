package collector

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2"
	"golang.org/x/time/rate"

	"RedDaySentinel/internal/model"
)

// BinanceFetcher implements Fetcher using the Binance public spot REST API.
type BinanceFetcher struct {
	client  *binance.Client
	limiter *rate.Limiter
	now     func() time.Time
}

// NewBinanceFetcher creates a fetcher. baseURL overrides the API host when set.
func NewBinanceFetcher(baseURL, proxyURL string, requestsPerMinute int) *BinanceFetcher {
	client := binance.NewClient("", "")
	if baseURL != "" {
		client.BaseURL = baseURL
	}
	client.HTTPClient = newHTTPClient(proxyURL, 30*time.Second)
	return &BinanceFetcher{
		client:  client,
		limiter: newLimiter(requestsPerMinute),
		now:     time.Now,
	}
}

func (f *BinanceFetcher) Name() string { return "binance" }

func (f *BinanceFetcher) FetchCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	prices, err := f.client.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("binance ticker: %w", err)
	}
	if len(prices) == 0 {
		return 0, fmt.Errorf("binance: no price for %s", symbol)
	}
	p, err := strconv.ParseFloat(prices[0].Price, 64)
	if err != nil {
		return 0, fmt.Errorf("binance: parse price %q: %w", prices[0].Price, err)
	}
	return p, nil
}

func (f *BinanceFetcher) FetchDailyBars(ctx context.Context, symbol string, days int) ([]model.DailyBar, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	// One extra candle covers the still-open current day.
	klines, err := f.client.NewKlinesService().
		Symbol(symbol).
		Interval("1d").
		Limit(days + 1).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance klines: %w", err)
	}

	nowMs := f.now().UnixMilli()
	bars := make([]model.DailyBar, 0, len(klines))
	for _, k := range klines {
		if k.CloseTime >= nowMs {
			continue // still open
		}
		bar, err := klineToBar(k)
		if err != nil {
			return nil, err
		}
		bars = append(bars, bar)
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("binance: no completed candles for %s", symbol)
	}

	sort.Slice(bars, func(i, j int) bool { return bars[i].Date < bars[j].Date })
	return lastN(bars, days), nil
}

func klineToBar(k *binance.Kline) (model.DailyBar, error) {
	var vals [4]float64
	for i, s := range []string{k.Open, k.High, k.Low, k.Close} {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return model.DailyBar{}, fmt.Errorf("binance: parse kline value %q: %w", s, err)
		}
		vals[i] = v
	}
	return model.DailyBar{
		Date:      dateOf(time.UnixMilli(k.OpenTime)),
		Open:      vals[0],
		High:      vals[1],
		Low:       vals[2],
		Close:     vals[3],
		CloseTime: time.UnixMilli(k.CloseTime).UTC(),
	}, nil
}
