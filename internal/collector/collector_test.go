package collector

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"RedDaySentinel/internal/model"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func bar(date string, close float64) model.DailyBar {
	return model.DailyBar{Date: date, Open: close, High: close, Low: close, Close: close}
}

func newTestCollector(f Fetcher, cache ReferenceCache) *Collector {
	c := NewCollector(f, "BTCUSDT", cache, zerolog.Nop())
	c.now = func() time.Time { return testNow }
	return c
}

func TestCollector_Intraday(t *testing.T) {
	f := &MockFetcher{
		Price:     47650,
		DailyData: []model.DailyBar{bar("2026-03-08", 51000), bar("2026-03-09", 50000)},
	}
	obs, err := newTestCollector(f, nil).Intraday(context.Background())
	if err != nil {
		t.Fatalf("Intraday: %v", err)
	}
	if obs.Kind != model.ObservationIntraday || obs.SessionDate != "2026-03-10" {
		t.Errorf("unexpected observation: %+v", obs)
	}
	if obs.Price != 47650 {
		t.Errorf("price = %v, want 47650", obs.Price)
	}
	if obs.ReferenceClose == nil || *obs.ReferenceClose != 50000 || obs.ReferenceDate != "2026-03-09" {
		t.Errorf("reference = %v on %q", obs.ReferenceClose, obs.ReferenceDate)
	}
}

func TestCollector_IntradayStaleReference(t *testing.T) {
	f := &MockFetcher{
		Price:     47650,
		DailyData: []model.DailyBar{bar("2026-03-07", 51000), bar("2026-03-08", 50000)},
	}
	obs, err := newTestCollector(f, nil).Intraday(context.Background())
	if err != nil {
		t.Fatalf("Intraday: %v", err)
	}
	if obs.ReferenceClose != nil {
		t.Errorf("stale reference should be absent, got %v", *obs.ReferenceClose)
	}
}

func TestCollector_IntradayFetchError(t *testing.T) {
	f := &MockFetcher{PriceErr: errors.New("boom")}
	if _, err := newTestCollector(f, nil).Intraday(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestCollector_SessionClose(t *testing.T) {
	f := &MockFetcher{
		DailyData: []model.DailyBar{bar("2026-03-08", 100), bar("2026-03-09", 96.6)},
	}
	obs, err := newTestCollector(f, nil).SessionClose(context.Background())
	if err != nil {
		t.Fatalf("SessionClose: %v", err)
	}
	if obs.Kind != model.ObservationSessionClose {
		t.Errorf("kind = %q", obs.Kind)
	}
	if obs.Price != 96.6 || obs.SessionDate != "2026-03-09" {
		t.Errorf("price %v on %q", obs.Price, obs.SessionDate)
	}
	if obs.ReferenceClose == nil || *obs.ReferenceClose != 100 || obs.ReferenceDate != "2026-03-08" {
		t.Errorf("reference = %v on %q", obs.ReferenceClose, obs.ReferenceDate)
	}
	if f.PriceCalls != 0 {
		t.Error("session close must not read the live price")
	}
}

func TestCollector_SessionCloseGap(t *testing.T) {
	f := &MockFetcher{
		DailyData: []model.DailyBar{bar("2026-03-06", 100), bar("2026-03-09", 96.6)},
	}
	obs, err := newTestCollector(f, nil).SessionClose(context.Background())
	if err != nil {
		t.Fatalf("SessionClose: %v", err)
	}
	if obs.ReferenceClose != nil {
		t.Error("non-adjacent candle must not be used as reference")
	}
}

func TestCollector_SessionCloseNeedsTwoBars(t *testing.T) {
	f := &MockFetcher{DailyData: []model.DailyBar{bar("2026-03-09", 96.6)}}
	if _, err := newTestCollector(f, nil).SessionClose(context.Background()); err == nil {
		t.Fatal("expected error with one bar")
	}
}

func TestCollector_CachesReference(t *testing.T) {
	f := &MockFetcher{
		Price:     50000,
		DailyData: []model.DailyBar{bar("2026-03-08", 51000), bar("2026-03-09", 50000)},
	}
	c := newTestCollector(f, NewMemoryCache())
	for i := 0; i < 3; i++ {
		if _, err := c.Intraday(context.Background()); err != nil {
			t.Fatalf("Intraday: %v", err)
		}
	}
	if f.BarsCalls != 1 {
		t.Errorf("bars fetched %d times, want 1", f.BarsCalls)
	}
	if f.PriceCalls != 3 {
		t.Errorf("price fetched %d times, want 3", f.PriceCalls)
	}
}

func TestCollector_DoesNotCacheIncompleteSet(t *testing.T) {
	f := &MockFetcher{
		Price:     50000,
		DailyData: []model.DailyBar{bar("2026-03-07", 51000), bar("2026-03-08", 50000)},
	}
	c := newTestCollector(f, NewMemoryCache())
	c.Intraday(context.Background())
	c.Intraday(context.Background())
	if f.BarsCalls != 2 {
		t.Errorf("bars fetched %d times, want 2", f.BarsCalls)
	}
}

func TestFailoverFetcher(t *testing.T) {
	bad := &MockFetcher{PriceErr: errors.New("down"), BarsErr: errors.New("down")}
	good := &MockFetcher{Price: 123, DailyData: []model.DailyBar{bar("2026-03-09", 120)}}

	f := NewFailoverFetcher(bad, nil, good)
	p, err := f.FetchCurrentPrice(context.Background(), "BTCUSDT")
	if err != nil || p != 123 {
		t.Fatalf("price = %v, err = %v", p, err)
	}
	bars, err := f.FetchDailyBars(context.Background(), "BTCUSDT", 2)
	if err != nil || len(bars) != 1 {
		t.Fatalf("bars = %v, err = %v", bars, err)
	}

	all := NewFailoverFetcher(bad, bad)
	if _, err := all.FetchCurrentPrice(context.Background(), "BTCUSDT"); err == nil {
		t.Fatal("expected error when every fetcher fails")
	}
}

func TestMemoryCache_Expiry(t *testing.T) {
	c := NewMemoryCache()
	now := testNow
	c.now = func() time.Time { return now }

	ctx := context.Background()
	if err := c.Set(ctx, "k", []model.DailyBar{bar("2026-03-09", 1)}, time.Hour); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := c.Get(ctx, "k"); !ok {
		t.Fatal("expected hit")
	}
	now = now.Add(2 * time.Hour)
	if _, ok, _ := c.Get(ctx, "k"); ok {
		t.Fatal("expected expiry")
	}
}
