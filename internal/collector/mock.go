package collector

import (
	"context"
	"sync"
	"time"

	"RedDaySentinel/internal/model"
)

// MockFetcher returns controllable fixed data for development and testing.
type MockFetcher struct {
	Price     float64
	DailyData []model.DailyBar
	PriceErr  error
	BarsErr   error

	mu         sync.Mutex
	PriceCalls int
	BarsCalls  int
}

func (m *MockFetcher) Name() string { return "mock" }

func (m *MockFetcher) FetchCurrentPrice(_ context.Context, _ string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PriceCalls++
	if m.PriceErr != nil {
		return 0, m.PriceErr
	}
	return m.Price, nil
}

func (m *MockFetcher) FetchDailyBars(_ context.Context, _ string, days int) ([]model.DailyBar, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.BarsCalls++
	if m.BarsErr != nil {
		return nil, m.BarsErr
	}
	if m.DailyData != nil {
		return lastN(append([]model.DailyBar(nil), m.DailyData...), days), nil
	}
	return generateMockBars(m.Price, days, time.Now()), nil
}

// SetPrice changes the price returned by later calls.
func (m *MockFetcher) SetPrice(p float64) {
	m.mu.Lock()
	m.Price = p
	m.mu.Unlock()
}

// generateMockBars produces count completed bars ending yesterday (UTC).
func generateMockBars(basePrice float64, count int, now time.Time) []model.DailyBar {
	bars := make([]model.DailyBar, count)
	today := now.UTC().Truncate(24 * time.Hour)
	for i := 0; i < count; i++ {
		p := basePrice * (1 + float64(i-count/2)*0.001)
		open := today.AddDate(0, 0, -(count - i))
		bars[i] = model.DailyBar{
			Date:      dateOf(open),
			Open:      p * 0.999,
			High:      p * 1.005,
			Low:       p * 0.995,
			Close:     p,
			CloseTime: open.AddDate(0, 0, 1).Add(-time.Millisecond),
		}
	}
	return bars
}
