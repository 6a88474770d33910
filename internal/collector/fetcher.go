package collector

import (
	"context"
	"sync"
	"time"

	"TradeSentinel/internal/model"
)

// Fetcher loads historical market data over request/response APIs.
type Fetcher interface {
	FetchKlines(ctx context.Context, symbol string, tf model.Timeframe, limit int) ([]model.Candle, error)
	FetchTicker(ctx context.Context, symbol string) (model.Ticker, error)
	Name() string
}

// MockFetcher returns controllable fixed data for development and testing.
type MockFetcher struct {
	Price   float64
	Candles map[model.Timeframe][]model.Candle
	Err     error

	mu    sync.Mutex
	calls int
}

// Calls returns how many times FetchKlines was called.
func (m *MockFetcher) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *MockFetcher) Name() string { return "mock" }

func (m *MockFetcher) FetchKlines(_ context.Context, _ string, tf model.Timeframe, limit int) ([]model.Candle, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	if c, ok := m.Candles[tf]; ok {
		return c, nil
	}
	period, err := tf.Duration()
	if err != nil {
		return nil, err
	}
	return generateMockCandles(m.Price, period, limit), nil
}

func (m *MockFetcher) FetchTicker(_ context.Context, symbol string) (model.Ticker, error) {
	if m.Err != nil {
		return model.Ticker{}, m.Err
	}
	return model.Ticker{Symbol: symbol, LastPrice: m.Price, UpdatedAt: time.Now()}, nil
}

func generateMockCandles(basePrice float64, period time.Duration, count int) []model.Candle {
	end := time.Now().Truncate(period)
	candles := make([]model.Candle, count)
	for i := 0; i < count; i++ {
		p := basePrice * (1 + float64(i-count/2)*0.001)
		candles[i] = model.Candle{
			OpenTime: end.Add(-time.Duration(count-1-i) * period),
			Open:     p * 0.999,
			High:     p * 1.005,
			Low:      p * 0.995,
			Close:    p,
			Volume:   1000,
			Closed:   i < count-1,
		}
	}
	return candles
}
