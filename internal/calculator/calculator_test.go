package calculator

import (
	"math"
	"testing"
	"time"

	"TradeSentinel/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func candlesFromCloses(closes ...float64) []model.Candle {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]model.Candle, len(closes))
	for i, c := range closes {
		out[i] = model.Candle{OpenTime: t0.Add(time.Duration(i) * time.Minute), Open: c, High: c + 1, Low: c - 1, Close: c}
	}
	return out
}

func TestCalculateSMA(t *testing.T) {
	tests := []struct {
		name    string
		prices  []float64
		period  int
		want    float64
		wantErr bool
	}{
		{"last three", []float64{1, 2, 3, 4, 5}, 3, 4, false},
		{"full window", []float64{2, 4}, 2, 3, false},
		{"short", []float64{1}, 2, 0, true},
		{"zero period", []float64{1, 2}, 0, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CalculateSMA(tt.prices, tt.period)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestCalculateEMA(t *testing.T) {
	got, err := CalculateEMA([]float64{1, 2, 3, 4, 5}, 3)
	require.NoError(t, err)
	// seed 2, k=0.5: 4 -> 3, 5 -> 4
	assert.InDelta(t, 4.0, got, 1e-9)

	flat, err := CalculateEMA([]float64{7, 7, 7, 7}, 2)
	require.NoError(t, err)
	assert.InDelta(t, 7.0, flat, 1e-9)

	_, err = CalculateEMA([]float64{1}, 3)
	assert.Error(t, err)
}

func TestCalculateRSI(t *testing.T) {
	rising := make([]float64, 30)
	for i := range rising {
		rising[i] = float64(i + 1)
	}
	rsi, err := CalculateRSI(candlesFromCloses(rising...), 14)
	require.NoError(t, err)
	assert.Equal(t, 100.0, rsi)

	rsi, err = CalculateRSI(candlesFromCloses(1, 2, 3), 14)
	require.NoError(t, err)
	assert.Equal(t, 50.0, rsi)

	alternating := make([]float64, 40)
	for i := range alternating {
		alternating[i] = 100 + float64(i%2)
	}
	rsi, err = CalculateRSI(candlesFromCloses(alternating...), 14)
	require.NoError(t, err)
	assert.InDelta(t, 50.0, rsi, 5)
}

func TestCalculateRangeAndPosition(t *testing.T) {
	c := candlesFromCloses(10, 20, 30, 40)
	h, l, err := CalculateRange(c, 2)
	require.NoError(t, err)
	assert.Equal(t, 41.0, h)
	assert.Equal(t, 29.0, l)

	h, l, err = CalculateRange(c, 0)
	require.NoError(t, err)
	assert.Equal(t, 41.0, h)
	assert.Equal(t, 9.0, l)

	_, _, err = CalculateRange(nil, 5)
	assert.Error(t, err)

	pos, err := CalculateRangePosition(15, 20, 10)
	require.NoError(t, err)
	assert.Equal(t, 0.5, pos)
	pos, _ = CalculateRangePosition(50, 20, 10)
	assert.Equal(t, 1.0, pos)
	_, err = CalculateRangePosition(1, 1, 2)
	assert.Error(t, err)
}

func TestPercentChange(t *testing.T) {
	got, err := PercentChange(candlesFromCloses(100, 105, 110), 2)
	require.NoError(t, err)
	assert.InDelta(t, 10.0, got, 1e-9)
	_, err = PercentChange(candlesFromCloses(100), 1)
	assert.Error(t, err)
}

func TestCalculateBollinger(t *testing.T) {
	b, err := CalculateBollinger([]float64{2, 4, 4, 4, 5, 5, 7, 9}, 8, 2)
	require.NoError(t, err)
	assert.InDelta(t, 5.0, b.Middle, 1e-9)
	assert.InDelta(t, 9.0, b.Upper, 1e-9)
	assert.InDelta(t, 1.0, b.Lower, 1e-9)
}

func TestCalculateATR(t *testing.T) {
	atr, err := CalculateATR(candlesFromCloses(10, 10, 10, 10, 10), 3)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, atr, 1e-9)
	_, err = CalculateATR(candlesFromCloses(10, 10), 3)
	assert.Error(t, err)
}

func TestCalculateMACD(t *testing.T) {
	flat := make([]float64, 40)
	for i := range flat {
		flat[i] = 50
	}
	m, err := CalculateMACD(flat, 12, 26, 9)
	require.NoError(t, err)
	assert.InDelta(t, 0, m.Line, 1e-9)
	assert.InDelta(t, 0, m.Histogram, 1e-9)

	rising := make([]float64, 60)
	for i := range rising {
		rising[i] = float64(i)
	}
	m, err = CalculateMACD(rising, 12, 26, 9)
	require.NoError(t, err)
	assert.Greater(t, m.Line, 0.0)

	_, err = CalculateMACD(rising[:20], 12, 26, 9)
	assert.Error(t, err)
}

func TestSummaryOmitsMissingIndicators(t *testing.T) {
	short := Summary(candlesFromCloses(1, 2, 3))
	assert.NotContains(t, short, "sma20")
	assert.Contains(t, short, "range_high")

	closes := make([]float64, 60)
	for i := range closes {
		closes[i] = 100 + math.Sin(float64(i))
	}
	full := Summary(candlesFromCloses(closes...))
	for _, k := range []string{"sma20", "sma50", "ema12", "ema26", "rsi14", "atr14", "macd", "bb_upper", "range_position"} {
		assert.Contains(t, full, k)
	}
	assert.Empty(t, Summary(nil))
}
