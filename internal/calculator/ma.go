package calculator

import (
	"errors"

	"TradeSentinel/internal/model"
)

var (
	errPeriod       = errors.New("period must be positive")
	errInsufficient = errors.New("not enough data")
)

// CalculateSMA computes the simple moving average of the last period prices.
func CalculateSMA(prices []float64, period int) (float64, error) {
	if period <= 0 {
		return 0, errPeriod
	}
	if len(prices) < period {
		return 0, errInsufficient
	}
	sum := 0.0
	for i := len(prices) - period; i < len(prices); i++ {
		sum += prices[i]
	}
	return sum / float64(period), nil
}

// CalculateEMA computes the exponential moving average, seeded with the SMA of the
// first period prices.
func CalculateEMA(prices []float64, period int) (float64, error) {
	series, err := EMASeries(prices, period)
	if err != nil {
		return 0, err
	}
	return series[len(series)-1], nil
}

// EMASeries returns the EMA for every price from index period-1 on.
func EMASeries(prices []float64, period int) ([]float64, error) {
	if period <= 0 {
		return nil, errPeriod
	}
	if len(prices) < period {
		return nil, errInsufficient
	}
	k := 2.0 / float64(period+1)
	seed, _ := CalculateSMA(prices[:period], period)
	out := make([]float64, 0, len(prices)-period+1)
	out = append(out, seed)
	ema := seed
	for _, p := range prices[period:] {
		ema = p*k + ema*(1-k)
		out = append(out, ema)
	}
	return out, nil
}

// Closes extracts close prices.
func Closes(candles []model.Candle) []float64 {
	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}
	return closes
}

// Volumes extracts volumes.
func Volumes(candles []model.Candle) []float64 {
	vols := make([]float64, len(candles))
	for i, c := range candles {
		vols[i] = c.Volume
	}
	return vols
}
