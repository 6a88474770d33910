package calculator

import (
	"math"

	"TradeSentinel/internal/model"
)

// Bands holds Bollinger band levels.
type Bands struct {
	Upper  float64
	Middle float64
	Lower  float64
}

// CalculateBollinger computes bands of width mult standard deviations around the SMA.
func CalculateBollinger(prices []float64, period int, mult float64) (Bands, error) {
	mid, err := CalculateSMA(prices, period)
	if err != nil {
		return Bands{}, err
	}
	var sq float64
	for _, p := range prices[len(prices)-period:] {
		sq += (p - mid) * (p - mid)
	}
	sd := math.Sqrt(sq / float64(period))
	return Bands{Upper: mid + mult*sd, Middle: mid, Lower: mid - mult*sd}, nil
}

// CalculateATR computes the Wilder-smoothed average true range.
func CalculateATR(candles []model.Candle, period int) (float64, error) {
	if period <= 0 {
		return 0, errPeriod
	}
	if len(candles) < period+1 {
		return 0, errInsufficient
	}
	tr := make([]float64, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		c, prev := candles[i], candles[i-1].Close
		tr[i-1] = math.Max(c.High-c.Low, math.Max(math.Abs(c.High-prev), math.Abs(c.Low-prev)))
	}
	atr := 0.0
	for _, v := range tr[:period] {
		atr += v
	}
	atr /= float64(period)
	for _, v := range tr[period:] {
		atr = (atr*float64(period-1) + v) / float64(period)
	}
	return atr, nil
}

// MACD holds the MACD line, its signal line and histogram.
type MACD struct {
	Line      float64
	Signal    float64
	Histogram float64
}

// CalculateMACD computes MACD(fast, slow, signal) over prices.
func CalculateMACD(prices []float64, fast, slow, signal int) (MACD, error) {
	if fast <= 0 || slow <= 0 || signal <= 0 {
		return MACD{}, errPeriod
	}
	if fast >= slow {
		fast, slow = slow, fast
	}
	if len(prices) < slow+signal-1 {
		return MACD{}, errInsufficient
	}
	fastEMA, err := EMASeries(prices, fast)
	if err != nil {
		return MACD{}, err
	}
	slowEMA, err := EMASeries(prices, slow)
	if err != nil {
		return MACD{}, err
	}
	// slowEMA[i] aligns with fastEMA[i+slow-fast]
	line := make([]float64, len(slowEMA))
	for i := range slowEMA {
		line[i] = fastEMA[i+slow-fast] - slowEMA[i]
	}
	sig, err := CalculateEMA(line, signal)
	if err != nil {
		return MACD{}, err
	}
	last := line[len(line)-1]
	return MACD{Line: last, Signal: sig, Histogram: last - sig}, nil
}
