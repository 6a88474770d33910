package calculator

import "TradeSentinel/internal/model"

// Summary computes the standard indicator set attached to decision requests.
// Indicators without enough data are omitted.
func Summary(candles []model.Candle) map[string]float64 {
	out := make(map[string]float64)
	if len(candles) == 0 {
		return out
	}
	closes := Closes(candles)
	put := func(name string, v float64, err error) {
		if err == nil {
			out[name] = v
		}
	}

	v, err := CalculateSMA(closes, 20)
	put("sma20", v, err)
	v, err = CalculateSMA(closes, 50)
	put("sma50", v, err)
	v, err = CalculateEMA(closes, 12)
	put("ema12", v, err)
	v, err = CalculateEMA(closes, 26)
	put("ema26", v, err)
	if len(candles) > 14 {
		v, err = CalculateRSI(candles, 14)
		put("rsi14", v, err)
	}
	v, err = CalculateATR(candles, 14)
	put("atr14", v, err)
	if m, err := CalculateMACD(closes, 12, 26, 9); err == nil {
		out["macd"] = m.Line
		out["macd_signal"] = m.Signal
		out["macd_hist"] = m.Histogram
	}
	if b, err := CalculateBollinger(closes, 20, 2); err == nil {
		out["bb_upper"] = b.Upper
		out["bb_middle"] = b.Middle
		out["bb_lower"] = b.Lower
	}
	if h, l, err := CalculateRange(candles, 0); err == nil {
		out["range_high"] = h
		out["range_low"] = l
		v, err = CalculateRangePosition(closes[len(closes)-1], h, l)
		put("range_position", v, err)
	}
	return out
}
