package strategy

import (
	"reflect"
	"strings"

	"TradeSentinel/internal/calculator"
	"TradeSentinel/internal/model"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

// allowedStdlib lists the standard packages rule code may import. Nothing here
// touches the filesystem, network, processes or stdout.
var allowedStdlib = map[string]bool{
	"errors":       true,
	"math":         true,
	"math/bits":    true,
	"sort":         true,
	"strconv":      true,
	"strings":      true,
	"time":         true,
	"unicode":      true,
	"unicode/utf8": true,
}

func sandboxStdlib() interp.Exports {
	out := make(interp.Exports)
	for key, syms := range stdlib.Symbols {
		i := strings.LastIndex(key, "/")
		if i < 0 {
			continue
		}
		if allowedStdlib[key[:i]] {
			out[key] = syms
		}
	}
	return out
}

// helperSymbols exposes the indicator library to rule code as package "indicators".
func helperSymbols() interp.Exports {
	return interp.Exports{
		"indicators/indicators": {
			"Candle":   reflect.ValueOf((*model.Candle)(nil)),
			"Ticker":   reflect.ValueOf((*model.Ticker)(nil)),
			"Snapshot": reflect.ValueOf((*model.Snapshot)(nil)),

			"Closes":       reflect.ValueOf(calculator.Closes),
			"Volumes":      reflect.ValueOf(calculator.Volumes),
			"SMA":          reflect.ValueOf(sma),
			"EMA":          reflect.ValueOf(ema),
			"RSI":          reflect.ValueOf(rsi),
			"ATR":          reflect.ValueOf(atr),
			"MACD":         reflect.ValueOf(macd),
			"Bollinger":    reflect.ValueOf(bollinger),
			"Highest":      reflect.ValueOf(highest),
			"Lowest":       reflect.ValueOf(lowest),
			"Change":       reflect.ValueOf(change),
			"VolumeSMA":    reflect.ValueOf(volumeSMA),
			"CrossedAbove": reflect.ValueOf(crossedAbove),
			"CrossedBelow": reflect.ValueOf(crossedBelow),
		},
	}
}

// Helpers return 0 when there is not enough data so rule code stays branch-free.

func sma(candles []model.Candle, period int) float64 {
	v, _ := calculator.CalculateSMA(calculator.Closes(candles), period)
	return v
}

func ema(candles []model.Candle, period int) float64 {
	v, _ := calculator.CalculateEMA(calculator.Closes(candles), period)
	return v
}

func rsi(candles []model.Candle, period int) float64 {
	v, _ := calculator.CalculateRSI(candles, period)
	return v
}

func atr(candles []model.Candle, period int) float64 {
	v, _ := calculator.CalculateATR(candles, period)
	return v
}

func macd(candles []model.Candle, fast, slow, signal int) (line, sig, hist float64) {
	m, err := calculator.CalculateMACD(calculator.Closes(candles), fast, slow, signal)
	if err != nil {
		return 0, 0, 0
	}
	return m.Line, m.Signal, m.Histogram
}

func bollinger(candles []model.Candle, period int, mult float64) (upper, middle, lower float64) {
	b, err := calculator.CalculateBollinger(calculator.Closes(candles), period, mult)
	if err != nil {
		return 0, 0, 0
	}
	return b.Upper, b.Middle, b.Lower
}

func highest(candles []model.Candle, lookback int) float64 {
	h, _, err := calculator.CalculateRange(candles, lookback)
	if err != nil {
		return 0
	}
	return h
}

func lowest(candles []model.Candle, lookback int) float64 {
	_, l, err := calculator.CalculateRange(candles, lookback)
	if err != nil {
		return 0
	}
	return l
}

func change(candles []model.Candle, lookback int) float64 {
	v, _ := calculator.PercentChange(candles, lookback)
	return v
}

func volumeSMA(candles []model.Candle, period int) float64 {
	v, _ := calculator.CalculateSMA(calculator.Volumes(candles), period)
	return v
}

// crossedAbove reports whether the fast SMA moved above the slow SMA on the last candle.
func crossedAbove(candles []model.Candle, fast, slow int) bool {
	prevFast, prevSlow, curFast, curSlow, ok := crossInputs(candles, fast, slow)
	return ok && prevFast <= prevSlow && curFast > curSlow
}

func crossedBelow(candles []model.Candle, fast, slow int) bool {
	prevFast, prevSlow, curFast, curSlow, ok := crossInputs(candles, fast, slow)
	return ok && prevFast >= prevSlow && curFast < curSlow
}

func crossInputs(candles []model.Candle, fast, slow int) (prevFast, prevSlow, curFast, curSlow float64, ok bool) {
	if len(candles) < max(fast, slow)+1 {
		return 0, 0, 0, 0, false
	}
	closes := calculator.Closes(candles)
	prev := closes[:len(closes)-1]
	var errs [4]error
	prevFast, errs[0] = calculator.CalculateSMA(prev, fast)
	prevSlow, errs[1] = calculator.CalculateSMA(prev, slow)
	curFast, errs[2] = calculator.CalculateSMA(closes, fast)
	curSlow, errs[3] = calculator.CalculateSMA(closes, slow)
	for _, err := range errs {
		if err != nil {
			return 0, 0, 0, 0, false
		}
	}
	return prevFast, prevSlow, curFast, curSlow, true
}
