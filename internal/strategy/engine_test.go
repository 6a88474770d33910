package strategy

import (
	"context"
	"sync"
	"testing"
	"time"

	"TradeSentinel/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const smaBreakout = `
import "indicators"

func Match(symbol string, snap indicators.Snapshot) bool {
	candles := snap.Candles("1m")
	if len(candles) < 20 {
		return false
	}
	return candles[len(candles)-1].Close > indicators.SMA(candles, 20)
}
`

func snapshotWith(closes ...float64) model.Snapshot {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	candles := make([]model.Candle, len(closes))
	for i, c := range closes {
		candles[i] = model.Candle{OpenTime: t0.Add(time.Duration(i) * time.Minute), Open: c, High: c, Low: c, Close: c}
	}
	return model.Snapshot{Symbol: "BTCUSD", Series: map[model.Timeframe][]model.Candle{"1m": candles}}
}

func flat(n int, price float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = price
	}
	return out
}

func TestEvaluateMatches(t *testing.T) {
	rule, err := NewSandbox(time.Second, 2).Load(smaBreakout)
	require.NoError(t, err)

	ok, err := rule.Evaluate(context.Background(), "BTCUSD", snapshotWith(flat(24, 100)...))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = rule.Evaluate(context.Background(), "BTCUSD", snapshotWith(append(flat(24, 100), 110)...))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = rule.Evaluate(context.Background(), "BTCUSD", snapshotWith(1, 2, 3))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLoadAcceptsPackageClauseAndStdlib(t *testing.T) {
	code := `package main

import (
	"math"
	"strings"
	"indicators"
)

func Match(symbol string, snap indicators.Snapshot) bool {
	return strings.HasPrefix(symbol, "BTC") && math.Abs(snap.Price()-100) < 1
}
`
	rule, err := NewSandbox(time.Second, 1).Load(code)
	require.NoError(t, err)

	ok, err := rule.Evaluate(context.Background(), "BTCUSD", snapshotWith(100))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = rule.Evaluate(context.Background(), "ETHUSD", snapshotWith(100))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLoadRejectsBadCode(t *testing.T) {
	tests := []struct {
		name string
		code string
	}{
		{"syntax", `func Match(symbol string { return true }`},
		{"missing entry point", `func Other() bool { return true }`},
		{"wrong signature", `func Match(symbol string) bool { return true }`},
		{"filesystem", `import "os"
func Match(symbol string) bool { _, err := os.ReadFile("/etc/passwd"); return err == nil }`},
		{"network", `import "net/http"
func Match(symbol string) bool { _, err := http.Get("http://example.com"); return err == nil }`},
		{"stdout", `import "fmt"
func Match(symbol string) bool { fmt.Println(symbol); return true }`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSandbox(time.Second, 1).Load(tt.code)
			require.ErrorIs(t, err, ErrCompile)
		})
	}
}

func TestEvaluateDeadline(t *testing.T) {
	spin := `
import "indicators"

func Match(symbol string, snap indicators.Snapshot) bool {
	n := 0
	for n >= 0 {
		n = (n + 1) % 1000
	}
	return false
}
`
	rule, err := NewSandbox(50*time.Millisecond, 1).Load(spin)
	require.NoError(t, err)

	start := time.Now()
	_, err = rule.Evaluate(context.Background(), "BTCUSD", snapshotWith(1))
	require.ErrorIs(t, err, ErrDeadline)
	assert.Less(t, time.Since(start), 2*time.Second)

	fast, err := NewSandbox(time.Second, 1).Load(smaBreakout)
	require.NoError(t, err)
	_, err = fast.Evaluate(context.Background(), "ETHUSD", snapshotWith(1))
	assert.NoError(t, err)
}

func TestEvaluateRuntimePanic(t *testing.T) {
	code := `
import "indicators"

func Match(symbol string, snap indicators.Snapshot) bool {
	c := snap.Candles("1m")
	return c[len(c)+5].Close > 0
}
`
	rule, err := NewSandbox(time.Second, 1).Load(code)
	require.NoError(t, err)
	_, err = rule.Evaluate(context.Background(), "BTCUSD", snapshotWith(1))
	require.Error(t, err)

	// the broken interpreter is discarded and a fresh one serves the next call
	_, err = rule.Evaluate(context.Background(), "BTCUSD", snapshotWith(1))
	require.Error(t, err)
}

func TestEvaluateConcurrent(t *testing.T) {
	rule, err := NewSandbox(2*time.Second, 4).Load(smaBreakout)
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]bool, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			closes := flat(24, 100)
			if i%2 == 0 {
				closes = append(closes, 120)
			}
			ok, err := rule.Evaluate(context.Background(), "BTCUSD", snapshotWith(closes...))
			assert.NoError(t, err)
			results[i] = ok
		}(i)
	}
	wg.Wait()
	for i, ok := range results {
		assert.Equal(t, i%2 == 0, ok, "goroutine %d", i)
	}
}

func TestHelpers(t *testing.T) {
	candles := snapshotWith(1, 2, 3, 4, 5).Candles("1m")
	assert.Equal(t, 4.0, sma(candles, 3))
	assert.Equal(t, 0.0, sma(candles, 10))
	assert.Equal(t, 5.0, highest(candles, 2))
	assert.Equal(t, 4.0, lowest(candles, 2))
	assert.InDelta(t, 25.0, change(candles, 1), 1e-9)

	cross := snapshotWith(5, 5, 5, 1, 9).Candles("1m")
	assert.True(t, crossedAbove(cross, 1, 3))
	assert.False(t, crossedBelow(cross, 1, 3))
	assert.False(t, crossedAbove(cross[:2], 1, 3))
}
