package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"TradeSentinel/internal/events"
	"TradeSentinel/internal/logging"
	"TradeSentinel/internal/metrics"
	"TradeSentinel/internal/model"
	"TradeSentinel/internal/pipeline"
	"TradeSentinel/internal/recorder"
	"TradeSentinel/internal/series"
	"TradeSentinel/internal/strategy"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const breakout = `
import "indicators"

func Match(symbol string, snap indicators.Snapshot) bool {
	if symbol == "SLOW" {
		n := 0
		for n >= 0 {
			n = (n + 1) % 1000
		}
	}
	candles := snap.Candles("1m")
	if len(candles) < 20 {
		return false
	}
	return candles[len(candles)-1].Close > indicators.SMA(candles, 20)
}
`

type fakeSink struct {
	mu        sync.Mutex
	created   []model.Signal
	submitted []model.Signal
	dup       map[string]bool
}

func (f *fakeSink) NewSignal(_ context.Context, tenantID, symbol string, price float64) (model.Signal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dup[symbol] {
		return model.Signal{}, fmt.Errorf("%w: %s", pipeline.ErrDuplicateSignal, symbol)
	}
	sig := model.Signal{
		ID:           fmt.Sprintf("sig-%d", len(f.created)+1),
		TenantID:     tenantID,
		Symbol:       symbol,
		TriggerPrice: price,
		Status:       model.SignalNew,
	}
	f.created = append(f.created, sig)
	return sig, nil
}

func (f *fakeSink) Submit(sig model.Signal, _ []model.Timeframe) {
	f.mu.Lock()
	f.submitted = append(f.submitted, sig)
	f.mu.Unlock()
}

func seed(store *series.Store, symbol string, closes ...float64) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, c := range closes {
		store.Update(symbol, "1m", model.Candle{
			OpenTime: t0.Add(time.Duration(i) * time.Minute),
			Open:     c, High: c, Low: c, Close: c, Closed: true,
		})
	}
}

func flat(n int, price float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = price
	}
	return out
}

type fixture struct {
	sched  *Scheduler
	sink   *fakeSink
	series *series.Store
	store  *recorder.MemoryStore
	bus    *events.Bus
	m      *metrics.Metrics
}

func newFixture(t *testing.T, timeout time.Duration, workers int) fixture {
	t.Helper()
	f := fixture{
		sink:   &fakeSink{dup: map[string]bool{}},
		series: series.NewStore(100),
		store:  recorder.NewMemoryStore(),
		bus:    events.NewBus(zerolog.Nop()),
		m:      metrics.New(),
	}
	opts := Options{
		Workers:           workers,
		Lookback:          50,
		DefaultSymbols:    []string{"BTCUSD", "ETHUSD", "SOLUSD"},
		DefaultTimeframes: []model.Timeframe{"1m"},
	}
	f.sched = New(opts, strategy.NewSandbox(timeout, workers), f.sink, f.series, f.store, f.bus, f.m, zerolog.Nop())
	return f
}

func (f fixture) add(t *testing.T, cfg model.TenantConfig) error {
	t.Helper()
	require.NoError(t, f.store.UpsertTenant(context.Background(), &cfg))
	return f.sched.Add(context.Background(), cfg)
}

func tenantCfg(id string, symbols ...string) model.TenantConfig {
	return model.TenantConfig{
		ID:          id,
		RuleCode:    breakout,
		Timeframes:  []model.Timeframe{"1m"},
		Symbols:     symbols,
		ScanCadence: "60s",
		Status:      model.TenantActive,
	}
}

func TestRunScanCreatesSignalPerMatch(t *testing.T) {
	f := newFixture(t, time.Second, 2)
	seed(f.series, "BTCUSD", append(flat(24, 100), 110)...)
	seed(f.series, "ETHUSD", flat(25, 100)...)
	require.NoError(t, f.add(t, tenantCfg("t1", "BTCUSD", "ETHUSD")))

	res, err := f.sched.RunScan(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Symbols)
	assert.Equal(t, 1, res.Matched)
	assert.Zero(t, res.Failed)
	assert.Equal(t, []string{"sig-1"}, res.Signals)

	require.Len(t, f.sink.submitted, 1)
	assert.Equal(t, "BTCUSD", f.sink.submitted[0].Symbol)
	assert.Equal(t, 110.0, f.sink.submitted[0].TriggerPrice)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.m.RuleEvaluations.WithLabelValues("t1", "match")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.m.RuleEvaluations.WithLabelValues("t1", "no_match")))
}

// movingMarket updates the ticker right after every snapshot.
type movingMarket struct {
	*series.Store
}

func (m movingMarket) Snapshot(symbol string, timeframes []model.Timeframe, count int) model.Snapshot {
	snap := m.Store.Snapshot(symbol, timeframes, count)
	m.Store.SetTicker(model.Ticker{Symbol: symbol, LastPrice: snap.Ticker.LastPrice + 5})
	return snap
}

func TestSignalPriceComesFromRuleSnapshot(t *testing.T) {
	f := newFixture(t, time.Second, 1)
	f.sched.market = movingMarket{f.series}
	seed(f.series, "BTCUSD", append(flat(24, 100), 110)...)
	f.series.SetTicker(model.Ticker{Symbol: "BTCUSD", LastPrice: 111})
	require.NoError(t, f.add(t, tenantCfg("t1", "BTCUSD")))

	_, err := f.sched.RunScan(context.Background(), "t1")
	require.NoError(t, err)
	require.Len(t, f.sink.created, 1)
	assert.Equal(t, 111.0, f.sink.created[0].TriggerPrice)
	price, _ := f.series.LastPrice("BTCUSD")
	assert.Equal(t, 116.0, price)
}

func TestDeadlineFailsOnlyThatSymbol(t *testing.T) {
	f := newFixture(t, 50*time.Millisecond, 1)
	seed(f.series, "SLOW", append(flat(24, 100), 110)...)
	seed(f.series, "BTCUSD", append(flat(24, 100), 110)...)
	require.NoError(t, f.add(t, tenantCfg("t1", "SLOW", "BTCUSD")))

	start := time.Now()
	res, err := f.sched.RunScan(context.Background(), "t1")
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Matched)
	require.Len(t, f.sink.created, 1)
	assert.Equal(t, "BTCUSD", f.sink.created[0].Symbol)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.m.RuleEvaluations.WithLabelValues("t1", "timeout")))
}

func TestDuplicateMatchIsSkipped(t *testing.T) {
	f := newFixture(t, time.Second, 2)
	seed(f.series, "BTCUSD", append(flat(24, 100), 110)...)
	f.sink.dup["BTCUSD"] = true
	require.NoError(t, f.add(t, tenantCfg("t1", "BTCUSD")))

	res, err := f.sched.RunScan(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Matched)
	assert.Empty(t, res.Signals)
	assert.Empty(t, f.sink.submitted)
}

func TestCompileErrorPutsTenantInError(t *testing.T) {
	f := newFixture(t, time.Second, 2)
	ch, cancel := f.bus.Subscribe(8)
	defer cancel()

	cfg := tenantCfg("t1", "BTCUSD")
	cfg.RuleCode = "func Match(symbol string) bool { return"
	err := f.add(t, cfg)
	require.ErrorIs(t, err, strategy.ErrCompile)

	got, ok := f.sched.Tenant("t1")
	require.True(t, ok)
	assert.Equal(t, model.TenantError, got.Status)
	assert.NotEmpty(t, got.Diagnostic)
	assert.Zero(t, f.sched.ActiveCount())

	stored, err := f.store.Tenants(context.Background())
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, model.TenantError, stored[0].Status)

	select {
	case e := <-ch:
		assert.Equal(t, events.TenantError, e.Type)
		assert.Equal(t, "t1", e.TenantID)
	default:
		t.Fatal("expected tenant error event")
	}

	_, err = f.sched.RunScan(context.Background(), "t1")
	require.ErrorIs(t, err, ErrNotActive)
	require.Error(t, f.sched.Resume(context.Background(), "t1"))

	require.NoError(t, f.sched.Reload(context.Background(), tenantCfg("t1", "BTCUSD")))
	got, _ = f.sched.Tenant("t1")
	assert.Equal(t, model.TenantActive, got.Status)
	assert.Empty(t, got.Diagnostic)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.m.ActiveTenants))
}

func TestBadCadencePutsTenantInError(t *testing.T) {
	f := newFixture(t, time.Second, 2)
	cfg := tenantCfg("t1")
	cfg.ScanCadence = "soon"
	require.Error(t, f.add(t, cfg))
	got, _ := f.sched.Tenant("t1")
	assert.Equal(t, model.TenantError, got.Status)
	assert.Contains(t, got.Diagnostic, "scan cadence")
}

func TestPauseResume(t *testing.T) {
	f := newFixture(t, time.Second, 2)
	require.NoError(t, f.add(t, tenantCfg("t1", "BTCUSD")))
	require.NoError(t, f.add(t, tenantCfg("t2", "BTCUSD")))
	assert.Equal(t, 2, f.sched.ActiveCount())

	require.NoError(t, f.sched.Pause(context.Background(), "t1"))
	assert.Equal(t, 1, f.sched.ActiveCount())
	require.ErrorIs(t, f.sched.Pause(context.Background(), "t1"), ErrNotActive)
	_, err := f.sched.RunScan(context.Background(), "t1")
	require.ErrorIs(t, err, ErrNotActive)

	require.NoError(t, f.sched.Resume(context.Background(), "t1"))
	assert.Equal(t, 2, f.sched.ActiveCount())
	require.Error(t, f.sched.Resume(context.Background(), "t1"))
	require.ErrorIs(t, f.sched.Pause(context.Background(), "nope"), ErrUnknownTenant)

	f.sched.Remove("t2")
	assert.Equal(t, 1, f.sched.ActiveCount())
	tenants := f.sched.Tenants()
	require.Len(t, tenants, 1)
	assert.Equal(t, "t1", tenants[0].ID)
}

func TestPausedConfigHasNoTimer(t *testing.T) {
	f := newFixture(t, time.Second, 2)
	cfg := tenantCfg("t1")
	cfg.Status = model.TenantPaused
	require.NoError(t, f.add(t, cfg))
	assert.Zero(t, f.sched.ActiveCount())
	assert.Empty(t, f.sched.cron.Entries())

	require.NoError(t, f.sched.Resume(context.Background(), "t1"))
	assert.Len(t, f.sched.cron.Entries(), 1)
	require.Error(t, f.sched.Add(context.Background(), cfg))
}

func TestAllSymbolsFallsBackToDefaults(t *testing.T) {
	f := newFixture(t, time.Second, 2)
	require.NoError(t, f.add(t, tenantCfg("t1")))

	res, err := f.sched.RunScan(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, 3, res.Symbols)

	seed(f.series, "BTCUSD", flat(5, 100)...)
	res, err = f.sched.RunScan(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Symbols)
}

func TestCandleCloseNext(t *testing.T) {
	at := func(h, m, s int) time.Time { return time.Date(2026, 3, 4, h, m, s, 0, time.UTC) }
	tests := []struct {
		name  string
		sched CandleClose
		now   time.Time
		want  time.Time
	}{
		{"mid minute", CandleClose{Period: time.Minute, Delay: 2 * time.Second}, at(10, 0, 30), at(10, 1, 2)},
		{"inside delay", CandleClose{Period: time.Minute, Delay: 2 * time.Second}, at(10, 1, 1), at(10, 1, 2)},
		{"on fire", CandleClose{Period: time.Minute, Delay: 2 * time.Second}, at(10, 1, 2), at(10, 2, 2)},
		{"fifteen", CandleClose{Period: 15 * time.Minute}, at(10, 7, 0), at(10, 15, 0)},
		{"hour", CandleClose{Period: time.Hour, Delay: time.Second}, at(10, 59, 59), at(11, 0, 1)},
		{"day", CandleClose{Period: 24 * time.Hour}, at(23, 0, 0), time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.sched.Next(tt.now))
		})
	}
}

func TestScheduleKinds(t *testing.T) {
	now := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	fixed := Schedule(model.Cadence{Every: time.Minute}, 2*time.Second)
	assert.Equal(t, now.Add(time.Minute), fixed.Next(now))

	aligned := Schedule(model.Cadence{Every: 5 * time.Minute, Aligned: true}, 2*time.Second)
	assert.Equal(t, now.Add(2*time.Second), aligned.Next(now.Add(-time.Minute)))
}

func TestWrapSkipsOverlappingRun(t *testing.T) {
	var skips atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	var runs atomic.Int32
	job := Wrap(logging.CronLogger{Log: zerolog.Nop()}, func() { skips.Add(1) }, func() {
		runs.Add(1)
		close(started)
		<-release
	})

	done := make(chan struct{})
	go func() {
		job.Run()
		close(done)
	}()
	<-started
	job.Run()
	close(release)
	<-done

	assert.Equal(t, int32(1), runs.Load())
	assert.Equal(t, int32(1), skips.Load())
}

func TestSkippedFireIsCounted(t *testing.T) {
	f := newFixture(t, time.Second, 2)
	f.sched.skipped("t1")
	assert.Equal(t, 1.0, testutil.ToFloat64(f.m.ScansSkipped.WithLabelValues("t1")))
}

func TestStartStop(t *testing.T) {
	f := newFixture(t, time.Second, 2)
	require.NoError(t, f.add(t, tenantCfg("t1", "BTCUSD")))
	f.sched.Start()
	ctx := f.sched.Stop()
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("stop did not finish")
	}
	var _ cron.Schedule = CandleClose{}
}
