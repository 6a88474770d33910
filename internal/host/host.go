package host

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"TradeSentinel/internal/collector"
	"TradeSentinel/internal/config"
	"TradeSentinel/internal/events"
	"TradeSentinel/internal/execution"
	"TradeSentinel/internal/fund"
	"TradeSentinel/internal/gateway"
	"TradeSentinel/internal/metrics"
	"TradeSentinel/internal/model"
	"TradeSentinel/internal/monitor"
	"TradeSentinel/internal/pipeline"
	"TradeSentinel/internal/reanalysis"
	"TradeSentinel/internal/recorder"
	"TradeSentinel/internal/scheduler"
	"TradeSentinel/internal/series"
	"TradeSentinel/internal/server"
	"TradeSentinel/internal/strategy"

	"github.com/rs/zerolog"
)

// Deps are the collaborators a host can be given instead of building them from config.
type Deps struct {
	// Store is required.
	Store recorder.Store
	// Fetcher defaults to the exchange REST API.
	Fetcher collector.Fetcher
	// Analyzer defaults to the HTTP decision service client.
	Analyzer pipeline.Analyzer
	// Exchange defaults to the exchange trading API in real mode.
	Exchange execution.Exchange
	Sinks    []events.Sink
}

// Host owns every component of one process and their lifecycle.
type Host struct {
	cfg   *config.Config
	log   zerolog.Logger
	store recorder.Store

	metrics    *metrics.Metrics
	bus        *events.Bus
	series     *series.Store
	collector  *collector.Collector
	ledger     *fund.Ledger
	executor   *execution.Executor
	pipeline   *pipeline.Pipeline
	monitor    *monitor.Monitor
	scheduler  *scheduler.Scheduler
	reanalysis *reanalysis.Scheduler

	started  time.Time
	stopping atomic.Bool

	fatal         chan error
	shutdown      chan struct{}
	shutdownOnce  sync.Once
	cancelIngest  context.CancelFunc
	cancelMonitor context.CancelFunc
	ingestDone    chan struct{}
	monitorDone   chan struct{}
}

// New wires a host from configuration.
func New(cfg *config.Config, deps Deps, log zerolog.Logger) (*Host, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("host: state store is required")
	}
	m := metrics.New()
	bus := events.NewBus(log, deps.Sinks...)
	store := series.NewStore(cfg.Series.Capacity)

	fetcher := deps.Fetcher
	if fetcher == nil {
		fetcher = collector.NewBinanceFetcher(cfg.Exchange.RESTURL, cfg.Exchange.Proxy)
	}
	col := collector.NewCollector(store, fetcher, collector.Options{
		URL:        cfg.Exchange.WSURL,
		Symbols:    cfg.Exchange.DefaultSymbols,
		Timeframes: cfg.Exchange.DefaultTimeframes,
		MaxRetries: cfg.Exchange.MaxRetries,
		MaxBackoff: cfg.Exchange.MaxBackoff,
		Backfill:   cfg.Exchange.Backfill == nil || *cfg.Exchange.Backfill,
	}, log, m, bus)

	analyzer := deps.Analyzer
	if analyzer == nil {
		analyzer = gateway.NewClient(gateway.Options{
			URL:         cfg.Gateway.URL,
			Token:       cfg.Gateway.Token,
			Timeout:     cfg.Gateway.Timeout,
			MaxAttempts: cfg.Gateway.MaxAttempts,
			Backoff:     cfg.Gateway.Backoff,
			Proxy:       cfg.Exchange.Proxy,
		}, log)
	}

	ledger, err := fund.NewLedger(cfg.Trading.LedgerFile, cfg.Trading.StartingBalance, cfg.Trading.QuoteAsset, log)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	exchange := deps.Exchange
	if exchange == nil && cfg.Trading.Mode == model.ModeReal {
		exchange = execution.NewBinanceExchange(cfg.Exchange.APIKey, cfg.Exchange.APISecret, cfg.Exchange.RESTURL)
	}
	exec := execution.NewExecutor(execution.Options{
		Mode:        cfg.Trading.Mode,
		DefaultSize: cfg.Trading.DefaultSize,
	}, ledger, exchange, deps.Store, m, log)

	pipe := pipeline.New(pipeline.Options{
		Concurrency: cfg.Gateway.Concurrency,
		Lookback:    cfg.Series.Lookback,
	}, deps.Store, analyzer, exec, store, bus, m, log)

	policy, err := monitor.ParseTiePolicy(cfg.Monitor.TiePolicy)
	if err != nil {
		return nil, err
	}
	mon := monitor.New(store, pipe, policy, log, m)
	pipe.AttachTracker(mon)

	sched := scheduler.New(scheduler.Options{
		Workers:           cfg.Scheduler.Workers,
		CandleCloseDelay:  cfg.Scheduler.CandleCloseDelay,
		Lookback:          cfg.Series.Lookback,
		DefaultSymbols:    cfg.Exchange.DefaultSymbols,
		DefaultTimeframes: cfg.Exchange.DefaultTimeframes,
	}, strategy.NewSandbox(cfg.Scheduler.EvalTimeout, cfg.Scheduler.Workers), pipe, store, deps.Store, bus, m, log)

	re := reanalysis.New(reanalysis.Options{
		Workers:           cfg.Scheduler.Workers,
		CandleCloseDelay:  cfg.Scheduler.CandleCloseDelay,
		DefaultTimeframes: cfg.Exchange.DefaultTimeframes,
	}, deps.Store, pipe, log)

	return &Host{
		cfg:        cfg,
		log:        log.With().Str("component", "host").Logger(),
		store:      deps.Store,
		metrics:    m,
		bus:        bus,
		series:     store,
		collector:  col,
		ledger:     ledger,
		executor:   exec,
		pipeline:   pipe,
		monitor:    mon,
		scheduler:  sched,
		reanalysis: re,
		started:    time.Now(),
		fatal:      make(chan error, 1),
		shutdown:   make(chan struct{}),
	}, nil
}

func (h *Host) Metrics() *metrics.Metrics { return h.metrics }
func (h *Host) Bus() *events.Bus          { return h.bus }

// Fatal delivers an ingestor failure that outlived its retries.
func (h *Host) Fatal() <-chan error { return h.fatal }

// ShutdownRequested is closed once a graceful shutdown was asked for over HTTP.
func (h *Host) ShutdownRequested() <-chan struct{} { return h.shutdown }

func (h *Host) RequestShutdown() {
	h.shutdownOnce.Do(func() {
		h.log.Info().Msg("shutdown requested")
		close(h.shutdown)
	})
}

// Status reports the counters shown by /health.
func (h *Host) Status() server.Status {
	return server.Status{
		ActiveTenants:     h.scheduler.ActiveCount(),
		OpenPositions:     h.monitor.Count(),
		InFlight:          len(h.pipeline.InFlight()),
		IngestorConnected: h.collector.Connected(),
		LastCandleUpdate:  h.series.LastUpdate(),
		ShuttingDown:      h.stopping.Load(),
	}
}

// Positions returns the monitored positions with live P&L.
func (h *Host) Positions() []server.PositionView {
	positions := h.monitor.Positions()
	out := make([]server.PositionView, 0, len(positions))
	for _, p := range positions {
		v := server.PositionView{Position: p}
		if price, ok := h.series.LastPrice(p.Symbol); ok {
			v.CurrentPrice = price
			v.UnrealizedPnL = p.PnL(price, p.Size)
		}
		out = append(out, v)
	}
	return out
}

func (h *Host) Tenants() []model.TenantConfig { return h.scheduler.Tenants() }

func (h *Host) PauseTenant(ctx context.Context, id string) error {
	if err := h.scheduler.Pause(ctx, id); err != nil {
		return err
	}
	h.syncReanalysis(id)
	return nil
}

func (h *Host) ResumeTenant(ctx context.Context, id string) error {
	if err := h.scheduler.Resume(ctx, id); err != nil {
		return err
	}
	h.syncReanalysis(id)
	return nil
}

// syncReanalysis mirrors a tenant's scheduler state into the re-analysis timers.
func (h *Host) syncReanalysis(id string) {
	cfg, ok := h.scheduler.Tenant(id)
	if !ok {
		h.reanalysis.Remove(id)
		return
	}
	if err := h.reanalysis.Set(cfg); err != nil {
		h.log.Warn().Err(err).Str("tenant_id", id).Msg("reanalysis not scheduled")
	}
}

// streams is the union of default, tenant and open-position symbols and timeframes.
func (h *Host) streams(tenants []model.TenantConfig) ([]string, []model.Timeframe) {
	symbols := slices.Clone(h.cfg.Exchange.DefaultSymbols)
	timeframes := slices.Clone(h.cfg.Exchange.DefaultTimeframes)
	for _, t := range tenants {
		if t.Status != model.TenantActive {
			continue
		}
		symbols = append(symbols, t.Symbols...)
		timeframes = append(timeframes, t.Timeframes...)
	}
	for _, p := range h.monitor.Positions() {
		symbols = append(symbols, p.Symbol)
	}
	slices.Sort(symbols)
	return slices.Compact(symbols), timeframes
}
