package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"TradeSentinel/internal/events"
	"TradeSentinel/internal/logging"
	"TradeSentinel/internal/metrics"
	"TradeSentinel/internal/model"
	"TradeSentinel/internal/pipeline"
	"TradeSentinel/internal/strategy"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrUnknownTenant is returned for operations on a tenant that was never added.
	ErrUnknownTenant = errors.New("unknown tenant")
	// ErrNotActive is returned when a scan or pause targets a tenant that is not active.
	ErrNotActive = errors.New("tenant not active")
)

// Loader compiles rule code.
type Loader interface {
	Load(code string) (strategy.Evaluator, error)
}

// SignalSink receives rule matches.
type SignalSink interface {
	NewSignal(ctx context.Context, tenantID, symbol string, price float64) (model.Signal, error)
	Submit(sig model.Signal, timeframes []model.Timeframe)
}

// Market is the read side of the series store used by scans.
type Market interface {
	Snapshot(symbol string, timeframes []model.Timeframe, count int) model.Snapshot
	Symbols() []string
}

// StatusStore persists tenant status changes.
type StatusStore interface {
	SetTenantStatus(ctx context.Context, id string, status model.TenantStatus, diagnostic string) error
}

// Options configures the scheduler.
type Options struct {
	// Workers bounds concurrent rule evaluations within one scan.
	Workers int
	// CandleCloseDelay is added after a candle boundary before an aligned fire.
	CandleCloseDelay time.Duration
	// Lookback is the number of candles per timeframe handed to rules.
	Lookback          int
	DefaultSymbols    []string
	DefaultTimeframes []model.Timeframe
}

// ScanResult summarises one scan of a tenant.
type ScanResult struct {
	TenantID string
	Symbols  int
	Matched  int
	Failed   int
	Signals  []string
	Duration time.Duration
}

type tenant struct {
	cfg   model.TenantConfig
	rule  strategy.Evaluator
	entry cron.EntryID
}

// Scheduler runs one cron entry per active tenant. Each fire screens the tenant's
// symbols and hands matches to the signal sink.
type Scheduler struct {
	opts    Options
	cron    *cron.Cron
	loader  Loader
	sink    SignalSink
	market  Market
	store   StatusStore
	bus     *events.Bus
	metrics *metrics.Metrics
	log     zerolog.Logger
	cronLog cron.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	tenants map[string]*tenant
}

// New creates a scheduler. bus and m may be nil.
func New(opts Options, loader Loader, sink SignalSink, market Market, store StatusStore, bus *events.Bus, m *metrics.Metrics, log zerolog.Logger) *Scheduler {
	if opts.Workers <= 0 {
		opts.Workers = 8
	}
	if opts.Lookback <= 0 {
		opts.Lookback = 100
	}
	log = log.With().Str("component", "scheduler").Logger()
	cronLog := logging.CronLogger{Log: log}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		opts:    opts,
		cron:    cron.New(cron.WithLogger(cronLog), cron.WithChain(cron.Recover(cronLog))),
		loader:  loader,
		sink:    sink,
		market:  market,
		store:   store,
		bus:     bus,
		metrics: m,
		log:     log,
		cronLog: cronLog,
		ctx:     ctx,
		cancel:  cancel,
		tenants: make(map[string]*tenant),
	}
}

// Start starts the cron engine.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Int("tenants", s.ActiveCount()).Msg("scheduler started")
}

// Stop halts future fires. The returned context is done once running scans finish.
func (s *Scheduler) Stop() context.Context {
	ctx := s.cron.Stop()
	s.log.Info().Msg("scheduler stopped")
	return ctx
}

// Abort cancels scans still running after Stop.
func (s *Scheduler) Abort() { s.cancel() }

// Add registers a tenant. A paused configuration is kept without a timer; a
// rule or cadence error puts the tenant in error and is returned.
func (s *Scheduler) Add(ctx context.Context, cfg model.TenantConfig) error {
	s.mu.Lock()
	if _, ok := s.tenants[cfg.ID]; ok {
		s.mu.Unlock()
		return fmt.Errorf("tenant %s already added", cfg.ID)
	}
	t := &tenant{cfg: cfg}
	s.tenants[cfg.ID] = t
	s.mu.Unlock()

	if cfg.Status == model.TenantPaused {
		return s.setStatus(ctx, cfg.ID, model.TenantPaused, "")
	}
	return s.activate(ctx, cfg.ID)
}

// Reload replaces a tenant's configuration and recompiles its rule. It is the
// only way out of the error state.
func (s *Scheduler) Reload(ctx context.Context, cfg model.TenantConfig) error {
	s.mu.Lock()
	t, ok := s.tenants[cfg.ID]
	if !ok {
		s.mu.Unlock()
		return s.Add(ctx, cfg)
	}
	s.unschedule(t)
	t.cfg = cfg
	t.rule = nil
	s.mu.Unlock()

	if cfg.Status == model.TenantPaused {
		return s.setStatus(ctx, cfg.ID, model.TenantPaused, "")
	}
	return s.activate(ctx, cfg.ID)
}

// Pause stops an active tenant's timer.
func (s *Scheduler) Pause(ctx context.Context, id string) error {
	s.mu.Lock()
	t, ok := s.tenants[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownTenant, id)
	}
	if t.cfg.Status != model.TenantActive {
		st := t.cfg.Status
		s.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrNotActive, id, st)
	}
	s.unschedule(t)
	s.mu.Unlock()
	return s.setStatus(ctx, id, model.TenantPaused, "")
}

// Resume restarts a paused tenant. A tenant in error needs Reload.
func (s *Scheduler) Resume(ctx context.Context, id string) error {
	s.mu.Lock()
	t, ok := s.tenants[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownTenant, id)
	}
	st := t.cfg.Status
	s.mu.Unlock()
	if st != model.TenantPaused {
		return fmt.Errorf("resume %s: tenant is %s", id, st)
	}
	return s.activate(ctx, id)
}

// Remove drops a tenant and its timer.
func (s *Scheduler) Remove(id string) {
	s.mu.Lock()
	if t, ok := s.tenants[id]; ok {
		s.unschedule(t)
		delete(s.tenants, id)
	}
	s.mu.Unlock()
	s.updateGauge()
}

// Tenant returns a copy of a tenant's configuration.
func (s *Scheduler) Tenant(id string) (model.TenantConfig, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[id]
	if !ok {
		return model.TenantConfig{}, false
	}
	return t.cfg, true
}

// Tenants lists every tenant sorted by id.
func (s *Scheduler) Tenants() []model.TenantConfig {
	s.mu.Lock()
	out := make([]model.TenantConfig, 0, len(s.tenants))
	for _, t := range s.tenants {
		out = append(out, t.cfg)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ActiveCount returns the number of tenants with a running timer.
func (s *Scheduler) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.tenants {
		if t.cfg.Status == model.TenantActive {
			n++
		}
	}
	return n
}

func (s *Scheduler) activate(ctx context.Context, id string) error {
	s.mu.Lock()
	t, ok := s.tenants[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownTenant, id)
	}
	cfg := t.cfg
	rule := t.rule
	s.mu.Unlock()

	cadence, err := model.ParseCadence(cfg.ScanCadence)
	if err != nil {
		return s.fail(ctx, id, fmt.Errorf("scan cadence: %w", err))
	}
	if rule == nil {
		rule, err = s.loader.Load(cfg.RuleCode)
		if err != nil {
			return s.fail(ctx, id, err)
		}
	}

	job := Wrap(s.cronLog, func() { s.skipped(id) }, func() {
		if _, err := s.RunScan(s.ctx, id); err != nil && !errors.Is(err, ErrNotActive) {
			s.log.Error().Err(err).Str("tenant_id", id).Msg("scan failed")
		}
	})

	s.mu.Lock()
	t, ok = s.tenants[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownTenant, id)
	}
	s.unschedule(t)
	t.rule = rule
	t.entry = s.cron.Schedule(Schedule(cadence, s.opts.CandleCloseDelay), job)
	s.mu.Unlock()

	s.log.Info().Str("tenant_id", id).Str("cadence", cadence.String()).Msg("tenant scheduled")
	return s.setStatus(ctx, id, model.TenantActive, "")
}

func (s *Scheduler) unschedule(t *tenant) {
	if t.entry != 0 {
		s.cron.Remove(t.entry)
		t.entry = 0
	}
}

// fail moves a tenant to error with the failure as its diagnostic.
func (s *Scheduler) fail(ctx context.Context, id string, cause error) error {
	s.log.Error().Err(cause).Str("tenant_id", id).Msg("tenant disabled")
	s.publish(events.Event{Type: events.TenantError, TenantID: id, Data: map[string]interface{}{
		"error": cause.Error(),
	}})
	if err := s.setStatus(ctx, id, model.TenantError, cause.Error()); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

func (s *Scheduler) setStatus(ctx context.Context, id string, status model.TenantStatus, diagnostic string) error {
	s.mu.Lock()
	if t, ok := s.tenants[id]; ok {
		t.cfg.Status = status
		t.cfg.Diagnostic = diagnostic
		t.cfg.UpdatedAt = time.Now().UTC()
		if status != model.TenantActive {
			s.unschedule(t)
		}
	}
	s.mu.Unlock()
	s.updateGauge()

	if s.store == nil {
		return nil
	}
	if err := s.store.SetTenantStatus(ctx, id, status, diagnostic); err != nil {
		return fmt.Errorf("persist tenant %s status: %w", id, err)
	}
	return nil
}

func (s *Scheduler) updateGauge() {
	if s.metrics != nil {
		s.metrics.ActiveTenants.Set(float64(s.ActiveCount()))
	}
}

func (s *Scheduler) skipped(id string) {
	if s.metrics != nil {
		s.metrics.ScansSkipped.WithLabelValues(id).Inc()
	}
}

func (s *Scheduler) publish(e events.Event) {
	if s.bus != nil {
		s.bus.Publish(s.ctx, e)
	}
}

// RunScan screens every symbol of an active tenant once. Evaluation failures
// are counted per symbol and never abort the scan.
func (s *Scheduler) RunScan(ctx context.Context, id string) (ScanResult, error) {
	s.mu.Lock()
	t, ok := s.tenants[id]
	if !ok {
		s.mu.Unlock()
		return ScanResult{}, fmt.Errorf("%w: %s", ErrUnknownTenant, id)
	}
	if t.cfg.Status != model.TenantActive || t.rule == nil {
		s.mu.Unlock()
		return ScanResult{}, fmt.Errorf("%w: %s", ErrNotActive, id)
	}
	cfg := t.cfg
	rule := t.rule
	s.mu.Unlock()

	start := time.Now()
	symbols := s.symbols(cfg)
	timeframes := s.timeframes(cfg)
	res := ScanResult{TenantID: id, Symbols: len(symbols)}

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(s.opts.Workers)
	for _, symbol := range symbols {
		g.Go(func() error {
			sig, matched, err := s.evaluate(ctx, cfg, rule, symbol, timeframes)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Failed++
				return nil
			}
			if matched {
				res.Matched++
			}
			if sig != "" {
				res.Signals = append(res.Signals, sig)
			}
			return nil
		})
	}
	_ = g.Wait()

	res.Duration = time.Since(start)
	sort.Strings(res.Signals)
	s.log.Debug().Str("tenant_id", id).Int("symbols", res.Symbols).Int("matched", res.Matched).
		Int("failed", res.Failed).Dur("took", res.Duration).Msg("scan finished")
	return res, nil
}

// evaluate runs the rule for one symbol and records a signal on a match. It
// returns the new signal id, if any.
func (s *Scheduler) evaluate(ctx context.Context, cfg model.TenantConfig, rule strategy.Evaluator, symbol string, timeframes []model.Timeframe) (string, bool, error) {
	log := s.log.With().Str("tenant_id", cfg.ID).Str("symbol", symbol).Logger()
	snap := s.market.Snapshot(symbol, timeframes, s.opts.Lookback)

	start := time.Now()
	matched, err := rule.Evaluate(ctx, symbol, snap)
	if s.metrics != nil {
		s.metrics.RuleDuration.Observe(time.Since(start).Seconds())
		s.metrics.RuleEvaluations.WithLabelValues(cfg.ID, evalResult(matched, err)).Inc()
	}
	if err != nil {
		log.Warn().Err(err).Msg("rule evaluation failed")
		return "", false, err
	}
	if !matched {
		return "", false, nil
	}

	// the signal carries the price the rule saw
	price := snap.Ticker.LastPrice
	if price <= 0 {
		price = lastClose(snap, timeframes)
	}
	sig, err := s.sink.NewSignal(ctx, cfg.ID, snap.Symbol, price)
	if errors.Is(err, pipeline.ErrDuplicateSignal) {
		log.Debug().Msg("match skipped, signal already active")
		return "", true, nil
	}
	if err != nil {
		log.Error().Err(err).Msg("record signal")
		return "", true, nil
	}
	s.sink.Submit(sig, timeframes)
	return sig.ID, true, nil
}

func evalResult(matched bool, err error) string {
	switch {
	case errors.Is(err, strategy.ErrDeadline):
		return "timeout"
	case err != nil:
		return "error"
	case matched:
		return "match"
	default:
		return "no_match"
	}
}

func lastClose(snap model.Snapshot, timeframes []model.Timeframe) float64 {
	for _, tf := range timeframes {
		if c := snap.Series[tf]; len(c) > 0 {
			return c[len(c)-1].Close
		}
	}
	return 0
}

func (s *Scheduler) symbols(cfg model.TenantConfig) []string {
	if !cfg.AllSymbols() {
		return cfg.Symbols
	}
	if syms := s.market.Symbols(); len(syms) > 0 {
		return syms
	}
	return s.opts.DefaultSymbols
}

func (s *Scheduler) timeframes(cfg model.TenantConfig) []model.Timeframe {
	if len(cfg.Timeframes) > 0 {
		return cfg.Timeframes
	}
	return s.opts.DefaultTimeframes
}
