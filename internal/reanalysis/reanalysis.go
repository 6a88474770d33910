package reanalysis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"TradeSentinel/internal/logging"
	"TradeSentinel/internal/model"
	"TradeSentinel/internal/pipeline"
	"TradeSentinel/internal/scheduler"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Pending lists the statuses a cycle re-submits. New signals are included so a
// decision call that failed is retried.
var Pending = []model.SignalStatus{model.SignalNew, model.SignalWatching, model.SignalPositionOpen}

// Analyzer re-runs the decision path for a signal.
type Analyzer interface {
	Analyze(ctx context.Context, sig model.Signal, timeframes []model.Timeframe) error
}

// SignalSource lists signals by status.
type SignalSource interface {
	ListSignals(ctx context.Context, tenantID string, statuses ...model.SignalStatus) ([]model.Signal, error)
}

// Options configures the re-analysis scheduler.
type Options struct {
	// Workers bounds concurrent decision calls within one cycle.
	Workers           int
	CandleCloseDelay  time.Duration
	DefaultTimeframes []model.Timeframe
}

// CycleResult summarises one cycle of a tenant.
type CycleResult struct {
	TenantID string
	Signals  int
	Failed   int
	// Skipped counts signals already being analysed.
	Skipped  int
	Duration time.Duration
}

type entry struct {
	cfg model.TenantConfig
	id  cron.EntryID
}

// Scheduler re-submits a tenant's open and watched signals on the tenant's
// re-analysis cadence.
type Scheduler struct {
	opts     Options
	cron     *cron.Cron
	source   SignalSource
	analyzer Analyzer
	log      zerolog.Logger
	cronLog  cron.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	tenants map[string]*entry
	skips   atomic.Int64
}

// New creates a re-analysis scheduler.
func New(opts Options, source SignalSource, analyzer Analyzer, log zerolog.Logger) *Scheduler {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	log = log.With().Str("component", "reanalysis").Logger()
	cronLog := logging.CronLogger{Log: log}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		opts:     opts,
		cron:     cron.New(cron.WithLogger(cronLog), cron.WithChain(cron.Recover(cronLog))),
		source:   source,
		analyzer: analyzer,
		log:      log,
		cronLog:  cronLog,
		ctx:      ctx,
		cancel:   cancel,
		tenants:  make(map[string]*entry),
	}
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Int("tenants", s.Count()).Msg("reanalysis started")
}

// Stop halts future cycles. The returned context is done once running cycles finish.
func (s *Scheduler) Stop() context.Context {
	ctx := s.cron.Stop()
	s.log.Info().Msg("reanalysis stopped")
	return ctx
}

// Abort cancels cycles still running after Stop.
func (s *Scheduler) Abort() { s.cancel() }

// Set applies a tenant configuration. Only active tenants with a re-analysis
// cadence get a timer.
func (s *Scheduler) Set(cfg model.TenantConfig) error {
	s.Remove(cfg.ID)
	if cfg.Status != model.TenantActive || cfg.ReanalysisCadence == "" {
		return nil
	}
	cadence, err := model.ParseCadence(cfg.ReanalysisCadence)
	if err != nil {
		return fmt.Errorf("reanalysis cadence: %w", err)
	}

	id := cfg.ID
	job := scheduler.Wrap(s.cronLog, func() { s.skips.Add(1) }, func() {
		if _, err := s.RunCycle(s.ctx, id); err != nil {
			s.log.Error().Err(err).Str("tenant_id", id).Msg("reanalysis cycle failed")
		}
	})

	s.mu.Lock()
	s.tenants[id] = &entry{cfg: cfg, id: s.cron.Schedule(scheduler.Schedule(cadence, s.opts.CandleCloseDelay), job)}
	s.mu.Unlock()
	s.log.Debug().Str("tenant_id", id).Str("cadence", cadence.String()).Msg("reanalysis scheduled")
	return nil
}

// Remove drops a tenant's timer.
func (s *Scheduler) Remove(id string) {
	s.mu.Lock()
	if e, ok := s.tenants[id]; ok {
		s.cron.Remove(e.id)
		delete(s.tenants, id)
	}
	s.mu.Unlock()
}

// Count returns the number of scheduled tenants.
func (s *Scheduler) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tenants)
}

// Skipped returns how many cycles were dropped because the previous one was still running.
func (s *Scheduler) Skipped() int64 { return s.skips.Load() }

// Pending returns the signals the next cycles would re-submit, across all tenants.
func (s *Scheduler) Pending(ctx context.Context) ([]model.Signal, error) {
	return s.source.ListSignals(ctx, "", Pending...)
}

// RunCycle re-submits every pending signal of a tenant once.
func (s *Scheduler) RunCycle(ctx context.Context, tenantID string) (CycleResult, error) {
	s.mu.Lock()
	e, ok := s.tenants[tenantID]
	var cfg model.TenantConfig
	if ok {
		cfg = e.cfg
	}
	s.mu.Unlock()
	if !ok {
		return CycleResult{}, fmt.Errorf("tenant %s has no reanalysis schedule", tenantID)
	}

	start := time.Now()
	sigs, err := s.source.ListSignals(ctx, tenantID, Pending...)
	if err != nil {
		return CycleResult{}, fmt.Errorf("list signals: %w", err)
	}
	timeframes := cfg.Timeframes
	if len(timeframes) == 0 {
		timeframes = s.opts.DefaultTimeframes
	}

	res := CycleResult{TenantID: tenantID, Signals: len(sigs)}
	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(s.opts.Workers)
	for _, sig := range sigs {
		g.Go(func() error {
			err := s.analyzer.Analyze(ctx, sig, timeframes)
			if err == nil {
				return nil
			}
			mu.Lock()
			defer mu.Unlock()
			if errors.Is(err, pipeline.ErrInFlight) {
				res.Skipped++
				return nil
			}
			res.Failed++
			s.log.Warn().Err(err).Str("tenant_id", tenantID).Str("signal_id", sig.ID).Msg("reanalysis failed")
			return nil
		})
	}
	_ = g.Wait()

	res.Duration = time.Since(start)
	s.log.Debug().Str("tenant_id", tenantID).Int("signals", res.Signals).Int("failed", res.Failed).
		Int("skipped", res.Skipped).Dur("took", res.Duration).Msg("reanalysis cycle finished")
	return res, nil
}
