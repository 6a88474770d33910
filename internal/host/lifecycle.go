package host

import (
	"context"
	"errors"
	"fmt"
	"time"

	"TradeSentinel/internal/model"
	"TradeSentinel/internal/server"
)

// Recovery is what Recover restored from the state store.
type Recovery struct {
	Tenants   int
	Active    int
	Positions int
	Signals   int
}

// Recover seeds configured tenants, rebuilds open positions and active signals
// and registers every stored tenant with the schedulers.
func (h *Host) Recover(ctx context.Context) (Recovery, error) {
	for i := range h.cfg.Tenants {
		t := h.cfg.Tenants[i]
		if t.Status == "" {
			t.Status = model.TenantActive
		}
		t.UpdatedAt = time.Now().UTC()
		if err := h.store.UpsertTenant(ctx, &t); err != nil {
			return Recovery{}, fmt.Errorf("seed tenant %s: %w", t.ID, err)
		}
	}

	positions, signals, err := h.pipeline.Restore(ctx)
	if err != nil {
		return Recovery{}, fmt.Errorf("restore pipeline: %w", err)
	}

	tenants, err := h.store.Tenants(ctx)
	if err != nil {
		return Recovery{}, fmt.Errorf("load tenants: %w", err)
	}
	for _, t := range tenants {
		if err := h.scheduler.Add(ctx, t); err != nil {
			h.log.Warn().Err(err).Str("tenant_id", t.ID).Msg("tenant not scheduled")
		}
		h.syncReanalysis(t.ID)
	}
	h.collector.SetStreams(h.streams(h.scheduler.Tenants()))

	rec := Recovery{
		Tenants:   len(tenants),
		Active:    h.scheduler.ActiveCount(),
		Positions: positions,
		Signals:   signals,
	}
	h.log.Info().Int("tenants", rec.Tenants).Int("active", rec.Active).
		Int("positions", rec.Positions).Int("signals", rec.Signals).Msg("state recovered")
	return rec, nil
}

// Start launches the ingestor, the position monitor and both schedulers.
func (h *Host) Start() {
	ingestCtx, cancelIngest := context.WithCancel(context.Background())
	monitorCtx, cancelMonitor := context.WithCancel(context.Background())
	h.cancelIngest = cancelIngest
	h.cancelMonitor = cancelMonitor
	h.ingestDone = make(chan struct{})
	h.monitorDone = make(chan struct{})

	go func() {
		defer close(h.ingestDone)
		if err := h.collector.Run(ingestCtx); err != nil {
			h.fatal <- err
		}
	}()
	go func() {
		defer close(h.monitorDone)
		h.monitor.Run(monitorCtx, h.cfg.Monitor.Interval)
	}()
	h.scheduler.Start()
	h.reanalysis.Start()
	h.log.Info().Str("mode", string(h.executor.Mode())).Msg("host started")
}

// Reload re-reads tenant configurations from the state store. Tenants missing
// from the store are dropped.
func (h *Host) Reload(ctx context.Context) (server.ReloadResult, error) {
	tenants, err := h.store.Tenants(ctx)
	if err != nil {
		return server.ReloadResult{}, fmt.Errorf("load tenants: %w", err)
	}

	res := server.ReloadResult{Tenants: len(tenants)}
	seen := make(map[string]bool, len(tenants))
	for _, t := range tenants {
		seen[t.ID] = true
		if err := h.scheduler.Reload(ctx, t); err != nil {
			if res.Errors == nil {
				res.Errors = make(map[string]string)
			}
			res.Errors[t.ID] = err.Error()
		}
		h.syncReanalysis(t.ID)
	}
	for _, t := range h.scheduler.Tenants() {
		if !seen[t.ID] {
			h.scheduler.Remove(t.ID)
			h.reanalysis.Remove(t.ID)
		}
	}
	h.collector.SetStreams(h.streams(h.scheduler.Tenants()))
	res.Active = h.scheduler.ActiveCount()
	return res, nil
}

// Shutdown stops timers, waits for running scans and decision calls, flushes
// the ledger and closes the ingestor and the store. Work still running when
// ctx ends is abandoned and recorded as incomplete.
func (h *Host) Shutdown(ctx context.Context) error {
	h.stopping.Store(true)
	h.log.Info().Msg("shutting down")

	scans := h.scheduler.Stop()
	cycles := h.reanalysis.Stop()
	if h.cancelMonitor != nil {
		h.cancelMonitor()
		<-h.monitorDone
	}

	var errs []error
	for name, done := range map[string]context.Context{"scan": scans, "reanalysis": cycles} {
		select {
		case <-done.Done():
		case <-ctx.Done():
			h.recordIncomplete(name, "scheduler", "shutdown deadline")
		}
	}
	h.scheduler.Abort()
	h.reanalysis.Abort()

	left, err := h.pipeline.Wait(ctx)
	if err != nil {
		h.log.Warn().Int("abandoned", len(left)).Msg("decision calls abandoned at shutdown deadline")
		for _, sig := range left {
			h.recordIncomplete("analysis", sig.ID, "shutdown deadline")
		}
	}

	if err := h.ledger.Save(); err != nil {
		errs = append(errs, fmt.Errorf("save ledger: %w", err))
	}

	if h.cancelIngest != nil {
		h.cancelIngest()
		select {
		case <-h.ingestDone:
		case <-ctx.Done():
		}
	}

	if err := h.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	h.log.Info().Msg("shutdown complete")
	return errors.Join(errs...)
}

func (h *Host) recordIncomplete(kind, ref, reason string) {
	op := &model.IncompleteOp{Kind: kind, Ref: ref, Reason: reason, CreatedAt: time.Now().UTC()}
	// ctx may already be done here.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.store.RecordIncomplete(ctx, op); err != nil {
		h.log.Error().Err(err).Str("kind", kind).Str("ref", ref).Msg("record incomplete operation")
	}
}
