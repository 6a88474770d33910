package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"TradeSentinel/internal/events"
	"TradeSentinel/internal/execution"
	"TradeSentinel/internal/gateway"
	"TradeSentinel/internal/metrics"
	"TradeSentinel/internal/model"
	"TradeSentinel/internal/recorder"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrInFlight is returned when a signal is already being analysed.
	ErrInFlight = errors.New("signal analysis already in flight")
	// ErrDuplicateSignal is returned when the tenant already has an active signal on the symbol.
	ErrDuplicateSignal = errors.New("active signal exists for symbol")
)

// Analyzer produces a decision for a signal.
type Analyzer interface {
	Analyze(ctx context.Context, sig model.Signal, mc gateway.Context) (model.Decision, error)
}

// Trader executes decisions against positions.
type Trader interface {
	Apply(ctx context.Context, sig model.Signal, pos *model.Position, d model.Decision, price float64) (execution.Result, error)
	Close(ctx context.Context, pos *model.Position, price float64, reason string) (*model.Position, error)
}

// MarketData supplies snapshots and prices.
type MarketData interface {
	Snapshot(symbol string, timeframes []model.Timeframe, count int) model.Snapshot
	LastPrice(symbol string) (float64, bool)
}

// Tracker is the position monitor's registration surface.
type Tracker interface {
	Track(pos model.Position)
	Update(pos model.Position)
	Untrack(id string)
}

// Options configures the pipeline.
type Options struct {
	// Concurrency bounds asynchronous analyses in flight.
	Concurrency int
	// Lookback is the number of candles per timeframe sent to the decision service.
	Lookback int
}

// Pipeline is the decision path shared by scans and re-analysis: signal
// creation, decision calls, verdict application and trigger closes.
type Pipeline struct {
	opts     Options
	store    recorder.Store
	analyzer Analyzer
	trader   Trader
	market   MarketData
	bus      *events.Bus
	metrics  *metrics.Metrics
	log      zerolog.Logger
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	sem    chan struct{}
	wg     sync.WaitGroup

	mu        sync.Mutex
	tracker   Tracker
	inflight  map[string]model.Signal
	queued    map[string]*queuedSignal
	active    map[string]string // tenant/symbol -> signal id
	positions map[string]*model.Position
	locks     map[string]*sync.Mutex
}

// New creates a pipeline. bus and m may be nil.
func New(opts Options, store recorder.Store, analyzer Analyzer, trader Trader, market MarketData, bus *events.Bus, m *metrics.Metrics, log zerolog.Logger) *Pipeline {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 16
	}
	if opts.Lookback <= 0 {
		opts.Lookback = 100
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		opts:      opts,
		store:     store,
		analyzer:  analyzer,
		trader:    trader,
		market:    market,
		bus:       bus,
		metrics:   m,
		log:       log.With().Str("component", "pipeline").Logger(),
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
		sem:       make(chan struct{}, opts.Concurrency),
		inflight:  make(map[string]model.Signal),
		queued:    make(map[string]*queuedSignal),
		active:    make(map[string]string),
		positions: make(map[string]*model.Position),
		locks:     make(map[string]*sync.Mutex),
	}
}

// AttachTracker registers the position monitor.
func (p *Pipeline) AttachTracker(t Tracker) {
	p.mu.Lock()
	p.tracker = t
	p.mu.Unlock()
}

func activeKey(tenantID, symbol string) string { return tenantID + "/" + symbol }

// Restore rebuilds the in-memory indexes from the state store and hands open
// positions to the tracker. It returns the number of open positions and
// active signals restored.
func (p *Pipeline) Restore(ctx context.Context) (positions, signals int, err error) {
	open, err := p.store.OpenPositions(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("load open positions: %w", err)
	}
	sigs, err := p.store.ListSignals(ctx, "", model.SignalNew, model.SignalWatching, model.SignalPositionOpen)
	if err != nil {
		return 0, 0, fmt.Errorf("load active signals: %w", err)
	}

	p.mu.Lock()
	for _, s := range sigs {
		p.active[activeKey(s.TenantID, s.Symbol)] = s.ID
	}
	for i := range open {
		pos := open[i]
		p.positions[pos.SignalID] = &pos
	}
	tracker := p.tracker
	p.mu.Unlock()

	if tracker != nil {
		for _, pos := range open {
			tracker.Track(pos)
		}
	}
	return len(open), len(sigs), nil
}

// NewSignal records a rule match as a new signal unless the tenant already
// holds an active signal on the symbol.
func (p *Pipeline) NewSignal(ctx context.Context, tenantID, symbol string, price float64) (model.Signal, error) {
	now := p.now().UTC()
	sig := model.Signal{
		ID:           uuid.NewString(),
		TenantID:     tenantID,
		Symbol:       symbol,
		TriggeredAt:  now,
		TriggerPrice: price,
		Status:       model.SignalNew,
		UpdatedAt:    now,
	}

	key := activeKey(tenantID, symbol)
	p.mu.Lock()
	if existing, ok := p.active[key]; ok {
		p.mu.Unlock()
		return model.Signal{}, fmt.Errorf("%w: %s (%s)", ErrDuplicateSignal, key, existing)
	}
	p.active[key] = sig.ID
	p.mu.Unlock()

	if err := p.store.CreateSignal(ctx, &sig); err != nil {
		p.mu.Lock()
		delete(p.active, key)
		p.mu.Unlock()
		return model.Signal{}, fmt.Errorf("create signal: %w", err)
	}
	if p.metrics != nil {
		p.metrics.SignalsCreated.WithLabelValues(tenantID).Inc()
	}
	p.publish(events.Event{Type: events.SignalCreated, TenantID: tenantID, Data: map[string]interface{}{
		"signal_id": sig.ID, "symbol": symbol, "price": price,
	}})
	p.log.Info().Str("tenant_id", tenantID).Str("signal_id", sig.ID).Str("symbol", symbol).Float64("price", price).Msg("signal created")
	return sig, nil
}

type queuedSignal struct {
	sig model.Signal
	n   int
}

// Submit analyses a signal asynchronously. It never blocks the caller.
func (p *Pipeline) Submit(sig model.Signal, timeframes []model.Timeframe) {
	p.mu.Lock()
	if q, ok := p.queued[sig.ID]; ok {
		q.n++
	} else {
		p.queued[sig.ID] = &queuedSignal{sig: sig, n: 1}
	}
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		select {
		case p.sem <- struct{}{}:
			p.dequeue(sig.ID)
		case <-p.ctx.Done():
			p.dequeue(sig.ID)
			return
		}
		defer func() { <-p.sem }()
		if err := p.Analyze(p.ctx, sig, timeframes); err != nil && !errors.Is(err, ErrInFlight) {
			p.log.Warn().Err(err).Str("tenant_id", sig.TenantID).Str("signal_id", sig.ID).Msg("analysis failed")
		}
	}()
}

func (p *Pipeline) dequeue(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if q, ok := p.queued[id]; ok {
		if q.n--; q.n <= 0 {
			delete(p.queued, id)
		}
	}
}

// Analyze calls the decision service for a signal and applies the verdict.
// A gateway failure leaves the signal in its prior status.
func (p *Pipeline) Analyze(ctx context.Context, sig model.Signal, timeframes []model.Timeframe) error {
	p.mu.Lock()
	if _, busy := p.inflight[sig.ID]; busy {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrInFlight, sig.ID)
	}
	p.inflight[sig.ID] = sig
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.inflight, sig.ID)
		p.mu.Unlock()
	}()

	current, err := p.store.GetSignal(ctx, sig.ID)
	if err != nil {
		return fmt.Errorf("load signal: %w", err)
	}
	if current.Status.Terminal() {
		return nil
	}
	sig = *current

	snap := p.market.Snapshot(sig.Symbol, timeframes, p.opts.Lookback)
	pos := p.Position(sig.ID)

	d, err := p.analyzer.Analyze(ctx, sig, gateway.Context{Snapshot: snap, Position: pos})
	if err != nil {
		if p.metrics != nil {
			kind := "unknown"
			var gerr *gateway.Error
			if errors.As(err, &gerr) {
				kind = string(gerr.Kind)
			}
			p.metrics.GatewayErrors.WithLabelValues(kind).Inc()
		}
		return fmt.Errorf("analyze %s: %w", sig.ID, err)
	}

	if err := p.store.RecordDecision(ctx, &d); err != nil {
		p.log.Error().Err(err).Str("signal_id", sig.ID).Msg("failed to record decision")
	}
	if p.metrics != nil {
		p.metrics.Decisions.WithLabelValues(string(d.Verdict)).Inc()
	}
	p.publish(events.Event{Type: events.DecisionRecorded, TenantID: sig.TenantID, Data: map[string]interface{}{
		"signal_id": sig.ID, "decision_id": d.ID, "verdict": string(d.Verdict), "confidence": d.Confidence,
	}})
	p.log.Info().Str("tenant_id", sig.TenantID).Str("signal_id", sig.ID).Str("verdict", string(d.Verdict)).
		Int("confidence", d.Confidence).Msg("decision received")

	price := snap.Price()
	if lp, ok := p.market.LastPrice(sig.Symbol); ok {
		price = lp
	}
	return p.apply(ctx, sig, d, price)
}

// apply runs a verdict under the signal's lock against the signal's current
// stored state.
func (p *Pipeline) apply(ctx context.Context, sig model.Signal, d model.Decision, price float64) error {
	lock := p.lockFor(sig.ID)
	lock.Lock()
	defer lock.Unlock()

	log := p.log.With().Str("tenant_id", sig.TenantID).Str("signal_id", sig.ID).Str("verdict", string(d.Verdict)).Logger()
	current, err := p.store.GetSignal(ctx, sig.ID)
	if err != nil {
		return fmt.Errorf("load signal: %w", err)
	}
	if current.Status.Terminal() {
		log.Info().Str("status", string(current.Status)).Msg("verdict ignored, signal already finished")
		return nil
	}
	sig = *current
	pos := p.Position(sig.ID)

	switch {
	case d.Verdict.Opens():
		if pos != nil {
			log.Info().Str("position_id", pos.ID).Msg("open verdict ignored, position already open")
			return nil
		}
		if sig.Status == model.SignalPositionOpen {
			log.Warn().Msg("open verdict ignored, signal already traded")
			return nil
		}
		res, err := p.trader.Apply(ctx, sig, nil, d, price)
		if err != nil {
			p.orderFailed(sig, d, err)
			return err
		}
		if sig.Status == model.SignalNew {
			if err := p.transition(ctx, &sig, model.SignalWatching, ""); err != nil {
				return err
			}
		}
		p.setPosition(sig, res.Position)
		return p.transition(ctx, &sig, model.SignalPositionOpen, "")

	case d.Verdict == model.VerdictClose:
		if pos != nil {
			res, err := p.trader.Apply(ctx, sig, pos, d, price)
			if err != nil {
				if errors.Is(err, execution.ErrPartialFill) {
					p.setPosition(sig, res.Position)
				}
				p.orderFailed(sig, d, err)
				return err
			}
			p.positionClosed(sig, res.Closed)
			return p.transition(ctx, &sig, model.SignalClosed, model.ReasonDecision)
		}
		switch sig.Status {
		case model.SignalNew:
			return p.transition(ctx, &sig, model.SignalRejected, model.ReasonDecision)
		case model.SignalWatching:
			return p.transition(ctx, &sig, model.SignalClosed, model.ReasonDecision)
		case model.SignalPositionOpen:
			log.Warn().Msg("signal holds no position, closing it")
			return p.transition(ctx, &sig, model.SignalClosed, model.ReasonDecision)
		}
		return nil

	case d.Verdict.NeedsPosition():
		if pos == nil {
			log.Info().Msg("verdict ignored, no open position")
			return nil
		}
		res, err := p.trader.Apply(ctx, sig, pos, d, price)
		if res.Closed != nil {
			p.positionClosed(sig, res.Closed)
		}
		if res.Position != nil && res.Position.Status == model.PositionOpen {
			p.setPosition(sig, res.Position)
		}
		if err != nil {
			p.orderFailed(sig, d, err)
			if res.Closed != nil && res.Position == nil {
				_ = p.transition(ctx, &sig, model.SignalClosed, model.ReasonFlip)
			}
			return err
		}
		if res.Position == nil && res.Closed != nil {
			return p.transition(ctx, &sig, model.SignalClosed, res.Closed.CloseReason)
		}
		return nil

	case d.Verdict == model.VerdictNoTrade:
		if sig.Status == model.SignalNew {
			return p.transition(ctx, &sig, model.SignalRejected, "no_trade")
		}
		return nil

	case d.Verdict == model.VerdictWatch:
		if sig.Status == model.SignalNew {
			return p.transition(ctx, &sig, model.SignalWatching, "")
		}
		return nil
	}
	return nil
}

// CloseOnTrigger closes a position whose stop-loss or take-profit was
// crossed and closes its signal. A position already closed by another path is
// left alone.
func (p *Pipeline) CloseOnTrigger(ctx context.Context, pos model.Position, price float64, reason string) error {
	lock := p.lockFor(pos.SignalID)
	lock.Lock()
	defer lock.Unlock()

	current := p.Position(pos.SignalID)
	if current == nil || current.ID != pos.ID {
		p.log.Debug().Str("position_id", pos.ID).Msg("trigger for a position no longer open")
		return nil
	}
	closed, err := p.trader.Close(ctx, current, price, reason)
	if err != nil {
		if errors.Is(err, execution.ErrPartialFill) {
			p.setPosition(model.Signal{ID: pos.SignalID, TenantID: pos.TenantID}, closed)
		}
		p.publish(events.Event{Type: events.OrderFailed, TenantID: pos.TenantID, Data: map[string]interface{}{
			"signal_id": pos.SignalID, "position_id": pos.ID, "reason": reason, "error": err.Error(),
		}})
		return err
	}
	sig, err := p.store.GetSignal(ctx, pos.SignalID)
	if err != nil {
		p.dropPosition(pos.SignalID)
		return fmt.Errorf("load signal: %w", err)
	}
	p.positionClosed(*sig, closed)
	return p.transition(ctx, sig, model.SignalClosed, reason)
}

func (p *Pipeline) transition(ctx context.Context, sig *model.Signal, to model.SignalStatus, reason string) error {
	from := sig.Status
	if err := sig.Transition(to, p.now().UTC()); err != nil {
		p.log.Error().Err(err).Str("signal_id", sig.ID).Msg("signal transition rejected")
		return err
	}
	if reason != "" && to.Terminal() {
		sig.CloseReason = reason
	}
	if err := p.store.UpdateSignal(ctx, sig); err != nil {
		p.log.Error().Err(err).Str("signal_id", sig.ID).Msg("failed to persist signal")
	}
	if to.Terminal() {
		p.mu.Lock()
		if p.active[activeKey(sig.TenantID, sig.Symbol)] == sig.ID {
			delete(p.active, activeKey(sig.TenantID, sig.Symbol))
		}
		delete(p.locks, sig.ID)
		p.mu.Unlock()
	}
	p.publish(events.Event{Type: events.SignalStatus, TenantID: sig.TenantID, Data: map[string]interface{}{
		"signal_id": sig.ID, "from": string(from), "to": string(to), "reason": reason,
	}})
	p.log.Info().Str("tenant_id", sig.TenantID).Str("signal_id", sig.ID).Str("from", string(from)).Str("to", string(to)).Msg("signal status changed")
	return nil
}

func (p *Pipeline) setPosition(sig model.Signal, pos *model.Position) {
	if pos == nil {
		return
	}
	p.mu.Lock()
	prev, had := p.positions[sig.ID]
	p.positions[sig.ID] = pos
	tracker := p.tracker
	p.mu.Unlock()

	typ := events.PositionUpdated
	if !had || prev.ID != pos.ID {
		typ = events.PositionOpened
	}
	if tracker != nil {
		if typ == events.PositionOpened {
			tracker.Track(*pos)
		} else {
			tracker.Update(*pos)
		}
	}
	p.publish(events.Event{Type: typ, TenantID: sig.TenantID, Data: map[string]interface{}{
		"signal_id": sig.ID, "position_id": pos.ID, "symbol": pos.Symbol, "side": string(pos.Side),
		"entry_price": pos.EntryPrice, "size": pos.Size, "stop_loss": pos.StopLoss, "take_profit": pos.TakeProfit,
	}})
}

func (p *Pipeline) positionClosed(sig model.Signal, closed *model.Position) {
	if closed == nil {
		return
	}
	p.mu.Lock()
	if cur, ok := p.positions[sig.ID]; ok && cur.ID == closed.ID {
		delete(p.positions, sig.ID)
	}
	tracker := p.tracker
	p.mu.Unlock()
	if tracker != nil {
		tracker.Untrack(closed.ID)
	}
	p.publish(events.Event{Type: events.PositionClosed, TenantID: sig.TenantID, Data: map[string]interface{}{
		"signal_id": sig.ID, "position_id": closed.ID, "symbol": closed.Symbol, "reason": closed.CloseReason,
		"exit_price": closed.ExitPrice, "realized_pnl": closed.RealizedPnL,
	}})
}

func (p *Pipeline) dropPosition(signalID string) {
	p.mu.Lock()
	pos := p.positions[signalID]
	delete(p.positions, signalID)
	tracker := p.tracker
	p.mu.Unlock()
	if tracker != nil && pos != nil {
		tracker.Untrack(pos.ID)
	}
}

func (p *Pipeline) orderFailed(sig model.Signal, d model.Decision, err error) {
	p.log.Error().Err(err).Str("tenant_id", sig.TenantID).Str("signal_id", sig.ID).Str("verdict", string(d.Verdict)).Msg("trade execution failed")
	p.publish(events.Event{Type: events.OrderFailed, TenantID: sig.TenantID, Data: map[string]interface{}{
		"signal_id": sig.ID, "decision_id": d.ID, "verdict": string(d.Verdict), "error": err.Error(),
	}})
}

func (p *Pipeline) lockFor(signalID string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.locks[signalID]
	if !ok {
		l = &sync.Mutex{}
		p.locks[signalID] = l
	}
	return l
}

func (p *Pipeline) publish(e events.Event) {
	if p.bus != nil {
		p.bus.Publish(p.ctx, e)
	}
}

// Position returns a copy of the signal's open position, nil when none.
func (p *Pipeline) Position(signalID string) *model.Position {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pos, ok := p.positions[signalID]; ok {
		cp := *pos
		return &cp
	}
	return nil
}

// OpenPositions returns copies of all open positions.
func (p *Pipeline) OpenPositions() []model.Position {
	p.mu.Lock()
	out := make([]model.Position, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, *pos)
	}
	p.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out
}

// ActiveSignal returns the tenant's active signal on symbol.
func (p *Pipeline) ActiveSignal(tenantID, symbol string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.active[activeKey(tenantID, symbol)]
	return id, ok
}

// Queued returns the submitted signals still waiting for an analysis slot.
func (p *Pipeline) Queued() []model.Signal {
	p.mu.Lock()
	out := make([]model.Signal, 0, len(p.queued))
	for _, q := range p.queued {
		out = append(out, q.sig)
	}
	p.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// InFlight returns the signals being analysed right now.
func (p *Pipeline) InFlight() []model.Signal {
	p.mu.Lock()
	out := make([]model.Signal, 0, len(p.inflight))
	for _, s := range p.inflight {
		out = append(out, s)
	}
	p.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Wait blocks until submitted analyses finish or ctx ends. On ctx expiry the
// running and queued analyses are cancelled and returned.
func (p *Pipeline) Wait(ctx context.Context) ([]model.Signal, error) {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil, nil
	case <-ctx.Done():
		left := p.InFlight()
		seen := make(map[string]bool, len(left))
		for _, s := range left {
			seen[s.ID] = true
		}
		for _, s := range p.Queued() {
			if !seen[s.ID] {
				left = append(left, s)
			}
		}
		p.cancel()
		return left, ctx.Err()
	}
}

// Stop cancels all analyses in flight.
func (p *Pipeline) Stop() { p.cancel() }
