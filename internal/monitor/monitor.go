package monitor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"TradeSentinel/internal/metrics"
	"TradeSentinel/internal/model"
	"TradeSentinel/internal/series"

	"github.com/rs/zerolog"
)

// TiePolicy decides which level wins when the order of two crosses is unknown.
type TiePolicy string

const (
	StopLossFirst   TiePolicy = "stop_loss_first"
	TakeProfitFirst TiePolicy = "take_profit_first"
)

// ParseTiePolicy validates a configured tie policy. Empty means StopLossFirst.
func ParseTiePolicy(s string) (TiePolicy, error) {
	switch TiePolicy(s) {
	case "", StopLossFirst:
		return StopLossFirst, nil
	case TakeProfitFirst:
		return TakeProfitFirst, nil
	}
	return "", fmt.Errorf("unknown tie policy %q", s)
}

// PriceSource is the per-symbol price journal the monitor walks.
type PriceSource interface {
	PricesSince(symbol string, after uint64) ([]series.PricePoint, bool)
	LastSeq(symbol string) uint64
}

// Closer closes a position that hit one of its levels.
type Closer interface {
	CloseOnTrigger(ctx context.Context, pos model.Position, price float64, reason string) error
}

type tracked struct {
	pos     model.Position
	lastSeq uint64
	closing bool
	// pending is a crossed level whose close failed; retried every check.
	pending *trigger
}

// Monitor watches open positions for stop-loss and take-profit crosses.
type Monitor struct {
	prices  PriceSource
	closer  Closer
	policy  TiePolicy
	log     zerolog.Logger
	metrics *metrics.Metrics

	mu        sync.Mutex
	positions map[string]*tracked
}

// New creates a monitor. m may be nil.
func New(prices PriceSource, closer Closer, policy TiePolicy, log zerolog.Logger, m *metrics.Metrics) *Monitor {
	if policy == "" {
		policy = StopLossFirst
	}
	return &Monitor{
		prices:    prices,
		closer:    closer,
		policy:    policy,
		log:       log.With().Str("component", "monitor").Logger(),
		metrics:   m,
		positions: make(map[string]*tracked),
	}
}

// Track starts watching a position. The newest journal price is included in
// the next check so a level already crossed closes immediately.
func (m *Monitor) Track(pos model.Position) {
	if pos.Status != model.PositionOpen {
		return
	}
	seq := m.prices.LastSeq(pos.Symbol)
	if seq > 0 {
		seq--
	}
	m.mu.Lock()
	if t, ok := m.positions[pos.ID]; ok {
		t.pos = pos
	} else {
		m.positions[pos.ID] = &tracked{pos: pos, lastSeq: seq}
	}
	n := len(m.positions)
	m.mu.Unlock()
	m.setGauge(n)
	m.log.Info().Str("position_id", pos.ID).Str("symbol", pos.Symbol).Float64("entry", pos.EntryPrice).
		Float64("stop_loss", pos.StopLoss).Float64("take_profit", pos.TakeProfit).Msg("position tracked")
}

// Update replaces a tracked position, keeping its journal cursor. A closed
// position is untracked.
func (m *Monitor) Update(pos model.Position) {
	if pos.Status != model.PositionOpen {
		m.Untrack(pos.ID)
		return
	}
	m.mu.Lock()
	t, ok := m.positions[pos.ID]
	if ok {
		t.pos = pos
		if t.pending != nil {
			if pos.StopHit(t.pending.price) || pos.TargetHit(t.pending.price) {
				t.pending.pos = pos
			} else {
				t.pending = nil
			}
		}
	}
	m.mu.Unlock()
	if !ok {
		m.Track(pos)
	}
}

// Untrack stops watching a position.
func (m *Monitor) Untrack(id string) {
	m.mu.Lock()
	delete(m.positions, id)
	n := len(m.positions)
	m.mu.Unlock()
	m.setGauge(n)
}

// Positions returns copies of the tracked positions ordered by open time.
func (m *Monitor) Positions() []model.Position {
	m.mu.Lock()
	out := make([]model.Position, 0, len(m.positions))
	for _, t := range m.positions {
		out = append(out, t.pos)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	return out
}

// Count returns the number of tracked positions.
func (m *Monitor) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.positions)
}

// Run checks all positions every interval until ctx ends.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

type trigger struct {
	id     string
	pos    model.Position
	price  float64
	reason string
}

// Check walks the prices observed since the previous check and closes every
// position whose stop-loss or take-profit was crossed. It returns the number
// of positions closed.
func (m *Monitor) Check(ctx context.Context) int {
	var triggers []trigger

	m.mu.Lock()
	for id, t := range m.positions {
		if t.closing {
			continue
		}
		points, truncated := m.prices.PricesSince(t.pos.Symbol, t.lastSeq)
		if len(points) > 0 {
			t.lastSeq = points[len(points)-1].Seq
		}
		if t.pending != nil {
			t.closing = true
			triggers = append(triggers, *t.pending)
			continue
		}
		if len(points) == 0 {
			continue
		}
		if price, reason, ok := m.firstCross(t.pos, points, truncated); ok {
			t.closing = true
			triggers = append(triggers, trigger{id: id, pos: t.pos, price: price, reason: reason})
		}
	}
	m.mu.Unlock()

	closed := 0
	for _, tr := range triggers {
		m.log.Warn().Str("position_id", tr.id).Str("tenant_id", tr.pos.TenantID).Str("symbol", tr.pos.Symbol).
			Str("reason", tr.reason).Float64("price", tr.price).Msg("level crossed, closing position")
		if err := m.closer.CloseOnTrigger(ctx, tr.pos, tr.price, tr.reason); err != nil {
			m.log.Error().Err(err).Str("position_id", tr.id).Msg("close on trigger failed, will retry")
			m.mu.Lock()
			if t, ok := m.positions[tr.id]; ok {
				t.closing = false
				pending := tr
				t.pending = &pending
			}
			m.mu.Unlock()
			continue
		}
		m.Untrack(tr.id)
		closed++
	}
	return closed
}

// firstCross returns the first level crossed along the price path. When the
// order cannot be told apart, because a single point crosses both levels or
// older points were lost, the tie policy picks the level.
func (m *Monitor) firstCross(pos model.Position, points []series.PricePoint, truncated bool) (float64, string, bool) {
	if truncated {
		var slAt, tpAt *series.PricePoint
		for i := range points {
			p := &points[i]
			if slAt == nil && pos.StopHit(p.Price) {
				slAt = p
			}
			if tpAt == nil && pos.TargetHit(p.Price) {
				tpAt = p
			}
		}
		if slAt != nil && tpAt != nil {
			return m.tie(slAt.Price, tpAt.Price)
		}
	}
	for _, p := range points {
		sl, tp := pos.StopHit(p.Price), pos.TargetHit(p.Price)
		switch {
		case sl && tp:
			return m.tie(p.Price, p.Price)
		case sl:
			return p.Price, model.ReasonStopLoss, true
		case tp:
			return p.Price, model.ReasonTakeProfit, true
		}
	}
	return 0, "", false
}

func (m *Monitor) tie(slPrice, tpPrice float64) (float64, string, bool) {
	if m.policy == TakeProfitFirst {
		return tpPrice, model.ReasonTakeProfit, true
	}
	return slPrice, model.ReasonStopLoss, true
}

func (m *Monitor) setGauge(n int) {
	if m.metrics != nil {
		m.metrics.OpenPositions.Set(float64(n))
	}
}
