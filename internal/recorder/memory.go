package recorder

import (
	"context"
	"sort"
	"sync"

	"TradeSentinel/internal/model"
)

// MemoryStore keeps all state in process memory. Used for tests and when no
// database is configured.
type MemoryStore struct {
	mu         sync.RWMutex
	tenants    map[string]model.TenantConfig
	signals    map[string]model.Signal
	decisions  []model.Decision
	positions  map[string]model.Position
	orders     []model.Order
	incomplete []model.IncompleteOp
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tenants:   make(map[string]model.TenantConfig),
		signals:   make(map[string]model.Signal),
		positions: make(map[string]model.Position),
	}
}

func (m *MemoryStore) UpsertTenant(_ context.Context, t *model.TenantConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tenants[t.ID] = *t
	return nil
}

func (m *MemoryStore) Tenants(_ context.Context) ([]model.TenantConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.TenantConfig, 0, len(m.tenants))
	for _, t := range m.tenants {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) SetTenantStatus(_ context.Context, id string, status model.TenantStatus, diagnostic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[id]
	if !ok {
		return ErrNotFound
	}
	t.Status = status
	t.Diagnostic = diagnostic
	m.tenants[id] = t
	return nil
}

func (m *MemoryStore) CreateSignal(_ context.Context, s *model.Signal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signals[s.ID] = *s
	return nil
}

func (m *MemoryStore) UpdateSignal(_ context.Context, s *model.Signal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.signals[s.ID]; !ok {
		return ErrNotFound
	}
	m.signals[s.ID] = *s
	return nil
}

func (m *MemoryStore) GetSignal(_ context.Context, id string) (*model.Signal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.signals[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &s, nil
}

func (m *MemoryStore) ListSignals(_ context.Context, tenantID string, statuses ...model.SignalStatus) ([]model.Signal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	want := make(map[model.SignalStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	var out []model.Signal
	for _, s := range m.signals {
		if tenantID != "" && s.TenantID != tenantID {
			continue
		}
		if len(want) > 0 && !want[s.Status] {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TriggeredAt.Before(out[j].TriggeredAt) })
	return out, nil
}

func (m *MemoryStore) RecordDecision(_ context.Context, d *model.Decision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decisions = append(m.decisions, *d)
	return nil
}

func (m *MemoryStore) ListDecisions(_ context.Context, signalID string) ([]model.Decision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Decision
	for _, d := range m.decisions {
		if d.SignalID == signalID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *MemoryStore) CreatePosition(_ context.Context, p *model.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[p.ID] = *p
	return nil
}

func (m *MemoryStore) UpdatePosition(_ context.Context, p *model.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.positions[p.ID]; !ok {
		return ErrNotFound
	}
	m.positions[p.ID] = *p
	return nil
}

func (m *MemoryStore) OpenPositions(_ context.Context) ([]model.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Position
	for _, p := range m.positions {
		if p.Status == model.PositionOpen {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out, nil
}

func (m *MemoryStore) PositionsBySignal(_ context.Context, signalID string) ([]model.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Position
	for _, p := range m.positions {
		if p.SignalID == signalID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out, nil
}

func (m *MemoryStore) RecordOrder(_ context.Context, o *model.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders = append(m.orders, *o)
	return nil
}

func (m *MemoryStore) ListOrders(_ context.Context, positionID string) ([]model.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Order
	for _, o := range m.orders {
		if positionID == "" || o.PositionID == positionID {
			out = append(out, o)
		}
	}
	return out, nil
}

func (m *MemoryStore) RecordIncomplete(_ context.Context, op *model.IncompleteOp) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.incomplete = append(m.incomplete, *op)
	return nil
}

// Incomplete returns the recorded incomplete operations.
func (m *MemoryStore) Incomplete() []model.IncompleteOp {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]model.IncompleteOp(nil), m.incomplete...)
}

func (m *MemoryStore) Close() error { return nil }
