package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Type names an event.
type Type string

const (
	SignalCreated    Type = "signal_created"
	SignalStatus     Type = "signal_status"
	DecisionRecorded Type = "decision_recorded"
	PositionOpened   Type = "position_opened"
	PositionUpdated  Type = "position_updated"
	PositionClosed   Type = "position_closed"
	OrderFailed      Type = "order_failed"
	TenantError      Type = "tenant_error"
	IngestorState    Type = "ingestor_state"
)

// Event is published to subscribers and sinks.
type Event struct {
	Type     Type                   `json:"type"`
	TenantID string                 `json:"tenant_id,omitempty"`
	Time     time.Time              `json:"time"`
	Data     map[string]interface{} `json:"data,omitempty"`
}

// Sink forwards events outside the process.
type Sink interface {
	Publish(ctx context.Context, e Event) error
}

// Bus fans events out to in-process subscribers and optional sinks. Publish never
// blocks: a full subscriber buffer drops the event.
type Bus struct {
	log zerolog.Logger

	mu    sync.RWMutex
	subs  map[int]chan Event
	next  int
	sinks []Sink

	dropped atomic.Int64
}

func NewBus(log zerolog.Logger, sinks ...Sink) *Bus {
	return &Bus{
		log:   log.With().Str("component", "events").Logger(),
		subs:  make(map[int]chan Event),
		sinks: sinks,
	}
}

// Subscribe returns a channel of events and a function that ends the subscription.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Publish stamps and delivers an event.
func (b *Bus) Publish(ctx context.Context, e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
	sinks := b.sinks
	b.mu.RUnlock()

	for _, s := range sinks {
		if err := s.Publish(ctx, e); err != nil {
			b.log.Warn().Err(err).Str("type", string(e.Type)).Msg("event sink publish failed")
		}
	}
}

// Dropped returns how many events were discarded for slow subscribers.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }
