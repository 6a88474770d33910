package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	events []Event
	err    error
}

func (s *recordingSink) Publish(_ context.Context, e Event) error {
	s.events = append(s.events, e)
	return s.err
}

func TestBusDeliversToSubscribersAndSinks(t *testing.T) {
	sink := &recordingSink{}
	bus := NewBus(zerolog.Nop(), sink)
	ch, cancel := bus.Subscribe(4)
	defer cancel()

	bus.Publish(context.Background(), Event{Type: SignalCreated, TenantID: "t1"})

	got := <-ch
	assert.Equal(t, SignalCreated, got.Type)
	assert.False(t, got.Time.IsZero())
	require.Len(t, sink.events, 1)
	assert.Equal(t, "t1", sink.events[0].TenantID)
}

func TestBusDropsForSlowSubscribers(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	_, cancel := bus.Subscribe(1)
	bus.Publish(context.Background(), Event{Type: PositionOpened})
	bus.Publish(context.Background(), Event{Type: PositionClosed})
	assert.Equal(t, int64(1), bus.Dropped())

	cancel()
	cancel()
	bus.Publish(context.Background(), Event{Type: PositionClosed})
	assert.Equal(t, int64(1), bus.Dropped())
}

func TestBusIgnoresSinkErrors(t *testing.T) {
	sink := &recordingSink{err: errors.New("down")}
	bus := NewBus(zerolog.Nop(), sink)
	bus.Publish(context.Background(), Event{Type: OrderFailed})
	assert.Len(t, sink.events, 1)
}

type fakePublisher struct {
	channel string
	payload []byte
	err     error
}

func (f *fakePublisher) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	f.channel = channel
	f.payload = message.([]byte)
	cmd := redis.NewIntCmd(ctx)
	if f.err != nil {
		cmd.SetErr(f.err)
	} else {
		cmd.SetVal(1)
	}
	return cmd
}

func TestRedisSinkPublishesJSON(t *testing.T) {
	pub := &fakePublisher{}
	sink := NewRedisSink(pub, "tradesentinel:events")
	require.NoError(t, sink.Publish(context.Background(), Event{Type: PositionClosed, TenantID: "t1",
		Data: map[string]interface{}{"reason": "stop_loss"}}))

	assert.Equal(t, "tradesentinel:events", pub.channel)
	var decoded Event
	require.NoError(t, json.Unmarshal(pub.payload, &decoded))
	assert.Equal(t, PositionClosed, decoded.Type)
	assert.Equal(t, "stop_loss", decoded.Data["reason"])

	pub.err = errors.New("conn refused")
	assert.Error(t, sink.Publish(context.Background(), Event{Type: PositionClosed}))
}
