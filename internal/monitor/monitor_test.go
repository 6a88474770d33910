package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"TradeSentinel/internal/model"
	"TradeSentinel/internal/series"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type closeCall struct {
	id     string
	price  float64
	reason string
}

type fakeCloser struct {
	mu    sync.Mutex
	calls []closeCall
	err   error
}

func (f *fakeCloser) CloseOnTrigger(_ context.Context, pos model.Position, price float64, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, closeCall{pos.ID, price, reason})
	return f.err
}

func (f *fakeCloser) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

var now = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func long(id string) model.Position {
	return model.Position{ID: id, Symbol: "BTCUSDT", Side: model.SideLong, EntryPrice: 100, Size: 1,
		StopLoss: 95, TakeProfit: 110, Status: model.PositionOpen, OpenedAt: now}
}

func record(s *series.Store, prices ...float64) {
	for i, p := range prices {
		s.RecordPrice("BTCUSDT", p, now.Add(time.Duration(i)*time.Second))
	}
}

func TestStopLossBeforeTakeProfitClosesOnce(t *testing.T) {
	store := series.NewStore(10)
	closer := &fakeCloser{}
	m := New(store, closer, StopLossFirst, zerolog.Nop(), nil)

	record(store, 100)
	m.Track(long("p1"))
	record(store, 99, 94, 111)

	assert.Equal(t, 1, m.Check(context.Background()))
	require.Len(t, closer.calls, 1)
	assert.Equal(t, closeCall{"p1", 94, model.ReasonStopLoss}, closer.calls[0])
	assert.Equal(t, 0, m.Count())

	record(store, 90, 120)
	assert.Equal(t, 0, m.Check(context.Background()))
	assert.Equal(t, 1, closer.count())
}

func TestTakeProfitReachedFirst(t *testing.T) {
	store := series.NewStore(10)
	closer := &fakeCloser{}
	m := New(store, closer, StopLossFirst, zerolog.Nop(), nil)

	m.Track(long("p1"))
	record(store, 105, 112, 90)

	m.Check(context.Background())
	require.Len(t, closer.calls, 1)
	assert.Equal(t, model.ReasonTakeProfit, closer.calls[0].reason)
	assert.Equal(t, 112.0, closer.calls[0].price)
}

func TestShortLevels(t *testing.T) {
	store := series.NewStore(10)
	closer := &fakeCloser{}
	m := New(store, closer, StopLossFirst, zerolog.Nop(), nil)

	pos := long("p1")
	pos.Side = model.SideShort
	pos.StopLoss, pos.TakeProfit = 105, 90
	m.Track(pos)
	record(store, 101, 106)

	m.Check(context.Background())
	require.Len(t, closer.calls, 1)
	assert.Equal(t, model.ReasonStopLoss, closer.calls[0].reason)
}

func TestNoCrossKeepsTracking(t *testing.T) {
	store := series.NewStore(10)
	closer := &fakeCloser{}
	m := New(store, closer, StopLossFirst, zerolog.Nop(), nil)

	m.Track(long("p1"))
	record(store, 101, 102, 96)
	assert.Equal(t, 0, m.Check(context.Background()))
	assert.Equal(t, 0, m.Check(context.Background()))
	assert.Equal(t, 1, m.Count())
}

func TestAlreadyCrossedPriceClosesOnFirstCheck(t *testing.T) {
	store := series.NewStore(10)
	closer := &fakeCloser{}
	m := New(store, closer, StopLossFirst, zerolog.Nop(), nil)

	record(store, 93)
	m.Track(long("p1"))
	assert.Equal(t, 1, m.Check(context.Background()))
}

func TestTiePolicyOnInvertedLevels(t *testing.T) {
	for _, tc := range []struct {
		policy TiePolicy
		want   string
	}{
		{StopLossFirst, model.ReasonStopLoss},
		{TakeProfitFirst, model.ReasonTakeProfit},
	} {
		t.Run(string(tc.policy), func(t *testing.T) {
			store := series.NewStore(10)
			closer := &fakeCloser{}
			m := New(store, closer, tc.policy, zerolog.Nop(), nil)

			pos := long("p1")
			pos.StopLoss, pos.TakeProfit = 105, 102 // 103 crosses both
			m.Track(pos)
			record(store, 103)
			m.Check(context.Background())
			require.Len(t, closer.calls, 1)
			assert.Equal(t, tc.want, closer.calls[0].reason)
		})
	}
}

func TestTruncatedJournalUsesTiePolicy(t *testing.T) {
	store := series.NewStore(10)
	closer := &fakeCloser{}
	m := New(store, closer, TakeProfitFirst, zerolog.Nop(), nil)

	m.Track(long("p1"))
	// overflow the journal so the cursor falls behind the oldest point
	for i := 0; i < 600; i++ {
		if i%2 == 0 {
			record(store, 100)
		} else {
			record(store, 101)
		}
	}
	record(store, 94, 111)

	m.Check(context.Background())
	require.Len(t, closer.calls, 1)
	assert.Equal(t, model.ReasonTakeProfit, closer.calls[0].reason)
}

func TestFailedCloseIsRetried(t *testing.T) {
	store := series.NewStore(10)
	closer := &fakeCloser{err: errors.New("order failed")}
	m := New(store, closer, StopLossFirst, zerolog.Nop(), nil)

	m.Track(long("p1"))
	record(store, 94)
	assert.Equal(t, 0, m.Check(context.Background()))
	assert.Equal(t, 1, m.Count())

	// no new price: the crossed stop is retried anyway
	assert.Equal(t, 0, m.Check(context.Background()))
	assert.Equal(t, 2, closer.count())

	closer.mu.Lock()
	closer.err = nil
	closer.mu.Unlock()
	assert.Equal(t, 1, m.Check(context.Background()))
	assert.Equal(t, 3, closer.count())
	assert.Equal(t, 0, m.Count())
	for _, c := range closer.calls {
		assert.Equal(t, closeCall{"p1", 94, model.ReasonStopLoss}, c)
	}
}

func TestFailedCloseRetriedAfterRecovery(t *testing.T) {
	store := series.NewStore(10)
	closer := &fakeCloser{err: errors.New("order failed")}
	m := New(store, closer, StopLossFirst, zerolog.Nop(), nil)

	m.Track(long("p1"))
	record(store, 94)
	assert.Equal(t, 0, m.Check(context.Background()))

	closer.mu.Lock()
	closer.err = nil
	closer.mu.Unlock()
	record(store, 96)
	assert.Equal(t, 1, m.Check(context.Background()))
	require.Len(t, closer.calls, 2)
	assert.Equal(t, closeCall{"p1", 94, model.ReasonStopLoss}, closer.calls[1])
}

func TestUpdateDropsPendingTriggerWhenLevelsMove(t *testing.T) {
	store := series.NewStore(10)
	closer := &fakeCloser{err: errors.New("order failed")}
	m := New(store, closer, StopLossFirst, zerolog.Nop(), nil)

	pos := long("p1")
	m.Track(pos)
	record(store, 94)
	assert.Equal(t, 0, m.Check(context.Background()))

	pos.StopLoss = 90
	m.Update(pos)
	closer.mu.Lock()
	closer.err = nil
	closer.mu.Unlock()
	assert.Equal(t, 0, m.Check(context.Background()))
	assert.Equal(t, 1, closer.count())
	assert.Equal(t, 1, m.Count())
}

func TestUpdateAndPositions(t *testing.T) {
	store := series.NewStore(10)
	m := New(store, &fakeCloser{}, StopLossFirst, zerolog.Nop(), nil)

	a, b := long("a"), long("b")
	b.OpenedAt = now.Add(time.Minute)
	m.Track(b)
	m.Track(a)
	got := m.Positions()
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID)

	a.StopLoss = 99
	m.Update(a)
	assert.Equal(t, 99.0, m.Positions()[0].StopLoss)

	a.Status = model.PositionClosed
	m.Update(a)
	assert.Equal(t, 1, m.Count())

	m.Untrack("b")
	assert.Equal(t, 0, m.Count())
}

func TestParseTiePolicy(t *testing.T) {
	p, err := ParseTiePolicy("")
	require.NoError(t, err)
	assert.Equal(t, StopLossFirst, p)
	p, err = ParseTiePolicy("take_profit_first")
	require.NoError(t, err)
	assert.Equal(t, TakeProfitFirst, p)
	_, err = ParseTiePolicy("coin_flip")
	assert.Error(t, err)
}

func TestRunStopsWithContext(t *testing.T) {
	store := series.NewStore(10)
	closer := &fakeCloser{}
	m := New(store, closer, StopLossFirst, zerolog.Nop(), nil)
	m.Track(long("p1"))
	record(store, 90)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx, 5*time.Millisecond)
		close(done)
	}()
	require.Eventually(t, func() bool { return closer.count() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}
