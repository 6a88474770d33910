package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignalTransitionsFollowGraph(t *testing.T) {
	all := []SignalStatus{SignalNew, SignalWatching, SignalRejected, SignalPositionOpen, SignalClosed}
	allowed := map[[2]SignalStatus]bool{
		{SignalNew, SignalWatching}:          true,
		{SignalNew, SignalRejected}:          true,
		{SignalWatching, SignalPositionOpen}: true,
		{SignalWatching, SignalClosed}:       true,
		{SignalPositionOpen, SignalClosed}:   true,
	}
	for _, from := range all {
		for _, to := range all {
			sig := &Signal{Status: from}
			err := sig.Transition(to, time.Now())
			if allowed[[2]SignalStatus{from, to}] {
				require.NoError(t, err, "%s -> %s", from, to)
				assert.Equal(t, to, sig.Status)
			} else {
				require.ErrorIs(t, err, ErrInvalidTransition, "%s -> %s", from, to)
				assert.Equal(t, from, sig.Status)
			}
		}
	}
}

func TestTerminalStatuses(t *testing.T) {
	assert.True(t, SignalRejected.Terminal())
	assert.True(t, SignalClosed.Terminal())
	assert.False(t, SignalWatching.Terminal())
	assert.True(t, SignalPositionOpen.Active())
	assert.False(t, SignalClosed.Active())
}

func TestParseCadence(t *testing.T) {
	tests := []struct {
		in      string
		want    Cadence
		wantErr bool
	}{
		{"60s", Cadence{Every: time.Minute}, false},
		{"5m", Cadence{Every: 5 * time.Minute}, false},
		{"1d", Cadence{Every: 24 * time.Hour}, false},
		{"15m_close", Cadence{Every: 15 * time.Minute, Aligned: true}, false},
		{"1h_close", Cadence{Every: time.Hour, Aligned: true}, false},
		{"500ms", Cadence{}, true},
		{"", Cadence{}, true},
		{"x_close", Cadence{}, true},
		{"7y", Cadence{}, true},
	}
	for _, tt := range tests {
		got, err := ParseCadence(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestParseVerdict(t *testing.T) {
	tests := map[string]Verdict{
		"open_long":     VerdictOpenLong,
		"OPEN-SHORT":    VerdictOpenShort,
		"partial-close": VerdictPartialClose,
		"update_stop":   VerdictUpdateStopLoss,
		"update_target": VerdictUpdateTakeProfit,
		"flip":          VerdictFlip,
		"close_watch":   VerdictClose,
		" watch ":       VerdictWatch,
	}
	for in, want := range tests {
		got, err := ParseVerdict(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseVerdict("buy the dip")
	assert.Error(t, err)
}

func TestPositionLevels(t *testing.T) {
	long := Position{Side: SideLong, EntryPrice: 100, Size: 2, StopLoss: 95, TakeProfit: 110, Status: PositionOpen}
	assert.True(t, long.StopHit(95))
	assert.False(t, long.StopHit(96))
	assert.True(t, long.TargetHit(111))
	assert.InDelta(t, -10.0, long.UnrealizedPnL(95), 1e-9)

	short := Position{Side: SideShort, EntryPrice: 100, Size: 1, StopLoss: 105, TakeProfit: 90, Status: PositionOpen}
	assert.True(t, short.StopHit(106))
	assert.True(t, short.TargetHit(89))
	assert.InDelta(t, 10.0, short.PnL(90, 1), 1e-9)

	unset := Position{Side: SideLong, EntryPrice: 100}
	assert.False(t, unset.StopHit(1))
	assert.False(t, unset.TargetHit(1000))
}

func TestSnapshotPriceFallsBackToNewestCandle(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	snap := Snapshot{Series: map[Timeframe][]Candle{
		"1m": {{OpenTime: t0, Close: 10}, {OpenTime: t0.Add(time.Minute), Close: 11}},
		"1h": {{OpenTime: t0, Close: 9}},
	}}
	assert.Equal(t, 11.0, snap.Price())

	snap.Ticker.LastPrice = 12
	assert.Equal(t, 12.0, snap.Price())

	last, ok := snap.Last("1m")
	require.True(t, ok)
	assert.Equal(t, 11.0, last.Close)
	_, ok = snap.Last("4h")
	assert.False(t, ok)
}
