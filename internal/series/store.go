package series

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"TradeSentinel/internal/model"
)

// DefaultCapacity is the number of candles kept per series when none is configured.
const DefaultCapacity = 1000

// Action is the effect an update had on a series.
type Action int

const (
	Ignored Action = iota
	Replaced
	Appended
)

type key struct {
	symbol string
	tf     model.Timeframe
}

type entry struct {
	mu     sync.RWMutex
	r      ring
	period time.Duration
}

// Store holds bounded candle series per (symbol, timeframe), the latest ticker
// and a short price journal per symbol. Reads return copies.
type Store struct {
	capacity int

	mu       sync.RWMutex
	series   map[key]*entry
	tickers  map[string]model.Ticker
	journals map[string]*journal

	lastUpdate atomic.Int64
}

// NewStore creates a store keeping capacity candles per series.
func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{
		capacity: capacity,
		series:   make(map[key]*entry),
		tickers:  make(map[string]model.Ticker),
		journals: make(map[string]*journal),
	}
}

// Capacity returns the per-series candle limit.
func (s *Store) Capacity() int { return s.capacity }

func normalize(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

func (s *Store) lookup(symbol string, tf model.Timeframe) *entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.series[key{normalize(symbol), tf}]
}

func (s *Store) getOrCreate(symbol string, tf model.Timeframe) *entry {
	k := key{normalize(symbol), tf}
	s.mu.RLock()
	e, ok := s.series[k]
	s.mu.RUnlock()
	if ok {
		return e
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok = s.series[k]; ok {
		return e
	}
	period, _ := tf.Duration()
	e = &entry{r: newRing(s.capacity), period: period}
	s.series[k] = e
	return e
}

// Update upserts the newest candle when its open time matches, appends it when newer,
// and ignores it when older or when the matching candle is already closed.
// gap reports that the appended candle does not directly follow the previous one.
func (s *Store) Update(symbol string, tf model.Timeframe, c model.Candle) (act Action, gap bool) {
	e := s.getOrCreate(symbol, tf)
	e.mu.Lock()
	defer e.mu.Unlock()

	last, ok := e.r.last()
	switch {
	case !ok:
		e.r.push(c)
		act = Appended
	case c.OpenTime.Equal(last.OpenTime):
		if last.Closed {
			return Ignored, false
		}
		e.r.setLast(c)
		act = Replaced
	case c.OpenTime.Before(last.OpenTime):
		return Ignored, false
	default:
		if !last.Closed {
			last.Closed = true
			e.r.setLast(last)
		}
		gap = e.period > 0 && c.OpenTime.Sub(last.OpenTime) > e.period
		e.r.push(c)
		act = Appended
	}
	s.lastUpdate.Store(time.Now().UnixNano())
	return act, gap
}

// Backfill merges historical candles into a series and returns its new length.
// Closed candles already held win over incoming ones with the same open time.
func (s *Store) Backfill(symbol string, tf model.Timeframe, candles []model.Candle) int {
	if len(candles) == 0 {
		return s.Len(symbol, tf)
	}
	e := s.getOrCreate(symbol, tf)
	e.mu.Lock()
	defer e.mu.Unlock()

	incoming := make([]model.Candle, len(candles))
	copy(incoming, candles)
	sort.Slice(incoming, func(i, j int) bool { return incoming[i].OpenTime.Before(incoming[j].OpenTime) })

	existing := e.r.tail(e.r.len())
	merged := make([]model.Candle, 0, len(existing)+len(incoming))
	i, j := 0, 0
	for i < len(existing) || j < len(incoming) {
		switch {
		case j == len(incoming):
			merged = appendUnique(merged, existing[i])
			i++
		case i == len(existing):
			merged = appendUnique(merged, incoming[j])
			j++
		case existing[i].OpenTime.Before(incoming[j].OpenTime):
			merged = appendUnique(merged, existing[i])
			i++
		case incoming[j].OpenTime.Before(existing[i].OpenTime):
			merged = appendUnique(merged, incoming[j])
			j++
		default:
			if existing[i].Closed {
				merged = appendUnique(merged, existing[i])
			} else {
				merged = appendUnique(merged, incoming[j])
			}
			i++
			j++
		}
	}
	for k := 0; k < len(merged)-1; k++ {
		merged[k].Closed = true
	}
	if len(merged) > s.capacity {
		merged = merged[len(merged)-s.capacity:]
	}
	e.r.reset(merged)
	s.lastUpdate.Store(time.Now().UnixNano())
	return e.r.len()
}

func appendUnique(dst []model.Candle, c model.Candle) []model.Candle {
	if n := len(dst); n > 0 && !c.OpenTime.After(dst[n-1].OpenTime) {
		return dst
	}
	return append(dst, c)
}

// Read returns a copy of the newest count candles. Unknown series yield an empty result.
func (s *Store) Read(symbol string, tf model.Timeframe, count int) []model.Candle {
	e := s.lookup(symbol, tf)
	if e == nil {
		return nil
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.r.tail(count)
}

// Last returns the newest candle of a series.
func (s *Store) Last(symbol string, tf model.Timeframe) (model.Candle, bool) {
	e := s.lookup(symbol, tf)
	if e == nil {
		return model.Candle{}, false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.r.last()
}

// Len returns the number of candles held for a series.
func (s *Store) Len(symbol string, tf model.Timeframe) int {
	e := s.lookup(symbol, tf)
	if e == nil {
		return 0
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.r.len()
}

// SetTicker stores the latest ticker and records its price in the journal.
func (s *Store) SetTicker(t model.Ticker) {
	if t.LastPrice <= 0 {
		return
	}
	t.Symbol = normalize(t.Symbol)
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = time.Now()
	}
	s.mu.Lock()
	s.tickers[t.Symbol] = t
	s.journalLocked(t.Symbol).record(t.LastPrice, t.UpdatedAt)
	s.mu.Unlock()
	s.lastUpdate.Store(time.Now().UnixNano())
}

// Ticker returns the latest ticker of a symbol.
func (s *Store) Ticker(symbol string) (model.Ticker, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tickers[normalize(symbol)]
	return t, ok
}

// RecordPrice appends an observed trade price to the symbol's journal.
func (s *Store) RecordPrice(symbol string, price float64, at time.Time) {
	if price <= 0 {
		return
	}
	s.mu.Lock()
	s.journalLocked(normalize(symbol)).record(price, at)
	s.mu.Unlock()
}

func (s *Store) journalLocked(symbol string) *journal {
	j, ok := s.journals[symbol]
	if !ok {
		j = &journal{}
		s.journals[symbol] = j
	}
	return j
}

// PricesSince returns journal points with Seq greater than after, in arrival order.
func (s *Store) PricesSince(symbol string, after uint64) ([]PricePoint, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.journals[normalize(symbol)]
	if !ok {
		return nil, false
	}
	return j.since(after)
}

// LastSeq returns the sequence of the newest journal point, zero when none.
func (s *Store) LastSeq(symbol string) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if j, ok := s.journals[normalize(symbol)]; ok {
		return j.seq
	}
	return 0
}

// LastPrice returns the ticker price, or the newest recorded price.
func (s *Store) LastPrice(symbol string) (float64, bool) {
	symbol = normalize(symbol)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if t, ok := s.tickers[symbol]; ok && t.LastPrice > 0 {
		return t.LastPrice, true
	}
	if j, ok := s.journals[symbol]; ok && j.seq > 0 {
		return j.points[(j.seq-1)%journalSize].Price, true
	}
	return 0, false
}

// Snapshot copies the ticker and the newest count candles of each timeframe.
func (s *Store) Snapshot(symbol string, timeframes []model.Timeframe, count int) model.Snapshot {
	snap := model.Snapshot{
		Symbol:  normalize(symbol),
		Series:  make(map[model.Timeframe][]model.Candle, len(timeframes)),
		TakenAt: time.Now(),
	}
	snap.Ticker, _ = s.Ticker(symbol)
	for _, tf := range timeframes {
		snap.Series[tf] = s.Read(symbol, tf, count)
	}
	return snap
}

// Symbols lists every symbol with candle or ticker data, sorted.
func (s *Store) Symbols() []string {
	s.mu.RLock()
	seen := make(map[string]struct{}, len(s.tickers))
	for k := range s.series {
		seen[k.symbol] = struct{}{}
	}
	for sym := range s.tickers {
		seen[sym] = struct{}{}
	}
	s.mu.RUnlock()
	out := make([]string, 0, len(seen))
	for sym := range seen {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// LastUpdate returns when any series or ticker was last written.
func (s *Store) LastUpdate() time.Time {
	ns := s.lastUpdate.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}
