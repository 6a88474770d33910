package collector

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"TradeSentinel/internal/events"
	"TradeSentinel/internal/metrics"
	"TradeSentinel/internal/model"
	"TradeSentinel/internal/series"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// ErrRetriesExhausted is returned by Run when the stream stayed down for MaxRetries attempts.
var ErrRetriesExhausted = errors.New("market data stream retries exhausted")

var errResubscribe = errors.New("stream set changed")

const (
	readTimeout  = 60 * time.Second
	pingInterval = 15 * time.Second
	writeTimeout = 5 * time.Second
)

// Options configures the collector.
type Options struct {
	URL        string
	Symbols    []string
	Timeframes []model.Timeframe

	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	// Backfill loads BackfillLimit candles per series over REST after every connect.
	Backfill      bool
	BackfillLimit int

	Dialer *websocket.Dialer
}

// Collector keeps the series store fed from the exchange stream, backfilling
// over REST after every (re)connect.
type Collector struct {
	opts    Options
	store   *series.Store
	fetcher Fetcher
	log     zerolog.Logger
	metrics *metrics.Metrics
	bus     *events.Bus

	mu          sync.Mutex
	symbols     []string
	timeframes  []model.Timeframe
	resubscribe chan struct{}
	backfilling map[string]bool

	connected   atomic.Bool
	lastMessage atomic.Int64
}

// NewCollector creates a collector. fetcher, m and bus may be nil.
func NewCollector(store *series.Store, fetcher Fetcher, opts Options, log zerolog.Logger, m *metrics.Metrics, bus *events.Bus) *Collector {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 10
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = time.Second
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 60 * time.Second
	}
	if opts.BackfillLimit <= 0 {
		opts.BackfillLimit = store.Capacity()
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	return &Collector{
		opts:        opts,
		store:       store,
		fetcher:     fetcher,
		log:         log.With().Str("component", "collector").Logger(),
		metrics:     m,
		bus:         bus,
		symbols:     normalizeSymbols(opts.Symbols),
		timeframes:  slices.Clone(opts.Timeframes),
		resubscribe: make(chan struct{}, 1),
		backfilling: make(map[string]bool),
	}
}

// Connected reports whether the stream is currently up.
func (c *Collector) Connected() bool { return c.connected.Load() }

// LastMessage returns when the last stream message was handled.
func (c *Collector) LastMessage() time.Time {
	ns := c.lastMessage.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Streams returns the subscribed symbols and timeframes.
func (c *Collector) Streams() ([]string, []model.Timeframe) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.symbols), slices.Clone(c.timeframes)
}

// SetStreams changes the subscription. A changed set reconnects the stream.
func (c *Collector) SetStreams(symbols []string, timeframes []model.Timeframe) {
	symbols = normalizeSymbols(symbols)
	timeframes = slices.Clone(timeframes)
	slices.Sort(timeframes)
	timeframes = slices.Compact(timeframes)

	c.mu.Lock()
	changed := !slices.Equal(symbols, c.symbols) || !slices.Equal(timeframes, c.timeframes)
	c.symbols, c.timeframes = symbols, timeframes
	c.mu.Unlock()

	if changed {
		c.log.Info().Strs("symbols", symbols).Int("timeframes", len(timeframes)).Msg("stream set changed, resubscribing")
		select {
		case c.resubscribe <- struct{}{}:
		default:
		}
	}
}

func normalizeSymbols(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		out = append(out, normalizeSymbol(s))
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// Run keeps the stream connected until ctx ends. Disconnects are retried with
// exponential backoff; after MaxRetries consecutive failures Run returns
// ErrRetriesExhausted.
func (c *Collector) Run(ctx context.Context) error {
	failures := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		healthy, err := c.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, errResubscribe) {
			continue
		}
		if healthy {
			failures = 0
		}
		failures++
		if failures > c.opts.MaxRetries {
			c.log.Error().Err(err).Int("attempts", failures-1).Msg("stream retries exhausted")
			return fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, failures-1, err)
		}
		backoff := c.backoff(failures)
		if c.metrics != nil {
			c.metrics.StreamReconnects.Inc()
		}
		c.log.Warn().Err(err).Int("attempt", failures).Int("max", c.opts.MaxRetries).
			Dur("backoff", backoff).Msg("stream disconnected, reconnecting")

		select {
		case <-ctx.Done():
			return nil
		case <-c.resubscribe:
		case <-time.After(backoff):
		}
	}
}

// backoff returns BaseBackoff * 2^(attempt-1) capped at MaxBackoff.
func (c *Collector) backoff(attempt int) time.Duration {
	d := c.opts.BaseBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= c.opts.MaxBackoff {
			return c.opts.MaxBackoff
		}
	}
	return d
}

func (c *Collector) setConnected(ctx context.Context, up bool) {
	if c.connected.Swap(up) == up {
		return
	}
	if c.metrics != nil {
		v := 0.0
		if up {
			v = 1
		}
		c.metrics.StreamConnected.Set(v)
	}
	if c.bus != nil {
		c.bus.Publish(ctx, events.Event{Type: events.IngestorState, Data: map[string]interface{}{"connected": up}})
	}
}

// session runs one connection. healthy reports that at least one message was read.
func (c *Collector) session(ctx context.Context) (healthy bool, err error) {
	symbols, timeframes := c.Streams()
	if len(symbols) == 0 {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-c.resubscribe:
			return false, errResubscribe
		}
	}

	conn, _, err := c.opts.Dialer.DialContext(ctx, StreamURL(c.opts.URL, symbols, timeframes), nil)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.setConnected(ctx, true)
	defer c.setConnected(context.Background(), false)
	c.log.Info().Int("symbols", len(symbols)).Int("timeframes", len(timeframes)).Msg("stream connected")

	if c.opts.Backfill && c.fetcher != nil {
		go c.backfillAll(sessionCtx, symbols, timeframes)
	}

	var resub atomic.Bool
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-sessionCtx.Done():
				_ = conn.Close()
				return
			case <-c.resubscribe:
				resub.Store(true)
				_ = conn.Close()
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
					c.log.Debug().Err(err).Msg("ping failed")
				}
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if resub.Load() {
				return healthy, errResubscribe
			}
			return healthy, fmt.Errorf("read: %w", err)
		}
		healthy = true
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		if err := c.HandleMessage(sessionCtx, data); err != nil {
			c.log.Debug().Err(err).Msg("skip stream message")
		}
	}
}

// HandleMessage classifies one stream message and writes it to the series store.
func (c *Collector) HandleMessage(ctx context.Context, raw []byte) error {
	msg, err := ParseMessage(raw)
	if err != nil {
		return err
	}
	c.lastMessage.Store(time.Now().UnixNano())

	switch msg.Kind {
	case KindKline:
		act, gap := c.store.Update(msg.Symbol, msg.Timeframe, msg.Candle)
		if act == series.Ignored {
			return nil
		}
		c.store.RecordPrice(msg.Symbol, msg.Candle.Close, msg.EventTime)
		if c.metrics != nil {
			c.metrics.CandlesIngested.WithLabelValues(string(msg.Timeframe)).Inc()
		}
		if gap && c.fetcher != nil {
			go c.backfill(ctx, msg.Symbol, msg.Timeframe)
		}
	case KindTicker:
		c.store.SetTicker(msg.Ticker)
	}
	return nil
}

func (c *Collector) backfillAll(ctx context.Context, symbols []string, timeframes []model.Timeframe) {
	for _, sym := range symbols {
		for _, tf := range timeframes {
			if ctx.Err() != nil {
				return
			}
			c.backfill(ctx, sym, tf)
		}
	}
}

// backfill merges REST history into one series. Concurrent requests for the same series collapse.
func (c *Collector) backfill(ctx context.Context, symbol string, tf model.Timeframe) {
	key := symbol + "/" + string(tf)
	c.mu.Lock()
	if c.backfilling[key] {
		c.mu.Unlock()
		return
	}
	c.backfilling[key] = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.backfilling, key)
		c.mu.Unlock()
	}()

	candles, err := c.fetcher.FetchKlines(ctx, symbol, tf, c.opts.BackfillLimit)
	if err != nil {
		if ctx.Err() == nil {
			c.log.Warn().Err(err).Str("symbol", symbol).Str("timeframe", string(tf)).Msg("backfill failed")
		}
		return
	}
	n := c.store.Backfill(symbol, tf, candles)
	c.log.Debug().Str("symbol", symbol).Str("timeframe", string(tf)).Int("fetched", len(candles)).Int("held", n).Msg("backfilled")
}
