package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"TradeSentinel/internal/calculator"
	"TradeSentinel/internal/model"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrUnavailable covers network failures, timeouts, 5xx and 429 responses.
	ErrUnavailable = errors.New("decision service unavailable")
	// ErrRejected covers other non-2xx responses and explicit error bodies.
	ErrRejected = errors.New("decision service rejected request")
	// ErrMalformed covers responses that do not decode to a valid decision.
	ErrMalformed = errors.New("malformed decision response")
)

// Kind classifies a gateway error.
type Kind string

const (
	KindUnavailable Kind = "unavailable"
	KindRejected    Kind = "rejected"
	KindMalformed   Kind = "malformed"
)

// Error is returned by Analyze. It unwraps to the sentinel of its Kind.
type Error struct {
	Kind     Kind
	Status   int
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("decision service %s (status %d, %d attempts): %v", e.Kind, e.Status, e.Attempts, e.Err)
	}
	return fmt.Sprintf("decision service %s (%d attempts): %v", e.Kind, e.Attempts, e.Err)
}

func (e *Error) Unwrap() []error {
	var sentinel error
	switch e.Kind {
	case KindUnavailable:
		sentinel = ErrUnavailable
	case KindRejected:
		sentinel = ErrRejected
	default:
		sentinel = ErrMalformed
	}
	return []error{sentinel, e.Err}
}

// Retryable reports whether another attempt may succeed.
func (e *Error) Retryable() bool { return e.Kind == KindUnavailable }

// Options configures the client.
type Options struct {
	URL         string
	Token       string
	Timeout     time.Duration
	MaxAttempts int
	Backoff     time.Duration
	Proxy       string
}

// Client calls the decision service over HTTP.
type Client struct {
	opts   Options
	client *http.Client
	log    zerolog.Logger
	now    func() time.Time
}

// NewClient creates a client. Each attempt is bounded by opts.Timeout.
func NewClient(opts Options, log zerolog.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.Backoff <= 0 {
		opts.Backoff = time.Second
	}
	transport := &http.Transport{}
	if opts.Proxy != "" {
		if u, err := url.Parse(opts.Proxy); err == nil {
			transport.Proxy = http.ProxyURL(u)
		}
	}
	return &Client{
		opts:   opts,
		client: &http.Client{Transport: transport},
		log:    log.With().Str("component", "gateway").Logger(),
		now:    time.Now,
	}
}

// Context is the market and position state sent along with a signal.
type Context struct {
	Snapshot model.Snapshot
	Position *model.Position
}

type candlePayload struct {
	OpenTime int64   `json:"open_time"`
	Open     float64 `json:"open"`
	High     float64 `json:"high"`
	Low      float64 `json:"low"`
	Close    float64 `json:"close"`
	Volume   float64 `json:"volume"`
	Closed   bool    `json:"closed"`
}

type tickerPayload struct {
	LastPrice     float64 `json:"last_price"`
	PriceChange   float64 `json:"price_change"`
	ChangePercent float64 `json:"change_percent"`
	High          float64 `json:"high"`
	Low           float64 `json:"low"`
	Volume        float64 `json:"volume"`
	UpdatedAt     int64   `json:"updated_at"`
}

type positionPayload struct {
	ID            string  `json:"id"`
	Side          string  `json:"side"`
	EntryPrice    float64 `json:"entry_price"`
	Size          float64 `json:"size"`
	StopLoss      float64 `json:"stop_loss,omitempty"`
	TakeProfit    float64 `json:"take_profit,omitempty"`
	RealizedPnL   float64 `json:"realized_pnl"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
}

// Request is the body posted to the decision service.
type Request struct {
	TenantID     string                                 `json:"tenant_id"`
	SignalID     string                                 `json:"signal_id"`
	Symbol       string                                 `json:"symbol"`
	SignalStatus string                                 `json:"signal_status"`
	TriggeredAt  int64                                  `json:"triggered_at"`
	TriggerPrice float64                                `json:"trigger_price"`
	Ticker       *tickerPayload                         `json:"ticker,omitempty"`
	Candles      map[model.Timeframe][]candlePayload    `json:"candles"`
	Indicators   map[model.Timeframe]map[string]float64 `json:"indicators"`
	Position     *positionPayload                       `json:"position,omitempty"`
}

// Response is the decision service reply.
type Response struct {
	Verdict         string   `json:"verdict"`
	Confidence      float64  `json:"confidence"`
	Reasoning       string   `json:"reasoning"`
	StopLoss        *float64 `json:"stop_loss"`
	TakeProfit      *float64 `json:"take_profit"`
	Size            *float64 `json:"size"`
	ClosePercentage *float64 `json:"close_percentage"`
	Error           string   `json:"error"`
}

// BuildRequest assembles the request body for a signal.
func BuildRequest(sig model.Signal, mc Context) Request {
	req := Request{
		TenantID:     sig.TenantID,
		SignalID:     sig.ID,
		Symbol:       sig.Symbol,
		SignalStatus: string(sig.Status),
		TriggeredAt:  sig.TriggeredAt.UnixMilli(),
		TriggerPrice: sig.TriggerPrice,
		Candles:      make(map[model.Timeframe][]candlePayload, len(mc.Snapshot.Series)),
		Indicators:   make(map[model.Timeframe]map[string]float64, len(mc.Snapshot.Series)),
	}
	if t := mc.Snapshot.Ticker; t.LastPrice > 0 {
		req.Ticker = &tickerPayload{
			LastPrice:     t.LastPrice,
			PriceChange:   t.PriceChange,
			ChangePercent: t.ChangePercent,
			High:          t.High,
			Low:           t.Low,
			Volume:        t.Volume,
			UpdatedAt:     t.UpdatedAt.UnixMilli(),
		}
	}
	tfs := make([]model.Timeframe, 0, len(mc.Snapshot.Series))
	for tf := range mc.Snapshot.Series {
		tfs = append(tfs, tf)
	}
	sort.Slice(tfs, func(i, j int) bool { return tfs[i] < tfs[j] })
	for _, tf := range tfs {
		candles := mc.Snapshot.Series[tf]
		out := make([]candlePayload, len(candles))
		for i, c := range candles {
			out[i] = candlePayload{
				OpenTime: c.OpenTime.UnixMilli(),
				Open:     c.Open,
				High:     c.High,
				Low:      c.Low,
				Close:    c.Close,
				Volume:   c.Volume,
				Closed:   c.Closed,
			}
		}
		req.Candles[tf] = out
		req.Indicators[tf] = calculator.Summary(candles)
	}
	if p := mc.Position; p != nil {
		price := mc.Snapshot.Price()
		req.Position = &positionPayload{
			ID:            p.ID,
			Side:          string(p.Side),
			EntryPrice:    p.EntryPrice,
			Size:          p.Size,
			StopLoss:      p.StopLoss,
			TakeProfit:    p.TakeProfit,
			RealizedPnL:   p.RealizedPnL,
			UnrealizedPnL: p.UnrealizedPnL(price),
		}
	}
	return req
}

// Analyze sends the signal with its context and returns the resulting decision.
// Unavailable errors are retried MaxAttempts times with exponential backoff.
func (c *Client) Analyze(ctx context.Context, sig model.Signal, mc Context) (model.Decision, error) {
	body, err := json.Marshal(BuildRequest(sig, mc))
	if err != nil {
		return model.Decision{}, &Error{Kind: KindMalformed, Err: fmt.Errorf("encode request: %w", err)}
	}

	var lastErr *Error
	for i := 0; i < c.opts.MaxAttempts; i++ {
		resp, err := c.post(ctx, body)
		if err == nil {
			d, derr := c.toDecision(sig, resp)
			if derr != nil {
				derr.Attempts = i + 1
				return model.Decision{}, derr
			}
			return d, nil
		}
		err.Attempts = i + 1
		lastErr = err
		if !err.Retryable() || i == c.opts.MaxAttempts-1 {
			break
		}
		backoff := c.opts.Backoff * time.Duration(1<<uint(i))
		c.log.Warn().Err(err.Err).Str("signal_id", sig.ID).Int("attempt", i+1).
			Int("max", c.opts.MaxAttempts).Dur("backoff", backoff).Msg("decision call failed, retrying")
		select {
		case <-ctx.Done():
			lastErr.Err = errors.Join(lastErr.Err, ctx.Err())
			return model.Decision{}, lastErr
		case <-time.After(backoff):
		}
	}
	return model.Decision{}, lastErr
}

func (c *Client) post(ctx context.Context, body []byte) (*Response, *Error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.URL, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Kind: KindRejected, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.opts.Token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &Error{Kind: KindUnavailable, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &Error{Kind: KindUnavailable, Status: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, &Error{Kind: KindUnavailable, Status: resp.StatusCode, Err: fmt.Errorf("body: %s", snippet(data))}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, &Error{Kind: KindRejected, Status: resp.StatusCode, Err: fmt.Errorf("body: %s", snippet(data))}
	}

	var out Response
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, &Error{Kind: KindMalformed, Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	if out.Error != "" {
		return nil, &Error{Kind: KindRejected, Status: resp.StatusCode, Err: errors.New(out.Error)}
	}
	return &out, nil
}

func (c *Client) toDecision(sig model.Signal, r *Response) (model.Decision, *Error) {
	verdict, err := model.ParseVerdict(r.Verdict)
	if err != nil {
		return model.Decision{}, &Error{Kind: KindMalformed, Status: http.StatusOK, Err: err}
	}
	levels := model.Levels{
		StopLoss:        deref(r.StopLoss),
		TakeProfit:      deref(r.TakeProfit),
		Size:            deref(r.Size),
		ClosePercentage: deref(r.ClosePercentage),
	}
	if levels.StopLoss < 0 || levels.TakeProfit < 0 || levels.Size < 0 || levels.ClosePercentage < 0 || levels.ClosePercentage > 100 {
		return model.Decision{}, &Error{Kind: KindMalformed, Status: http.StatusOK, Err: fmt.Errorf("levels out of range: %+v", levels)}
	}
	return model.Decision{
		ID:         uuid.NewString(),
		SignalID:   sig.ID,
		TenantID:   sig.TenantID,
		Verdict:    verdict,
		Confidence: clampConfidence(r.Confidence),
		Reasoning:  strings.TrimSpace(r.Reasoning),
		Levels:     levels,
		CreatedAt:  c.now().UTC(),
	}, nil
}

func clampConfidence(v float64) int {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	}
	return int(v + 0.5)
}

func deref(p *float64) float64 {
	if p == nil {
		return 0
	}
	return *p
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 256 {
		return s[:256] + "..."
	}
	return s
}
