package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"TradeSentinel/internal/model"
)

// maxKlineLimit is the largest page the exchange serves per klines request.
const maxKlineLimit = 1000

// BinanceFetcher implements Fetcher using the Binance spot REST API.
type BinanceFetcher struct {
	BaseURL string
	Client  *http.Client
}

// NewBinanceFetcher creates a new fetcher with optional proxy support.
func NewBinanceFetcher(baseURL, proxyURL string) *BinanceFetcher {
	transport := &http.Transport{}
	if proxyURL != "" {
		if u, err := url.Parse(proxyURL); err == nil {
			transport.Proxy = http.ProxyURL(u)
		}
	}
	return &BinanceFetcher{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		Client: &http.Client{
			Timeout:   30 * time.Second,
			Transport: transport,
		},
	}
}

func (f *BinanceFetcher) Name() string { return "binance" }

func (f *BinanceFetcher) get(ctx context.Context, path string, q url.Values, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.BaseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d, body: %s", resp.StatusCode, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// FetchKlines returns up to limit recent candles, oldest first. Candles whose
// close time has passed are marked closed.
func (f *BinanceFetcher) FetchKlines(ctx context.Context, symbol string, tf model.Timeframe, limit int) ([]model.Candle, error) {
	if limit <= 0 || limit > maxKlineLimit {
		limit = maxKlineLimit
	}
	q := url.Values{}
	q.Set("symbol", strings.ToUpper(symbol))
	q.Set("interval", string(tf))
	q.Set("limit", strconv.Itoa(limit))

	var rows [][]json.RawMessage
	if err := f.get(ctx, "/api/v3/klines", q, &rows); err != nil {
		return nil, fmt.Errorf("fetch klines %s %s: %w", symbol, tf, err)
	}
	now := time.Now()
	candles := make([]model.Candle, 0, len(rows))
	for _, row := range rows {
		c, err := parseKlineRow(row, now)
		if err != nil {
			return nil, fmt.Errorf("decode kline %s %s: %w", symbol, tf, err)
		}
		candles = append(candles, c)
	}
	sort.Slice(candles, func(i, j int) bool { return candles[i].OpenTime.Before(candles[j].OpenTime) })
	return candles, nil
}

// parseKlineRow decodes [openTime, "o", "h", "l", "c", "v", closeTime, ...].
func parseKlineRow(row []json.RawMessage, now time.Time) (model.Candle, error) {
	if len(row) < 7 {
		return model.Candle{}, fmt.Errorf("short kline row (%d fields)", len(row))
	}
	var openMs, closeMs int64
	if err := json.Unmarshal(row[0], &openMs); err != nil {
		return model.Candle{}, err
	}
	if err := json.Unmarshal(row[6], &closeMs); err != nil {
		return model.Candle{}, err
	}
	var fields [5]float64
	for i := range fields {
		var s string
		if err := json.Unmarshal(row[i+1], &s); err != nil {
			return model.Candle{}, err
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return model.Candle{}, err
		}
		fields[i] = v
	}
	return model.Candle{
		OpenTime: time.UnixMilli(openMs).UTC(),
		Open:     fields[0],
		High:     fields[1],
		Low:      fields[2],
		Close:    fields[3],
		Volume:   fields[4],
		Closed:   time.UnixMilli(closeMs).Before(now),
	}, nil
}

// FetchTicker returns the rolling 24h ticker.
func (f *BinanceFetcher) FetchTicker(ctx context.Context, symbol string) (model.Ticker, error) {
	q := url.Values{}
	q.Set("symbol", strings.ToUpper(symbol))
	var raw struct {
		Symbol             string `json:"symbol"`
		PriceChange        string `json:"priceChange"`
		PriceChangePercent string `json:"priceChangePercent"`
		LastPrice          string `json:"lastPrice"`
		HighPrice          string `json:"highPrice"`
		LowPrice           string `json:"lowPrice"`
		Volume             string `json:"volume"`
		CloseTime          int64  `json:"closeTime"`
	}
	if err := f.get(ctx, "/api/v3/ticker/24hr", q, &raw); err != nil {
		return model.Ticker{}, fmt.Errorf("fetch ticker %s: %w", symbol, err)
	}
	return model.Ticker{
		Symbol:        raw.Symbol,
		LastPrice:     parseFloat(raw.LastPrice),
		PriceChange:   parseFloat(raw.PriceChange),
		ChangePercent: parseFloat(raw.PriceChangePercent),
		High:          parseFloat(raw.HighPrice),
		Low:           parseFloat(raw.LowPrice),
		Volume:        parseFloat(raw.Volume),
		UpdatedAt:     time.UnixMilli(raw.CloseTime).UTC(),
	}, nil
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
