package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Timeframe is a candle period in exchange notation ("1m", "15m", "4h", "1d", "1w").
type Timeframe string

// Duration converts the timeframe to a time.Duration.
func (tf Timeframe) Duration() (time.Duration, error) {
	return ParseInterval(string(tf))
}

// ParseInterval parses s/m/h/d/w suffixed periods ("30s", "5m", "1d", "1w").
func ParseInterval(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if len(s) < 2 {
		return 0, fmt.Errorf("invalid interval %q", s)
	}
	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid interval %q", s)
	}
	var unit time.Duration
	switch s[len(s)-1] {
	case 's':
		unit = time.Second
	case 'm':
		unit = time.Minute
	case 'h':
		unit = time.Hour
	case 'd':
		unit = 24 * time.Hour
	case 'w':
		unit = 7 * 24 * time.Hour
	default:
		return 0, fmt.Errorf("invalid interval unit in %q", s)
	}
	return time.Duration(n) * unit, nil
}

// Candle represents a single candlestick bar. OpenTime keys the bar within its series.
type Candle struct {
	OpenTime time.Time `json:"open_time"`
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	Volume   float64   `json:"volume"`
	Closed   bool      `json:"closed"`
}

// Ticker is the latest rolling 24h ticker of a symbol.
type Ticker struct {
	Symbol        string    `json:"symbol"`
	LastPrice     float64   `json:"last_price"`
	PriceChange   float64   `json:"price_change"`
	ChangePercent float64   `json:"change_percent"`
	High          float64   `json:"high"`
	Low           float64   `json:"low"`
	Volume        float64   `json:"volume"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Snapshot is a read-isolated view of one symbol's market data.
type Snapshot struct {
	Symbol  string
	Ticker  Ticker
	Series  map[Timeframe][]Candle
	TakenAt time.Time
}

// Candles returns the candles of a timeframe, oldest first.
func (s Snapshot) Candles(tf string) []Candle {
	return s.Series[Timeframe(tf)]
}

// Last returns the newest candle of a timeframe.
func (s Snapshot) Last(tf string) (Candle, bool) {
	c := s.Series[Timeframe(tf)]
	if len(c) == 0 {
		return Candle{}, false
	}
	return c[len(c)-1], true
}

// Price returns the ticker price, falling back to the newest close of any timeframe.
func (s Snapshot) Price() float64 {
	if s.Ticker.LastPrice > 0 {
		return s.Ticker.LastPrice
	}
	var (
		latest time.Time
		price  float64
	)
	for _, candles := range s.Series {
		if len(candles) == 0 {
			continue
		}
		c := candles[len(candles)-1]
		if c.OpenTime.After(latest) {
			latest = c.OpenTime
			price = c.Close
		}
	}
	return price
}
