package collector

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"TradeSentinel/internal/model"
)

// StreamURL builds a combined-stream URL subscribing the ticker and each
// timeframe's kline stream of every symbol.
func StreamURL(base string, symbols []string, timeframes []model.Timeframe) string {
	streams := make([]string, 0, len(symbols)*(len(timeframes)+1))
	for _, s := range symbols {
		sym := strings.ToLower(s)
		streams = append(streams, sym+"@ticker")
		for _, tf := range timeframes {
			streams = append(streams, sym+"@kline_"+string(tf))
		}
	}
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + "streams=" + strings.Join(streams, "/")
}

// MessageKind classifies stream messages.
type MessageKind int

const (
	KindUnknown MessageKind = iota
	KindKline
	KindTicker
)

// Message is a normalized stream message.
type Message struct {
	Kind      MessageKind
	Symbol    string
	Timeframe model.Timeframe
	Candle    model.Candle
	Ticker    model.Ticker
	EventTime time.Time
}

type envelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type rawEvent struct {
	Type      string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`

	Kline *struct {
		OpenTime  int64  `json:"t"`
		CloseTime int64  `json:"T"`
		Interval  string `json:"i"`
		Open      string `json:"o"`
		High      string `json:"h"`
		Low       string `json:"l"`
		Close     string `json:"c"`
		Volume    string `json:"v"`
		Closed    bool   `json:"x"`
	} `json:"k"`

	// 24hrTicker fields
	PriceChange   string `json:"p"`
	ChangePercent string `json:"P"`
	LastPrice     string `json:"c"`
	High          string `json:"h"`
	Low           string `json:"l"`
	Volume        string `json:"v"`
}

// ParseMessage decodes a combined-stream or raw-stream message.
func ParseMessage(raw []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Message{}, fmt.Errorf("decode envelope: %w", err)
	}
	payload := raw
	if len(env.Data) > 0 {
		payload = env.Data
	}
	var ev rawEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return Message{}, fmt.Errorf("decode event: %w", err)
	}

	msg := Message{Symbol: strings.ToUpper(ev.Symbol), EventTime: time.UnixMilli(ev.EventTime).UTC()}
	switch ev.Type {
	case "kline":
		if ev.Kline == nil {
			return Message{}, fmt.Errorf("kline event without payload")
		}
		k := ev.Kline
		vals, err := parseFloats(k.Open, k.High, k.Low, k.Close, k.Volume)
		if err != nil {
			return Message{}, fmt.Errorf("decode kline: %w", err)
		}
		if vals[3] <= 0 {
			return Message{}, fmt.Errorf("kline %s without close price", msg.Symbol)
		}
		msg.Kind = KindKline
		msg.Timeframe = model.Timeframe(k.Interval)
		msg.Candle = model.Candle{
			OpenTime: time.UnixMilli(k.OpenTime).UTC(),
			Open:     vals[0],
			High:     vals[1],
			Low:      vals[2],
			Close:    vals[3],
			Volume:   vals[4],
			Closed:   k.Closed,
		}
	case "24hrTicker":
		vals, err := parseFloats(ev.LastPrice, ev.PriceChange, ev.ChangePercent, ev.High, ev.Low, ev.Volume)
		if err != nil {
			return Message{}, fmt.Errorf("decode ticker: %w", err)
		}
		if vals[0] <= 0 {
			return Message{}, fmt.Errorf("ticker %s without last price", msg.Symbol)
		}
		msg.Kind = KindTicker
		msg.Ticker = model.Ticker{
			Symbol:        msg.Symbol,
			LastPrice:     vals[0],
			PriceChange:   vals[1],
			ChangePercent: vals[2],
			High:          vals[3],
			Low:           vals[4],
			Volume:        vals[5],
			UpdatedAt:     msg.EventTime,
		}
	default:
		msg.Kind = KindUnknown
	}
	return msg, nil
}

func parseFloats(in ...string) ([]float64, error) {
	out := make([]float64, len(in))
	for i, s := range in {
		if s == "" {
			continue
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func normalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
