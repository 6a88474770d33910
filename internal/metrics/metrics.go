package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the host's collectors on a private registry.
type Metrics struct {
	Registry *prometheus.Registry

	CandlesIngested  *prometheus.CounterVec
	StreamReconnects prometheus.Counter
	StreamConnected  prometheus.Gauge

	RuleEvaluations *prometheus.CounterVec
	RuleDuration    prometheus.Histogram
	ScansSkipped    *prometheus.CounterVec
	SignalsCreated  *prometheus.CounterVec

	Decisions     *prometheus.CounterVec
	GatewayErrors *prometheus.CounterVec

	Orders          *prometheus.CounterVec
	PositionsClosed *prometheus.CounterVec
	OpenPositions   prometheus.Gauge
	ActiveTenants   prometheus.Gauge
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		CandlesIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradesentinel_candles_ingested_total",
			Help: "Candle updates written to the series store.",
		}, []string{"timeframe"}),
		StreamReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tradesentinel_stream_reconnects_total",
			Help: "Market data stream reconnect attempts.",
		}),
		StreamConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tradesentinel_stream_connected",
			Help: "1 when the market data stream is connected.",
		}),
		RuleEvaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradesentinel_rule_evaluations_total",
			Help: "Rule evaluations by tenant and result (match, no_match, error, timeout).",
		}, []string{"tenant", "result"}),
		RuleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tradesentinel_rule_duration_seconds",
			Help:    "Duration of single rule evaluations.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		ScansSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradesentinel_scans_skipped_total",
			Help: "Scan fires skipped because the previous fire was still running.",
		}, []string{"tenant"}),
		SignalsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradesentinel_signals_created_total",
			Help: "Signals created by rule matches.",
		}, []string{"tenant"}),
		Decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradesentinel_decisions_total",
			Help: "Decisions received by verdict.",
		}, []string{"verdict"}),
		GatewayErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradesentinel_gateway_errors_total",
			Help: "Failed decision service calls by kind.",
		}, []string{"kind"}),
		Orders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradesentinel_orders_total",
			Help: "Order operations by action, status and mode.",
		}, []string{"action", "status", "mode"}),
		PositionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradesentinel_positions_closed_total",
			Help: "Closed positions by reason.",
		}, []string{"reason"}),
		OpenPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tradesentinel_open_positions",
			Help: "Positions tracked by the monitor.",
		}),
		ActiveTenants: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tradesentinel_active_tenants",
			Help: "Tenants with a running scan timer.",
		}),
	}
	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.CandlesIngested, m.StreamReconnects, m.StreamConnected,
		m.RuleEvaluations, m.RuleDuration, m.ScansSkipped, m.SignalsCreated,
		m.Decisions, m.GatewayErrors,
		m.Orders, m.PositionsClosed, m.OpenPositions, m.ActiveTenants,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
