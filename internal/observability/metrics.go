// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Stream metrics
	TradesProcessed  prometheus.Counter
	OrderBookUpdates prometheus.Counter
	DecodeErrors     prometheus.Counter
	ParseFailures    *prometheus.CounterVec
	DroppedEvents    prometheus.Counter

	// Transport metrics
	Reconnects    prometheus.Counter
	NetworkErrors prometheus.Counter
	Connected     prometheus.Gauge

	// Latency metrics
	TradeLatency     prometheus.Histogram
	OrderBookLatency prometheus.Histogram

	// Liquidity metrics
	PointsPushed     prometheus.Counter
	SnapshotDuration prometheus.Histogram
	SlicesFinalized  *prometheus.CounterVec

	// Subscription metrics
	SubscribedProducts prometheus.Gauge
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "sentinel"
	}

	latencyBuckets := []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1}

	return &Metrics{
		// Stream metrics
		TradesProcessed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "trades_processed_total",
			Help:      "Total number of trades ingested",
		}),
		OrderBookUpdates: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "order_book_updates_total",
			Help:      "Total number of order book deltas applied",
		}),
		DecodeErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "decode_errors_total",
			Help:      "Total number of malformed frames dropped",
		}),
		ParseFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "parse_failures_total",
			Help:      "Total number of field parse failures by kind",
		}, []string{"kind"}),
		DroppedEvents: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "dropped_events_total",
			Help:      "Total number of consumer events dropped on full buffers",
		}),

		// Transport metrics
		Reconnects: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "reconnects_total",
			Help:      "Total number of WebSocket reconnections",
		}),
		NetworkErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "network_errors_total",
			Help:      "Total number of network errors",
		}),
		Connected: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "connected",
			Help:      "1 when the WebSocket connection is open",
		}),

		// Latency metrics
		TradeLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "trade_latency_seconds",
			Help:      "Exchange timestamp to arrival latency for trades",
			Buckets:   latencyBuckets,
		}),
		OrderBookLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "order_book_latency_seconds",
			Help:      "Exchange timestamp to arrival latency for book events",
			Buckets:   latencyBuckets,
		}),

		// Liquidity metrics
		PointsPushed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "liquidity",
			Name:      "points_pushed_total",
			Help:      "Total number of dense levels fed into the aggregation engine",
		}),
		SnapshotDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "liquidity",
			Name:      "snapshot_duration_seconds",
			Help:      "Duration of one dense snapshot pass",
			Buckets:   prometheus.DefBuckets,
		}),
		SlicesFinalized: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "liquidity",
			Name:      "slices_finalized_total",
			Help:      "Total number of finalized time slices by timeframe",
		}, []string{"timeframe_ms"}),

		// Subscription metrics
		SubscribedProducts: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "subscribed_products",
			Help:      "Number of products in the desired subscription set",
		}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics = NewMetrics("")

// RecordTrade increments the trades processed counter and records latency.
func RecordTrade(latencySeconds float64) {
	DefaultMetrics.TradesProcessed.Inc()
	if latencySeconds >= 0 {
		DefaultMetrics.TradeLatency.Observe(latencySeconds)
	}
}

// RecordBookUpdate increments the book updates counter and records latency.
func RecordBookUpdate(latencySeconds float64) {
	DefaultMetrics.OrderBookUpdates.Inc()
	if latencySeconds >= 0 {
		DefaultMetrics.OrderBookLatency.Observe(latencySeconds)
	}
}

// RecordDecodeError increments the decode errors counter.
func RecordDecodeError() {
	DefaultMetrics.DecodeErrors.Inc()
}

// RecordParseFailure records a field parse failure by kind.
func RecordParseFailure(kind string) {
	DefaultMetrics.ParseFailures.WithLabelValues(kind).Inc()
}

// RecordReconnect increments the reconnects counter.
func RecordReconnect() {
	DefaultMetrics.Reconnects.Inc()
}

// RecordNetworkError increments the network errors counter.
func RecordNetworkError() {
	DefaultMetrics.NetworkErrors.Inc()
}

// SetConnected updates the connection gauge.
func SetConnected(up bool) {
	if up {
		DefaultMetrics.Connected.Set(1)
	} else {
		DefaultMetrics.Connected.Set(0)
	}
}

// RecordSliceFinalized records a finalized slice for a timeframe.
func RecordSliceFinalized(timeframeMs string) {
	DefaultMetrics.SlicesFinalized.WithLabelValues(timeframeMs).Inc()
}
