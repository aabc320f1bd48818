// Package metrics defines Prometheus metrics for the monitor.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP request metrics for the API server
var (
	// HTTPRequestDuration tracks the duration of HTTP requests
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests by method, path, and status",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestsTotal counts the total number of HTTP requests
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)
)

// Ingestion pipeline metrics
var (
	// EventsIngested counts canonical events by provider type and quality
	EventsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "usage_events_ingested_total",
			Help: "Total number of usage events ingested by provider type and quality",
		},
		[]string{"provider", "quality"},
	)

	// CostRecorded sums cost in USD by provider type
	CostRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "usage_cost_usd_total",
			Help: "Total cost in USD recorded by provider type",
		},
		[]string{"provider"},
	)

	// PricingUnresolved counts events whose model had no pricing entry
	PricingUnresolved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "usage_pricing_unresolved_total",
			Help: "Total number of events recorded without a resolvable cost",
		},
	)

	// BudgetAlerts counts alerts fired by threshold
	BudgetAlerts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "budget_alerts_total",
			Help: "Total number of budget alerts fired by threshold",
		},
		[]string{"threshold"},
	)

	// MalformedRecords counts skipped unparseable records by channel
	MalformedRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_malformed_records_total",
			Help: "Total number of malformed records skipped by channel",
		},
		[]string{"channel"},
	)
)

// Push-bridge metrics
var (
	// BridgeSessions tracks currently paired bridge clients
	BridgeSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bridge_paired_sessions",
			Help: "Number of currently paired push-bridge clients",
		},
	)

	// BridgeRejections counts rejected bridge messages by reason
	BridgeRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_rejections_total",
			Help: "Total number of rejected bridge messages by reason (auth, rate_limit, protocol)",
		},
		[]string{"reason"},
	)

	// BridgeEvictions counts stale sessions evicted by the sweep
	BridgeEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bridge_evictions_total",
			Help: "Total number of paired sessions evicted for heartbeat timeout",
		},
	)
)

// Proxy metrics
var (
	// ProxyForwards counts proxied requests by provider and upstream status
	ProxyForwards = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxy_forwards_total",
			Help: "Total number of proxied requests by provider and upstream status",
		},
		[]string{"provider", "status"},
	)

	// ProxyCaptures counts responses successfully parsed for usage
	ProxyCaptures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxy_usage_captures_total",
			Help: "Total number of proxied responses parsed for usage data",
		},
		[]string{"provider"},
	)
)

// RecordHTTPRequest records an HTTP request observation
func RecordHTTPRequest(method, path, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
	HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordEvent records an ingested event and its cost contribution
func RecordEvent(provider, quality string, costUSD float64, priced bool) {
	EventsIngested.WithLabelValues(provider, quality).Inc()
	if priced {
		CostRecorded.WithLabelValues(provider).Add(costUSD)
	} else {
		PricingUnresolved.Inc()
	}
}
