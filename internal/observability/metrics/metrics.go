// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SyncCycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arpgbot_sync_cycles_total",
			Help: "Sync cycles by outcome.",
		},
		[]string{"result"}, // ok, partial, aborted
	)

	SyncCycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "arpgbot_sync_cycle_duration_seconds",
			Help:    "Wall time of one sync cycle.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
		},
	)

	Announcements = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arpgbot_announcements_total",
			Help: "Season announcements by game and outcome.",
		},
		[]string{"game", "result"}, // delivered, failed
	)

	UpstreamRequests = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "arpgbot_upstream_request_duration_seconds",
			Help:    "Upstream HTTP request latency.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 11), // 10ms to ~10s
		},
		[]string{"endpoint", "status"},
	)

	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arpgbot_response_cache_lookups_total",
			Help: "Response cache lookups by result.",
		},
		[]string{"result"}, // hit, miss, error
	)

	TokenExchanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arpgbot_token_exchanges_total",
			Help: "Credential exchanges by result.",
		},
		[]string{"result"}, // ok, failed, persisted
	)
)

// ObserveUpstream records one upstream request.
func ObserveUpstream(endpoint, status string, d time.Duration) {
	UpstreamRequests.WithLabelValues(endpoint, status).Observe(d.Seconds())
}

// ObserveCycle records one finished sync cycle.
func ObserveCycle(result string, d time.Duration) {
	SyncCycles.WithLabelValues(result).Inc()
	SyncCycleDuration.Observe(d.Seconds())
}
