// Package metrics holds the Prometheus collectors exported by the risk service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// QueryDuration observes risk query latency by outcome.
	QueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "risk_query_duration_seconds",
			Help:    "Latency of risk analysis queries",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)

	// QueryResults counts transactions returned by risk queries.
	QueryResults = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "risk_query_results_total",
		Help: "Transactions returned by risk analysis queries",
	})

	// IndexAccounts reports accounts held in the live window index.
	IndexAccounts = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "risk_index_accounts",
		Help: "Accounts present in the live window index",
	})

	// IndexEntries reports entries held in the live window index.
	IndexEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "risk_index_entries",
		Help: "Entries present in the live window index",
	})

	// IndexSyncs counts index maintenance cycles by result.
	IndexSyncs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "risk_index_syncs_total",
			Help: "Index maintenance cycles",
		},
		[]string{"result"},
	)

	// FeedEvents counts ledger feed messages by type and result.
	FeedEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "risk_feed_events_total",
			Help: "Ledger feed events processed",
		},
		[]string{"type", "result"},
	)

	// CacheLookups counts response cache lookups by result.
	CacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "risk_cache_lookups_total",
			Help: "Response cache lookups",
		},
		[]string{"result"},
	)

	// RateLimited counts requests rejected by the rate limiter.
	RateLimited = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "http_rate_limited_total",
		Help: "Requests rejected by the per-client rate limiter",
	})

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "code"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of response latency (seconds) for HTTP requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	prometheus.MustRegister(
		QueryDuration,
		QueryResults,
		IndexAccounts,
		IndexEntries,
		IndexSyncs,
		FeedEvents,
		CacheLookups,
		RateLimited,
		httpRequests,
		httpDuration,
	)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTP records one served request.
func ObserveHTTP(method string, status int, elapsed time.Duration) {
	httpRequests.WithLabelValues(method, strconv.Itoa(status)).Inc()
	httpDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}
