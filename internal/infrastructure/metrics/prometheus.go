// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tubecache"

var (
	// ResolveTotal tracks resolutions by the tier that answered.
	// Labels:
	//   - tier: hot, warm, cold
	//   - result: served, not_found, error
	ResolveTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolve_total",
			Help:      "Total number of content resolutions",
		},
		[]string{"tier", "result"},
	)

	// ResolveDuration observes end-to-end resolution latency per tier.
	ResolveDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "resolve_duration_seconds",
			Help:      "Resolution latency in seconds",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"tier"},
	)

	// UploadsTotal tracks terminal outcomes of upload tasks.
	// Labels:
	//   - result: stored, deduplicated, failed, skipped
	UploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Total number of upload tasks by outcome",
		},
		[]string{"result"},
	)

	// UploadAttemptsTotal counts individual upload attempts, retries included.
	UploadAttemptsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_attempts_total",
			Help:      "Total number of upload attempts",
		},
	)

	// UploadBytesTotal counts bytes written to the hot store.
	UploadBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_bytes_total",
			Help:      "Total bytes uploaded to the hot store",
		},
	)

	// InFlightUploads is the number of tasks currently holding a worker slot.
	InFlightUploads = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uploads_in_flight",
			Help:      "Number of upload tasks currently being processed",
		},
	)

	// QueueDepth is the sampled number of pending upload tasks.
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "upload_queue_depth",
			Help:      "Number of upload tasks waiting in the queue",
		},
	)

	// QuotaRejectionsTotal tracks rejected requests.
	// Labels:
	//   - reason: window, concurrency
	QuotaRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_rejections_total",
			Help:      "Total number of requests rejected by quota",
		},
		[]string{"reason"},
	)

	// ActiveSessions is the sampled number of live playback sessions.
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of playback sessions with a recent heartbeat",
		},
	)

	// StreamBytesTotal counts bytes delivered to clients per tier.
	StreamBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_bytes_total",
			Help:      "Total bytes streamed to clients",
		},
		[]string{"tier"},
	)

	// HTTPRequestDuration observes request latency by route pattern.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)

	// CacheOperationsTotal tracks cache operations (get, set, delete).
	// Labels:
	//   - operation: get, set, delete
	//   - status: hit, miss, success, error
	//   - cache_type: redis, negative
	CacheOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_operations_total",
			Help:      "Total number of cache operations",
		},
		[]string{"operation", "status", "cache_type"},
	)

	// DBQueriesTotal tracks metadata store reads that missed the cache.
	// Labels:
	//   - query_type: select, insert, update
	//   - table: cache_entries
	DBQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "db_queries_total",
			Help:      "Total number of database queries",
		},
		[]string{"query_type", "table"},
	)

	// SingleflightRequestsTotal tracks singleflight behavior.
	// Labels:
	//   - result: initiated (new execution), shared (reused result)
	SingleflightRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "singleflight_requests_total",
			Help:      "Total number of singleflight requests",
		},
		[]string{"result"},
	)
)

// Resolve result constants.
const (
	ResolveServed   = "served"
	ResolveNotFound = "not_found"
	ResolveError    = "error"
)

// Upload result constants.
const (
	UploadStored       = "stored"
	UploadDeduplicated = "deduplicated"
	UploadFailed       = "failed"
	UploadSkipped      = "skipped"
)

// Quota rejection reasons.
const (
	QuotaReasonWindow      = "window"
	QuotaReasonConcurrency = "concurrency"
)

// Cache operation status constants.
const (
	CacheStatusHit     = "hit"
	CacheStatusMiss    = "miss"
	CacheStatusSuccess = "success"
	CacheStatusError   = "error"
)

// Cache operation type constants.
const (
	CacheOpGet    = "get"
	CacheOpSet    = "set"
	CacheOpDelete = "delete"
)

// Cache type constants.
const (
	CacheTypeRedis    = "redis"
	CacheTypeNegative = "negative"
)

// DB query type constants.
const (
	DBQuerySelect = "select"
)

// Table name constants.
const (
	TableCacheEntries = "cache_entries"
)

// Singleflight result constants.
const (
	SingleflightInitiated = "initiated"
	SingleflightShared    = "shared"
)
