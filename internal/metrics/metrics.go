package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// singleton instance
	instance *Metrics
	once     sync.Once
)

// Metrics holds Prometheus metrics for the sync engine
type Metrics struct {
	// Remote protocol metrics
	RemoteRequestsTotal   *prometheus.CounterVec
	RemoteRequestDuration *prometheus.HistogramVec
	RemoteObjectsTotal    *prometheus.CounterVec

	// Local cache metrics
	CacheOperations        *prometheus.CounterVec
	CacheOperationDuration *prometheus.HistogramVec
	CachePurgesTotal       prometheus.Counter

	// Search metrics
	SearchesTotal       *prometheus.CounterVec
	SearchesActive      prometheus.Gauge
	SearchResultsTotal  prometheus.Counter
	StupefactionsTotal  prometheus.Counter
	PrefetchRunsTotal   *prometheus.CounterVec
	PrefetchQueueLength prometheus.Gauge

	// Change queue metrics
	ChangesTotal    *prometheus.CounterVec
	ConflictsTotal  *prometheus.CounterVec
	ChangeQueueSize prometheus.Gauge

	// Session metrics
	SessionsActive      prometheus.Gauge
	SessionEventsTotal  *prometheus.CounterVec
	SessionsSweptTotal  prometheus.Counter

	// Notification metrics
	NotificationsTotal     *prometheus.CounterVec
	NotifierConnections    prometheus.Gauge
	NotificationBatchSize  prometheus.Histogram
	ListenerEventsTotal    *prometheus.CounterVec
}

// GetMetrics returns the metrics singleton
func GetMetrics() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

// newMetrics initializes and registers all metrics
func newMetrics() *Metrics {
	m := &Metrics{}

	// Remote protocol metrics
	m.RemoteRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remotesync_remote_requests_total",
			Help: "Total number of requests sent to remote servers",
		},
		[]string{"phase", "success"}, // discovery, retrieval, storage, signature, session
	)

	m.RemoteRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "remotesync_remote_request_duration_seconds",
			Help:    "Remote request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // from 1ms to ~16s
		},
		[]string{"phase"},
	)

	m.RemoteObjectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remotesync_remote_objects_total",
			Help: "Total number of objects transferred by phase",
		},
		[]string{"phase"},
	)

	// Local cache metrics
	m.CacheOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remotesync_cache_operations_total",
			Help: "Total number of local cache operations",
		},
		[]string{"operation", "success"},
	)

	m.CacheOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "remotesync_cache_operation_duration_seconds",
			Help:    "Duration of local cache operations in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 15), // from 0.1ms to ~1.6s
		},
		[]string{"operation"},
	)

	m.CachePurgesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "remotesync_cache_purges_total",
			Help: "Total number of schema purges of the local cache",
		},
	)

	// Search metrics
	m.SearchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remotesync_searches_total",
			Help: "Total number of find calls by freshness",
		},
		[]string{"freshness"},
	)

	m.SearchesActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "remotesync_searches_active",
			Help: "Number of remote searches in flight",
		},
	)

	m.SearchResultsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "remotesync_search_results_total",
			Help: "Total number of objects returned by find",
		},
	)

	m.StupefactionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "remotesync_stupefactions_total",
			Help: "Total number of required finds that under-delivered",
		},
	)

	m.PrefetchRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remotesync_prefetch_runs_total",
			Help: "Total number of background revalidations",
		},
		[]string{"success"},
	)

	m.PrefetchQueueLength = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "remotesync_prefetch_queue_length",
			Help: "Number of searches waiting for background revalidation",
		},
	)

	// Change queue metrics
	m.ChangesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remotesync_changes_total",
			Help: "Total number of change transitions by final state",
		},
		[]string{"state"}, // committed, canceled, failed
	)

	m.ConflictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remotesync_conflicts_total",
			Help: "Total number of conflicts detected on queued edits",
		},
		[]string{"resolution"}, // preserved, discarded
	)

	m.ChangeQueueSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "remotesync_change_queue_size",
			Help: "Number of changes not yet committed",
		},
	)

	// Session metrics
	m.SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "remotesync_sessions_active",
			Help: "Number of session records held",
		},
	)

	m.SessionEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remotesync_session_events_total",
			Help: "Total number of session lifecycle transitions",
		},
		[]string{"event"}, // established, authorized, discarded, retry
	)

	m.SessionsSweptTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "remotesync_sessions_swept_total",
			Help: "Total number of sessions discarded by the expiry sweep",
		},
	)

	// Notification metrics
	m.NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remotesync_notifications_total",
			Help: "Total number of change notifications handled",
		},
		[]string{"outcome"}, // received, self, applied
	)

	m.NotifierConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "remotesync_notifier_connections",
			Help: "Number of open push-channel connections",
		},
	)

	m.NotificationBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "remotesync_notification_batch_size",
			Help:    "Size of coalesced notification batches",
			Buckets: prometheus.LinearBuckets(1, 8, 8), // from 1 to 57 in steps of 8
		},
	)

	m.ListenerEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remotesync_listener_events_total",
			Help: "Total number of events delivered to listeners",
		},
		[]string{"event_type"},
	)

	return m
}
