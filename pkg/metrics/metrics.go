package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TileRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tileloader_tile_requests_total",
		Help: "Total number of tile load requests by priority",
	}, []string{"priority"})

	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tileloader_cache_hits_total",
		Help: "Total number of in-memory tile cache hits",
	})

	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tileloader_cache_misses_total",
		Help: "Total number of in-memory tile cache misses",
	})

	CacheEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tileloader_cache_evictions_total",
		Help: "Total number of evicted tiles by eviction policy",
	}, []string{"reason"})

	CacheTiles = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tileloader_cache_tiles",
		Help: "Number of tiles currently held in memory",
	})

	CacheBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tileloader_cache_bytes",
		Help: "Bytes of tile payload currently held in memory",
	})

	QueuePending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tileloader_queue_pending",
		Help: "Number of load tasks waiting for a concurrency slot",
	})

	LoadsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tileloader_loads_active",
		Help: "Number of load tasks currently fetching",
	})

	DedupMerges = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tileloader_dedup_merges_total",
		Help: "Total number of load requests merged onto an outstanding task",
	})

	FetchAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tileloader_fetch_attempts_total",
		Help: "Total number of fetch attempts by outcome",
	}, []string{"outcome"})

	FetchRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tileloader_fetch_retries_total",
		Help: "Total number of fetch retries after a failed attempt",
	})

	FetchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tileloader_fetch_latency_seconds",
		Help:    "Latency of upstream tile fetches in seconds",
		Buckets: prometheus.DefBuckets,
	})

	TransportInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tileloader_transport_in_flight",
		Help: "Number of HTTP requests currently holding a transport slot",
	})

	StoreOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tileloader_store_operation_duration_seconds",
		Help:    "Duration of shared tile store operations in seconds",
		Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"store", "operation"})

	StoreErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tileloader_store_errors_total",
		Help: "Total number of shared tile store errors",
	}, []string{"store", "operation"})

	StoreHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tileloader_store_hits_total",
		Help: "Total number of tiles served from the shared store instead of upstream",
	})
)
