package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the player daemon.
type Metrics struct {
	// Collection cycle metrics
	CollectionsTotal    *prometheus.CounterVec
	CollectionDuration  prometheus.Histogram
	FilesEnqueuedTotal  prometheus.Counter
	FilesPurgedTotal    prometheus.Counter

	// Download metrics
	DownloadsTotal     *prometheus.CounterVec
	BytesDownloaded    prometheus.Counter
	ChunksStoredTotal  prometheus.Counter
	QueueDepth         prometheus.Gauge
	QueueActive        prometheus.Gauge

	// Cache metrics
	CacheBytesUsed      prometheus.Gauge
	CacheEvictionsTotal *prometheus.CounterVec
	BlobLRUBytesUsed    prometheus.Gauge
	RangeRequestsTotal  *prometheus.CounterVec

	// Layout / renderer metrics
	LayoutStartsTotal      prometheus.Counter
	LayoutReplaysTotal     prometheus.Counter
	LayoutBlacklistedTotal prometheus.Counter
	MediaErrorsTotal       *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		CollectionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signage_collections_total",
				Help: "Collection cycles run, by outcome",
			},
			[]string{"outcome"},
		),
		CollectionDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "signage_collection_duration_seconds",
				Help:    "Collection cycle duration",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
		),
		FilesEnqueuedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "signage_files_enqueued_total",
				Help: "Required files enqueued for download",
			},
		),
		FilesPurgedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "signage_files_purged_total",
				Help: "Files removed due to a CMS purge directive",
			},
		),

		DownloadsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signage_downloads_total",
				Help: "Download tasks by terminal state",
			},
			[]string{"state"},
		),
		BytesDownloaded: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "signage_bytes_downloaded_total",
				Help: "Total bytes fetched from the CMS",
			},
		),
		ChunksStoredTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "signage_chunks_stored_total",
				Help: "Chunks written to the chunk cache",
			},
		),
		QueueDepth: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "signage_download_queue_depth",
				Help: "Pending download tasks",
			},
		),
		QueueActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "signage_download_queue_active",
				Help: "Downloading tasks currently in flight",
			},
		),

		CacheBytesUsed: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "signage_cache_bytes_used",
				Help: "Bytes held in durable chunk storage",
			},
		),
		CacheEvictionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signage_cache_evictions_total",
				Help: "Cache evictions by reason",
			},
			[]string{"reason"},
		),
		BlobLRUBytesUsed: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "signage_blob_lru_bytes_used",
				Help: "Bytes held in the in-memory blob LRU",
			},
		),
		RangeRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signage_range_requests_total",
				Help: "HTTP range requests served, by status",
			},
			[]string{"status"},
		),

		LayoutStartsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "signage_layout_starts_total",
				Help: "layoutStart events emitted",
			},
		),
		LayoutReplaysTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "signage_layout_replays_total",
				Help: "Layout replays (same id re-rendered without DOM teardown)",
			},
		),
		LayoutBlacklistedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "signage_layout_blacklisted_total",
				Help: "Layouts blacklisted for the session",
			},
		),
		MediaErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signage_media_errors_total",
				Help: "mediaError events, by reason",
			},
			[]string{"reason"},
		),
	}
}

// Handler exposes the Prometheus metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
