package smarterdoc

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics implements the Metrics interface using Prometheus.
//
// Tags are key/value pairs; the keys of the first call for a metric name become
// its label set. The predefined metrics use "collection", "schema" or "store".
type PrometheusMetrics struct {
	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
	registry   *prometheus.Registry
}

// NewPrometheusMetrics creates a new Prometheus metrics instance.
// If registry is nil, a fresh registry is created.
func NewPrometheusMetrics(registry *prometheus.Registry) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	pm := &PrometheusMetrics{
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		registry:   registry,
	}

	pm.registerDefaultMetrics()
	return pm
}

func (p *PrometheusMetrics) counter(name, subsystem, metric, help string, labels ...string) {
	p.counters[name] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "smarterdoc",
			Subsystem: subsystem,
			Name:      metric,
			Help:      help,
		},
		labels,
	)
}

func (p *PrometheusMetrics) histogram(name, subsystem, metric, help string, buckets []float64, labels ...string) {
	p.histograms[name] = promauto.With(p.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "smarterdoc",
			Subsystem: subsystem,
			Name:      metric,
			Help:      help,
			Buckets:   buckets,
		},
		labels,
	)
}

func (p *PrometheusMetrics) registerDefaultMetrics() {
	p.counter(MetricSaveSuccess, "documents", "saved_total", "Documents written", "collection")
	p.counter(MetricSaveError, "documents", "save_errors_total", "Failed document writes", "collection")
	p.counter(MetricSaveConflict, "documents", "save_conflicts_total", "Version-guarded writes rejected", "collection")
	p.counter(MetricDecodeError, "documents", "decode_errors_total", "Documents that failed to decode", "collection")
	p.counter(MetricDeleteSuccess, "documents", "deleted_total", "Documents deleted", "collection")
	p.counter(MetricDeleteError, "documents", "delete_errors_total", "Failed document deletes", "collection")

	p.counter(MetricCursorOpened, "cursors", "opened_total", "Cursors opened", "collection")
	p.counter(MetricCursorClosed, "cursors", "closed_total", "Cursors closed", "collection")

	p.counter(MetricResolveFetch, "references", "fetches_total", "Reference targets fetched", "schema")
	p.counter(MetricResolveCacheHit, "references", "cache_hits_total", "Reference targets served from a resolution pass", "schema")
	p.counter(MetricResolveMissing, "references", "dangling_total", "References whose target is missing", "schema")
	p.counter(MetricResolveCycle, "references", "cycles_total", "Reference cycles detected", "schema")

	p.counter(MetricBlobUploadError, "blobs", "upload_errors_total", "Failed blob uploads", "store")
	p.counter(MetricBlobDelete, "blobs", "deleted_total", "Blobs deleted", "store")
	p.counter(MetricBlobOrphaned, "blobs", "orphaned_total", "Blobs left behind after a document delete", "store")

	p.counter(MetricLockAcquired, "locks", "acquired_total", "Locks acquired")
	p.counter(MetricLockFailed, "locks", "failed_total", "Lock acquisitions that failed")
	p.counter(MetricLockOrphaned, "locks", "orphaned_removed_total", "Orphaned locks removed by cleanup")
	p.counter(MetricLockForceRelease, "locks", "force_released_total", "Locks released by an operator")
	p.gauges[MetricLockActive] = promauto.With(p.registry).NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "smarterdoc",
		Subsystem: "locks",
		Name:      "active",
		Help:      "Locks held at the last listing",
	}, nil)

	p.histogram(MetricSaveDuration, "documents", "save_duration_seconds", "Document save duration in seconds",
		prometheus.DefBuckets, "collection")
	p.histogram(MetricDeleteDuration, "documents", "delete_duration_seconds", "Document delete duration in seconds",
		prometheus.DefBuckets, "collection")
	p.histogram(MetricFindDuration, "documents", "find_duration_seconds", "Time to open a cursor in seconds",
		[]float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5}, "collection")
	p.histogram(MetricQueryDuration, "queries", "duration_seconds", "Profiled query duration in seconds",
		prometheus.DefBuckets, "collection", "op")
	p.counter(MetricQueryFullScan, "queries", "full_scans_total", "Profiled queries that scanned a collection", "collection", "op")
	p.histogram(MetricBlobUploadBytes, "blobs", "upload_bytes", "Size of uploaded blobs in bytes",
		prometheus.ExponentialBuckets(1024, 4, 10), "store")
	p.histogram(MetricBlobChunks, "blobs", "chunks", "Chunks written per blob upload",
		prometheus.ExponentialBuckets(1, 2, 12), "store")
	p.histogram(MetricBlobTransferTime, "blobs", "transfer_duration_seconds", "Blob upload duration in seconds",
		prometheus.DefBuckets, "store")
}

// Increment increments a Prometheus counter
func (p *PrometheusMetrics) Increment(name string, tags ...string) {
	p.mu.Lock()
	counter, ok := p.counters[name]
	if !ok {
		counter = promauto.With(p.registry).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "smarterdoc",
				Name:      sanitizeMetricName(name),
				Help:      "Dynamic counter: " + name,
			},
			extractLabels(tags),
		)
		p.counters[name] = counter
	}
	p.mu.Unlock()

	counter.With(extractLabelValues(tags)).Inc()
}

// Gauge sets a Prometheus gauge value
func (p *PrometheusMetrics) Gauge(name string, value float64, tags ...string) {
	p.mu.Lock()
	gauge, ok := p.gauges[name]
	if !ok {
		gauge = promauto.With(p.registry).NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "smarterdoc",
				Name:      sanitizeMetricName(name),
				Help:      "Dynamic gauge: " + name,
			},
			extractLabels(tags),
		)
		p.gauges[name] = gauge
	}
	p.mu.Unlock()

	gauge.With(extractLabelValues(tags)).Set(value)
}

// Histogram records a value in a Prometheus histogram
func (p *PrometheusMetrics) Histogram(name string, value float64, tags ...string) {
	p.mu.Lock()
	histogram, ok := p.histograms[name]
	if !ok {
		histogram = promauto.With(p.registry).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "smarterdoc",
				Name:      sanitizeMetricName(name),
				Help:      "Dynamic histogram: " + name,
				Buckets:   prometheus.DefBuckets,
			},
			extractLabels(tags),
		)
		p.histograms[name] = histogram
	}
	p.mu.Unlock()

	histogram.With(extractLabelValues(tags)).Observe(value)
}

// Timing records a duration in a Prometheus histogram
func (p *PrometheusMetrics) Timing(name string, duration time.Duration, tags ...string) {
	p.Histogram(name, duration.Seconds(), tags...)
}

// GetRegistry returns the underlying Prometheus registry
func (p *PrometheusMetrics) GetRegistry() *prometheus.Registry {
	return p.registry
}

// extractLabels extracts label names from tags (every even index)
func extractLabels(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	labels := make([]string, 0, len(tags)/2)
	for i := 0; i+1 < len(tags); i += 2 {
		labels = append(labels, tags[i])
	}
	return labels
}

// extractLabelValues creates a label map from tags (key-value pairs)
func extractLabelValues(tags []string) prometheus.Labels {
	labels := make(prometheus.Labels)
	for i := 0; i+1 < len(tags); i += 2 {
		labels[tags[i]] = tags[i+1]
	}
	return labels
}

// sanitizeMetricName turns "smarterdoc.blob.chunks" into "smarterdoc_blob_chunks".
func sanitizeMetricName(name string) string {
	out := []byte(name)
	for i, c := range out {
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_') {
			out[i] = '_'
		}
	}
	return string(out)
}
