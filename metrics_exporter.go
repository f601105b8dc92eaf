package smarterdoc

import (
	"context"
	"time"
)

// MetricsExporter periodically drains a QueryProfiler into Metrics.
type MetricsExporter struct {
	profiler *QueryProfiler
	metrics  Metrics
	interval time.Duration
	stopCh   chan struct{}
}

func NewMetricsExporter(profiler *QueryProfiler, metrics Metrics, interval time.Duration) *MetricsExporter {
	return &MetricsExporter{
		profiler: profiler,
		metrics:  metrics,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start exports every interval until ctx is done or Stop is called.
func (e *MetricsExporter) Start(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.export()
		case <-e.stopCh:
			e.export()
			return
		case <-ctx.Done():
			return
		}
	}
}

func (e *MetricsExporter) Stop() {
	close(e.stopCh)
}

func (e *MetricsExporter) export() {
	for _, profile := range e.profiler.Drain() {
		if profile.Error != nil {
			continue
		}
		e.metrics.Timing(MetricQueryDuration, profile.Duration, "collection", profile.Collection, "op", profile.Op)
		if profile.FullScan {
			e.metrics.Increment(MetricQueryFullScan, "collection", profile.Collection, "op", profile.Op)
		}
	}
}

// ExportOnce exports the pending profiles now.
func (e *MetricsExporter) ExportOnce() {
	e.export()
}
