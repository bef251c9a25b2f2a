package internaltelemetry

import (
	"context"

	"go.opentelemetry.io/otel/metric"
)

// WriteCacheGauges is read by the observable gauges on every collection.
type WriteCacheGauges interface {
	WriteCacheSize() int64
	ExclusiveWriteCacheSize() int64
	DirtyPagesCount() int64
}

// WriteCacheMetrics holds all the metric instruments for the write cache.
type WriteCacheMetrics struct {
	FlushedPagesCounter    metric.Int64Counter
	FlushedChunksCounter   metric.Int64Counter
	BlankPagesCounter      metric.Int64Counter
	BrokenPagesCounter     metric.Int64Counter
	OverflowWaitsCounter   metric.Int64Counter
	FlushDurationHistogram metric.Int64Histogram

	registration metric.Registration
}

// NewWriteCacheMetrics creates and registers all the metrics for one write cache.
func NewWriteCacheMetrics(meter metric.Meter, gauges WriteCacheGauges) (*WriteCacheMetrics, error) {
	flushedPagesCounter, err := meter.Int64Counter(
		"pagecache.write_cache.flushed_pages_total",
		metric.WithDescription("Total number of pages written to data files."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	flushedChunksCounter, err := meter.Int64Counter(
		"pagecache.write_cache.flushed_chunks_total",
		metric.WithDescription("Total number of contiguous chunks written to data files."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	blankPagesCounter, err := meter.Int64Counter(
		"pagecache.write_cache.blank_pages_total",
		metric.WithDescription("Total number of blank pages written to fill file gaps."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	brokenPagesCounter, err := meter.Int64Counter(
		"pagecache.write_cache.broken_pages_total",
		metric.WithDescription("Total number of pages that failed verification on load."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	overflowWaitsCounter, err := meter.Int64Counter(
		"pagecache.write_cache.overflow_waits_total",
		metric.WithDescription("Total number of producer waits on the exclusive write cache limit."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	flushDurationHistogram, err := meter.Int64Histogram(
		"pagecache.write_cache.flush.duration",
		metric.WithDescription("The duration of flush tasks run by the flush worker."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	writeCacheSize, err := meter.Int64ObservableGauge(
		"pagecache.write_cache.pages",
		metric.WithDescription("Number of pages held by the write cache."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	exclusiveSize, err := meter.Int64ObservableGauge(
		"pagecache.write_cache.exclusive_pages",
		metric.WithDescription("Number of pages held only by the write cache."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	dirtyPages, err := meter.Int64ObservableGauge(
		"pagecache.write_cache.dirty_pages",
		metric.WithDescription("Number of entries in the dirty pages table."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	registration, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(writeCacheSize, gauges.WriteCacheSize())
		o.ObserveInt64(exclusiveSize, gauges.ExclusiveWriteCacheSize())
		o.ObserveInt64(dirtyPages, gauges.DirtyPagesCount())
		return nil
	}, writeCacheSize, exclusiveSize, dirtyPages)
	if err != nil {
		return nil, err
	}

	return &WriteCacheMetrics{
		FlushedPagesCounter:    flushedPagesCounter,
		FlushedChunksCounter:   flushedChunksCounter,
		BlankPagesCounter:      blankPagesCounter,
		BrokenPagesCounter:     brokenPagesCounter,
		OverflowWaitsCounter:   overflowWaitsCounter,
		FlushDurationHistogram: flushDurationHistogram,
		registration:           registration,
	}, nil
}

// Unregister stops the gauge callback.
func (m *WriteCacheMetrics) Unregister() error {
	if m.registration == nil {
		return nil
	}
	return m.registration.Unregister()
}
