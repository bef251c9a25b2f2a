package internaltelemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

type fixedGauges struct{ size, exclusive, dirty int64 }

func (g fixedGauges) WriteCacheSize() int64          { return g.size }
func (g fixedGauges) ExclusiveWriteCacheSize() int64 { return g.exclusive }
func (g fixedGauges) DirtyPagesCount() int64         { return g.dirty }

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					out[m.Name] += dp.Value
				}
			case metricdata.Gauge[int64]:
				for _, dp := range data.DataPoints {
					out[m.Name] = dp.Value
				}
			}
		}
	}
	return out
}

func TestWriteCacheMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer func() { _ = provider.Shutdown(context.Background()) }()

	m, err := NewWriteCacheMetrics(provider.Meter("test"), fixedGauges{size: 7, exclusive: 3, dirty: 5})
	require.NoError(t, err)
	m.FlushedPagesCounter.Add(context.Background(), 12)
	m.BlankPagesCounter.Add(context.Background(), 2)

	got := collect(t, reader)
	assert.Equal(t, int64(12), got["pagecache.write_cache.flushed_pages_total"])
	assert.Equal(t, int64(2), got["pagecache.write_cache.blank_pages_total"])
	assert.Equal(t, int64(7), got["pagecache.write_cache.pages"])
	assert.Equal(t, int64(3), got["pagecache.write_cache.exclusive_pages"])
	assert.Equal(t, int64(5), got["pagecache.write_cache.dirty_pages"])

	require.NoError(t, m.Unregister())
	got = collect(t, reader)
	_, observed := got["pagecache.write_cache.pages"]
	assert.False(t, observed, "gauges stop reporting after Unregister")
}
