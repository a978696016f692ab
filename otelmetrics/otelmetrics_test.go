package otelmetrics_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/azargarov/fairq/metrics"
	"github.com/azargarov/fairq/otelmetrics"
)

func setupTestMeter() (*sdkmetric.ManualReader, *sdkmetric.MeterProvider) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	return reader, mp
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func sumBy(t *testing.T, rm metricdata.ResourceMetrics, name string, key attribute.Key, value string) int64 {
	t.Helper()
	m := findMetric(rm, name)
	require.NotNil(t, m, "%s not found", name)
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "%s is not an int64 sum", name)

	var total int64
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(key); ok && v.AsString() == value {
			total += dp.Value
		}
	}
	return total
}

func gauge(t *testing.T, rm metricdata.ResourceMetrics, name string) int64 {
	t.Helper()
	m := findMetric(rm, name)
	require.NotNil(t, m, "%s not found", name)
	g, ok := m.Data.(metricdata.Gauge[int64])
	require.True(t, ok, "%s is not an int64 gauge", name)
	require.Len(t, g.DataPoints, 1)
	return g.DataPoints[0].Value
}

func TestAttach_MirrorsEvents(t *testing.T) {
	reader, mp := setupTestMeter()
	agg := metrics.NewAggregator()
	detach, err := otelmetrics.AttachWithMeter(agg, mp.Meter("test"))
	require.NoError(t, err)
	defer detach()

	agg.RecordQueued("email", 3, 3)
	agg.RecordProcessed("email", 1, 20*time.Millisecond, 5*time.Millisecond)
	agg.RecordFailed("sms", 1, errors.New("ETIMEDOUT"), time.Millisecond, 0)
	agg.RecordDropped("capacity", "email")
	agg.RecordDropped("capacity", "email")
	agg.UpdateActiveJobs(2)
	agg.UpdateQueueDepth(1)

	rm := collect(t, reader)

	assert.EqualValues(t, 3, sumBy(t, rm, "fairq.jobs.queued", "job_type", "email"))
	assert.EqualValues(t, 1, sumBy(t, rm, "fairq.jobs.processed", "job_type", "email"))
	assert.EqualValues(t, 1, sumBy(t, rm, "fairq.jobs.failed", "reason", "ETIMEDOUT"))
	assert.EqualValues(t, 2, sumBy(t, rm, "fairq.jobs.dropped", "reason", "capacity"))
	assert.EqualValues(t, 2, gauge(t, rm, "fairq.jobs.active"))
	assert.EqualValues(t, 1, gauge(t, rm, "fairq.queue.depth"))

	m := findMetric(rm, "fairq.job.duration")
	require.NotNil(t, m)
	hist, ok := m.Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	var count uint64
	for _, dp := range hist.DataPoints {
		count += dp.Count
		status, _ := dp.Attributes.Value("status")
		assert.Contains(t, []string{"ok", "error"}, status.AsString())
	}
	assert.EqualValues(t, 2, count)
}

func TestAttach_Detach(t *testing.T) {
	reader, mp := setupTestMeter()
	agg := metrics.NewAggregator()
	detach, err := otelmetrics.AttachWithMeter(agg, mp.Meter("test"))
	require.NoError(t, err)

	agg.RecordDeduplicated("email")
	detach()
	agg.RecordDeduplicated("email")

	rm := collect(t, reader)
	assert.EqualValues(t, 1, sumBy(t, rm, "fairq.jobs.deduplicated", "job_type", "email"))
}
