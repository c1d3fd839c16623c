package telemetry_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"actionqueue/internal/telemetry"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := map[string]metricdata.Aggregation{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func TestMetricsRecord(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := telemetry.NewMetrics(mp)
	require.NoError(t, err)
	ctx := context.Background()

	m.Transition(ctx, "approved")
	m.Transition(ctx, "approved")
	m.Dispatch(ctx, "webhook", "succeeded", 250*time.Millisecond)
	m.Verification(ctx, "violation", 3)
	require.NoError(t, m.ObserveStaleness(func(context.Context) (time.Duration, bool) { return 90 * time.Second, true }))

	got := collect(t, reader)
	transitions, ok := got["actionqueue.transitions"].(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, transitions.DataPoints, 1)
	assert.Equal(t, int64(2), transitions.DataPoints[0].Value)

	hist, ok := got["actionqueue.dispatch.duration"].(metricdata.Histogram[float64])
	require.True(t, ok)
	assert.Equal(t, uint64(1), hist.DataPoints[0].Count)

	problems, ok := got["actionqueue.ledger.integrity_problems"].(metricdata.Sum[int64])
	require.True(t, ok)
	assert.Equal(t, int64(3), problems.DataPoints[0].Value)

	gauge, ok := got["actionqueue.ranking.staleness"].(metricdata.Gauge[float64])
	require.True(t, ok)
	assert.Equal(t, 90.0, gauge.DataPoints[0].Value)
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *telemetry.Metrics
	m.Transition(context.Background(), "approved")
	m.Dispatch(context.Background(), "k", "failed", time.Second)
	m.Verification(context.Background(), "error", 0)
	assert.NoError(t, m.ObserveStaleness(nil))
}

func TestDisabledProvider(t *testing.T) {
	p, err := telemetry.New(context.Background(), telemetry.Config{})
	require.NoError(t, err)
	assert.NotNil(t, p.Tracer())
	assert.NoError(t, p.Shutdown(context.Background()))
}
