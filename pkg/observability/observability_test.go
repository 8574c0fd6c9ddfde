package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	assert.Equal(t, "loopgrid", config.ServiceName)
	assert.Equal(t, "localhost:4317", config.OTLPEndpoint)
	assert.Equal(t, 1.0, config.SampleRate)
	assert.False(t, config.Enabled)
}

func TestNewProviderDisabled(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.NotNil(t, p.Tracer())

	_, done := p.TrackOperation(context.Background(), "ledger.append")
	done(nil)
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestNilProviderIsSafe(t *testing.T) {
	var p *Provider
	_, done := p.TrackOperation(context.Background(), "ledger.verify")
	done(errors.New("boom"))
	p.RecordAnomalies(context.Background(), "chain_break", 2)
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestTrackOperation_RecordsSpanAndMetrics(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	p, err := NewWithProviders(tp, mp)
	require.NoError(t, err)

	ctx := context.Background()
	_, done := p.TrackOperation(ctx, "ledger.append", attribute.String("service_name", "support-agent"))
	done(nil)
	_, done = p.TrackOperation(ctx, "ledger.append", attribute.String("service_name", "support-agent"))
	done(errors.New("store unavailable"))
	p.RecordAnomalies(ctx, "content_mismatch", 1)

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "ledger.append", spans[0].Name())
	assert.Len(t, spans[1].Events(), 1)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	totals := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					totals[m.Name] += dp.Value
				}
			}
		}
	}
	assert.Equal(t, int64(2), totals["loopgrid.operations.total"])
	assert.Equal(t, int64(1), totals["loopgrid.errors.total"])
	assert.Equal(t, int64(0), totals["loopgrid.operations.active"])
	assert.Equal(t, int64(1), totals["loopgrid.integrity.anomalies"])
}
