package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// Not parallel: installs the global provider.
func TestInitTracerProviderExportsAndPropagates(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	tp, err := InitTracerProvider(context.Background(), Config{
		ServiceName: "scraper-test",
		SampleRatio: 1,
		Exporters:   []sdktrace.SpanExporter{exp},
	})
	require.NoError(t, err)

	ctx, span := otel.Tracer("test").Start(context.Background(), "plugin.search")
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	span.End()
	require.NoError(t, tp.Shutdown(context.Background()))

	assert.NotEmpty(t, carrier.Get("traceparent"))
	spans := exp.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "plugin.search", spans[0].Name)
}

func TestZeroSampleRatioDropsRootSpans(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	tp, err := InitTracerProvider(context.Background(), Config{
		ServiceName: "scraper-test",
		Exporters:   []sdktrace.SpanExporter{exp},
	})
	require.NoError(t, err)

	_, span := tp.Tracer("test").Start(context.Background(), "dropped")
	span.End()
	require.NoError(t, tp.Shutdown(context.Background()))
	assert.Empty(t, exp.GetSpans())
}
