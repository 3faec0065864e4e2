package observability

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"catenary/internal/config"
)

func TestInitTracingDisabled(t *testing.T) {
	shutdown, err := initTracing(context.Background(), config.Tracing{}, &bytes.Buffer{}, nil)
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))

	_, span := Tracer().Start(context.Background(), "noop")
	assert.False(t, span.SpanContext().IsValid())
	span.End()
}

func TestInitTracingStdout(t *testing.T) {
	var buf bytes.Buffer
	cfg := config.Tracing{Enabled: true, Exporter: "stdout", ServiceName: "catenary-test", SampleRatio: 1}
	shutdown, err := initTracing(context.Background(), cfg, &buf, nil)
	require.NoError(t, err)

	_, span := Tracer().Start(context.Background(), "optimizer.run")
	assert.True(t, span.SpanContext().IsValid())
	span.End()

	ShutdownWithTimeout(context.Background(), shutdown, nil)
	assert.Contains(t, buf.String(), "optimizer.run")

	_, err = initTracing(context.Background(), config.Tracing{Enabled: true}, &buf, nil)
	require.NoError(t, err, "empty exporter means stdout")
}

func TestInitTracingUnknownExporter(t *testing.T) {
	_, err := initTracing(context.Background(), config.Tracing{Enabled: true, Exporter: "zipkin"}, &bytes.Buffer{}, nil)
	assert.Error(t, err)
}
