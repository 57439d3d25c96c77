package vmlifecycle

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestStartIsTraced wires a real go.opentelemetry.io/otel/sdk
// TracerProvider in place of the global no-op one and asserts that
// Start opens a span, the way the teacher's CreateTracer installs a
// TracerProvider ahead of any (q *qemu) trace call.
func TestStartIsTraced(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	defer otel.SetTracerProvider(prev)

	l, _, _ := newLifecycleForTest(t, "")
	require.NoError(t, l.Start(context.Background()))
	require.NoError(t, tp.ForceFlush(context.Background()))

	var names []string
	for _, s := range exporter.GetSpans() {
		names = append(names, s.Name)
	}
	assert.Contains(t, names, "vmlifecycle.start")
}
