package observe

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// tracerFixture installs an in-memory tracer provider as the global one for
// the duration of the test and returns its exporter.
func tracerFixture(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(orig)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

func isHex(s string) bool {
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

func TestCorrelationID_NoActiveSpan(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID without a span = %q, want empty", got)
	}
}

func TestStartSpan_RecordsNameAndTraceID(t *testing.T) {
	exp := tracerFixture(t)

	ctx, span := StartSpan(context.Background(), "turn.stream")
	cid := CorrelationID(ctx)
	if len(cid) != 32 || !isHex(cid) {
		t.Errorf("correlation ID = %q, want 32 hex chars", cid)
	}
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("recorded spans = %d, want 1", len(spans))
	}
	if spans[0].Name != "turn.stream" {
		t.Errorf("span name = %q, want %q", spans[0].Name, "turn.stream")
	}
}

func TestCorrelationID_DistinctPerTrace(t *testing.T) {
	tracerFixture(t)

	seen := make(map[string]struct{}, 64)
	for range 64 {
		ctx, span := StartSpan(context.Background(), "tts.synthesize")
		cid := CorrelationID(ctx)
		span.End()
		if _, dup := seen[cid]; dup {
			t.Fatalf("correlation ID %s repeated across traces", cid)
		}
		seen[cid] = struct{}{}
	}
}

func TestLogger_AnnotatesSpanContext(t *testing.T) {
	tracerFixture(t)

	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(orig) })

	ctx, span := StartSpan(context.Background(), "session.run")
	defer span.End()
	Logger(ctx).Info("worker started")

	out := buf.String()
	if !strings.Contains(out, "trace_id=") || !strings.Contains(out, "span_id=") {
		t.Errorf("log line missing trace annotations: %s", out)
	}
}

func TestLogger_PlainContext(t *testing.T) {
	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(orig) })

	Logger(context.Background()).Info("worker started")
	if strings.Contains(buf.String(), "trace_id=") {
		t.Errorf("log line has trace annotations without a span: %s", buf.String())
	}
}
