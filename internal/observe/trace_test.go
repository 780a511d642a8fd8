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
	"go.opentelemetry.io/otel/trace"
)

// recordingTracer installs an in-memory exporter as the global tracer
// provider so StartSpan output can be inspected. These tests mutate global
// state and therefore stay sequential.
func recordingTracer(t *testing.T) *tracetest.InMemoryExporter {
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

func TestStartSpanRecordsNameAndAttributes(t *testing.T) {
	exp := recordingTracer(t)

	ctx, span := StartSpan(context.Background(), "session.backend_request",
		trace.WithAttributes(Attr("request_id", "req-1")))
	if CorrelationID(ctx) == "" {
		t.Error("no trace ID on the span context")
	}
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	if spans[0].Name != "session.backend_request" {
		t.Errorf("span name = %q, want session.backend_request", spans[0].Name)
	}
	found := false
	for _, kv := range spans[0].Attributes {
		if string(kv.Key) == "request_id" && kv.Value.AsString() == "req-1" {
			found = true
		}
	}
	if !found {
		t.Errorf("request_id attribute missing from %v", spans[0].Attributes)
	}
}

func TestCorrelationIDMatchesSpanTraceID(t *testing.T) {
	recordingTracer(t)

	ctx, span := StartSpan(context.Background(), "session.segment")
	defer span.End()

	want := span.SpanContext().TraceID().String()
	if got := CorrelationID(ctx); got != want {
		t.Errorf("CorrelationID = %q, want %q", got, want)
	}
}

func TestCorrelationIDEmptyWithoutSpan(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID(background) = %q, want empty", got)
	}
}

func TestLoggerCarriesTraceIDs(t *testing.T) {
	recordingTracer(t)

	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	ctx, span := StartSpan(context.Background(), "session.run")
	defer span.End()

	Logger(ctx).Info("utterance admitted")
	line := buf.String()
	if !strings.Contains(line, "trace_id="+CorrelationID(ctx)) {
		t.Errorf("log line missing trace_id: %s", line)
	}
	if !strings.Contains(line, "span_id=") {
		t.Errorf("log line missing span_id: %s", line)
	}

	buf.Reset()
	Logger(context.Background()).Info("no span here")
	if strings.Contains(buf.String(), "trace_id") {
		t.Errorf("bare context should log without trace_id: %s", buf.String())
	}
}
