package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// newMiddleware builds a Middleware over inspectable metric and trace
// backends and returns it with the readers.
func newMiddleware(t *testing.T) (func(http.Handler) http.Handler, *sdkmetric.ManualReader, *tracetest.InMemoryExporter) {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	origTP := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(origTP) })

	return Middleware(m), reader, exp
}

// serve runs one request through the wrapped handler and returns the
// recorder plus the correlation ID the handler observed in its context.
func serve(mw func(http.Handler) http.Handler, method, path string, hdr http.Header, status int) (*httptest.ResponseRecorder, string) {
	var cid string
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cid = CorrelationID(r.Context())
		w.WriteHeader(status)
	}))
	req := httptest.NewRequest(method, path, nil)
	for k, vs := range hdr {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec, cid
}

func TestMiddlewareAssignsCorrelationID(t *testing.T) {
	mw, _, _ := newMiddleware(t)

	rec, cid := serve(mw, "GET", "/ws/client", nil, http.StatusOK)
	if cid == "" {
		t.Fatal("handler saw no correlation ID in its context")
	}
	if len(cid) != 32 {
		t.Errorf("correlation ID length = %d, want 32", len(cid))
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != cid {
		t.Errorf("X-Correlation-ID header = %q, want %q", got, cid)
	}
}

func TestMiddlewareContinuesUpstreamTrace(t *testing.T) {
	mw, _, _ := newMiddleware(t)

	hdr := http.Header{}
	hdr.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	rec, cid := serve(mw, "GET", "/ws/client", hdr, http.StatusOK)

	if cid != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Errorf("correlation ID = %q, want the upstream trace ID", cid)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != cid {
		t.Errorf("X-Correlation-ID header = %q, want %q", got, cid)
	}
}

func TestMiddlewareRecordsSpanWithStatus(t *testing.T) {
	mw, _, exp := newMiddleware(t)

	serve(mw, "GET", "/ws/client", nil, http.StatusNotFound)

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	if spans[0].Name != "HTTP GET /ws/client" {
		t.Errorf("span name = %q, want HTTP GET /ws/client", spans[0].Name)
	}
	found := false
	for _, a := range spans[0].Attributes {
		if string(a.Key) == "http.response.status_code" && a.Value.AsInt64() == 404 {
			found = true
		}
	}
	if !found {
		t.Error("span missing http.response.status_code attribute")
	}
}

func TestMiddlewareRecordsDurationWithRouteAttrs(t *testing.T) {
	mw, reader, _ := newMiddleware(t)

	serve(mw, "GET", "/ws/client", nil, http.StatusOK)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	met := findMetric(rm, "voxgate.http.request.duration")
	if met == nil {
		t.Fatal("voxgate.http.request.duration not recorded")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("metric is not a histogram")
	}
	if len(hist.DataPoints) != 1 {
		t.Fatalf("data points = %d, want 1", len(hist.DataPoints))
	}

	dp := hist.DataPoints[0]
	if dp.Count != 1 {
		t.Errorf("sample count = %d, want 1", dp.Count)
	}
	foundMethod, foundPath := false, false
	for _, kv := range dp.Attributes.ToSlice() {
		if string(kv.Key) == "method" && kv.Value.AsString() == "GET" {
			foundMethod = true
		}
		if string(kv.Key) == "path" && kv.Value.AsString() == "/ws/client" {
			foundPath = true
		}
	}
	if !foundMethod || !foundPath {
		t.Errorf("missing route attributes: method=%v path=%v", foundMethod, foundPath)
	}
}

func TestMiddlewareKeepsProbesOutOfHistogram(t *testing.T) {
	mw, reader, _ := newMiddleware(t)

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		serve(mw, "GET", path, nil, http.StatusOK)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if met := findMetric(rm, "voxgate.http.request.duration"); met != nil {
		if hist, ok := met.Data.(metricdata.Histogram[float64]); ok && len(hist.DataPoints) > 0 {
			t.Errorf("probe requests recorded %d histogram points, want none", len(hist.DataPoints))
		}
	}
}
