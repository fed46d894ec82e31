package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// mwHarness bundles the pieces middleware tests poke at.
type mwHarness struct {
	metrics *Metrics
	reader  *sdkmetric.ManualReader
	spans   *tracetest.InMemoryExporter
}

func newMWHarness(t *testing.T) *mwHarness {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	return &mwHarness{metrics: m, reader: reader, spans: memTracer(t)}
}

// serve runs one request through the middleware-wrapped handler and returns
// the response recorder.
func (h *mwHarness) serve(t *testing.T, req *http.Request, inner http.HandlerFunc) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	Middleware(h.metrics)(inner).ServeHTTP(rec, req)
	return rec
}

func hasAttr(attrs []attribute.KeyValue, key, want string) bool {
	for _, kv := range attrs {
		if string(kv.Key) == key && kv.Value.Emit() == want {
			return true
		}
	}
	return false
}

func TestMiddleware_CorrelationHeader(t *testing.T) {
	h := newMWHarness(t)

	var inHandler string
	rec := h.serve(t, httptest.NewRequest("GET", "/probe", nil),
		func(w http.ResponseWriter, r *http.Request) {
			inHandler = CorrelationID(r.Context())
			w.WriteHeader(http.StatusOK)
		})

	if inHandler == "" {
		t.Fatal("handler context carried no correlation ID")
	}
	if len(inHandler) != 32 {
		t.Errorf("correlation ID length = %d, want 32", len(inHandler))
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != inHandler {
		t.Errorf("X-Correlation-ID = %q, want %q", got, inHandler)
	}
}

func TestMiddleware_SpanNameAndStatus(t *testing.T) {
	h := newMWHarness(t)

	h.serve(t, httptest.NewRequest("GET", "/missing", nil),
		func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		})

	spans := h.spans.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	if spans[0].Name != "HTTP GET /missing" {
		t.Errorf("span name = %q, want %q", spans[0].Name, "HTTP GET /missing")
	}

	var status int64
	for _, a := range spans[0].Attributes {
		if string(a.Key) == "http.response.status_code" {
			status = a.Value.AsInt64()
		}
	}
	if status != http.StatusNotFound {
		t.Errorf("span status attribute = %d, want %d", status, http.StatusNotFound)
	}
}

func TestMiddleware_RecordsDuration(t *testing.T) {
	h := newMWHarness(t)

	h.serve(t, httptest.NewRequest("GET", "/report", nil),
		func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})

	var rm metricdata.ResourceMetrics
	if err := h.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}

	met := findMetric(rm, "sibilant.http.request.duration")
	if met == nil {
		t.Fatal("sibilant.http.request.duration not recorded")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("metric data is %T, want Histogram[float64]", met.Data)
	}
	if len(hist.DataPoints) != 1 {
		t.Fatalf("histogram has %d data points, want 1", len(hist.DataPoints))
	}

	dp := hist.DataPoints[0]
	if dp.Count != 1 {
		t.Errorf("sample count = %d, want 1", dp.Count)
	}
	attrs := dp.Attributes.ToSlice()
	if !hasAttr(attrs, "method", "GET") {
		t.Error("histogram sample missing method=GET attribute")
	}
	if !hasAttr(attrs, "path", "/report") {
		t.Error("histogram sample missing path=/report attribute")
	}
}

func TestMiddleware_DefaultStatusIsOK(t *testing.T) {
	h := newMWHarness(t)

	// Handler writes a body without an explicit WriteHeader.
	rec := h.serve(t, httptest.NewRequest("GET", "/implicit", nil),
		func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("ok"))
		})

	if rec.Code != http.StatusOK {
		t.Errorf("response status = %d, want %d", rec.Code, http.StatusOK)
	}
	spans := h.spans.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	ok := false
	for _, a := range spans[0].Attributes {
		if string(a.Key) == "http.response.status_code" && a.Value.AsInt64() == http.StatusOK {
			ok = true
		}
	}
	if !ok {
		t.Error("span should record 200 for an implicit status")
	}
}

func TestMiddleware_PropagatesW3CTraceContext(t *testing.T) {
	h := newMWHarness(t)
	const upstream = "4bf92f3577b34da6a3ce929d0e0e4736"

	var inHandler string
	req := httptest.NewRequest("GET", "/propagate", nil)
	req.Header.Set("traceparent", "00-"+upstream+"-00f067aa0ba902b7-01")
	rec := h.serve(t, req, func(w http.ResponseWriter, r *http.Request) {
		inHandler = CorrelationID(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	if inHandler != upstream {
		t.Errorf("correlation ID = %q, want the upstream trace ID %q", inHandler, upstream)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != upstream {
		t.Errorf("X-Correlation-ID = %q, want %q", got, upstream)
	}
}

func TestStatusRecorder_Unwrap(t *testing.T) {
	rec := httptest.NewRecorder()
	sr := &statusRecorder{ResponseWriter: rec, statusCode: http.StatusOK}
	if sr.Unwrap() != rec {
		t.Error("Unwrap did not return the wrapped writer")
	}
}
