package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// recordSpans installs an in-memory tracer provider for the test.
func recordSpans(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

func TestMiddleware(t *testing.T) {
	exp := recordSpans(t)
	m, reader := newTestMetrics(t)

	var seen string
	h := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = CorrelationID(r.Context())
		if r.URL.Path == "/readyz" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))

	for _, path := range []string{"/healthz", "/readyz", "/readyz"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

		if len(seen) != 32 {
			t.Fatalf("%s: handler saw correlation ID %q", path, seen)
		}
		if got := rec.Header().Get("X-Correlation-ID"); got != seen {
			t.Errorf("%s: X-Correlation-ID = %q, want %q", path, got, seen)
		}
		if rec.Header().Get("Traceparent") == "" {
			t.Errorf("%s: traceparent not propagated", path)
		}
	}

	spans := exp.GetSpans()
	if len(spans) != 3 || spans[0].Name != "HTTP GET /healthz" || spans[2].Name != "HTTP GET /readyz" {
		t.Errorf("spans = %v", spans.Snapshots())
	}

	got := collectSnapshot(t, reader)
	if n := got["cadenza.http.request.duration{method=GET,path=/readyz}"]; n != 2 {
		t.Errorf("readyz samples = %d, want 2", n)
	}
	if n := got["cadenza.http.request.duration{method=GET,path=/healthz}"]; n != 1 {
		t.Errorf("healthz samples = %d, want 1", n)
	}
}

func TestMiddleware_JoinsIncomingTrace(t *testing.T) {
	recordSpans(t)
	m, _ := newTestMetrics(t)

	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	var seen string
	h := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = CorrelationID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")
	h.ServeHTTP(httptest.NewRecorder(), req)

	if seen != traceID {
		t.Errorf("correlation ID = %q, want the caller's trace %q", seen, traceID)
	}
}
