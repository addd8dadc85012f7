package telemetry

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel"
)

func TestInit_ExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := Init("sentinel-test", &buf)
	if err != nil {
		t.Fatal(err)
	}

	_, span := otel.Tracer("test").Start(context.Background(), "lifecycle.Submit")
	span.End()

	if err := shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !bytes.Contains(buf.Bytes(), []byte("lifecycle.Submit")) {
		t.Errorf("span not exported: %s", buf.String())
	}
	if !bytes.Contains(buf.Bytes(), []byte("sentinel-test")) {
		t.Errorf("service name missing: %s", buf.String())
	}
}

func TestHTTPMiddleware(t *testing.T) {
	h := HTTPMiddleware("")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusTeapot {
		t.Errorf("code = %d", rec.Code)
	}
}

func TestInstrumentClient(t *testing.T) {
	c := InstrumentClient(&http.Client{})
	if c.Transport == nil {
		t.Fatal("transport not wrapped")
	}
}
