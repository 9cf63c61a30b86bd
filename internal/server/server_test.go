package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nholik/cutover/internal/backend"
	"github.com/nholik/cutover/internal/flags"
	"github.com/nholik/cutover/internal/healthcheck"
	"github.com/nholik/cutover/internal/metrics"
	"github.com/nholik/cutover/internal/router"
	"github.com/rs/zerolog"
)

type staticFlags struct{ set *flags.Set }

func (s staticFlags) Current() *flags.Set { return s.set }

func echo(name string) backend.Func {
	return func(_ context.Context, req backend.Request) (backend.Response, error) {
		return backend.Response{Status: http.StatusOK, Body: []byte(name + ":" + string(req.Body))}, nil
	}
}

func apiHandler(t *testing.T, oldBackend backend.Backend) http.Handler {
	t.Helper()
	rt := router.New(zerolog.Nop(), staticFlags{flags.Initial()}, oldBackend, echo(backend.New))
	t.Cleanup(rt.Wait)
	status := func(context.Context) (any, error) {
		return map[string]string{"phase": "none"}, nil
	}
	return API(zerolog.Nop(), "127.0.0.1:0", rt, status).Handler
}

func TestProcessRoutesToOldBeforeMigration(t *testing.T) {
	handler := apiHandler(t, echo(backend.Old))

	body := `{"method":"POST","path":"/orders","body":"aGVsbG8="}`
	req := httptest.NewRequest(http.MethodPost, "/v1/process", strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var result ProcessResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if result.Backend != backend.Old || result.Version != 1 {
		t.Fatalf("unexpected routing %+v", result)
	}
	if result.RequestID == "" {
		t.Fatal("expected a generated request id")
	}
	if !bytes.Equal(result.Response.Body, []byte("old:hello")) {
		t.Fatalf("unexpected body %q", result.Response.Body)
	}
}

func TestProcessRejectsMalformedBody(t *testing.T) {
	handler := apiHandler(t, echo(backend.Old))

	req := httptest.NewRequest(http.MethodPost, "/v1/process", strings.NewReader("{"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestProcessBackendFailureIsBadGateway(t *testing.T) {
	failing := backend.Func(func(context.Context, backend.Request) (backend.Response, error) {
		return backend.Response{}, errors.New("connection refused")
	})
	handler := apiHandler(t, failing)

	req := httptest.NewRequest(http.MethodPost, "/v1/process", strings.NewReader(`{"id":"r-1"}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
}

func TestStatusAndMethodRouting(t *testing.T) {
	handler := apiHandler(t, echo(backend.Old))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/status", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"phase":"none"`) {
		t.Fatalf("unexpected status response %d %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/process", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for GET /v1/process, got %d", rec.Code)
	}
}

func TestProbes(t *testing.T) {
	tracker := healthcheck.NewTracker()
	m := metrics.New()

	if got := Probes(tracker, time.Second, m, 0, 0); got != nil {
		t.Fatalf("expected no listeners, got %+v", got)
	}

	shared := Probes(tracker, time.Second, m, 9100, 9100)
	if len(shared) != 1 || shared[0].Label != "health/metrics" {
		t.Fatalf("expected one shared listener, got %+v", shared)
	}
	rec := httptest.NewRecorder()
	shared[0].Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected metrics on shared listener, got %d", rec.Code)
	}
	rec = httptest.NewRecorder()
	shared[0].Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected not ready before a cycle, got %d", rec.Code)
	}

	split := Probes(tracker, time.Second, m, 9100, 9200)
	if len(split) != 2 || split[0].Addr != ":9100" || split[1].Addr != ":9200" {
		t.Fatalf("unexpected listeners %+v", split)
	}
}

func TestServeShutsDownOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Serve(ctx, zerolog.Nop(), Listener{Label: "test", Addr: "127.0.0.1:0", Handler: http.NewServeMux()})
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestServeReportsListenFailure(t *testing.T) {
	err := Serve(context.Background(), zerolog.Nop(), Listener{Label: "test", Addr: "256.0.0.1:bad", Handler: http.NewServeMux()})
	if err == nil {
		t.Fatal("expected listen error")
	}
}
