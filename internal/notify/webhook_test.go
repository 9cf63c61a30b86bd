package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nholik/cutover/internal/health"
	"github.com/rs/zerolog"
)

func TestWebhookNotifierDefaultTemplate(t *testing.T) {
	var body []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	notifier, err := NewWebhookNotifier(zerolog.Nop(), server.URL, "")
	if err != nil {
		t.Fatalf("NewWebhookNotifier error: %v", err)
	}
	if err := notifier.Notify(context.Background(), sampleMessage(health.SeverityCritical)); err != nil {
		t.Fatalf("Notify error: %v", err)
	}

	var decoded struct {
		Title    string  `json:"title"`
		Severity string  `json:"severity"`
		Phase    string  `json:"phase"`
		Fields   []Field `json:"fields"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("default template must render valid JSON: %v (%s)", err, body)
	}
	if decoded.Severity != "critical" || decoded.Phase != "canary" || len(decoded.Fields) != 2 {
		t.Fatalf("unexpected payload %+v", decoded)
	}
}

func TestWebhookNotifierCustomTemplate(t *testing.T) {
	var body string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		body = string(data)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	notifier, err := NewWebhookNotifier(zerolog.Nop(), server.URL, `{"text":"{{ .Title }} in {{ .Phase }}","count":{{ len .Fields }}}`)
	if err != nil {
		t.Fatalf("NewWebhookNotifier error: %v", err)
	}
	if err := notifier.Notify(context.Background(), sampleMessage(health.SeverityWarning)); err != nil {
		t.Fatalf("Notify error: %v", err)
	}
	if !strings.Contains(body, `"text":"Automatic rollback in canary"`) || !strings.Contains(body, `"count":2`) {
		t.Fatalf("unexpected payload %s", body)
	}
}

func TestWebhookNotifierRetriesOnServerError(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	notifier, err := NewWebhookNotifier(zerolog.Nop(), server.URL, "")
	if err != nil {
		t.Fatalf("NewWebhookNotifier error: %v", err)
	}
	notifier.poster.timing.backoffInitial = time.Millisecond
	notifier.poster.timing.backoffMax = 2 * time.Millisecond
	notifier.poster.timing.backoffMaxElapsed = 200 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := notifier.Notify(ctx, sampleMessage(health.SeverityCritical)); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestWebhookNotifierInvalidTemplate(t *testing.T) {
	if _, err := NewWebhookNotifier(zerolog.Nop(), "http://example.com", "{{"); err == nil {
		t.Fatalf("expected template error")
	}
}

func TestWebhookNotifierDisabledWithoutURL(t *testing.T) {
	notifier, err := NewWebhookNotifier(zerolog.Nop(), "", "")
	if err != nil || notifier != nil {
		t.Fatalf("expected nil notifier, got %v %v", notifier, err)
	}
	if err := notifier.Notify(context.Background(), Message{}); err != nil {
		t.Fatalf("nil notifier should be inert: %v", err)
	}
}
