package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nholik/cutover/internal/entity"
	"github.com/nholik/cutover/internal/flags"
	"github.com/nholik/cutover/internal/phase"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsUpdates(t *testing.T) {
	m := New()

	m.ObserveBackend("old", 12*time.Millisecond, false)
	m.ObserveBackend("new", 30*time.Millisecond, true)
	m.ObserveShadow(true)
	m.ObserveShadow(false)
	m.ObserveShadow(false)
	m.IncRollbacks("automatic")
	m.IncAlerts("critical")
	m.SetEntityCounts(entity.Counts{entity.StatusDone: 7, entity.StatusPending: 3})
	m.ObserveHealthCycle(2*time.Second, time.Unix(100, 0))

	set := flags.Initial()
	set.Version = 12
	set.Phase = phase.Canary
	set.Split = flags.NewPercent(25)
	m.SetFlagSet(set)

	if got := testutil.ToFloat64(m.backendRequestsTotal.WithLabelValues("new", "error")); got != 1 {
		t.Fatalf("expected new errors 1, got %v", got)
	}
	if got := testutil.ToFloat64(m.shadowComparisons.WithLabelValues("mismatch")); got != 2 {
		t.Fatalf("expected mismatches 2, got %v", got)
	}
	if got := testutil.ToFloat64(m.phaseGauge.WithLabelValues("canary")); got != 1 {
		t.Fatalf("expected canary gauge 1, got %v", got)
	}
	if got := testutil.ToFloat64(m.phaseGauge.WithLabelValues("shadow")); got != 0 {
		t.Fatalf("expected shadow gauge 0, got %v", got)
	}
	if got := testutil.ToFloat64(m.trafficNewPercent); got != 25 {
		t.Fatalf("expected traffic 25, got %v", got)
	}
	if got := testutil.ToFloat64(m.flagVersion); got != 12 {
		t.Fatalf("expected version 12, got %v", got)
	}
	if got := testutil.ToFloat64(m.entities.WithLabelValues("done")); got != 7 {
		t.Fatalf("expected done 7, got %v", got)
	}
	if got := testutil.ToFloat64(m.lastHealthCycle); got != 100 {
		t.Fatalf("expected last health cycle 100, got %v", got)
	}
	if count := testutil.CollectAndCount(m.backendLatency); count == 0 {
		t.Fatalf("expected latency histogram to be collected")
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.ObserveBackend("old", time.Millisecond, false)
	m.ObserveShadow(false)
	m.SetFlagSet(flags.Initial())
	m.IncRollbacks("manual")
	m.IncAlerts("warning")
	m.SetEntityCounts(nil)
	m.ObserveHealthCycle(time.Second, time.Now())
}

func TestHandlerExposesRegistry(t *testing.T) {
	m := New()
	m.IncAlerts("warning")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "cutover_alerts_total") {
		t.Fatalf("expected cutover metrics in output")
	}
}
