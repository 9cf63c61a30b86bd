// Package telemetry reads the health signals the monitor evaluates from a
// metrics backend.
package telemetry

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/prometheus/common/model"
)

// Metric names a health signal.
type Metric string

const (
	ErrorRate          Metric = "error_rate"
	LatencyP50         Metric = "latency_p50"
	LatencyP99         Metric = "latency_p99"
	CPUPct             Metric = "cpu_pct"
	MemPct             Metric = "mem_pct"
	ShadowMismatchRate Metric = "shadow_mismatch_rate"
)

// Metrics lists every signal in evaluation order.
var Metrics = []Metric{ErrorRate, LatencyP50, LatencyP99, CPUPct, MemPct, ShadowMismatchRate}

var (
	// ErrNoData is returned when the backend has no samples for the window.
	ErrNoData = errors.New("no samples in window")
	// ErrNotConfigured is returned for a signal the provider has no query for.
	ErrNotConfigured = errors.New("metric not configured")
)

// Provider reads one aggregated value per metric over a trailing window.
// Latencies are returned in seconds, rates as fractions and usage as percent.
type Provider interface {
	Read(ctx context.Context, metric Metric, window time.Duration) (float64, error)
}

// Queries maps each metric to a query template. {{window}} is replaced by the
// window in the backend's duration syntax and {{bucket}} by the bucket name.
type Queries map[Metric]string

func render(template string, window time.Duration, bucket string) string {
	return strings.NewReplacer(
		"{{window}}", model.Duration(window).String(),
		"{{bucket}}", bucket,
	).Replace(template)
}

// DefaultPromQL reads the collectors cutover itself exports.
func DefaultPromQL() Queries {
	return Queries{
		ErrorRate:          `sum(rate(cutover_backend_requests_total{backend="new",outcome="error"}[{{window}}])) / sum(rate(cutover_backend_requests_total{backend="new"}[{{window}}]))`,
		LatencyP50:         `histogram_quantile(0.5, sum(rate(cutover_backend_latency_seconds_bucket{backend="new"}[{{window}}])) by (le))`,
		LatencyP99:         `histogram_quantile(0.99, sum(rate(cutover_backend_latency_seconds_bucket{backend="new"}[{{window}}])) by (le))`,
		CPUPct:             `100 * avg(rate(process_cpu_seconds_total{job="cutover-new"}[{{window}}]))`,
		MemPct:             `100 * avg(process_resident_memory_bytes{job="cutover-new"}) / avg(node_memory_MemTotal_bytes)`,
		ShadowMismatchRate: `sum(rate(cutover_shadow_comparisons_total{result="mismatch"}[{{window}}])) / sum(rate(cutover_shadow_comparisons_total[{{window}}]))`,
	}
}

// DefaultFlux reads the same signals written to InfluxDB by telegraf's prometheus input.
func DefaultFlux() Queries {
	return Queries{
		ErrorRate: `from(bucket: "{{bucket}}") |> range(start: -{{window}})
  |> filter(fn: (r) => r._measurement == "cutover_health" and r._field == "error_rate")
  |> mean()`,
		LatencyP50: `from(bucket: "{{bucket}}") |> range(start: -{{window}})
  |> filter(fn: (r) => r._measurement == "cutover_health" and r._field == "latency_p50_seconds")
  |> mean()`,
		LatencyP99: `from(bucket: "{{bucket}}") |> range(start: -{{window}})
  |> filter(fn: (r) => r._measurement == "cutover_health" and r._field == "latency_p99_seconds")
  |> max()`,
		CPUPct: `from(bucket: "{{bucket}}") |> range(start: -{{window}})
  |> filter(fn: (r) => r._measurement == "cpu" and r._field == "usage_active")
  |> mean()`,
		MemPct: `from(bucket: "{{bucket}}") |> range(start: -{{window}})
  |> filter(fn: (r) => r._measurement == "mem" and r._field == "used_percent")
  |> mean()`,
		ShadowMismatchRate: `from(bucket: "{{bucket}}") |> range(start: -{{window}})
  |> filter(fn: (r) => r._measurement == "cutover_health" and r._field == "shadow_mismatch_rate")
  |> mean()`,
	}
}

// Merge returns q with overrides applied. Empty overrides disable a metric.
func (q Queries) Merge(overrides map[Metric]string) Queries {
	out := Queries{}
	for k, v := range q {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}
