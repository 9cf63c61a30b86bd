package telemetry

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
	"github.com/rs/zerolog"
)

// PrometheusProvider evaluates PromQL instant queries.
type PrometheusProvider struct {
	api     v1.API
	queries Queries
	logger  zerolog.Logger
	now     func() time.Time
}

// NewPrometheus connects to the Prometheus HTTP API at address.
func NewPrometheus(address string, queries Queries, logger zerolog.Logger) (*PrometheusProvider, error) {
	client, err := api.NewClient(api.Config{Address: address})
	if err != nil {
		return nil, fmt.Errorf("prometheus client: %w", err)
	}
	if queries == nil {
		queries = DefaultPromQL()
	}
	return &PrometheusProvider{
		api:     v1.NewAPI(client),
		queries: queries,
		logger:  logger.With().Str("component", "telemetry").Str("provider", "prometheus").Logger(),
		now:     time.Now,
	}, nil
}

// Read runs the metric's query and returns the first sample.
func (p *PrometheusProvider) Read(ctx context.Context, metric Metric, window time.Duration) (float64, error) {
	template, ok := p.queries[metric]
	if !ok || template == "" {
		return 0, fmt.Errorf("%w: %s", ErrNotConfigured, metric)
	}
	query := render(template, window, "")

	value, warnings, err := p.api.Query(ctx, query, p.now())
	if err != nil {
		return 0, fmt.Errorf("query %s: %w", metric, err)
	}
	for _, w := range warnings {
		p.logger.Debug().Str("metric", string(metric)).Str("warning", w).Msg("prometheus query warning")
	}

	var sample float64
	switch v := value.(type) {
	case model.Vector:
		if len(v) == 0 {
			return 0, fmt.Errorf("%w: %s", ErrNoData, metric)
		}
		sample = float64(v[0].Value)
	case *model.Scalar:
		sample = float64(v.Value)
	default:
		return 0, fmt.Errorf("query %s: unexpected result type %s", metric, value.Type())
	}
	if math.IsNaN(sample) || math.IsInf(sample, 0) {
		return 0, fmt.Errorf("%w: %s", ErrNoData, metric)
	}
	return sample, nil
}
