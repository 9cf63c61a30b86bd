package telemetry

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	influxapi "github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/rs/zerolog"
)

// InfluxConfig locates an InfluxDB v2 bucket.
type InfluxConfig struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// InfluxProvider evaluates Flux queries.
type InfluxProvider struct {
	client  influxdb2.Client
	query   influxapi.QueryAPI
	bucket  string
	queries Queries
	logger  zerolog.Logger
}

// NewInflux returns a provider for cfg. Close releases the client.
func NewInflux(cfg InfluxConfig, queries Queries, logger zerolog.Logger) (*InfluxProvider, error) {
	if cfg.URL == "" || cfg.Org == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("influx: url, org and bucket are required")
	}
	if queries == nil {
		queries = DefaultFlux()
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &InfluxProvider{
		client:  client,
		query:   client.QueryAPI(cfg.Org),
		bucket:  cfg.Bucket,
		queries: queries,
		logger:  logger.With().Str("component", "telemetry").Str("provider", "influx").Logger(),
	}, nil
}

// Read returns the last value the metric's query produced.
func (p *InfluxProvider) Read(ctx context.Context, metric Metric, window time.Duration) (float64, error) {
	template, ok := p.queries[metric]
	if !ok || template == "" {
		return 0, fmt.Errorf("%w: %s", ErrNotConfigured, metric)
	}

	result, err := p.query.Query(ctx, render(template, window, p.bucket))
	if err != nil {
		return 0, fmt.Errorf("query %s: %w", metric, err)
	}
	defer result.Close()

	found := false
	var sample float64
	for result.Next() {
		switch v := result.Record().Value().(type) {
		case float64:
			sample, found = v, true
		case int64:
			sample, found = float64(v), true
		case uint64:
			sample, found = float64(v), true
		}
	}
	if result.Err() != nil {
		return 0, fmt.Errorf("query %s: %w", metric, result.Err())
	}
	if !found {
		return 0, fmt.Errorf("%w: %s", ErrNoData, metric)
	}
	return sample, nil
}

// Close releases the underlying HTTP client.
func (p *InfluxProvider) Close() {
	p.client.Close()
}
