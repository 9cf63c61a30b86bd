package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/nholik/cutover/internal/faults"
	"github.com/nholik/cutover/internal/telemetry"
)

const (
	envDataDir         = "CUTOVER_DATA_DIR"
	envPlanFile        = "CUTOVER_PLAN_FILE"
	envLogLevel        = "CUTOVER_LOG_LEVEL"
	envOldURL          = "CUTOVER_OLD_URL"
	envNewURL          = "CUTOVER_NEW_URL"
	envBackendTimeout  = "CUTOVER_BACKEND_TIMEOUT"
	envShadowTimeout   = "CUTOVER_SHADOW_TIMEOUT"
	envPrometheusURL   = "CUTOVER_PROMETHEUS_URL"
	envInfluxURL       = "CUTOVER_INFLUX_URL"
	envInfluxToken     = "CUTOVER_INFLUX_TOKEN"
	envInfluxOrg       = "CUTOVER_INFLUX_ORG"
	envInfluxBucket    = "CUTOVER_INFLUX_BUCKET"
	envSlackWebhookURL = "CUTOVER_SLACK_WEBHOOK_URL"
	envWebhookURL      = "CUTOVER_WEBHOOK_URL"
	envWebhookTemplate = "CUTOVER_WEBHOOK_TEMPLATE"
	envNotifyDryRun    = "CUTOVER_NOTIFY_DRY_RUN"
	envHealthPort      = "CUTOVER_HEALTH_PORT"
	envMetricsPort     = "CUTOVER_METRICS_PORT"
	envListenAddr      = "CUTOVER_LISTEN_ADDR"
)

const (
	defaultDataDir        = "./data"
	defaultLogLevel       = "info"
	defaultBackendTimeout = 5 * time.Second
	defaultShadowTimeout  = 2 * time.Second
	defaultHealthPort     = 8080
	defaultMetricsPort    = 9090
	defaultListenAddr     = ":8000"
)

// Config describes runtime configuration loaded from the environment.
type Config struct {
	DataDir  string
	PlanFile string
	LogLevel string

	OldURL         string
	NewURL         string
	BackendTimeout time.Duration
	ShadowTimeout  time.Duration

	PrometheusURL string
	Influx        telemetry.InfluxConfig

	SlackWebhookURL string
	WebhookURL      string
	WebhookTemplate string
	NotifyDryRun    bool

	HealthPort  int
	MetricsPort int
	ListenAddr  string
}

// StatePath is the flag snapshot file.
func (c Config) StatePath() string { return filepath.Join(c.DataDir, "state.json") }

// CheckpointDir holds checkpoint metadata and payloads.
func (c Config) CheckpointDir() string { return filepath.Join(c.DataDir, "checkpoints") }

// EntityDir holds the entity database.
func (c Config) EntityDir() string { return filepath.Join(c.DataDir, "entities") }

// RequireBackends fails unless both backend URLs are set.
func (c Config) RequireBackends() error {
	var missing []string
	if c.OldURL == "" {
		missing = append(missing, envOldURL)
	}
	if c.NewURL == "" {
		missing = append(missing, envNewURL)
	}
	if len(missing) > 0 {
		return faults.Config("config", fmt.Errorf("%s required", strings.Join(missing, " and ")))
	}
	return nil
}

// Load reads configuration from environment variables and a local .env file if present.
// Existing environment variables take precedence over values in .env.
func Load() (Config, error) {
	cfg, err := load()
	if err != nil {
		return Config{}, faults.Config("config", err)
	}
	return cfg, nil
}

func load() (Config, error) {
	if err := loadDotEnvIfPresent(".env"); err != nil {
		return Config{}, err
	}

	cfg := Config{
		DataDir:        defaultDataDir,
		LogLevel:       defaultLogLevel,
		BackendTimeout: defaultBackendTimeout,
		ShadowTimeout:  defaultShadowTimeout,
		HealthPort:     defaultHealthPort,
		MetricsPort:    defaultMetricsPort,
		ListenAddr:     defaultListenAddr,
	}

	strs := map[string]*string{
		envDataDir:         &cfg.DataDir,
		envPlanFile:        &cfg.PlanFile,
		envLogLevel:        &cfg.LogLevel,
		envOldURL:          &cfg.OldURL,
		envNewURL:          &cfg.NewURL,
		envPrometheusURL:   &cfg.PrometheusURL,
		envInfluxURL:       &cfg.Influx.URL,
		envInfluxToken:     &cfg.Influx.Token,
		envInfluxOrg:       &cfg.Influx.Org,
		envInfluxBucket:    &cfg.Influx.Bucket,
		envSlackWebhookURL: &cfg.SlackWebhookURL,
		envWebhookURL:      &cfg.WebhookURL,
		envWebhookTemplate: &cfg.WebhookTemplate,
		envListenAddr:      &cfg.ListenAddr,
	}
	for key, dst := range strs {
		if value, ok := lookupTrimmed(key); ok && value != "" {
			*dst = value
		}
	}

	for key, dst := range map[string]*time.Duration{
		envBackendTimeout: &cfg.BackendTimeout,
		envShadowTimeout:  &cfg.ShadowTimeout,
	} {
		if err := parseDuration(key, dst); err != nil {
			return Config{}, err
		}
	}

	for key, dst := range map[string]*int{
		envHealthPort:  &cfg.HealthPort,
		envMetricsPort: &cfg.MetricsPort,
	} {
		if err := parsePort(key, dst); err != nil {
			return Config{}, err
		}
	}

	if value, ok := lookupTrimmed(envNotifyDryRun); ok && value != "" {
		dryRun, err := strconv.ParseBool(value)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", envNotifyDryRun, err)
		}
		cfg.NotifyDryRun = dryRun
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	urls := []struct {
		name, value string
	}{
		{envOldURL, c.OldURL},
		{envNewURL, c.NewURL},
		{envPrometheusURL, c.PrometheusURL},
		{envInfluxURL, c.Influx.URL},
		{envSlackWebhookURL, c.SlackWebhookURL},
		{envWebhookURL, c.WebhookURL},
	}
	for _, u := range urls {
		if u.value == "" {
			continue
		}
		if err := validateURL(u.value, u.name); err != nil {
			return err
		}
	}

	if c.PrometheusURL != "" && c.Influx.URL != "" {
		return fmt.Errorf("set only one of %s and %s", envPrometheusURL, envInfluxURL)
	}
	if c.Influx.URL != "" && (c.Influx.Org == "" || c.Influx.Bucket == "") {
		return fmt.Errorf("%s requires %s and %s", envInfluxURL, envInfluxOrg, envInfluxBucket)
	}
	if c.WebhookTemplate != "" && c.WebhookURL == "" {
		return fmt.Errorf("%s requires %s", envWebhookTemplate, envWebhookURL)
	}
	if c.ShadowTimeout > c.BackendTimeout {
		return fmt.Errorf("%s %s must not exceed %s %s", envShadowTimeout, c.ShadowTimeout, envBackendTimeout, c.BackendTimeout)
	}
	return nil
}

func parseDuration(key string, dst *time.Duration) error {
	value, ok := lookupTrimmed(key)
	if !ok || value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return fmt.Errorf("%s must be greater than zero", key)
	}
	*dst = d
	return nil
}

func parsePort(key string, dst *int) error {
	value, ok := lookupTrimmed(key)
	if !ok || value == "" {
		return nil
	}
	port, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	if port < 0 || port > 65535 {
		return fmt.Errorf("%s must be between 0 (disabled) and 65535", key)
	}
	*dst = port
	return nil
}

func lookupTrimmed(key string) (string, bool) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(value), true
}

func loadDotEnvIfPresent(path string) error {
	err := godotenv.Load(path)
	if err == nil {
		return nil
	}

	var pathErr *os.PathError
	if errors.As(err, &pathErr) && errors.Is(pathErr.Err, os.ErrNotExist) {
		return nil
	}

	return err
}

func validateURL(value, name string) error {
	parsed, err := url.Parse(value)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("invalid %s: must include scheme and host", name)
	}
	return nil
}
