package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nholik/cutover/internal/faults"
	"github.com/nholik/cutover/internal/telemetry"
)

func defaults() Config {
	return Config{
		DataDir:        defaultDataDir,
		LogLevel:       defaultLogLevel,
		BackendTimeout: defaultBackendTimeout,
		ShadowTimeout:  defaultShadowTimeout,
		HealthPort:     defaultHealthPort,
		MetricsPort:    defaultMetricsPort,
		ListenAddr:     defaultListenAddr,
	}
}

func TestLoad_ValidationAndDefaults(t *testing.T) {
	withBackends := func(c Config) Config {
		c.OldURL = "http://old:8080"
		c.NewURL = "http://new:8080"
		return c
	}

	cases := []struct {
		name    string
		env     map[string]string
		wantErr bool
		want    Config
	}{
		{
			name: "defaults applied",
			env:  map[string]string{},
			want: defaults(),
		},
		{
			name: "backends",
			env: map[string]string{
				envOldURL: "http://old:8080",
				envNewURL: "http://new:8080",
			},
			want: withBackends(defaults()),
		},
		{
			name:    "invalid backend url missing scheme",
			env:     map[string]string{envOldURL: "old:8080/api"},
			wantErr: true,
		},
		{
			name:    "invalid backend timeout",
			env:     map[string]string{envBackendTimeout: "nope"},
			wantErr: true,
		},
		{
			name:    "zero backend timeout",
			env:     map[string]string{envBackendTimeout: "0s"},
			wantErr: true,
		},
		{
			name:    "negative shadow timeout",
			env:     map[string]string{envShadowTimeout: "-5s"},
			wantErr: true,
		},
		{
			name: "shadow timeout beyond backend timeout",
			env: map[string]string{
				envBackendTimeout: "1s",
				envShadowTimeout:  "3s",
			},
			wantErr: true,
		},
		{
			name: "prometheus and influx together",
			env: map[string]string{
				envPrometheusURL: "http://prom:9090",
				envInfluxURL:     "http://influx:8086",
				envInfluxOrg:     "ops",
				envInfluxBucket:  "cutover",
			},
			wantErr: true,
		},
		{
			name:    "influx without bucket",
			env:     map[string]string{envInfluxURL: "http://influx:8086", envInfluxOrg: "ops"},
			wantErr: true,
		},
		{
			name: "influx",
			env: map[string]string{
				envInfluxURL:    "http://influx:8086",
				envInfluxToken:  "secret",
				envInfluxOrg:    "ops",
				envInfluxBucket: "cutover",
			},
			want: func() Config {
				c := defaults()
				c.Influx = telemetry.InfluxConfig{URL: "http://influx:8086", Token: "secret", Org: "ops", Bucket: "cutover"}
				return c
			}(),
		},
		{
			name:    "invalid slack webhook url",
			env:     map[string]string{envSlackWebhookURL: "not-a-url"},
			wantErr: true,
		},
		{
			name:    "webhook template without url",
			env:     map[string]string{envWebhookTemplate: `{"text":"{{ .Title }}"}`},
			wantErr: true,
		},
		{
			name:    "invalid notify dry run",
			env:     map[string]string{envNotifyDryRun: "maybe"},
			wantErr: true,
		},
		{
			name:    "port out of range",
			env:     map[string]string{envHealthPort: "70000"},
			wantErr: true,
		},
		{
			name: "custom values",
			env: map[string]string{
				envDataDir:         "/var/lib/cutover",
				envLogLevel:        "debug",
				envBackendTimeout:  "3s",
				envShadowTimeout:   "1s",
				envSlackWebhookURL: "https://hooks.slack.com/services/T00/B00/XXX",
				envNotifyDryRun:    "true",
				envHealthPort:      "18080",
				envMetricsPort:     "19090",
				envListenAddr:      "127.0.0.1:8443",
			},
			want: Config{
				DataDir:         "/var/lib/cutover",
				LogLevel:        "debug",
				BackendTimeout:  3 * time.Second,
				ShadowTimeout:   time.Second,
				SlackWebhookURL: "https://hooks.slack.com/services/T00/B00/XXX",
				NotifyDryRun:    true,
				HealthPort:      18080,
				MetricsPort:     19090,
				ListenAddr:      "127.0.0.1:8443",
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tmpDir := t.TempDir()
			restoreDir := mustChdir(t, tmpDir)
			defer restoreDir()

			for key, value := range tc.env {
				t.Setenv(key, value)
			}

			got, err := Load()
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error")
				}
				if !faults.Is(err, faults.KindConfig) {
					t.Fatalf("expected config error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if got != tc.want {
				t.Fatalf("unexpected config: %+v", got)
			}
		})
	}
}

func TestLoad_DotEnvAndEnvOverride(t *testing.T) {
	tmpDir := t.TempDir()
	restoreDir := mustChdir(t, tmpDir)
	defer restoreDir()

	dotenv := []byte(`
# example .env
CUTOVER_OLD_URL=http://dotenv-old:8080
CUTOVER_NEW_URL=http://dotenv-new:8080
CUTOVER_SLACK_WEBHOOK_URL=https://hooks.slack.com/services/test
`)

	if err := os.WriteFile(filepath.Join(tmpDir, ".env"), dotenv, 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}

	t.Setenv(envNewURL, "http://env-new:8080")

	got, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got.NewURL != "http://env-new:8080" {
		t.Fatalf("new url did not prefer env: %s", got.NewURL)
	}
	if got.OldURL != "http://dotenv-old:8080" {
		t.Fatalf("old url not loaded from .env: %s", got.OldURL)
	}
	if got.SlackWebhookURL != "https://hooks.slack.com/services/test" {
		t.Fatalf("slack webhook url not loaded from .env: %s", got.SlackWebhookURL)
	}
	if err := got.RequireBackends(); err != nil {
		t.Fatalf("backends should be configured: %v", err)
	}
}

func TestRequireBackends(t *testing.T) {
	cfg := defaults()
	err := cfg.RequireBackends()
	if !faults.Is(err, faults.KindConfig) {
		t.Fatalf("expected config error, got %v", err)
	}
	if faults.ExitCode(err) != faults.ExitValidation {
		t.Fatalf("expected validation exit code, got %d", faults.ExitCode(err))
	}
}

func TestDataLayout(t *testing.T) {
	cfg := defaults()
	cfg.DataDir = "/srv/cutover"
	if cfg.StatePath() != "/srv/cutover/state.json" {
		t.Fatalf("unexpected state path %s", cfg.StatePath())
	}
	if cfg.CheckpointDir() != "/srv/cutover/checkpoints" {
		t.Fatalf("unexpected checkpoint dir %s", cfg.CheckpointDir())
	}
	if cfg.EntityDir() != "/srv/cutover/entities" {
		t.Fatalf("unexpected entity dir %s", cfg.EntityDir())
	}
}

func mustChdir(t *testing.T, dir string) func() {
	t.Helper()
	original, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	return func() {
		if err := os.Chdir(original); err != nil {
			t.Fatalf("restore dir: %v", err)
		}
	}
}
