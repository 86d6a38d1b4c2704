package config

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	// Test App defaults
	if cfg.App.Name != "sagaflow" {
		t.Errorf("expected app name 'sagaflow', got %s", cfg.App.Name)
	}
	if cfg.App.Environment != "development" {
		t.Errorf("expected environment 'development', got %s", cfg.App.Environment)
	}

	// Test Server defaults
	if cfg.Server.Port != 8080 {
		t.Errorf("expected server port 8080, got %d", cfg.Server.Port)
	}

	// Test Log defaults
	if cfg.Log.Level != "info" {
		t.Errorf("expected log level 'info', got %s", cfg.Log.Level)
	}
	if cfg.Log.Format != "json" {
		t.Errorf("expected log format 'json', got %s", cfg.Log.Format)
	}

	// Test Storage defaults
	if cfg.Storage.Type != "memory" {
		t.Errorf("expected storage type memory, got %s", cfg.Storage.Type)
	}

	// Test Recovery defaults
	if !cfg.Recovery.Enabled {
		t.Error("expected recovery.enabled to be true")
	}
	if cfg.Recovery.StuckThreshold != 5*time.Minute {
		t.Errorf("expected recovery.stuck_threshold 5m, got %v", cfg.Recovery.StuckThreshold)
	}
	if cfg.Saga.MaxRetries != 3 {
		t.Errorf("expected saga.max_retries 3, got %d", cfg.Saga.MaxRetries)
	}

	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should be valid: %v", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(cfg *Config)
		wantErr bool
	}{
		{name: "valid config", mutate: func(cfg *Config) {}},
		{name: "missing app name", mutate: func(cfg *Config) { cfg.App.Name = "" }, wantErr: true},
		{name: "invalid port", mutate: func(cfg *Config) { cfg.Server.Port = 99999 }, wantErr: true},
		{name: "invalid log level", mutate: func(cfg *Config) { cfg.Log.Level = "trace" }, wantErr: true},
		{name: "invalid environment", mutate: func(cfg *Config) { cfg.App.Environment = "invalid" }, wantErr: true},
		{name: "invalid host", mutate: func(cfg *Config) { cfg.Server.Host = "invalid host" }, wantErr: true},
		{name: "negative saga retries", mutate: func(cfg *Config) { cfg.Saga.MaxRetries = -1 }, wantErr: true},
		{
			name:    "postgres without url",
			mutate:  func(cfg *Config) { cfg.Storage.Type = "postgres" },
			wantErr: true,
		},
		{
			name: "postgres with url",
			mutate: func(cfg *Config) {
				cfg.Storage.Type = "postgres"
				cfg.Storage.Postgres.URL = "postgres://localhost:5432/sagaflow"
			},
		},
		{
			name: "badger without path",
			mutate: func(cfg *Config) {
				cfg.Storage.Type = "badger"
				cfg.Storage.Badger.Path = ""
			},
			wantErr: true,
		},
		{
			name: "in-memory badger without path",
			mutate: func(cfg *Config) {
				cfg.Storage.Type = "badger"
				cfg.Storage.Badger.Path = ""
				cfg.Storage.Badger.InMemory = true
			},
		},
		{name: "recovery zero interval", mutate: func(cfg *Config) { cfg.Recovery.Interval = 0 }, wantErr: true},
		{
			name: "disabled recovery ignores interval",
			mutate: func(cfg *Config) {
				cfg.Recovery.Enabled = false
				cfg.Recovery.Interval = 0
			},
		},
		{
			name: "redis events without address",
			mutate: func(cfg *Config) {
				cfg.Events.Enabled = true
				cfg.Events.Transport = "redis"
				cfg.Events.Redis.Address = ""
			},
			wantErr: true,
		},
		{name: "invalid events transport", mutate: func(cfg *Config) { cfg.Events.Transport = "kafka" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_String(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.Type = "postgres"
	cfg.Storage.Postgres.URL = "postgres://saga:hunter2@db:5432/sagas"
	cfg.Events.Redis.Password = "redis-secret"

	s := cfg.String()
	if s == "" {
		t.Fatal("expected non-empty string representation")
	}
	for _, secret := range []string{"hunter2", "redis-secret"} {
		if strings.Contains(s, secret) {
			t.Errorf("String() leaks %q: %s", secret, s)
		}
	}
}

func TestDurationParsing(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.HTTP.ReadTimeout != 30*time.Second {
		t.Errorf("expected read timeout 30s, got %v", cfg.Server.HTTP.ReadTimeout)
	}
	if cfg.Recovery.Interval != time.Minute {
		t.Errorf("expected recovery interval 1m, got %v", cfg.Recovery.Interval)
	}
}

func TestLoad_DefaultsOnly(t *testing.T) {
	t.Chdir(t.TempDir())

	loader := NewLoader()
	cfg, err := loader.Load("", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if loader.Source() != "" {
		t.Errorf("expected no source file, got %q", loader.Source())
	}
	want := DefaultConfig()
	if cfg.App.Name != want.App.Name || cfg.Recovery.StuckThreshold != want.Recovery.StuckThreshold {
		t.Errorf("expected defaults, got %+v", cfg)
	}
	if !slices.Contains(loader.Keys(), "recovery.resume_burst") {
		t.Error("expected flattened default keys")
	}
}

func TestLoad_SearchesStandardLocations(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	if err := os.WriteFile(filepath.Join(dir, "sagad.yaml"), []byte("app:\n  name: discovered\n"), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	loader := NewLoader()
	cfg, err := loader.Load("", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.App.Name != "discovered" {
		t.Errorf("expected app name from discovered file, got %q", cfg.App.Name)
	}
	if loader.Source() != "sagad.yaml" {
		t.Errorf("expected source sagad.yaml, got %q", loader.Source())
	}
}

func TestLoader_ReuseStartsClean(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.yaml")
	good := filepath.Join(dir, "good.yaml")
	if err := os.WriteFile(bad, []byte("storage:\n  type: cassandra\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(good, []byte("log:\n  level: warn\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	loader := NewLoader()
	if _, err := loader.Load(bad, nil); err == nil {
		t.Fatal("expected invalid storage type to be rejected")
	}
	cfg, err := loader.Load(good, nil)
	if err != nil {
		t.Fatalf("second load should not inherit the rejected file: %v", err)
	}
	if cfg.Storage.Type != "memory" || cfg.Log.Level != "warn" {
		t.Errorf("unexpected config after reuse: storage=%s level=%s", cfg.Storage.Type, cfg.Log.Level)
	}
}

func TestFlatten(t *testing.T) {
	flat := flatten(DefaultConfig())
	if flat["server.port"] != 8080 {
		t.Errorf("server.port = %v", flat["server.port"])
	}
	if flat["recovery.interval"] != time.Minute {
		t.Errorf("recovery.interval = %v (%T)", flat["recovery.interval"], flat["recovery.interval"])
	}
	if _, nested := flat["server"]; nested {
		t.Error("expected only leaf keys")
	}
}

func TestLoader_LoadFile(t *testing.T) {
	// Create a temp YAML config file
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
app:
  name: yaml-test
  environment: production
server:
  port: 9999
log:
  level: debug
  format: text
storage:
  type: badger
  badger:
    path: /var/lib/sagaflow
saga:
  max_retries: 5
  step_retries: 2
  step_retry_delay: 250ms
recovery:
  interval: 30s
  stuck_threshold: 2m
  retention: 72h
events:
  enabled: true
  transport: redis
  redis:
    address: redis:6379
`
	if err := os.WriteFile(configPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	loader := NewLoader()
	cfg, err := loader.Load(configPath, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.App.Name != "yaml-test" {
		t.Errorf("expected 'yaml-test', got '%s'", cfg.App.Name)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("expected 9999, got %d", cfg.Server.Port)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("expected 'debug', got '%s'", cfg.Log.Level)
	}
	if cfg.Storage.Type != "badger" || cfg.Storage.Badger.Path != "/var/lib/sagaflow" {
		t.Errorf("unexpected storage config: %+v", cfg.Storage)
	}
	if cfg.Saga.MaxRetries != 5 || cfg.Saga.StepRetries != 2 {
		t.Errorf("unexpected saga config: %+v", cfg.Saga)
	}
	if cfg.Saga.StepRetryDelay != 250*time.Millisecond {
		t.Errorf("expected step_retry_delay 250ms, got %v", cfg.Saga.StepRetryDelay)
	}
	if cfg.Recovery.StuckThreshold != 2*time.Minute {
		t.Errorf("expected stuck_threshold 2m, got %v", cfg.Recovery.StuckThreshold)
	}
	if cfg.Events.Redis.Address != "redis:6379" {
		t.Errorf("expected redis address, got %q", cfg.Events.Redis.Address)
	}
	// Not in the file; filled from defaults.
	if cfg.Events.Publish.MaxBackoff != 2*time.Second {
		t.Errorf("expected default publish max_backoff, got %v", cfg.Events.Publish.MaxBackoff)
	}
}

func TestLoader_LoadJSONFile(t *testing.T) {
	// Create a temp JSON config file
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.json")

	jsonContent := `{
		"app": {
			"name": "json-test",
			"environment": "staging"
		},
		"server": {
			"port": 8888
		},
		"log": {
			"level": "warn",
			"format": "json"
		}
	}`
	if err := os.WriteFile(configPath, []byte(jsonContent), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	loader := NewLoader()
	cfg, err := loader.Load(configPath, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.App.Name != "json-test" {
		t.Errorf("expected 'json-test', got '%s'", cfg.App.Name)
	}
	if cfg.Server.Port != 8888 {
		t.Errorf("expected 8888, got %d", cfg.Server.Port)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("expected 'warn', got '%s'", cfg.Log.Level)
	}
}

func TestLoader_LoadInvalidFile(t *testing.T) {
	loader := NewLoader()

	// Test with non-existent file
	_, err := loader.Load("/nonexistent/config.yaml", nil)
	if err == nil {
		t.Error("expected error for non-existent file")
	}
}

func TestLoader_LoadUnsupportedFormat(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.toml")

	if err := os.WriteFile(configPath, []byte("app = 'test'"), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	loader := NewLoader()
	_, err := loader.Load(configPath, nil)
	if err == nil {
		t.Error("expected error for unsupported format")
	}
}

func TestLoader_EnvVars(t *testing.T) {
	t.Setenv("SAGAFLOW_APP_NAME", "env-test")
	t.Setenv("SAGAFLOW_SERVER_PORT", "7777")
	t.Setenv("SAGAFLOW_LOG_LEVEL", "error")
	t.Setenv("SAGAFLOW_STORAGE_TYPE", "postgres")
	t.Setenv("SAGAFLOW_STORAGE_POSTGRES_URL", "postgres://db:5432/sagaflow")
	t.Setenv("SAGAFLOW_RECOVERY_STUCK_THRESHOLD", "90s")

	loader := NewLoader()
	cfg, err := loader.Load("", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.App.Name != "env-test" {
		t.Errorf("expected app name from env, got %q", cfg.App.Name)
	}
	if cfg.Server.Port != 7777 {
		t.Errorf("expected port 7777, got %d", cfg.Server.Port)
	}
	if cfg.Log.Level != "error" {
		t.Errorf("expected log level error, got %q", cfg.Log.Level)
	}
	if cfg.Storage.Postgres.URL != "postgres://db:5432/sagaflow" {
		t.Errorf("expected postgres url from env, got %q", cfg.Storage.Postgres.URL)
	}
	if cfg.Recovery.StuckThreshold != 90*time.Second {
		t.Errorf("expected stuck threshold 90s, got %v", cfg.Recovery.StuckThreshold)
	}
}

func TestLoader_Overrides(t *testing.T) {
	cfg, err := Load("", map[string]interface{}{
		"server.port":      9000,
		"storage.type":     "badger",
		"recovery.enabled": false,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("expected port override, got %d", cfg.Server.Port)
	}
	if cfg.Storage.Type != "badger" {
		t.Errorf("expected storage override, got %s", cfg.Storage.Type)
	}
	if cfg.Recovery.Enabled {
		t.Error("expected recovery disabled by override")
	}
}

func TestEnvKey(t *testing.T) {
	tests := map[string]string{
		"SERVER_PORT":                "server.port",
		"SERVER_HTTP_READ_TIMEOUT":   "server.http.read_timeout",
		"STORAGE_POSTGRES_URL":       "storage.postgres.url",
		"EVENTS_NODE_ID":             "events.node_id",
		"EVENTS_PUBLISH_MAX_RETRIES": "events.publish.max_retries",
		"RECOVERY_RESUME_RATE":       "recovery.resume_rate",
		"DEBUG":                      "debug",
	}
	for in, want := range tests {
		if got := envKey(in); got != want {
			t.Errorf("envKey(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestValidation_InvalidStorageType(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.Type = "invalid"

	err := cfg.Validate()
	if err == nil {
		t.Error("expected validation error for invalid storage type")
	}
}

func TestValidation_InvalidTracingExporter(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "invalid"

	err := cfg.Validate()
	if err == nil {
		t.Error("expected validation error for invalid tracing exporter")
	}
}

func TestValidation_TracingLegacyTypeMapping(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = ""
	cfg.Tracing.Type = "jaeger"

	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected legacy tracing type to map successfully, got error: %v", err)
	}
	if cfg.Tracing.Exporter != "otlpgrpc" {
		t.Fatalf("expected exporter to normalize to otlpgrpc, got %q", cfg.Tracing.Exporter)
	}
}

func TestValidation_TracingMissingEndpoint(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Tracing.Enabled = true
	cfg.Tracing.Endpoint = ""

	err := cfg.Validate()
	if err == nil {
		t.Error("expected validation error for missing tracing endpoint")
	}
}

func TestValidateWithDetails_InvalidRecoveryConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Recovery.Interval = 0
	cfg.Recovery.StuckThreshold = 0
	cfg.Saga.StepRetries = -1

	err := ValidateWithDetails(cfg)
	if err == nil {
		t.Fatal("expected validation error details")
	}

	var details ValidationErrors
	if !errors.As(err, &details) {
		t.Fatalf("expected ValidationErrors, got %T", err)
	}
	if len(details) != 3 {
		t.Fatalf("expected 3 validation details, got %d: %v", len(details), details)
	}
}

func TestValidation_InvalidPort(t *testing.T) {
	tests := []struct {
		name    string
		port    int
		wantErr bool
	}{
		{"valid port 80", 80, false},
		{"valid port 8080", 8080, false},
		{"valid port 65535", 65535, false},
		{"invalid port 0", 0, true},
		{"invalid port -1", -1, true},
		{"invalid port 65536", 65536, true},
		{"invalid port 99999", 99999, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Server.Port = tt.port
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("port %d: expected error=%v, got error=%v", tt.port, tt.wantErr, err)
			}
		})
	}
}
