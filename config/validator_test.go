package config

import (
	"errors"
	"strings"
	"testing"
)

type hostField struct {
	Host string `validate:"host"`
}

type postgresURLField struct {
	URL string `validate:"postgres_url"`
}

type envField struct {
	Env string `validate:"env"`
}

func TestValidateHost(t *testing.T) {
	tests := []struct {
		host string
		ok   bool
	}{
		{"", true},
		{"localhost", true},
		{"redis.internal", true},
		{"redis-1.cache_pool", true},
		{"127.0.0.1", true},
		{"::1", true},
		{"localhost:6379", true},
		{"[::1]:6379", true},
		{":6379", true},
		{"localhost:", false},
		{"bad host", false},
		{"redis/0", false},
	}
	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			err := validate.Struct(hostField{Host: tt.host})
			if tt.ok != (err == nil) {
				t.Errorf("host %q: valid=%v, err=%v", tt.host, tt.ok, err)
			}
		})
	}
}

func TestValidatePostgresURL(t *testing.T) {
	tests := []struct {
		url string
		ok  bool
	}{
		{"", true},
		{"postgres://saga:secret@db:5432/sagas?sslmode=disable", true},
		{"postgresql://localhost/sagas", true},
		{"mysql://localhost/sagas", false},
		{"postgres:///sagas", false},
		{"host=localhost dbname=sagas", false},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			err := validate.Struct(postgresURLField{URL: tt.url})
			if tt.ok != (err == nil) {
				t.Errorf("url %q: valid=%v, err=%v", tt.url, tt.ok, err)
			}
		})
	}
}

func TestValidateEnvironment(t *testing.T) {
	for _, env := range []string{"development", "staging", "production"} {
		if err := validate.Struct(envField{Env: env}); err != nil {
			t.Errorf("environment %q rejected: %v", env, err)
		}
	}
	for _, env := range []string{"", "prod", "Production"} {
		if err := validate.Struct(envField{Env: env}); err == nil {
			t.Errorf("environment %q accepted", env)
		}
	}
}

func TestValidateWithDetails_ReportsEveryField(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Log.Level = "trace"
	cfg.Storage.Type = "postgres"
	cfg.Events.Redis.Address = "not a host"

	err := ValidateWithDetails(cfg)
	var details ValidationErrors
	if !errors.As(err, &details) {
		t.Fatalf("expected ValidationErrors, got %T: %v", err, err)
	}

	fields := strings.Join(details.Fields(), ",")
	for _, want := range []string{"Config.Log.Level", "Config.Events.Redis.Address", "Config.Storage.Postgres.URL"} {
		if !strings.Contains(fields, want) {
			t.Errorf("expected %s in %s", want, fields)
		}
	}
	if !strings.Contains(err.Error(), "must be a hostname") {
		t.Errorf("expected host message in %q", err.Error())
	}
}

func TestValidateWithDetails_Nil(t *testing.T) {
	if err := ValidateWithDetails(nil); err == nil {
		t.Fatal("expected error for nil config")
	}
}

func TestValidationErrors_Error(t *testing.T) {
	if got := (ValidationErrors{}).Error(); got != "no validation errors" {
		t.Errorf("empty Error() = %q", got)
	}
	errs := ValidationErrors{{Field: "Config.Server.Port", Message: "must be at least 1", Value: 0}}
	want := "configuration validation failed:\n  - Config.Server.Port: must be at least 1 (got 0)\n"
	if got := errs.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
