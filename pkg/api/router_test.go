package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goclaw/sagaflow/config"
	"github.com/goclaw/sagaflow/pkg/api/handlers"
	"github.com/goclaw/sagaflow/pkg/api/middleware"
	"github.com/goclaw/sagaflow/pkg/api/response"
	"github.com/goclaw/sagaflow/pkg/logger"
	"github.com/goclaw/sagaflow/pkg/metrics"
	"github.com/goclaw/sagaflow/pkg/saga"
	"github.com/goclaw/sagaflow/pkg/saga/sagatest"
)

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Host: "localhost",
			Port: 8080,
			HTTP: config.HTTPConfig{
				ReadTimeout:    30 * time.Second,
				WriteTimeout:   30 * time.Second,
				IdleTimeout:    120 * time.Second,
				RequestTimeout: 5 * time.Second,
			},
			CORS: config.CORSConfig{
				Enabled: false,
			},
		},
	}
}

func testLogger() logger.Logger {
	return logger.New(&logger.Config{
		Level:  logger.InfoLevel,
		Format: "json",
		Output: "stdout",
	})
}

// createTestHandlers creates handlers over a seeded memory store
func createTestHandlers(t *testing.T) *Handlers {
	t.Helper()
	store := saga.NewMemoryStore()
	started := time.Now().UTC().Add(-time.Hour)
	if err := store.CreateInstance(context.Background(), sagatest.Instance("saga-1", "order", saga.StatusCompleted, started)); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	return &Handlers{
		Saga:   handlers.NewSagaHandler(store, testLogger()),
		Health: handlers.NewHealthHandler(),
	}
}

func TestNewRouter(t *testing.T) {
	router := NewRouter(testConfig(), testLogger(), &Handlers{})

	if router == nil {
		t.Fatal("NewRouter returned nil")
	}
}

func TestRegisterRoutes_HealthEndpoints(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		method     string
		wantStatus int
	}{
		{
			name:       "health check",
			path:       "/health",
			method:     http.MethodGet,
			wantStatus: http.StatusOK,
		},
		{
			name:       "ready check",
			path:       "/ready",
			method:     http.MethodGet,
			wantStatus: http.StatusOK,
		},
		{
			name:       "status check",
			path:       "/status",
			method:     http.MethodGet,
			wantStatus: http.StatusOK,
		},
	}

	router := NewRouter(testConfig(), testLogger(), createTestHandlers(t))

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			w := httptest.NewRecorder()

			router.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %v, want %v", w.Code, tt.wantStatus)
			}
		})
	}
}

func TestRegisterRoutes_SagaEndpoints(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		wantStatus int
	}{
		{name: "list", path: "/api/v1/sagas", wantStatus: http.StatusOK},
		{name: "list filtered", path: "/api/v1/sagas?status=COMPLETED&type=order", wantStatus: http.StatusOK},
		{name: "stuck", path: "/api/v1/sagas/stuck?older_than=10m", wantStatus: http.StatusOK},
		{name: "retryable", path: "/api/v1/sagas/retryable?type=order", wantStatus: http.StatusOK},
		{name: "stats", path: "/api/v1/sagas/stats", wantStatus: http.StatusOK},
		{name: "get", path: "/api/v1/sagas/saga-1", wantStatus: http.StatusOK},
		{name: "steps", path: "/api/v1/sagas/saga-1/steps", wantStatus: http.StatusOK},
		{name: "missing saga", path: "/api/v1/sagas/nope", wantStatus: http.StatusNotFound},
	}

	router := NewRouter(testConfig(), testLogger(), createTestHandlers(t))

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			w := httptest.NewRecorder()

			router.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %v, want %v, body=%s", w.Code, tt.wantStatus, w.Body.String())
			}
			if w.Header().Get("X-Request-ID") == "" {
				t.Error("expected X-Request-ID header")
			}
		})
	}
}

func TestRegisterRoutes_MetricsEndpoint(t *testing.T) {
	manager := metrics.NewManager(metrics.DefaultConfig())
	testHandlers := createTestHandlers(t)
	testHandlers.Metrics = manager
	testHandlers.MetricsHandler = manager.Handler()

	router := NewRouter(testConfig(), testLogger(), testHandlers)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sagas/saga-1", nil)
	router.ServeHTTP(httptest.NewRecorder(), req)

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("metrics status = %v, want %v", w.Code, http.StatusOK)
	}
	if !strings.Contains(w.Body.String(), `path="/api/v1/sagas/:id"`) {
		t.Errorf("expected normalized saga path in metrics output")
	}
}

func TestRequestTimeoutFallback(t *testing.T) {
	cfg := testConfig()
	if got := requestTimeout(cfg); got != 5*time.Second {
		t.Errorf("requestTimeout = %v, want 5s", got)
	}
	cfg.Server.HTTP.RequestTimeout = 0
	if got := requestTimeout(cfg); got != 30*time.Second {
		t.Errorf("requestTimeout = %v, want read timeout", got)
	}
	cfg.Server.HTTP.ReadTimeout = 0
	if got := requestTimeout(cfg); got != 30*time.Second {
		t.Errorf("requestTimeout = %v, want 30s default", got)
	}
}

func TestNewRouter_UnknownRoutesUseErrorEnvelope(t *testing.T) {
	router := NewRouter(testConfig(), testLogger(), createTestHandlers(t))

	tests := []struct {
		method, path string
		wantStatus   int
		wantCode     string
	}{
		{http.MethodGet, "/api/v2/sagas", http.StatusNotFound, response.ErrCodeNotFound},
		{http.MethodDelete, "/api/v1/sagas/saga-1", http.StatusMethodNotAllowed, response.ErrCodeMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			req.Header.Set(middleware.RequestIDHeader, "req-route")
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			var body response.ErrorResponse
			if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
				t.Fatalf("body is not an error envelope: %v", err)
			}
			if body.Error.Code != tt.wantCode || body.Error.RequestID != "req-route" {
				t.Errorf("error = %+v", body.Error)
			}
		})
	}
}
