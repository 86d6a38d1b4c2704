package metrics

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goclaw/sagaflow/pkg/eventbus"
	"github.com/goclaw/sagaflow/pkg/recovery"
	"github.com/goclaw/sagaflow/pkg/saga"
)

func scrape(t *testing.T, m *Manager) string {
	t.Helper()
	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	return w.Body.String()
}

func TestNewManager(t *testing.T) {
	m := NewManager(DefaultConfig())
	require.True(t, m.Enabled())
	require.NotNil(t, m.Registry())

	cfg := DefaultConfig()
	cfg.Enabled = false
	disabled := NewManager(cfg)
	assert.False(t, disabled.Enabled())
	assert.Nil(t, disabled.Registry())
}

func TestSagaMetrics(t *testing.T) {
	m := NewManager(DefaultConfig())

	m.RecordSagaExecution("order", saga.StatusCompleted, 2*time.Second)
	m.RecordSagaExecution("order", saga.StatusCompleted, time.Second)
	m.RecordSagaExecution("order", saga.StatusCompensated, time.Second)
	m.IncActiveSagas("order")
	m.IncActiveSagas("order")
	m.DecActiveSagas("order")
	m.RecordStepAttempt("order", "charge", false, 10*time.Millisecond)
	m.RecordStepRetry("order", "charge")
	m.RecordCompensation("order", "reserve", true, 5*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.sagaExecutions.WithLabelValues("order", "COMPLETED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sagaExecutions.WithLabelValues("order", "COMPENSATED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sagaActive.WithLabelValues("order")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.stepAttempts.WithLabelValues("order", "charge", "false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.stepRetries.WithLabelValues("order", "charge")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.compensations.WithLabelValues("order", "reserve", "true")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.sagaDuration))

	body := scrape(t, m)
	for _, name := range []string{
		"sagaflow_saga_executions_total",
		"sagaflow_saga_duration_seconds_bucket",
		"sagaflow_saga_active",
		"sagaflow_step_attempts_total",
		"sagaflow_step_compensation_duration_seconds",
	} {
		assert.Contains(t, body, name)
	}
}

func TestRecoveryMetrics(t *testing.T) {
	m := NewManager(DefaultConfig())
	m.RecordRecoveryAction("order", recovery.ActionStuckFailed)
	m.RecordRecoveryAction("order", recovery.ActionStuckFailed)
	m.RecordRecoveryAction("order", recovery.ActionResumed)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.recoveryActions.WithLabelValues("order", recovery.ActionStuckFailed)))
	assert.Contains(t, scrape(t, m),
		fmt.Sprintf(`sagaflow_recovery_actions_total{action=%q,saga_type="order"} 1`, recovery.ActionResumed))
}

func TestEventMetrics(t *testing.T) {
	m := NewManager(DefaultConfig())

	m.ObservePublish(eventbus.EventCompleted, eventbus.OutcomePublished, 1)
	m.ObservePublish(eventbus.EventCompleted, eventbus.OutcomePublished, 3)
	m.ObservePublish(eventbus.EventFailed, eventbus.OutcomeRejected, 0)
	m.ObserveDegraded(true)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.eventsPublished.WithLabelValues(eventbus.EventCompleted, eventbus.OutcomePublished)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.eventsPublished.WithLabelValues(eventbus.EventFailed, eventbus.OutcomeRejected)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.eventsDegraded))
	// Rejected publishes never reach the transport.
	assert.Equal(t, 1, testutil.CollectAndCount(m.eventAttempts))

	m.ObserveDegraded(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.eventsDegraded))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.degradedTransition.WithLabelValues("enter")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.degradedTransition.WithLabelValues("leave")))
}

func TestHandler_Disabled(t *testing.T) {
	w := httptest.NewRecorder()
	NoOpManager().Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_IncludesRuntimeCollectors(t *testing.T) {
	body := scrape(t, NewManager(DefaultConfig()))
	assert.Contains(t, body, "go_goroutines")
	assert.Contains(t, body, "process_")
}

func TestStartServer(t *testing.T) {
	const port = 19191
	m := NewManager(DefaultConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- m.StartServer(ctx, port, "/metrics") }()

	var resp *http.Response
	require.Eventually(t, func() bool {
		var err error
		resp, err = http.Get(fmt.Sprintf("http://localhost:%d/metrics", port))
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("metrics server did not stop")
	}
}

func TestStartServer_Disabled(t *testing.T) {
	assert.NoError(t, NoOpManager().StartServer(context.Background(), 0, "/metrics"))
}

func TestNoOpManager_DropsEverything(t *testing.T) {
	m := NoOpManager()
	assert.NotPanics(t, func() {
		m.RecordSagaExecution("test", saga.StatusCompleted, time.Second)
		m.IncActiveSagas("test")
		m.DecActiveSagas("test")
		m.RecordStepAttempt("test", "step", true, time.Millisecond)
		m.RecordStepRetry("test", "step")
		m.RecordCompensation("test", "step", false, time.Millisecond)
		m.RecordRecoveryAction("test", recovery.ActionCleaned)
		m.ObservePublish(eventbus.EventCompleted, eventbus.OutcomeFailed, 4)
		m.ObserveDegraded(true)
		m.RecordHTTPRequest("GET", "/health", "200", time.Millisecond)
		m.IncActiveConnections()
		m.DecActiveConnections()
	})
}

func TestBoundedLabelCardinality(t *testing.T) {
	m := NewManager(DefaultConfig())
	statuses := []saga.Status{saga.StatusCompleted, saga.StatusCompensated, saga.StatusFailed}
	routes := []string{"/api/v1/sagas", "/api/v1/sagas/{sagaID}", "/health", "/ready"}
	steps := []string{"reserve", "charge", "ship"}

	for i := 0; i < 10000; i++ {
		d := time.Duration(i) * time.Microsecond
		m.RecordSagaExecution("order", statuses[i%len(statuses)], d)
		m.RecordStepAttempt("order", steps[i%len(steps)], i%2 == 0, d)
		m.RecordHTTPRequest(http.MethodGet, routes[i%len(routes)], "200", d)
	}

	assert.Equal(t, len(statuses), testutil.CollectAndCount(m.sagaExecutions))
	assert.Equal(t, len(steps)*2, testutil.CollectAndCount(m.stepAttempts))
	assert.Equal(t, len(routes), testutil.CollectAndCount(m.httpRequests))
	assert.Less(t, len(scrape(t, m)), 1<<20)
}

func BenchmarkRecordStepAttempt(b *testing.B) {
	m := NewManager(DefaultConfig())
	d := 5 * time.Millisecond
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m.RecordStepAttempt("order", "charge", true, d)
	}
}

func BenchmarkNoOpRecording(b *testing.B) {
	m := NoOpManager()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m.RecordSagaExecution("order", saga.StatusCompleted, time.Millisecond)
		m.RecordStepAttempt("order", "charge", true, time.Millisecond)
	}
}

func TestMetricNamesAreNamespaced(t *testing.T) {
	m := NewManager(DefaultConfig())
	m.RecordSagaExecution("order", saga.StatusCompleted, time.Second)
	m.ObservePublish(eventbus.EventCompleted, eventbus.OutcomePublished, 1)
	m.RecordHTTPRequest("GET", "/health", "200", time.Millisecond)

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		name := mf.GetName()
		if strings.HasPrefix(name, "go_") || strings.HasPrefix(name, "process_") {
			continue
		}
		assert.True(t, strings.HasPrefix(name, namespace+"_"), "metric %s lacks namespace", name)
	}
}
