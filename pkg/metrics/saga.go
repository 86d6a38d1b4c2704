package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/goclaw/sagaflow/pkg/saga"
)

var _ saga.MetricsRecorder = (*Manager)(nil)

func (m *Manager) initSagaMetrics(cfg Config) {
	sagaLabels := []string{"saga_type", "status"}
	stepLabels := []string{"saga_type", "step"}
	outcomeLabels := []string{"saga_type", "step", "success"}

	m.sagaExecutions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "saga",
		Name:      "executions_total",
		Help:      "Finished saga runs by terminal status.",
	}, sagaLabels)
	m.sagaDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "saga",
		Name:      "duration_seconds",
		Help:      "Saga run duration from start to terminal status.",
		Buckets:   cfg.SagaDurationBuckets,
	}, sagaLabels)
	m.sagaActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "saga",
		Name:      "active",
		Help:      "Saga runs currently executing in this process.",
	}, []string{"saga_type"})

	m.stepAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "step",
		Name:      "attempts_total",
		Help:      "Forward step attempts by outcome.",
	}, outcomeLabels)
	m.stepDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "step",
		Name:      "duration_seconds",
		Help:      "Forward step attempt duration.",
		Buckets:   cfg.StepDurationBuckets,
	}, stepLabels)
	m.stepRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "step",
		Name:      "retries_total",
		Help:      "Forward step retries.",
	}, stepLabels)
	m.compensations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "step",
		Name:      "compensations_total",
		Help:      "Step compensations by outcome.",
	}, outcomeLabels)
	m.compensationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "step",
		Name:      "compensation_duration_seconds",
		Help:      "Step compensation duration.",
		Buckets:   cfg.StepDurationBuckets,
	}, stepLabels)

	m.registry.MustRegister(
		m.sagaExecutions, m.sagaDuration, m.sagaActive,
		m.stepAttempts, m.stepDuration, m.stepRetries,
		m.compensations, m.compensationDuration,
	)
}

// RecordSagaExecution records one saga outcome and its latency.
func (m *Manager) RecordSagaExecution(sagaType string, status saga.Status, duration time.Duration) {
	if !m.enabled {
		return
	}
	m.sagaExecutions.WithLabelValues(sagaType, status.String()).Inc()
	m.sagaDuration.WithLabelValues(sagaType, status.String()).Observe(duration.Seconds())
}

// IncActiveSagas increments current active saga count.
func (m *Manager) IncActiveSagas(sagaType string) {
	if !m.enabled {
		return
	}
	m.sagaActive.WithLabelValues(sagaType).Inc()
}

// DecActiveSagas decrements current active saga count.
func (m *Manager) DecActiveSagas(sagaType string) {
	if !m.enabled {
		return
	}
	m.sagaActive.WithLabelValues(sagaType).Dec()
}

// RecordStepAttempt records one forward attempt.
func (m *Manager) RecordStepAttempt(sagaType, step string, success bool, duration time.Duration) {
	if !m.enabled {
		return
	}
	m.stepAttempts.WithLabelValues(sagaType, step, strconv.FormatBool(success)).Inc()
	m.stepDuration.WithLabelValues(sagaType, step).Observe(duration.Seconds())
}

// RecordStepRetry records one forward retry.
func (m *Manager) RecordStepRetry(sagaType, step string) {
	if !m.enabled {
		return
	}
	m.stepRetries.WithLabelValues(sagaType, step).Inc()
}

// RecordCompensation records one compensation attempt.
func (m *Manager) RecordCompensation(sagaType, step string, success bool, duration time.Duration) {
	if !m.enabled {
		return
	}
	m.compensations.WithLabelValues(sagaType, step, strconv.FormatBool(success)).Inc()
	m.compensationDuration.WithLabelValues(sagaType, step).Observe(duration.Seconds())
}
