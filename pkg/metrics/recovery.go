package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/goclaw/sagaflow/pkg/recovery"
)

var _ recovery.MetricsRecorder = (*Manager)(nil)

func (m *Manager) initRecoveryMetrics() {
	m.recoveryActions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "recovery",
		Name:      "actions_total",
		Help:      "Recovery supervisor actions by saga type.",
	}, []string{"saga_type", "action"})
	m.registry.MustRegister(m.recoveryActions)
}

// RecordRecoveryAction records one supervisor action.
func (m *Manager) RecordRecoveryAction(sagaType, action string) {
	if !m.enabled {
		return
	}
	m.recoveryActions.WithLabelValues(sagaType, action).Inc()
}
