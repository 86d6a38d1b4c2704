package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/goclaw/sagaflow/pkg/eventbus"
)

var _ eventbus.Telemetry = (*Manager)(nil)

func (m *Manager) initEventMetrics() {
	m.eventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "events",
		Name:      "published_total",
		Help:      "Saga lifecycle publish calls by event type and outcome.",
	}, []string{"event_type", "outcome"})

	m.eventAttempts = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "events",
		Name:      "publish_attempts",
		Help:      "Transport attempts per publish call.",
		Buckets:   []float64{1, 2, 3, 5, 8},
	}, []string{"event_type"})

	m.eventsDegraded = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "events",
		Name:      "degraded",
		Help:      "1 while the event transport is failing.",
	})

	m.degradedTransition = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "events",
		Name:      "degraded_transitions_total",
		Help:      "Transitions into (enter) and out of (leave) degraded mode.",
	}, []string{"direction"})

	m.registry.MustRegister(m.eventsPublished, m.eventAttempts, m.eventsDegraded, m.degradedTransition)
}

// ObservePublish records one publish call.
func (m *Manager) ObservePublish(eventType, outcome string, attempts int) {
	if !m.enabled {
		return
	}
	m.eventsPublished.WithLabelValues(eventType, outcome).Inc()
	if attempts > 0 {
		m.eventAttempts.WithLabelValues(eventType).Observe(float64(attempts))
	}
}

// ObserveDegraded records a degraded-mode transition.
func (m *Manager) ObserveDegraded(degraded bool) {
	if !m.enabled {
		return
	}
	if degraded {
		m.eventsDegraded.Set(1)
		m.degradedTransition.WithLabelValues("enter").Inc()
		return
	}
	m.eventsDegraded.Set(0)
	m.degradedTransition.WithLabelValues("leave").Inc()
}
