package saga

import "time"

// MetricsRecorder records saga runtime metrics.
type MetricsRecorder interface {
	RecordSagaExecution(sagaType string, status Status, duration time.Duration)
	IncActiveSagas(sagaType string)
	DecActiveSagas(sagaType string)
	RecordStepAttempt(sagaType, step string, success bool, duration time.Duration)
	RecordStepRetry(sagaType, step string)
	RecordCompensation(sagaType, step string, success bool, duration time.Duration)
}

type nopMetricsRecorder struct{}

func (nopMetricsRecorder) RecordSagaExecution(string, Status, time.Duration)      {}
func (nopMetricsRecorder) IncActiveSagas(string)                                  {}
func (nopMetricsRecorder) DecActiveSagas(string)                                  {}
func (nopMetricsRecorder) RecordStepAttempt(string, string, bool, time.Duration)  {}
func (nopMetricsRecorder) RecordStepRetry(string, string)                         {}
func (nopMetricsRecorder) RecordCompensation(string, string, bool, time.Duration) {}
