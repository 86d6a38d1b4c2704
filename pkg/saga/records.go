package saga

import (
	"encoding/json"
	"time"
)

// ExecutionType distinguishes forward attempts from compensations in the step log.
type ExecutionType string

const (
	ExecutionForward      ExecutionType = "FORWARD"
	ExecutionCompensation ExecutionType = "COMPENSATION"
)

// StepStatus is the outcome of one step-log row.
type StepStatus string

const (
	StepStatusRunning   StepStatus = "RUNNING"
	StepStatusSucceeded StepStatus = "SUCCEEDED"
	StepStatusFailed    StepStatus = "FAILED"
)

// SagaInstance is the persisted projection of one saga run.
type SagaInstance struct {
	SagaID           string          `json:"saga_id"`
	SagaType         string          `json:"saga_type"`
	Status           Status          `json:"status"`
	ExecutorID       string          `json:"executor_id"`
	CurrentStep      string          `json:"current_step,omitempty"`
	CurrentStepIndex int             `json:"current_step_index"`
	ContextData      json.RawMessage `json:"context_data,omitempty"`
	CompensationData json.RawMessage `json:"compensation_data,omitempty"`
	StartedAt        time.Time       `json:"started_at"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
	UpdatedAt        time.Time       `json:"updated_at"`
	FailureReason    string          `json:"failure_reason,omitempty"`
	RetryCount       int             `json:"retry_count"`
	MaxRetries       int             `json:"max_retries"`
}

// Retryable reports whether a FAILED saga still has saga-level retry budget.
func (i *SagaInstance) Retryable() bool {
	return i != nil && i.Status == StatusFailed && i.RetryCount < i.MaxRetries
}

// StepLog is the persisted record of one step attempt.
type StepLog struct {
	ID            int64           `json:"id"`
	SagaID        string          `json:"saga_id"`
	StepName      string          `json:"step_name"`
	StepIndex     int             `json:"step_index"`
	Status        StepStatus      `json:"status"`
	ExecutionType ExecutionType   `json:"execution_type"`
	DurationMs    int64           `json:"duration_ms"`
	InputData     json.RawMessage `json:"input_data,omitempty"`
	OutputData    json.RawMessage `json:"output_data,omitempty"`
	ErrorMessage  string          `json:"error_message,omitempty"`
	StackTrace    string          `json:"stack_trace,omitempty"`
	RetryAttempt  int             `json:"retry_attempt"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// StepLogFilter narrows a step-log query. Zero fields match everything.
type StepLogFilter struct {
	ExecutionType ExecutionType
	Status        StepStatus
}

// Matches reports whether entry passes the filter.
func (f StepLogFilter) Matches(entry *StepLog) bool {
	if entry == nil {
		return false
	}
	if f.ExecutionType != "" && entry.ExecutionType != f.ExecutionType {
		return false
	}
	if f.Status != "" && entry.Status != f.Status {
		return false
	}
	return true
}

// Stats aggregates saga outcomes for one saga type and time window.
type Stats struct {
	SagaType string         `json:"saga_type,omitempty"`
	From     time.Time      `json:"from"`
	To       time.Time      `json:"to"`
	Total    int            `json:"total"`
	ByStatus map[Status]int `json:"by_status"`
}

func newStats(sagaType string, from, to time.Time) *Stats {
	byStatus := make(map[Status]int, len(AllStatuses()))
	for _, s := range AllStatuses() {
		byStatus[s] = 0
	}
	return &Stats{SagaType: sagaType, From: from, To: to, ByStatus: byStatus}
}

// NewStats builds Stats from per-status counts.
func NewStats(sagaType string, from, to time.Time, counts map[Status]int) *Stats {
	stats := newStats(sagaType, from, to)
	for status, n := range counts {
		stats.ByStatus[status] += n
		stats.Total += n
	}
	return stats
}

func (s *Stats) add(status Status) {
	s.Total++
	s.ByStatus[status]++
}

// SuccessRate returns completed / finished, or 0 when nothing finished.
func (s *Stats) SuccessRate() float64 {
	if s == nil {
		return 0
	}
	finished := s.ByStatus[StatusCompleted] + s.ByStatus[StatusCompensated] + s.ByStatus[StatusFailed]
	if finished == 0 {
		return 0
	}
	return float64(s.ByStatus[StatusCompleted]) / float64(finished)
}

// inWindow reports whether t lies in [from, to). Zero bounds are open.
func inWindow(t, from, to time.Time) bool {
	if !from.IsZero() && t.Before(from) {
		return false
	}
	if !to.IsZero() && !t.Before(to) {
		return false
	}
	return true
}

func snapshotInstance(ec *ExecutionContext, now time.Time) (*SagaInstance, error) {
	contextData, err := encodeData(ec.Data)
	if err != nil {
		return nil, err
	}
	compensationData, err := encodeData(ec.CompensationData)
	if err != nil {
		return nil, err
	}
	instance := &SagaInstance{
		SagaID:           ec.ID,
		SagaType:         ec.Type,
		Status:           ec.Status(),
		ExecutorID:       ec.ExecutorID,
		CurrentStep:      ec.CurrentStep,
		CurrentStepIndex: ec.CurrentStepIndex,
		ContextData:      contextData,
		CompensationData: compensationData,
		StartedAt:        ec.StartedAt,
		UpdatedAt:        now,
		FailureReason:    ec.FailureReason,
		RetryCount:       ec.RetryCount,
		MaxRetries:       ec.MaxRetries,
	}
	if ec.CompletedAt != nil {
		done := *ec.CompletedAt
		instance.CompletedAt = &done
	}
	return instance, nil
}

func encodeData(data map[string]any) (json.RawMessage, error) {
	if len(data) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

func cloneInstance(instance *SagaInstance) *SagaInstance {
	if instance == nil {
		return nil
	}
	clone := *instance
	clone.ContextData = cloneRaw(instance.ContextData)
	clone.CompensationData = cloneRaw(instance.CompensationData)
	if instance.CompletedAt != nil {
		done := *instance.CompletedAt
		clone.CompletedAt = &done
	}
	return &clone
}

func cloneStepLog(entry *StepLog) *StepLog {
	if entry == nil {
		return nil
	}
	clone := *entry
	clone.InputData = cloneRaw(entry.InputData)
	clone.OutputData = cloneRaw(entry.OutputData)
	return &clone
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}

func decodeData(raw json.RawMessage, into *map[string]any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, into)
}
