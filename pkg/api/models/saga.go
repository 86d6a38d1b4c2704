// Package models holds request and response shapes of the audit API.
package models

import (
	"time"

	"github.com/goclaw/sagaflow/pkg/saga"
)

// SagaListQuery filters GET /api/v1/sagas.
type SagaListQuery struct {
	Status string `validate:"omitempty,saga_status"`
	Type   string `validate:"omitempty,max=128"`
}

// StuckQuery filters GET /api/v1/sagas/stuck.
type StuckQuery struct {
	OlderThan time.Duration `validate:"gt=0"`
}

// RetryableQuery filters GET /api/v1/sagas/retryable.
type RetryableQuery struct {
	Type string `validate:"required,max=128"`
}

// StatsQuery filters GET /api/v1/sagas/stats.
type StatsQuery struct {
	Type string `validate:"omitempty,max=128"`
	From time.Time
	To   time.Time
}

// StepLogQuery filters GET /api/v1/sagas/{id}/steps.
type StepLogQuery struct {
	ExecutionType string `validate:"omitempty,oneof=FORWARD COMPENSATION"`
	Status        string `validate:"omitempty,oneof=RUNNING SUCCEEDED FAILED"`
}

// SagaListResponse wraps a list of saga rows.
type SagaListResponse struct {
	Items []*saga.SagaInstance `json:"items"`
	Total int                  `json:"total"`
}

// SagaResponse is one saga row with its derived flags.
type SagaResponse struct {
	*saga.SagaInstance
	Terminal  bool `json:"terminal"`
	Retryable bool `json:"retryable"`
}

// StepLogListResponse wraps a saga's step-log rows.
type StepLogListResponse struct {
	SagaID string          `json:"saga_id"`
	Items  []*saga.StepLog `json:"items"`
	Total  int             `json:"total"`
}

// StatsResponse adds the success rate to store statistics.
type StatsResponse struct {
	*saga.Stats
	SuccessRate float64 `json:"success_rate"`
}

// NewSagaResponse builds a SagaResponse from a stored row.
func NewSagaResponse(instance *saga.SagaInstance) SagaResponse {
	return SagaResponse{
		SagaInstance: instance,
		Terminal:     instance.Status.IsTerminal(),
		Retryable:    instance.Retryable(),
	}
}

// NewSagaListResponse never returns a nil Items slice.
func NewSagaListResponse(items []*saga.SagaInstance) SagaListResponse {
	if items == nil {
		items = []*saga.SagaInstance{}
	}
	return SagaListResponse{Items: items, Total: len(items)}
}
