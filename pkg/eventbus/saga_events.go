package eventbus

import (
	"context"
	"time"

	"github.com/goclaw/sagaflow/pkg/saga"
)

// SagaPayload is the v1 payload of a saga lifecycle event.
type SagaPayload struct {
	SagaID        string     `json:"saga_id"`
	SagaType      string     `json:"saga_type"`
	Status        string     `json:"status"`
	ExecutorID    string     `json:"executor_id,omitempty"`
	CurrentStep   string     `json:"current_step,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
	RetryCount    int        `json:"retry_count"`
	StartedAt     time.Time  `json:"started_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// NewSagaPayload projects the final execution context into an event payload.
func NewSagaPayload(ec *saga.ExecutionContext) SagaPayload {
	return SagaPayload{
		SagaID:        ec.ID,
		SagaType:      ec.Type,
		Status:        ec.Status().String(),
		ExecutorID:    ec.ExecutorID,
		CurrentStep:   ec.CurrentStep,
		FailureReason: ec.FailureReason,
		RetryCount:    ec.RetryCount,
		StartedAt:     ec.StartedAt,
		CompletedAt:   ec.CompletedAt,
	}
}

// SagaPublisher adapts Publisher to saga.EventPublisher.
type SagaPublisher struct {
	publisher *Publisher
}

var _ saga.EventPublisher = (*SagaPublisher)(nil)

// NewSagaPublisher wraps a lifecycle publisher.
func NewSagaPublisher(publisher *Publisher) *SagaPublisher {
	return &SagaPublisher{publisher: publisher}
}

func (p *SagaPublisher) OnCompleted(ctx context.Context, ec *saga.ExecutionContext) error {
	return p.publish(ctx, EventCompleted, ec)
}

func (p *SagaPublisher) OnCompensated(ctx context.Context, ec *saga.ExecutionContext) error {
	return p.publish(ctx, EventCompensated, ec)
}

func (p *SagaPublisher) OnFailed(ctx context.Context, ec *saga.ExecutionContext) error {
	return p.publish(ctx, EventFailed, ec)
}

func (p *SagaPublisher) publish(ctx context.Context, eventType string, ec *saga.ExecutionContext) error {
	_, err := p.publisher.Publish(ctx, SagaEvent{
		SagaID:    ec.ID,
		SagaType:  ec.Type,
		EventType: eventType,
		Schema:    SchemaVersionV1,
		Payload:   NewSagaPayload(ec),
	})
	return err
}
