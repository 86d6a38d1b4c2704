package saga

import "context"

// EventPublisher is notified once when a saga reaches a terminal status.
// Errors are logged by the caller and never change the saga outcome.
type EventPublisher interface {
	OnCompleted(ctx context.Context, ec *ExecutionContext) error
	OnCompensated(ctx context.Context, ec *ExecutionContext) error
	// OnFailed is raised by the recovery supervisor when a saga's retry budget is exhausted.
	OnFailed(ctx context.Context, ec *ExecutionContext) error
}

// NopPublisher discards all saga events.
type NopPublisher struct{}

func (NopPublisher) OnCompleted(context.Context, *ExecutionContext) error   { return nil }
func (NopPublisher) OnCompensated(context.Context, *ExecutionContext) error { return nil }
func (NopPublisher) OnFailed(context.Context, *ExecutionContext) error      { return nil }

// PublisherFuncs adapts optional callbacks to EventPublisher.
type PublisherFuncs struct {
	Completed   func(ctx context.Context, ec *ExecutionContext) error
	Compensated func(ctx context.Context, ec *ExecutionContext) error
	Failed      func(ctx context.Context, ec *ExecutionContext) error
}

func (p PublisherFuncs) OnCompleted(ctx context.Context, ec *ExecutionContext) error {
	if p.Completed == nil {
		return nil
	}
	return p.Completed(ctx, ec)
}

func (p PublisherFuncs) OnCompensated(ctx context.Context, ec *ExecutionContext) error {
	if p.Compensated == nil {
		return nil
	}
	return p.Compensated(ctx, ec)
}

func (p PublisherFuncs) OnFailed(ctx context.Context, ec *ExecutionContext) error {
	if p.Failed == nil {
		return nil
	}
	return p.Failed(ctx, ec)
}

// RestoreContext rebuilds an execution context from its persisted row.
// Context data is decoded into the Data bag; typed values come back as JSON types.
func RestoreContext(instance *SagaInstance) (*ExecutionContext, error) {
	if err := ValidateInstance(instance); err != nil {
		return nil, err
	}
	ec := &ExecutionContext{
		ID:               instance.SagaID,
		Type:             instance.SagaType,
		ExecutorID:       instance.ExecutorID,
		CurrentStep:      instance.CurrentStep,
		CurrentStepIndex: instance.CurrentStepIndex,
		RetryCount:       instance.RetryCount,
		MaxRetries:       instance.MaxRetries,
		Data:             make(map[string]any),
		CompensationData: make(map[string]any),
		StartedAt:        instance.StartedAt,
		FailureReason:    instance.FailureReason,
		status:           instance.Status,
	}
	if instance.CompletedAt != nil {
		done := *instance.CompletedAt
		ec.CompletedAt = &done
	}
	if err := decodeData(instance.ContextData, &ec.Data); err != nil {
		return nil, err
	}
	if err := decodeData(instance.CompensationData, &ec.CompensationData); err != nil {
		return nil, err
	}
	return ec, nil
}
