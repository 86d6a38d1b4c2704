// Package saga provides a sequential saga orchestrator with per-step retry,
// reverse-order compensation and a persisted recovery trail.
package saga

import (
	"context"
	"time"
)

// Step is one unit of forward work plus its compensating action.
// Implementations must be stateless; all run state lives in the context.
type Step[C SagaContext] interface {
	// Name is the stable identifier used in persistence and logs.
	Name() string
	// ShouldExecute is evaluated once per run. A false result skips the step and its compensation.
	ShouldExecute(sagaCtx C) bool
	// Mandatory steps trigger saga-wide compensation when they fail after all retries.
	Mandatory() bool
	MaxRetries() int
	RetryDelay() time.Duration
	// Execute performs the forward action. It must be safe to retry.
	Execute(ctx context.Context, sagaCtx C) StepResult
	// Compensate reverses a previously successful Execute. It is never retried.
	Compensate(ctx context.Context, sagaCtx C) StepResult
}

// ActionFunc executes a forward or compensating action for a step.
type ActionFunc[C SagaContext] func(ctx context.Context, sagaCtx C) StepResult

// FuncStep implements Step from plain closures.
type FuncStep[C SagaContext] struct {
	StepName     string
	Condition    func(sagaCtx C) bool
	Required     bool
	Retries      int
	Delay        time.Duration
	Action       ActionFunc[C]
	Compensation ActionFunc[C]
}

// StepOption configures a FuncStep.
type StepOption[C SagaContext] func(step *FuncStep[C])

// NewStep creates a mandatory step with no retries that always executes.
func NewStep[C SagaContext](name string, opts ...StepOption[C]) *FuncStep[C] {
	step := &FuncStep[C]{
		StepName: name,
		Required: true,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(step)
		}
	}
	return step
}

// Action configures the forward action.
func Action[C SagaContext](fn ActionFunc[C]) StepOption[C] {
	return func(step *FuncStep[C]) {
		step.Action = fn
	}
}

// Compensate configures the compensating action.
func Compensate[C SagaContext](fn ActionFunc[C]) StepOption[C] {
	return func(step *FuncStep[C]) {
		step.Compensation = fn
	}
}

// When makes the step conditional.
func When[C SagaContext](predicate func(sagaCtx C) bool) StepOption[C] {
	return func(step *FuncStep[C]) {
		step.Condition = predicate
	}
}

// Optional marks the step as non-mandatory: failure is logged and the saga moves on.
func Optional[C SagaContext]() StepOption[C] {
	return func(step *FuncStep[C]) {
		step.Required = false
	}
}

// WithRetry configures the forward retry budget and the delay between attempts.
func WithRetry[C SagaContext](maxRetries int, delay time.Duration) StepOption[C] {
	return func(step *FuncStep[C]) {
		step.Retries = maxRetries
		step.Delay = delay
	}
}

func (s *FuncStep[C]) Name() string { return s.StepName }

func (s *FuncStep[C]) ShouldExecute(sagaCtx C) bool {
	if s.Condition == nil {
		return true
	}
	return s.Condition(sagaCtx)
}

func (s *FuncStep[C]) Mandatory() bool { return s.Required }

func (s *FuncStep[C]) MaxRetries() int {
	if s.Retries < 0 {
		return 0
	}
	return s.Retries
}

func (s *FuncStep[C]) RetryDelay() time.Duration {
	if s.Delay < 0 {
		return 0
	}
	return s.Delay
}

func (s *FuncStep[C]) Execute(ctx context.Context, sagaCtx C) StepResult {
	if s.Action == nil {
		return Failed("step has no action")
	}
	return s.Action(ctx, sagaCtx)
}

func (s *FuncStep[C]) Compensate(ctx context.Context, sagaCtx C) StepResult {
	if s.Compensation == nil {
		return Succeeded("nothing to compensate")
	}
	return s.Compensation(ctx, sagaCtx)
}
