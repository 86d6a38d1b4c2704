package saga

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SagaContext is the capability every saga context type must expose.
// Business contexts embed ExecutionContext and inherit it.
type SagaContext interface {
	Execution() *ExecutionContext
}

// ExecutionContext is the mutable state threaded through one saga run.
type ExecutionContext struct {
	ID               string
	Type             string
	ExecutorID       string
	CurrentStep      string
	CurrentStepIndex int
	RetryCount       int
	MaxRetries       int
	Data             map[string]any
	CompensationData map[string]any
	StartedAt        time.Time
	CompletedAt      *time.Time
	FailureReason    string

	status Status
}

// ContextOption customizes a new execution context.
type ContextOption func(c *ExecutionContext)

// WithSagaID overrides the generated saga identifier.
func WithSagaID(id string) ContextOption {
	return func(c *ExecutionContext) {
		if id != "" {
			c.ID = id
		}
	}
}

// WithMaxRetries sets the saga-level retry budget consumed by the recovery supervisor.
func WithMaxRetries(max int) ContextOption {
	return func(c *ExecutionContext) {
		if max >= 0 {
			c.MaxRetries = max
		}
	}
}

// WithData seeds the business data bag.
func WithData(data map[string]any) ContextOption {
	return func(c *ExecutionContext) {
		for k, v := range data {
			c.Data[k] = v
		}
	}
}

// NewExecutionContext creates a fresh context in STARTED status.
func NewExecutionContext(sagaType, executorID string, opts ...ContextOption) *ExecutionContext {
	c := &ExecutionContext{
		ID:               uuid.NewString(),
		Type:             sagaType,
		ExecutorID:       executorID,
		CurrentStepIndex: -1,
		Data:             make(map[string]any),
		CompensationData: make(map[string]any),
		status:           StatusStarted,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Execution returns the context itself so ExecutionContext satisfies SagaContext.
func (c *ExecutionContext) Execution() *ExecutionContext {
	return c
}

// Status returns the current lifecycle status.
func (c *ExecutionContext) Status() Status {
	if c.status == "" {
		return StatusStarted
	}
	return c.status
}

// TransitionTo moves the context to next, rejecting non-monotonic moves.
func (c *ExecutionContext) TransitionTo(next Status) error {
	return c.transitionAt(next, time.Now().UTC())
}

func (c *ExecutionContext) transitionAt(next Status, at time.Time) error {
	if c == nil {
		return fmt.Errorf("execution context cannot be nil")
	}
	if err := ValidateTransition(c.Status(), next); err != nil {
		return err
	}
	if next.IsTerminal() && c.CompletedAt == nil {
		c.CompletedAt = &at
	}
	c.status = next
	return nil
}

// Set stores a value in the business data bag.
func (c *ExecutionContext) Set(key string, value any) {
	if c.Data == nil {
		c.Data = make(map[string]any)
	}
	c.Data[key] = value
}

// Get reads a value from the business data bag.
func (c *ExecutionContext) Get(key string) (any, bool) {
	v, ok := c.Data[key]
	return v, ok
}

// Delete removes a value from the business data bag.
func (c *ExecutionContext) Delete(key string) {
	delete(c.Data, key)
}

// SetCompensation stores data a later compensation needs to undo a step.
func (c *ExecutionContext) SetCompensation(key string, value any) {
	if c.CompensationData == nil {
		c.CompensationData = make(map[string]any)
	}
	c.CompensationData[key] = value
}

// CompensationValue reads a value stored with SetCompensation.
func (c *ExecutionContext) CompensationValue(key string) (any, bool) {
	v, ok := c.CompensationData[key]
	return v, ok
}

// Value reads a typed value from the business data bag.
func Value[T any](c *ExecutionContext, key string) (T, bool) {
	var zero T
	if c == nil {
		return zero, false
	}
	raw, ok := c.Data[key]
	if !ok {
		return zero, false
	}
	typed, ok := raw.(T)
	return typed, ok
}
