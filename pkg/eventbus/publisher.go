package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Transport publishes bytes to a subject.
type Transport interface {
	Publish(ctx context.Context, subject string, payload []byte) error
}

// Publish outcomes reported to Telemetry.
const (
	OutcomePublished = "published"
	OutcomeRejected  = "rejected"
	OutcomeFailed    = "failed"
)

// Telemetry observes the publish pipeline.
type Telemetry interface {
	// ObservePublish is called once per Publish call that got past argument checks.
	ObservePublish(eventType, outcome string, attempts int)
	// ObserveDegraded is called on every transition into or out of degraded mode.
	ObserveDegraded(degraded bool)
}

type nopTelemetry struct{}

func (nopTelemetry) ObservePublish(string, string, int) {}
func (nopTelemetry) ObserveDegraded(bool)               {}

// RetryConfig is the exponential backoff applied to transport failures.
// MaxRetries counts retries after the first attempt.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
	// Jitter randomizes each delay by +/- the given fraction (0 disables).
	Jitter float64
}

// DefaultRetryConfig returns default retry policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		BackoffFactor:  2,
	}
}

// Validate checks the retry policy.
func (c RetryConfig) Validate() error {
	if c.MaxRetries < 0 {
		return fmt.Errorf("eventbus: max retries cannot be negative")
	}
	if c.InitialBackoff <= 0 || c.MaxBackoff <= 0 || c.BackoffFactor < 1 {
		return fmt.Errorf("eventbus: invalid retry config")
	}
	if c.Jitter < 0 || c.Jitter >= 1 {
		return fmt.Errorf("eventbus: jitter must be in [0, 1)")
	}
	return nil
}

func (c RetryConfig) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.InitialBackoff
	b.MaxInterval = c.MaxBackoff
	b.Multiplier = c.BackoffFactor
	b.RandomizationFactor = c.Jitter
	return b
}

// SagaEvent is the publish input for one saga lifecycle transition.
type SagaEvent struct {
	SagaID    string
	SagaType  string
	EventType string
	Schema    string
	Payload   any
}

// PublisherOption customizes a Publisher.
type PublisherOption func(p *Publisher)

// WithSchemaRouter validates every outgoing envelope against the router's payload schemas.
func WithSchemaRouter(router *SchemaRouter) PublisherOption {
	return func(p *Publisher) {
		p.router = router
	}
}

// Publisher publishes saga lifecycle envelopes. A transport failure marks the
// publisher degraded until the next successful publish.
type Publisher struct {
	transport Transport
	nodeID    string
	retry     RetryConfig
	telemetry Telemetry
	router    *SchemaRouter

	mu        sync.Mutex
	sequences map[string]int64
	degraded  bool
}

// NewPublisher creates a lifecycle publisher.
func NewPublisher(nodeID string, transport Transport, retry RetryConfig, telemetry Telemetry, opts ...PublisherOption) (*Publisher, error) {
	if nodeID == "" {
		return nil, fmt.Errorf("eventbus: node id cannot be empty")
	}
	if transport == nil {
		return nil, fmt.Errorf("eventbus: transport cannot be nil")
	}
	if err := retry.Validate(); err != nil {
		return nil, err
	}
	if telemetry == nil {
		telemetry = nopTelemetry{}
	}
	p := &Publisher{
		transport: transport,
		nodeID:    nodeID,
		retry:     retry,
		telemetry: telemetry,
		sequences: make(map[string]int64),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p, nil
}

// Publish sends one saga event. Events of the same saga carry increasing sequence numbers.
func (p *Publisher) Publish(ctx context.Context, event SagaEvent) (Envelope, error) {
	if err := ctx.Err(); err != nil {
		return Envelope{}, err
	}
	if event.EventType == "" {
		return Envelope{}, fmt.Errorf("eventbus: event type cannot be empty")
	}
	if event.SagaID == "" {
		return Envelope{}, fmt.Errorf("eventbus: saga id cannot be empty")
	}
	subject := SagaSubject(event.SagaType, event.EventType)

	envelope, err := newEnvelope(envelopeFields{
		eventType: event.EventType,
		version:   event.Schema,
		nodeID:    p.nodeID,
		sagaID:    event.SagaID,
		sagaType:  event.SagaType,
		sequence:  p.nextSequence(event.SagaID),
		payload:   event.Payload,
	}, time.Now())
	if err != nil {
		return Envelope{}, err
	}
	if p.router != nil {
		if err := p.router.Validate(envelope); err != nil {
			p.telemetry.ObservePublish(event.EventType, OutcomeRejected, 0)
			return Envelope{}, err
		}
	}

	body, err := json.Marshal(envelope)
	if err != nil {
		return Envelope{}, fmt.Errorf("eventbus: marshal envelope: %w", err)
	}

	attempts := 0
	send := func() (struct{}, error) {
		attempts++
		return struct{}{}, p.transport.Publish(ctx, subject, body)
	}
	_, publishErr := backoff.Retry(ctx, send,
		backoff.WithBackOff(p.retry.backOff()),
		backoff.WithMaxTries(uint(p.retry.MaxRetries)+1),
		backoff.WithNotify(func(error, time.Duration) { p.setDegraded(true) }),
	)
	if publishErr == nil {
		p.telemetry.ObservePublish(event.EventType, OutcomePublished, attempts)
		p.setDegraded(false)
		return envelope, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Envelope{}, ctxErr
	}

	p.telemetry.ObservePublish(event.EventType, OutcomeFailed, attempts)
	p.setDegraded(true)
	return Envelope{}, fmt.Errorf("eventbus: publish %s after %d attempts: %w", subject, attempts, publishErr)
}

// Degraded reports whether the publisher currently considers the bus degraded.
func (p *Publisher) Degraded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.degraded
}

// Forget drops the sequence counter of a finished saga.
func (p *Publisher) Forget(sagaID string) {
	p.mu.Lock()
	delete(p.sequences, sagaID)
	p.mu.Unlock()
}

func (p *Publisher) nextSequence(orderingKey string) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sequences[orderingKey]++
	return p.sequences[orderingKey]
}

func (p *Publisher) setDegraded(degraded bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.degraded == degraded {
		return
	}
	p.degraded = degraded
	p.telemetry.ObserveDegraded(degraded)
}
