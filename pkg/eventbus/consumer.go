package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

const defaultDedupWindow = 4096

// EnvelopeConsumer validates and routes envelopes and suppresses duplicate deliveries.
// Only the most recent event ids are remembered.
type EnvelopeConsumer struct {
	router *SchemaRouter
	window int

	mu         sync.Mutex
	seenEvents map[string]struct{}
	order      []string
}

// NewEnvelopeConsumer creates a schema-aware consumer. window <= 0 uses the default.
func NewEnvelopeConsumer(router *SchemaRouter, window int) *EnvelopeConsumer {
	if window <= 0 {
		window = defaultDedupWindow
	}
	return &EnvelopeConsumer{
		router:     router,
		window:     window,
		seenEvents: make(map[string]struct{}),
	}
}

// DecodeAndValidate decodes raw event bytes, validates schema routing, and reports duplicates.
func (c *EnvelopeConsumer) DecodeAndValidate(raw []byte) (Envelope, any, bool, error) {
	var envelope Envelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return Envelope{}, nil, false, fmt.Errorf("eventbus: invalid envelope json: %w", err)
	}

	validate := envelope.Validate
	if c.router != nil {
		validate = func() error { return c.router.Validate(envelope) }
	}
	if err := validate(); err != nil {
		return Envelope{}, nil, false, err
	}

	if c.remember(envelope.EventID) {
		return envelope, nil, true, nil
	}

	var decoded any = envelope
	var err error
	if c.router != nil {
		decoded, err = c.router.Decode(envelope)
		if err != nil {
			return Envelope{}, nil, false, err
		}
	}
	return envelope, decoded, false, nil
}

// remember records id and reports whether it was already seen.
func (c *EnvelopeConsumer) remember(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.seenEvents[id]; exists {
		return true
	}
	c.seenEvents[id] = struct{}{}
	c.order = append(c.order, id)
	if len(c.order) > c.window {
		delete(c.seenEvents, c.order[0])
		c.order = c.order[1:]
	}
	return false
}

// Handler receives decoded, de-duplicated envelopes.
type Handler func(ctx context.Context, envelope Envelope, decoded any) error

// Consume reads a stream until ctx is done or the stream closes. Decode and handler
// errors are passed to onError and do not stop consumption.
func (c *EnvelopeConsumer) Consume(ctx context.Context, stream Stream, handle Handler, onError func(Message, error)) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-stream.C():
			if !ok {
				return
			}
			envelope, decoded, duplicate, err := c.DecodeAndValidate(msg.Payload)
			if err == nil && !duplicate {
				err = handle(ctx, envelope, decoded)
			}
			if err != nil && onError != nil {
				onError(msg, err)
			}
		}
	}
}
