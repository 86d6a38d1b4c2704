package eventbus

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
)

// ErrSchemaViolation wraps every payload contract failure.
var ErrSchemaViolation = errors.New("eventbus: schema violation")

// Schema is the payload contract of one event type at one schema version.
type Schema struct {
	Version   string
	EventType string
	Required  []string
	Optional  []string
	// Strict rejects payload fields listed in neither Required nor Optional.
	Strict bool
}

func (s Schema) check(payload json.RawMessage) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return fmt.Errorf("%w: %s payload is not a json object: %v", ErrSchemaViolation, s.EventType, err)
	}
	for _, name := range s.Required {
		if _, ok := fields[name]; !ok {
			return fmt.Errorf("%w: %s payload lacks %q", ErrSchemaViolation, s.EventType, name)
		}
	}
	if !s.Strict {
		return nil
	}
	for name := range fields {
		if !slices.Contains(s.Required, name) && !slices.Contains(s.Optional, name) {
			return fmt.Errorf("%w: %s payload has unknown field %q", ErrSchemaViolation, s.EventType, name)
		}
	}
	return nil
}

// Decoder turns an envelope of one schema version into the consumer's view.
type Decoder func(envelope Envelope) (any, error)

type schemaID struct {
	version   string
	eventType string
}

// SchemaRouter holds payload contracts and per-version decoders.
// Envelopes with no registered contract pass validation unchanged.
type SchemaRouter struct {
	mu       sync.RWMutex
	schemas  map[schemaID]Schema
	decoders map[string]Decoder
}

func NewSchemaRouter() *SchemaRouter {
	return &SchemaRouter{
		schemas:  make(map[schemaID]Schema),
		decoders: make(map[string]Decoder),
	}
}

// Register adds or replaces the contract for schema.Version and schema.EventType.
func (r *SchemaRouter) Register(schema Schema) error {
	if schema.Version == "" || schema.EventType == "" {
		return errors.New("eventbus: schema needs a version and an event type")
	}
	r.mu.Lock()
	r.schemas[schemaID{schema.Version, schema.EventType}] = schema
	r.mu.Unlock()
	return nil
}

// RegisterDecoder sets the decoder used for envelopes of version.
func (r *SchemaRouter) RegisterDecoder(version string, decode Decoder) error {
	switch {
	case version == "":
		return errors.New("eventbus: decoder needs a schema version")
	case decode == nil:
		return errors.New("eventbus: decoder cannot be nil")
	}
	r.mu.Lock()
	r.decoders[version] = decode
	r.mu.Unlock()
	return nil
}

// Validate checks the envelope header and, when a contract exists, its payload.
func (r *SchemaRouter) Validate(envelope Envelope) error {
	if err := envelope.Validate(); err != nil {
		return err
	}
	r.mu.RLock()
	schema, ok := r.schemas[schemaID{envelope.SchemaVersion, envelope.EventType}]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	return schema.check(envelope.Payload)
}

// Decode applies the decoder registered for the envelope's version.
// Without one the envelope itself is returned.
func (r *SchemaRouter) Decode(envelope Envelope) (any, error) {
	r.mu.RLock()
	decode, ok := r.decoders[envelope.SchemaVersion]
	r.mu.RUnlock()
	if !ok {
		return envelope, nil
	}
	return decode(envelope)
}

// SagaPayloadFields are present in every v1 saga lifecycle payload.
var SagaPayloadFields = []string{"saga_id", "saga_type", "status", "retry_count", "started_at"}

var sagaOptionalFields = []string{"executor_id", "current_step", "failure_reason", "completed_at"}

// NewSagaSchemaRouter enforces the v1 saga lifecycle payload and decodes it into SagaPayload.
func NewSagaSchemaRouter() *SchemaRouter {
	r := NewSchemaRouter()
	for _, eventType := range LifecycleEvents() {
		_ = r.Register(Schema{
			Version:   SchemaVersionV1,
			EventType: eventType,
			Required:  SagaPayloadFields,
			Optional:  sagaOptionalFields,
			Strict:    true,
		})
	}
	_ = r.RegisterDecoder(SchemaVersionV1, func(envelope Envelope) (any, error) {
		var payload SagaPayload
		if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
			return nil, fmt.Errorf("eventbus: decode %s payload: %w", envelope.EventType, err)
		}
		return payload, nil
	})
	return r
}
