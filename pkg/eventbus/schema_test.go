package eventbus

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/goclaw/sagaflow/pkg/saga"
)

func sagaEnvelope(t *testing.T, payload any) Envelope {
	t.Helper()
	env, err := newEnvelope(envelopeFields{
		eventType: EventCompleted,
		nodeID:    "node-1",
		sagaID:    "saga-1",
		sagaType:  "order",
		sequence:  1,
		payload:   payload,
	}, time.Now())
	if err != nil {
		t.Fatalf("newEnvelope() error = %v", err)
	}
	return env
}

func TestEnvelopeValidate(t *testing.T) {
	env := sagaEnvelope(t, map[string]any{})
	if err := env.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if env.SchemaVersion != SchemaVersionV1 || env.OrderingKey != "saga-1" {
		t.Fatalf("unexpected defaults: %+v", env)
	}

	env.EventID, env.NodeID = "", ""
	err := env.Validate()
	if err == nil || !strings.Contains(err.Error(), "[event_id node_id]") {
		t.Fatalf("expected sorted missing fields, got %v", err)
	}

	env = sagaEnvelope(t, nil)
	env.Sequence = 0
	if err := env.Validate(); err == nil {
		t.Fatal("expected error for zero sequence")
	}
}

func TestSagaSchemaRouterAcceptsLifecyclePayload(t *testing.T) {
	ec := saga.NewExecutionContext("order", "node-1")
	ec.StartedAt = time.Now().UTC()
	if err := ec.TransitionTo(saga.StatusProcessing); err != nil {
		t.Fatal(err)
	}
	if err := ec.TransitionTo(saga.StatusCompleted); err != nil {
		t.Fatal(err)
	}

	router := NewSagaSchemaRouter()
	env := sagaEnvelope(t, NewSagaPayload(ec))
	if err := router.Validate(env); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	decoded, err := router.Decode(env)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	payload, ok := decoded.(SagaPayload)
	if !ok {
		t.Fatalf("expected SagaPayload, got %T", decoded)
	}
	if payload.SagaID != ec.ID || payload.Status != saga.StatusCompleted.String() || payload.CompletedAt == nil {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestSagaSchemaRouterRejects(t *testing.T) {
	router := NewSagaSchemaRouter()
	complete := map[string]any{
		"saga_id": "saga-1", "saga_type": "order", "status": "COMPLETED",
		"retry_count": 0, "started_at": time.Now().UTC(),
	}

	missing := map[string]any{"saga_id": "saga-1"}
	unknown := map[string]any{"surprise": true}
	for k, v := range complete {
		unknown[k] = v
	}

	tests := map[string]Envelope{
		"missing required":   sagaEnvelope(t, missing),
		"unknown field":      sagaEnvelope(t, unknown),
		"non-object payload": sagaEnvelope(t, []int{1, 2}),
	}
	for name, env := range tests {
		t.Run(name, func(t *testing.T) {
			err := router.Validate(env)
			if !errors.Is(err, ErrSchemaViolation) {
				t.Fatalf("expected ErrSchemaViolation, got %v", err)
			}
		})
	}

	if err := router.Validate(sagaEnvelope(t, complete)); err != nil {
		t.Fatalf("complete payload rejected: %v", err)
	}
}

func TestSchemaRouterUnknownContractPasses(t *testing.T) {
	router := NewSchemaRouter()
	env := sagaEnvelope(t, map[string]any{"anything": 1})
	env.SchemaVersion = "v9"
	if err := router.Validate(env); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	decoded, err := router.Decode(env)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if _, ok := decoded.(Envelope); !ok {
		t.Fatalf("expected raw envelope, got %T", decoded)
	}
}

func TestSchemaRouterNonStrictAllowsExtraFields(t *testing.T) {
	router := NewSchemaRouter()
	if err := router.Register(Schema{Version: "v2", EventType: EventCompleted, Required: []string{"saga_id"}}); err != nil {
		t.Fatal(err)
	}
	env := sagaEnvelope(t, map[string]any{"saga_id": "saga-1", "extra": "ok"})
	env.SchemaVersion = "v2"
	if err := router.Validate(env); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}

func TestSchemaRouterRegistration(t *testing.T) {
	router := NewSchemaRouter()
	if err := router.Register(Schema{EventType: EventCompleted}); err == nil {
		t.Fatal("expected error for schema without version")
	}
	if err := router.RegisterDecoder("", func(Envelope) (any, error) { return nil, nil }); err == nil {
		t.Fatal("expected error for decoder without version")
	}
	if err := router.RegisterDecoder("v1", nil); err == nil {
		t.Fatal("expected error for nil decoder")
	}

	if err := router.RegisterDecoder("v1", func(e Envelope) (any, error) {
		var m map[string]any
		err := json.Unmarshal(e.Payload, &m)
		return m, err
	}); err != nil {
		t.Fatal(err)
	}
	decoded, err := router.Decode(sagaEnvelope(t, map[string]any{"k": "v"}))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if m, ok := decoded.(map[string]any); !ok || m["k"] != "v" {
		t.Fatalf("custom decoder not used: %#v", decoded)
	}
}
