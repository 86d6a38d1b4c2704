package eventbus

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

// SchemaVersionV1 is the initial saga event schema.
const SchemaVersionV1 = "v1"

// Envelope wraps every saga lifecycle event on the wire.
// Sequence increases by one per OrderingKey on a single node.
type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	Timestamp     time.Time       `json:"timestamp"`
	SchemaVersion string          `json:"schema_version"`
	NodeID        string          `json:"node_id"`
	SagaID        string          `json:"saga_id"`
	SagaType      string          `json:"saga_type"`
	OrderingKey   string          `json:"ordering_key"`
	Sequence      int64           `json:"sequence"`
	Payload       json.RawMessage `json:"payload"`
}

// Validate checks the header fields every consumer relies on.
func (e Envelope) Validate() error {
	var missing []string
	for name, value := range map[string]string{
		"event_id":       e.EventID,
		"event_type":     e.EventType,
		"schema_version": e.SchemaVersion,
		"node_id":        e.NodeID,
		"ordering_key":   e.OrderingKey,
	} {
		if value == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		slices.Sort(missing)
		return fmt.Errorf("eventbus: envelope missing %v", missing)
	}
	if e.Sequence <= 0 {
		return errors.New("eventbus: envelope sequence must be positive")
	}
	return nil
}

// envelopeFields is what a publisher knows before an id and timestamp are assigned.
type envelopeFields struct {
	eventType string
	version   string
	nodeID    string
	sagaID    string
	sagaType  string
	sequence  int64
	payload   any
}

func newEnvelope(f envelopeFields, now time.Time) (Envelope, error) {
	version := f.version
	if version == "" {
		version = SchemaVersionV1
	}
	payload, err := json.Marshal(f.payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("eventbus: marshal payload: %w", err)
	}
	envelope := Envelope{
		EventID:       uuid.NewString(),
		EventType:     f.eventType,
		Timestamp:     now.UTC(),
		SchemaVersion: version,
		NodeID:        f.nodeID,
		SagaID:        f.sagaID,
		SagaType:      f.sagaType,
		OrderingKey:   f.sagaID,
		Sequence:      f.sequence,
		Payload:       payload,
	}
	if err := envelope.Validate(); err != nil {
		return Envelope{}, err
	}
	return envelope, nil
}
