package eventbus

import (
	"fmt"
	"strings"
)

const (
	// SubjectPrefix is the prefix of every saga lifecycle subject.
	SubjectPrefix = "sagaflow.v1.saga"
)

// Saga lifecycle event types.
const (
	EventCompleted   = "completed"
	EventCompensated = "compensated"
	EventFailed      = "failed"
)

// LifecycleEvents lists every saga lifecycle event type.
func LifecycleEvents() []string {
	return []string{EventCompleted, EventCompensated, EventFailed}
}

// SagaSubject returns the subject for one saga type and event type,
// e.g. "sagaflow.v1.saga.activity.completed".
func SagaSubject(sagaType, eventType string) string {
	return fmt.Sprintf("%s.%s.%s", SubjectPrefix, sanitizeSegment(sagaType), sanitizeSegment(eventType))
}

// SagaWildcardSubject matches every event of a saga type. An empty type matches all sagas.
func SagaWildcardSubject(sagaType string) string {
	if sagaType == "" {
		return SubjectPrefix + ".>"
	}
	return fmt.Sprintf("%s.%s.>", SubjectPrefix, sanitizeSegment(sagaType))
}

// sanitizeSegment keeps subject segments free of separators and wildcards.
func sanitizeSegment(value string) string {
	if value == "" {
		return "unknown"
	}
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(value)
}
