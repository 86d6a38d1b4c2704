package saga

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidTransition is returned when a status change would move a saga backwards.
var ErrInvalidTransition = errors.New("invalid saga status transition")

// Status defines the lifecycle of one saga run.
type Status string

const (
	StatusStarted      Status = "STARTED"
	StatusProcessing   Status = "PROCESSING"
	StatusCompleted    Status = "COMPLETED"
	StatusCompensating Status = "COMPENSATING"
	StatusCompensated  Status = "COMPENSATED"
	StatusFailed       Status = "FAILED"
)

// STARTED and PROCESSING may also move to FAILED. Only the recovery supervisor
// takes those edges, for runs that died mid-flight.
var validTransitions = map[Status]map[Status]struct{}{
	StatusStarted: {
		StatusProcessing: {},
		StatusFailed:     {},
	},
	StatusProcessing: {
		StatusCompleted:    {},
		StatusCompensating: {},
		StatusFailed:       {},
	},
	StatusCompensating: {
		StatusCompensated: {},
		StatusFailed:      {},
	},
}

// AllStatuses lists every status in lifecycle order.
func AllStatuses() []Status {
	return []Status{
		StatusStarted,
		StatusProcessing,
		StatusCompleted,
		StatusCompensating,
		StatusCompensated,
		StatusFailed,
	}
}

// ParseStatus parses a status name case-insensitively.
func ParseStatus(raw string) (Status, error) {
	candidate := Status(strings.ToUpper(strings.TrimSpace(raw)))
	for _, s := range AllStatuses() {
		if s == candidate {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown saga status %q", raw)
}

// String returns the persisted form of the status.
func (s Status) String() string {
	return string(s)
}

// IsTerminal reports whether the status is absorbing.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCompensated, StatusFailed:
		return true
	default:
		return false
	}
}

// IsActive reports whether a saga in this status is still expected to make progress.
func (s Status) IsActive() bool {
	switch s {
	case StatusStarted, StatusProcessing, StatusCompensating:
		return true
	default:
		return false
	}
}

// CanTransitionTo checks whether moving to next keeps the lifecycle monotonic.
// Staying in the same status is always allowed so rows can be updated in place.
func (s Status) CanTransitionTo(next Status) bool {
	if s == next {
		return true
	}
	validNext, ok := validTransitions[s]
	if !ok {
		return false
	}
	_, ok = validNext[next]
	return ok
}

// ValidateTransition validates transition semantics.
func ValidateTransition(current, next Status) error {
	if !current.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, next)
	}
	return nil
}
