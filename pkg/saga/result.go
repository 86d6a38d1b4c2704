package saga

import (
	"fmt"
	"strings"
	"time"
)

// StepResult is the immutable outcome of one step action.
type StepResult struct {
	Success bool
	Message string
	Err     error
}

// Succeeded returns a successful result.
func Succeeded(message string) StepResult {
	return StepResult{Success: true, Message: message}
}

// Failed returns a failed result with a human-readable reason.
func Failed(message string) StepResult {
	return StepResult{Message: message}
}

// Failedf returns a failed result with a formatted reason.
func Failedf(format string, args ...any) StepResult {
	return StepResult{Message: fmt.Sprintf(format, args...)}
}

// FailedErr returns a failed result carrying the underlying error.
func FailedErr(err error) StepResult {
	if err == nil {
		return StepResult{Message: "unknown error"}
	}
	return StepResult{Message: err.Error(), Err: err}
}

// FromError converts an error-returning call into a result.
func FromError(err error, successMessage string) StepResult {
	if err != nil {
		return FailedErr(err)
	}
	return Succeeded(successMessage)
}

// Reason returns the most specific human-readable reason of the result.
func (r StepResult) Reason() string {
	if r.Message != "" {
		return r.Message
	}
	if r.Err != nil {
		return r.Err.Error()
	}
	if r.Success {
		return "ok"
	}
	return "step failed"
}

// CompensationFailure records a compensation that could not be applied.
type CompensationFailure struct {
	Step   string
	Index  int
	Reason string
}

// SagaResult is the outcome of one saga run.
type SagaResult[C SagaContext] struct {
	Success              bool
	Status               Status
	SagaID               string
	Message              string
	FailedStep           string
	FailureReason        string
	CompensationFailures []CompensationFailure
	Context              C
	Duration             time.Duration
}

// RolledBack reports whether every compensation succeeded.
func (r *SagaResult[C]) RolledBack() bool {
	return r != nil && r.Status == StatusCompensated && len(r.CompensationFailures) == 0
}

func completedMessage() string {
	return "saga completed"
}

func rollbackMessage(failedStep, reason string, failures []CompensationFailure) string {
	base := fmt.Sprintf("step %q failed: %s", failedStep, reason)
	if len(failures) == 0 {
		return base + "; changes rolled back"
	}
	names := make([]string, 0, len(failures))
	for _, f := range failures {
		names = append(names, f.Step)
	}
	return fmt.Sprintf("%s; rollback incomplete, compensation failed for %s", base, strings.Join(names, ", "))
}
