package saga

import (
	"context"
	"errors"
	"testing"
)

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to Status
		allowed  bool
	}{
		{StatusStarted, StatusProcessing, true},
		{StatusStarted, StatusFailed, true},
		{StatusStarted, StatusCompleted, false},
		{StatusProcessing, StatusCompleted, true},
		{StatusProcessing, StatusCompensating, true},
		{StatusProcessing, StatusStarted, false},
		{StatusCompensating, StatusCompensated, true},
		{StatusCompensating, StatusFailed, true},
		{StatusCompensating, StatusProcessing, false},
		{StatusCompleted, StatusCompensating, false},
		{StatusCompensated, StatusProcessing, false},
		{StatusFailed, StatusStarted, false},
		{StatusFailed, StatusFailed, true},
		{StatusCompleted, StatusCompleted, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := tt.from.CanTransitionTo(tt.to); got != tt.allowed {
				t.Fatalf("CanTransitionTo() = %v, want %v", got, tt.allowed)
			}
			err := ValidateTransition(tt.from, tt.to)
			if tt.allowed && err != nil {
				t.Fatalf("ValidateTransition() error = %v", err)
			}
			if !tt.allowed && !errors.Is(err, ErrInvalidTransition) {
				t.Fatalf("ValidateTransition() error = %v, want ErrInvalidTransition", err)
			}
		})
	}
}

func TestStatusTerminalAndActive(t *testing.T) {
	for _, s := range AllStatuses() {
		if s.IsTerminal() == s.IsActive() {
			t.Fatalf("status %s must be exactly one of terminal or active", s)
		}
	}
	if !StatusFailed.IsTerminal() || !StatusCompensating.IsActive() {
		t.Fatal("unexpected terminal/active classification")
	}
}

func TestParseStatus(t *testing.T) {
	got, err := ParseStatus(" compensating ")
	if err != nil {
		t.Fatalf("ParseStatus() error = %v", err)
	}
	if got != StatusCompensating {
		t.Fatalf("ParseStatus() = %s", got)
	}
	if _, err := ParseStatus("paused"); err == nil {
		t.Fatal("expected error for unknown status")
	}
}

func TestExecutionContextTransitionSetsCompletedAt(t *testing.T) {
	ec := NewExecutionContext("order", "user-1")
	if ec.Status() != StatusStarted || ec.CurrentStepIndex != -1 {
		t.Fatalf("unexpected fresh context: %s %d", ec.Status(), ec.CurrentStepIndex)
	}
	if err := ec.TransitionTo(StatusProcessing); err != nil {
		t.Fatalf("TransitionTo(PROCESSING) error = %v", err)
	}
	if ec.CompletedAt != nil {
		t.Fatal("CompletedAt set before terminal status")
	}
	if err := ec.TransitionTo(StatusCompleted); err != nil {
		t.Fatalf("TransitionTo(COMPLETED) error = %v", err)
	}
	if ec.CompletedAt == nil {
		t.Fatal("CompletedAt not set on terminal status")
	}
	if err := ec.TransitionTo(StatusProcessing); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestExecutionContextOptionsAndValues(t *testing.T) {
	ec := NewExecutionContext("order", "user-1",
		WithSagaID("saga-1"),
		WithMaxRetries(3),
		WithData(map[string]any{"amount": 42}),
	)
	if ec.ID != "saga-1" || ec.MaxRetries != 3 {
		t.Fatalf("options not applied: %+v", ec)
	}
	amount, ok := Value[int](ec, "amount")
	if !ok || amount != 42 {
		t.Fatalf("Value[int]() = %v, %v", amount, ok)
	}
	if _, ok := Value[string](ec, "amount"); ok {
		t.Fatal("Value[string]() should not match an int")
	}
	ec.Delete("amount")
	if _, ok := ec.Get("amount"); ok {
		t.Fatal("Delete() left the value behind")
	}
}

func TestFuncStepDefaults(t *testing.T) {
	step := NewStep[*ExecutionContext]("noop", WithRetry[*ExecutionContext](-1, -1))
	if !step.Mandatory() || step.MaxRetries() != 0 || step.RetryDelay() != 0 {
		t.Fatalf("unexpected defaults: mandatory=%v retries=%d delay=%s", step.Mandatory(), step.MaxRetries(), step.RetryDelay())
	}
	ec := NewExecutionContext("t", "e")
	if !step.ShouldExecute(ec) {
		t.Fatal("step without condition should execute")
	}
	if res := step.Execute(context.Background(), ec); res.Success {
		t.Fatal("step without action should fail")
	}
	if res := step.Compensate(context.Background(), ec); !res.Success {
		t.Fatal("step without compensation should succeed")
	}
}

func TestStepResultReason(t *testing.T) {
	if got := FailedErr(errors.New("boom")).Reason(); got != "boom" {
		t.Fatalf("FailedErr().Reason() = %q", got)
	}
	if got := (StepResult{}).Reason(); got != "step failed" {
		t.Fatalf("empty failure Reason() = %q", got)
	}
	if got := FromError(nil, "fine"); !got.Success || got.Message != "fine" {
		t.Fatalf("FromError(nil) = %+v", got)
	}
}
