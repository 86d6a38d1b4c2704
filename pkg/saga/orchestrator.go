package saga

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/goclaw/sagaflow/pkg/logger"
)

var (
	// ErrAlreadyExecuted is returned when an orchestrator is executed a second time.
	ErrAlreadyExecuted = errors.New("saga orchestrator already executed")
	// ErrContextNotFresh is returned when the context has already left STARTED.
	ErrContextNotFresh = errors.New("saga context is not fresh")
	// ErrPersistence matches every error raised by the saga store during a run.
	ErrPersistence = errors.New("saga persistence failure")
)

// PersistenceError reports a failed write of the recovery trail.
type PersistenceError struct {
	Op     string
	SagaID string
	Err    error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("saga %s: %s: %v", e.SagaID, e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }

type orchestratorConfig struct {
	store     Store
	publisher EventPublisher
	logger    logger.Logger
	metrics   MetricsRecorder
	sleep     func(time.Duration)
	now       func() time.Time
}

// Option customizes an Orchestrator.
type Option func(cfg *orchestratorConfig)

// WithStore sets the store that receives the saga and step-log trail.
func WithStore(store Store) Option {
	return func(cfg *orchestratorConfig) {
		if store != nil {
			cfg.store = store
		}
	}
}

// WithPublisher sets the terminal-event publisher.
func WithPublisher(publisher EventPublisher) Option {
	return func(cfg *orchestratorConfig) {
		if publisher != nil {
			cfg.publisher = publisher
		}
	}
}

// WithLogger sets the orchestrator logger.
func WithLogger(l logger.Logger) Option {
	return func(cfg *orchestratorConfig) {
		if l != nil {
			cfg.logger = l
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(recorder MetricsRecorder) Option {
	return func(cfg *orchestratorConfig) {
		if recorder != nil {
			cfg.metrics = recorder
		}
	}
}

// WithSleeper replaces the function used to wait between retry attempts.
func WithSleeper(sleep func(time.Duration)) Option {
	return func(cfg *orchestratorConfig) {
		if sleep != nil {
			cfg.sleep = sleep
		}
	}
}

// WithClock replaces the time source used for timestamps and durations.
func WithClock(now func() time.Time) Option {
	return func(cfg *orchestratorConfig) {
		if now != nil {
			cfg.now = now
		}
	}
}

// Orchestrator runs an ordered list of steps against one saga context.
// An orchestrator is single-use: build it, add steps, execute once.
type Orchestrator[C SagaContext] struct {
	cfg       orchestratorConfig
	steps     []Step[C]
	names     map[string]struct{}
	buildErrs []error
	log       executionLog

	mu       sync.Mutex
	executed bool
}

// NewOrchestrator creates an orchestrator. Without options it uses an in-memory
// store, no publisher and the global logger.
func NewOrchestrator[C SagaContext](opts ...Option) *Orchestrator[C] {
	cfg := orchestratorConfig{
		publisher: NopPublisher{},
		metrics:   nopMetricsRecorder{},
		sleep:     time.Sleep,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if cfg.store == nil {
		cfg.store = NewMemoryStore()
	}
	return &Orchestrator[C]{
		cfg:   cfg,
		names: make(map[string]struct{}),
	}
}

// AddStep appends a step. Invalid steps are reported by Execute.
func (o *Orchestrator[C]) AddStep(step Step[C]) *Orchestrator[C] {
	if step == nil {
		o.buildErrs = append(o.buildErrs, errors.New("saga step cannot be nil"))
		return o
	}
	name := step.Name()
	if name == "" {
		o.buildErrs = append(o.buildErrs, fmt.Errorf("saga step %d has an empty name", len(o.steps)))
		return o
	}
	if _, exists := o.names[name]; exists {
		o.buildErrs = append(o.buildErrs, fmt.Errorf("duplicate saga step %q", name))
		return o
	}
	o.names[name] = struct{}{}
	o.steps = append(o.steps, step)
	return o
}

// Steps returns the registered step names in order.
func (o *Orchestrator[C]) Steps() []string {
	names := make([]string, 0, len(o.steps))
	for _, step := range o.steps {
		names = append(names, step.Name())
	}
	return names
}

// ExecutionLog returns a copy of the records written during Execute.
func (o *Orchestrator[C]) ExecutionLog() []ExecutionRecord {
	return o.log.snapshot()
}

// Execute runs the saga to a terminal status and returns its result.
// Business failures are reported in the result; the error is non-nil only for
// invalid input or when the store rejects a write.
func (o *Orchestrator[C]) Execute(ctx context.Context, sagaCtx C) (*SagaResult[C], error) {
	if err := o.claim(); err != nil {
		return nil, err
	}
	if err := errors.Join(o.buildErrs...); err != nil {
		return nil, err
	}
	ec := sagaCtx.Execution()
	if ec == nil {
		return nil, errors.New("saga context has no execution state")
	}
	if ec.Status() != StatusStarted {
		return nil, fmt.Errorf("%w: saga %s is %s", ErrContextNotFresh, ec.ID, ec.Status())
	}

	r := o.newRun(sagaCtx, ec)
	ctx, span := sagaTracer().Start(ctx, spanSagaExecute, trace.WithAttributes(sagaAttributes(ec)...))
	defer span.End()

	o.cfg.metrics.IncActiveSagas(ec.Type)
	defer o.cfg.metrics.DecActiveSagas(ec.Type)

	result, err := r.execute(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.log.ErrorContext(ctx, "saga aborted by persistence failure", "error", err)
		return nil, err
	}
	if !result.Success {
		span.SetStatus(codes.Error, result.FailureReason)
	}
	o.cfg.metrics.RecordSagaExecution(ec.Type, result.Status, result.Duration)
	return result, nil
}

func (o *Orchestrator[C]) claim() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.executed {
		return ErrAlreadyExecuted
	}
	o.executed = true
	return nil
}

// run holds the state of one Execute call.
type run[C SagaContext] struct {
	o         *Orchestrator[C]
	sagaCtx   C
	ec        *ExecutionContext
	log       logger.Logger
	started   time.Time
	succeeded []int
}

func (o *Orchestrator[C]) newRun(sagaCtx C, ec *ExecutionContext) *run[C] {
	now := o.cfg.now()
	if ec.ID == "" {
		ec.ID = uuid.NewString()
	}
	if ec.StartedAt.IsZero() {
		ec.StartedAt = now
	}
	if ec.Data == nil {
		ec.Data = make(map[string]any)
	}
	if ec.CompensationData == nil {
		ec.CompensationData = make(map[string]any)
	}
	l := o.cfg.logger
	if l == nil {
		l = logger.Global()
	}
	return &run[C]{
		o:       o,
		sagaCtx: sagaCtx,
		ec:      ec,
		log:     l.With("saga_id", ec.ID, "saga_type", ec.Type),
		started: now,
	}
}

func (r *run[C]) execute(ctx context.Context) (*SagaResult[C], error) {
	if err := r.createInstance(ctx); err != nil {
		return nil, err
	}
	if err := r.transition(ctx, StatusProcessing); err != nil {
		return nil, err
	}
	r.log.InfoContext(ctx, "saga started", "steps", len(r.o.steps))

	for i, step := range r.o.steps {
		ok, failure, stack := evaluate(step, r.sagaCtx)
		if failure == nil && !ok {
			r.skip(ctx, i, step)
			continue
		}

		r.ec.CurrentStep, r.ec.CurrentStepIndex = step.Name(), i
		if err := r.updateInstance(ctx, "update current step"); err != nil {
			return nil, err
		}

		var result StepResult
		var err error
		if failure != nil {
			result, err = r.attempt(ctx, i, step, ExecutionForward, 0, func(context.Context) (StepResult, string) {
				return *failure, stack
			})
		} else {
			result, err = r.forward(ctx, i, step)
		}
		if err != nil {
			return nil, err
		}

		if result.Success {
			r.succeeded = append(r.succeeded, i)
			continue
		}
		if !step.Mandatory() {
			r.log.WarnContext(ctx, "optional saga step failed, continuing",
				"step", step.Name(), "reason", result.Reason())
			continue
		}
		return r.rollback(ctx, step, result)
	}

	if err := r.transition(ctx, StatusCompleted); err != nil {
		return nil, err
	}
	r.log.InfoContext(ctx, "saga completed", "duration", r.elapsed())
	r.publish(ctx, StatusCompleted)
	return &SagaResult[C]{
		Success:  true,
		Status:   StatusCompleted,
		SagaID:   r.ec.ID,
		Message:  completedMessage(),
		Context:  r.sagaCtx,
		Duration: r.elapsed(),
	}, nil
}

// forward attempts a step up to 1+MaxRetries times and returns the last result.
func (r *run[C]) forward(ctx context.Context, index int, step Step[C]) (StepResult, error) {
	attempts := 1 + step.MaxRetries()
	var result StepResult
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			r.o.cfg.metrics.RecordStepRetry(r.ec.Type, step.Name())
			if delay := step.RetryDelay(); delay > 0 {
				r.o.cfg.sleep(delay)
			}
		}
		var err error
		result, err = r.attempt(ctx, index, step, ExecutionForward, attempt, func(ctx context.Context) (StepResult, string) {
			return invoke(ctx, r.sagaCtx, step.Execute)
		})
		if err != nil {
			return result, err
		}
		if result.Success {
			return result, nil
		}
		if attempt+1 < attempts {
			r.log.DebugContext(ctx, "saga step attempt failed, retrying",
				"step", step.Name(), "attempt", attempt, "reason", result.Reason())
		}
	}
	return result, nil
}

func (r *run[C]) rollback(ctx context.Context, failed Step[C], cause StepResult) (*SagaResult[C], error) {
	reason := cause.Reason()
	r.ec.FailureReason = fmt.Sprintf("%s: %s", failed.Name(), reason)
	r.log.WarnContext(ctx, "mandatory saga step failed, compensating",
		"step", failed.Name(), "reason", reason, "compensable", len(r.succeeded))
	if err := r.transition(ctx, StatusCompensating); err != nil {
		return nil, err
	}

	var failures []CompensationFailure
	for k := len(r.succeeded) - 1; k >= 0; k-- {
		index := r.succeeded[k]
		step := r.o.steps[index]
		r.ec.CurrentStep, r.ec.CurrentStepIndex = step.Name(), index
		if err := r.updateInstance(ctx, "update compensating step"); err != nil {
			return nil, err
		}
		result, err := r.attempt(ctx, index, step, ExecutionCompensation, 0, func(ctx context.Context) (StepResult, string) {
			return invoke(ctx, r.sagaCtx, step.Compensate)
		})
		if err != nil {
			return nil, err
		}
		if !result.Success {
			failures = append(failures, CompensationFailure{Step: step.Name(), Index: index, Reason: result.Reason()})
			r.log.ErrorContext(ctx, "saga compensation failed",
				"step", step.Name(), "reason", result.Reason())
		}
	}

	if err := r.transition(ctx, StatusCompensated); err != nil {
		return nil, err
	}
	r.log.InfoContext(ctx, "saga compensated",
		"failed_step", failed.Name(), "compensation_failures", len(failures), "duration", r.elapsed())
	r.publish(ctx, StatusCompensated)
	return &SagaResult[C]{
		Status:               StatusCompensated,
		SagaID:               r.ec.ID,
		Message:              rollbackMessage(failed.Name(), reason, failures),
		FailedStep:           failed.Name(),
		FailureReason:        reason,
		CompensationFailures: failures,
		Context:              r.sagaCtx,
		Duration:             r.elapsed(),
	}, nil
}

func (r *run[C]) skip(ctx context.Context, index int, step Step[C]) {
	r.o.log.append(ExecutionRecord{
		Kind:    RecordSkip,
		Step:    step.Name(),
		Index:   index,
		Success: true,
		Message: "condition not met",
		At:      r.o.cfg.now(),
	})
	r.log.DebugContext(ctx, "saga step skipped", "step", step.Name(), "index", index)
}

// attempt persists one step-log row around a single call of the step.
func (r *run[C]) attempt(
	ctx context.Context,
	index int,
	step Step[C],
	kind ExecutionType,
	attempt int,
	call func(ctx context.Context) (StepResult, string),
) (StepResult, error) {
	spanName := spanSagaStepForward
	if kind == ExecutionCompensation {
		spanName = spanSagaStepCompensate
	}
	ctx, span := sagaTracer().Start(ctx, spanName, trace.WithAttributes(stepAttributes(step.Name(), index, attempt)...))
	defer span.End()

	input, err := encodeData(r.ec.Data)
	if err != nil {
		return StepResult{}, r.persistErr("encode step input", err)
	}
	entry := &StepLog{
		SagaID:        r.ec.ID,
		StepName:      step.Name(),
		StepIndex:     index,
		Status:        StepStatusRunning,
		ExecutionType: kind,
		InputData:     input,
		RetryAttempt:  attempt,
	}
	if err := r.o.cfg.store.CreateStepLog(ctx, entry); err != nil {
		return StepResult{}, r.persistErr("create step log", err)
	}

	began := r.o.cfg.now()
	result, stack := call(ctx)
	elapsed := r.o.cfg.now().Sub(began)

	entry.DurationMs = elapsed.Milliseconds()
	entry.Status = StepStatusSucceeded
	if !result.Success {
		entry.Status = StepStatusFailed
		entry.ErrorMessage = result.Reason()
		entry.StackTrace = stack
	}
	if entry.OutputData, err = encodeData(r.ec.Data); err != nil {
		return StepResult{}, r.persistErr("encode step output", err)
	}
	if err := r.o.cfg.store.UpdateStepLog(ctx, entry); err != nil {
		return StepResult{}, r.persistErr("update step log", err)
	}

	recordKind := RecordForward
	if kind == ExecutionCompensation {
		recordKind = RecordCompensation
		r.o.cfg.metrics.RecordCompensation(r.ec.Type, step.Name(), result.Success, elapsed)
	} else {
		r.o.cfg.metrics.RecordStepAttempt(r.ec.Type, step.Name(), result.Success, elapsed)
	}
	r.o.log.append(ExecutionRecord{
		Kind:    recordKind,
		Step:    step.Name(),
		Index:   index,
		Attempt: attempt,
		Success: result.Success,
		Message: result.Reason(),
		At:      began,
	})
	if !result.Success {
		span.SetStatus(codes.Error, result.Reason())
	}
	return result, nil
}

func (r *run[C]) createInstance(ctx context.Context) error {
	instance, err := snapshotInstance(r.ec, r.o.cfg.now())
	if err != nil {
		return r.persistErr("encode saga instance", err)
	}
	if err := r.o.cfg.store.CreateInstance(ctx, instance); err != nil {
		return r.persistErr("create saga instance", err)
	}
	return nil
}

func (r *run[C]) transition(ctx context.Context, next Status) error {
	if err := r.ec.transitionAt(next, r.o.cfg.now()); err != nil {
		return err
	}
	return r.updateInstance(ctx, "transition to "+next.String())
}

func (r *run[C]) updateInstance(ctx context.Context, op string) error {
	instance, err := snapshotInstance(r.ec, r.o.cfg.now())
	if err != nil {
		return r.persistErr("encode saga instance", err)
	}
	if err := r.o.cfg.store.UpdateInstance(ctx, instance); err != nil {
		return r.persistErr(op, err)
	}
	return nil
}

func (r *run[C]) publish(ctx context.Context, status Status) {
	defer func() {
		if p := recover(); p != nil {
			r.log.ErrorContext(ctx, "saga event publisher panicked", "status", status, "panic", p)
		}
	}()
	var err error
	switch status {
	case StatusCompleted:
		err = r.o.cfg.publisher.OnCompleted(ctx, r.ec)
	case StatusCompensated:
		err = r.o.cfg.publisher.OnCompensated(ctx, r.ec)
	case StatusFailed:
		err = r.o.cfg.publisher.OnFailed(ctx, r.ec)
	}
	if err != nil {
		r.log.WarnContext(ctx, "saga event publish failed", "status", status, "error", err)
	}
}

func (r *run[C]) persistErr(op string, err error) error {
	return &PersistenceError{Op: op, SagaID: r.ec.ID, Err: err}
}

func (r *run[C]) elapsed() time.Duration {
	return r.o.cfg.now().Sub(r.started)
}

// evaluate runs the step predicate. A panicking predicate yields a failure result.
func evaluate[C SagaContext](step Step[C], sagaCtx C) (ok bool, failure *StepResult, stack string) {
	defer func() {
		if p := recover(); p != nil {
			res := panicResult("condition", p)
			failure = &res
			stack = string(debug.Stack())
		}
	}()
	return step.ShouldExecute(sagaCtx), nil, ""
}

// invoke calls a step action and converts a panic into a failed result.
func invoke[C SagaContext](ctx context.Context, sagaCtx C, action ActionFunc[C]) (result StepResult, stack string) {
	defer func() {
		if p := recover(); p != nil {
			result = panicResult("step", p)
			stack = string(debug.Stack())
		}
	}()
	return action(ctx, sagaCtx), ""
}

func panicResult(where string, p any) StepResult {
	result := Failedf("%s panicked: %v", where, p)
	if err, ok := p.(error); ok {
		result.Err = err
	}
	return result
}
