// Package recovery finalizes and re-drives sagas that did not finish cleanly.
//
// A Supervisor periodically consumes the saga store's query surface. Sagas stuck
// in an active status past a threshold are marked FAILED; FAILED sagas with
// saga-level retry budget left are handed to the Resumer registered for their
// type; COMPLETED sagas older than the retention window are deleted.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/goclaw/sagaflow/pkg/logger"
	"github.com/goclaw/sagaflow/pkg/saga"
)

var (
	// ErrNoResumer is returned when retrying a saga type nobody registered.
	ErrNoResumer = errors.New("recovery: no resumer registered for saga type")
	// ErrAlreadyRunning is returned by Start on a running supervisor.
	ErrAlreadyRunning = errors.New("recovery: supervisor already running")
)

// Recovery actions reported to the MetricsRecorder.
const (
	ActionStuckFailed  = "stuck_failed"
	ActionResumed      = "resumed"
	ActionResumeFailed = "resume_failed"
	ActionExhausted    = "exhausted"
	ActionCleaned      = "cleaned"
)

// Resumer re-drives one FAILED saga. ec is rebuilt from the persisted row and
// carries the bumped retry count.
type Resumer interface {
	Resume(ctx context.Context, instance *saga.SagaInstance, ec *saga.ExecutionContext) error
}

// ResumerFunc adapts a function to Resumer.
type ResumerFunc func(ctx context.Context, instance *saga.SagaInstance, ec *saga.ExecutionContext) error

func (f ResumerFunc) Resume(ctx context.Context, instance *saga.SagaInstance, ec *saga.ExecutionContext) error {
	return f(ctx, instance, ec)
}

// MetricsRecorder records supervisor actions.
type MetricsRecorder interface {
	RecordRecoveryAction(sagaType, action string)
}

type nopMetrics struct{}

func (nopMetrics) RecordRecoveryAction(string, string) {}

// Config controls the supervisor cadence and thresholds.
type Config struct {
	Interval       time.Duration
	StuckThreshold time.Duration
	// Retention <= 0 disables cleanup.
	Retention time.Duration
	// ResumeRate is resumes per second; <= 0 means unthrottled.
	ResumeRate  float64
	ResumeBurst int
}

// DefaultConfig returns the defaults used by sagad.
func DefaultConfig() Config {
	return Config{
		Interval:       time.Minute,
		StuckThreshold: 5 * time.Minute,
		Retention:      7 * 24 * time.Hour,
		ResumeRate:     10,
		ResumeBurst:    5,
	}
}

// Validate checks the config.
func (c Config) Validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("recovery: interval must be positive")
	}
	if c.StuckThreshold <= 0 {
		return fmt.Errorf("recovery: stuck threshold must be positive")
	}
	if c.ResumeRate > 0 && c.ResumeBurst <= 0 {
		return fmt.Errorf("recovery: resume burst must be positive when rate is set")
	}
	return nil
}

// Option configures a Supervisor.
type Option func(s *Supervisor)

// WithPublisher sets the publisher notified when a saga is finalized as FAILED.
func WithPublisher(publisher saga.EventPublisher) Option {
	return func(s *Supervisor) {
		if publisher != nil {
			s.publisher = publisher
		}
	}
}

func WithLogger(l logger.Logger) Option {
	return func(s *Supervisor) {
		if l != nil {
			s.log = l
		}
	}
}

func WithMetrics(recorder MetricsRecorder) Option {
	return func(s *Supervisor) {
		if recorder != nil {
			s.metrics = recorder
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) {
		if now != nil {
			s.now = now
		}
	}
}

// Supervisor is the external recovery collaborator of the saga engine.
type Supervisor struct {
	store     saga.InstanceStore
	cfg       Config
	publisher saga.EventPublisher
	log       logger.Logger
	metrics   MetricsRecorder
	now       func() time.Time
	limiter   *rate.Limiter

	mu       sync.RWMutex
	resumers map[string]Resumer
	running  bool
	cancel   context.CancelFunc
	done     chan struct{}
}

// New creates a supervisor over store.
func New(store saga.InstanceStore, cfg Config, opts ...Option) (*Supervisor, error) {
	if store == nil {
		return nil, fmt.Errorf("recovery: store cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Supervisor{
		store:     store,
		cfg:       cfg,
		publisher: saga.NopPublisher{},
		log:       logger.Global(),
		metrics:   nopMetrics{},
		now:       func() time.Time { return time.Now().UTC() },
		limiter:   rate.NewLimiter(resumeLimit(cfg.ResumeRate), max(cfg.ResumeBurst, 1)),
		resumers:  make(map[string]Resumer),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.log = s.log.With("component", "recovery")
	return s, nil
}

func resumeLimit(perSecond float64) rate.Limit {
	if perSecond <= 0 {
		return rate.Inf
	}
	return rate.Limit(perSecond)
}

// SetResumeRate retunes resume throttling on a running supervisor. A
// non-positive rate disables throttling.
func (s *Supervisor) SetResumeRate(perSecond float64, burst int) {
	s.limiter.SetLimit(resumeLimit(perSecond))
	s.limiter.SetBurst(max(burst, 1))
}

// Register installs the resumer for a saga type, replacing any previous one.
func (s *Supervisor) Register(sagaType string, resumer Resumer) error {
	if sagaType == "" {
		return fmt.Errorf("recovery: saga type cannot be empty")
	}
	if resumer == nil {
		return fmt.Errorf("recovery: resumer cannot be nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resumers[sagaType] = resumer
	return nil
}

func (s *Supervisor) resumer(sagaType string) (Resumer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.resumers[sagaType]
	return r, ok
}

func (s *Supervisor) registeredTypes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	types := make([]string, 0, len(s.resumers))
	for t := range s.resumers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// SweepStuck marks active sagas not updated within the stuck threshold as FAILED.
// Sagas left without retry budget, or without a resumer, are announced through
// the publisher's OnFailed. It returns the number of sagas finalized.
func (s *Supervisor) SweepStuck(ctx context.Context) (int, error) {
	now := s.now()
	stuck, err := s.store.FindStuck(ctx, now.Add(-s.cfg.StuckThreshold))
	if err != nil {
		return 0, fmt.Errorf("recovery: find stuck sagas: %w", err)
	}

	swept := 0
	var errs []error
	for _, instance := range stuck {
		if err := ctx.Err(); err != nil {
			return swept, err
		}
		from := instance.Status
		instance.FailureReason = stuckReason(instance)
		instance.Status = saga.StatusFailed
		instance.UpdatedAt = now
		instance.CompletedAt = &now

		if err := s.store.UpdateInstance(ctx, instance); err != nil {
			if errors.Is(err, saga.ErrInvalidTransition) {
				// Finished between the query and the write.
				s.log.DebugContext(ctx, "stuck saga finished concurrently", "saga_id", instance.SagaID)
				continue
			}
			errs = append(errs, fmt.Errorf("recovery: fail stuck saga %s: %w", instance.SagaID, err))
			continue
		}

		swept++
		s.metrics.RecordRecoveryAction(instance.SagaType, ActionStuckFailed)
		s.log.WarnContext(ctx, "stuck saga marked failed",
			"saga_id", instance.SagaID,
			"saga_type", instance.SagaType,
			"from", from,
			"step", instance.CurrentStep,
		)

		if _, ok := s.resumer(instance.SagaType); !ok || !instance.Retryable() {
			s.finalize(ctx, instance)
		}
	}
	return swept, errors.Join(errs...)
}

// RetryFailed hands every FAILED saga of sagaType with remaining budget to its
// resumer. The retry count is persisted before the resumer runs. A successful
// resume closes the row's budget; a failed one that used the last retry is
// announced through OnFailed. It returns the number of successful resumes.
func (s *Supervisor) RetryFailed(ctx context.Context, sagaType string) (int, error) {
	resumer, ok := s.resumer(sagaType)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNoResumer, sagaType)
	}

	candidates, err := s.store.FindRetryable(ctx, sagaType)
	if err != nil {
		return 0, fmt.Errorf("recovery: find retryable %s sagas: %w", sagaType, err)
	}

	resumed := 0
	var errs []error
	for _, instance := range candidates {
		if err := s.limiter.Wait(ctx); err != nil {
			return resumed, err
		}

		instance.RetryCount++
		instance.UpdatedAt = s.now()
		if err := s.store.UpdateInstance(ctx, instance); err != nil {
			errs = append(errs, fmt.Errorf("recovery: record retry of saga %s: %w", instance.SagaID, err))
			continue
		}

		log := s.log.With("saga_id", instance.SagaID, "saga_type", instance.SagaType, "retry", instance.RetryCount)
		if err := s.resume(ctx, resumer, instance); err != nil {
			s.metrics.RecordRecoveryAction(sagaType, ActionResumeFailed)
			log.WarnContext(ctx, "saga resume failed", "error", err)
			if !instance.Retryable() {
				s.metrics.RecordRecoveryAction(sagaType, ActionExhausted)
				s.finalize(ctx, instance)
			}
			continue
		}

		instance.MaxRetries = instance.RetryCount
		instance.UpdatedAt = s.now()
		if err := s.store.UpdateInstance(ctx, instance); err != nil {
			errs = append(errs, fmt.Errorf("recovery: close retry budget of saga %s: %w", instance.SagaID, err))
		}
		resumed++
		s.metrics.RecordRecoveryAction(sagaType, ActionResumed)
		log.InfoContext(ctx, "saga resumed")
	}
	return resumed, errors.Join(errs...)
}

func (s *Supervisor) resume(ctx context.Context, resumer Resumer, instance *saga.SagaInstance) (err error) {
	ec, err := saga.RestoreContext(instance)
	if err != nil {
		return fmt.Errorf("restore context: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("resumer panicked: %v", p)
		}
	}()
	return resumer.Resume(ctx, instance, ec)
}

// Cleanup deletes COMPLETED sagas older than the retention window.
func (s *Supervisor) Cleanup(ctx context.Context) (int, error) {
	if s.cfg.Retention <= 0 {
		return 0, nil
	}
	old, err := s.store.FindCompletedBefore(ctx, s.now().Add(-s.cfg.Retention))
	if err != nil {
		return 0, fmt.Errorf("recovery: find expired sagas: %w", err)
	}

	deleted := 0
	var errs []error
	for _, instance := range old {
		if err := s.store.DeleteInstance(ctx, instance.SagaID); err != nil {
			if errors.Is(err, saga.ErrSagaNotFound) {
				continue
			}
			errs = append(errs, fmt.Errorf("recovery: delete saga %s: %w", instance.SagaID, err))
			continue
		}
		deleted++
		s.metrics.RecordRecoveryAction(instance.SagaType, ActionCleaned)
	}
	if deleted > 0 {
		s.log.InfoContext(ctx, "expired sagas deleted", "count", deleted)
	}
	return deleted, errors.Join(errs...)
}

// RunOnce runs one sweep, retry and cleanup pass.
func (s *Supervisor) RunOnce(ctx context.Context) error {
	var errs []error
	if _, err := s.SweepStuck(ctx); err != nil {
		errs = append(errs, err)
	}
	for _, sagaType := range s.registeredTypes() {
		if _, err := s.RetryFailed(ctx, sagaType); err != nil {
			errs = append(errs, err)
		}
	}
	if _, err := s.Cleanup(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Start runs RunOnce every Interval until Stop is called or ctx is done.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(loopCtx, s.done)
	s.log.Info("recovery supervisor started", "interval", s.cfg.Interval)
	return nil
}

func (s *Supervisor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.log.ErrorContext(ctx, "recovery pass failed", "error", err)
		}
	}
}

// Stop cancels the loop and waits for the current pass to return.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel, done := s.cancel, s.done
	s.running = false
	s.cancel = nil
	s.mu.Unlock()

	cancel()
	<-done
	s.log.Info("recovery supervisor stopped")
}

func (s *Supervisor) finalize(ctx context.Context, instance *saga.SagaInstance) {
	ec, err := saga.RestoreContext(instance)
	if err != nil {
		s.log.ErrorContext(ctx, "cannot restore failed saga for publishing", "saga_id", instance.SagaID, "error", err)
		return
	}
	defer func() {
		if p := recover(); p != nil {
			s.log.ErrorContext(ctx, "saga event publisher panicked", "saga_id", instance.SagaID, "panic", p)
		}
	}()
	if err := s.publisher.OnFailed(ctx, ec); err != nil {
		s.log.WarnContext(ctx, "saga failed event publish failed", "saga_id", instance.SagaID, "error", err)
	}
}

func stuckReason(instance *saga.SagaInstance) string {
	reason := fmt.Sprintf("stuck in %s since %s", instance.Status, instance.UpdatedAt.UTC().Format(time.RFC3339))
	if instance.CurrentStep != "" {
		reason += " at step " + instance.CurrentStep
	}
	if instance.FailureReason != "" {
		reason = instance.FailureReason + "; " + reason
	}
	return reason
}
