package saga

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	// ErrSagaNotFound is returned when a saga instance cannot be located.
	ErrSagaNotFound = errors.New("saga instance not found")
	// ErrSagaExists is returned when creating an instance whose id is already stored.
	ErrSagaExists = errors.New("saga instance already exists")
	// ErrStepLogNotFound is returned when updating a step log that was never created.
	ErrStepLogNotFound = errors.New("saga step log not found")
)

// InstanceStore persists saga-level progress and serves the recovery/audit query surface.
type InstanceStore interface {
	CreateInstance(ctx context.Context, instance *SagaInstance) error
	// UpdateInstance rejects writes that would move the stored status backwards.
	UpdateInstance(ctx context.Context, instance *SagaInstance) error
	GetInstance(ctx context.Context, sagaID string) (*SagaInstance, error)
	FindByStatus(ctx context.Context, status Status) ([]*SagaInstance, error)
	FindByTypeAndStatus(ctx context.Context, sagaType string, status Status) ([]*SagaInstance, error)
	// FindStuck returns active sagas whose last update is older than cutoff.
	FindStuck(ctx context.Context, cutoff time.Time) ([]*SagaInstance, error)
	// FindRetryable returns FAILED sagas of a type with retry_count < max_retries.
	FindRetryable(ctx context.Context, sagaType string) ([]*SagaInstance, error)
	FindCompletedBefore(ctx context.Context, cutoff time.Time) ([]*SagaInstance, error)
	// DeleteInstance removes a saga and its step logs. The engine never calls it.
	DeleteInstance(ctx context.Context, sagaID string) error
	// Stats counts sagas by status for a type (empty means all) started in [from, to).
	Stats(ctx context.Context, sagaType string, from, to time.Time) (*Stats, error)
}

// StepLogStore persists step attempts.
type StepLogStore interface {
	// CreateStepLog assigns entry.ID and entry.CreatedAt.
	CreateStepLog(ctx context.Context, entry *StepLog) error
	UpdateStepLog(ctx context.Context, entry *StepLog) error
	// StepLogs returns a saga's step logs in creation order.
	StepLogs(ctx context.Context, sagaID string, filter StepLogFilter) ([]*StepLog, error)
}

// Store is the full persistence surface used by the orchestrator.
type Store interface {
	InstanceStore
	StepLogStore
}

// MemoryStore is an in-memory Store implementation.
type MemoryStore struct {
	mu        sync.RWMutex
	instances map[string]*SagaInstance
	stepLogs  map[string][]*StepLog
	nextLogID int64
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an in-memory saga store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instances: make(map[string]*SagaInstance),
		stepLogs:  make(map[string][]*StepLog),
	}
}

// CreateInstance stores a new saga instance.
func (s *MemoryStore) CreateInstance(_ context.Context, instance *SagaInstance) error {
	if err := ValidateInstance(instance); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.instances[instance.SagaID]; exists {
		return fmt.Errorf("%w: %s", ErrSagaExists, instance.SagaID)
	}
	s.instances[instance.SagaID] = cloneInstance(instance)
	return nil
}

// UpdateInstance replaces a stored instance after checking the status transition.
func (s *MemoryStore) UpdateInstance(_ context.Context, instance *SagaInstance) error {
	if err := ValidateInstance(instance); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.instances[instance.SagaID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSagaNotFound, instance.SagaID)
	}
	if err := ValidateTransition(current.Status, instance.Status); err != nil {
		return err
	}
	s.instances[instance.SagaID] = cloneInstance(instance)
	return nil
}

// GetInstance gets one saga instance by id.
func (s *MemoryStore) GetInstance(_ context.Context, sagaID string) (*SagaInstance, error) {
	s.mu.RLock()
	instance, ok := s.instances[sagaID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSagaNotFound, sagaID)
	}
	return cloneInstance(instance), nil
}

func (s *MemoryStore) FindByStatus(_ context.Context, status Status) ([]*SagaInstance, error) {
	return s.filter(func(i *SagaInstance) bool { return i.Status == status }), nil
}

func (s *MemoryStore) FindByTypeAndStatus(_ context.Context, sagaType string, status Status) ([]*SagaInstance, error) {
	return s.filter(func(i *SagaInstance) bool {
		return i.SagaType == sagaType && i.Status == status
	}), nil
}

func (s *MemoryStore) FindStuck(_ context.Context, cutoff time.Time) ([]*SagaInstance, error) {
	return s.filter(func(i *SagaInstance) bool {
		return i.Status.IsActive() && i.UpdatedAt.Before(cutoff)
	}), nil
}

func (s *MemoryStore) FindRetryable(_ context.Context, sagaType string) ([]*SagaInstance, error) {
	return s.filter(func(i *SagaInstance) bool {
		return i.SagaType == sagaType && i.Retryable()
	}), nil
}

func (s *MemoryStore) FindCompletedBefore(_ context.Context, cutoff time.Time) ([]*SagaInstance, error) {
	return s.filter(func(i *SagaInstance) bool {
		return i.Status == StatusCompleted && i.CompletedAt != nil && i.CompletedAt.Before(cutoff)
	}), nil
}

// DeleteInstance removes one saga instance and its step logs.
func (s *MemoryStore) DeleteInstance(_ context.Context, sagaID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instances[sagaID]; !ok {
		return fmt.Errorf("%w: %s", ErrSagaNotFound, sagaID)
	}
	delete(s.instances, sagaID)
	delete(s.stepLogs, sagaID)
	return nil
}

func (s *MemoryStore) Stats(_ context.Context, sagaType string, from, to time.Time) (*Stats, error) {
	stats := newStats(sagaType, from, to)
	for _, instance := range s.filter(func(i *SagaInstance) bool {
		return (sagaType == "" || i.SagaType == sagaType) && inWindow(i.StartedAt, from, to)
	}) {
		stats.add(instance.Status)
	}
	return stats, nil
}

// CreateStepLog appends a step log row.
func (s *MemoryStore) CreateStepLog(_ context.Context, entry *StepLog) error {
	if err := ValidateStepLog(entry); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instances[entry.SagaID]; !ok {
		return fmt.Errorf("%w: %s", ErrSagaNotFound, entry.SagaID)
	}
	s.nextLogID++
	entry.ID = s.nextLogID
	now := time.Now().UTC()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	entry.UpdatedAt = now
	s.stepLogs[entry.SagaID] = append(s.stepLogs[entry.SagaID], cloneStepLog(entry))
	return nil
}

// UpdateStepLog replaces a previously created step log row.
func (s *MemoryStore) UpdateStepLog(_ context.Context, entry *StepLog) error {
	if err := ValidateStepLog(entry); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.stepLogs[entry.SagaID]
	for i, existing := range entries {
		if existing.ID != entry.ID {
			continue
		}
		entry.CreatedAt = existing.CreatedAt
		entry.UpdatedAt = time.Now().UTC()
		entries[i] = cloneStepLog(entry)
		return nil
	}
	return fmt.Errorf("%w: saga %s id %d", ErrStepLogNotFound, entry.SagaID, entry.ID)
}

// StepLogs returns step logs for one saga in creation order.
func (s *MemoryStore) StepLogs(_ context.Context, sagaID string, filter StepLogFilter) ([]*StepLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.stepLogs[sagaID]
	out := make([]*StepLog, 0, len(entries))
	for _, entry := range entries {
		if filter.Matches(entry) {
			out = append(out, cloneStepLog(entry))
		}
	}
	return out, nil
}

func (s *MemoryStore) filter(match func(*SagaInstance) bool) []*SagaInstance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*SagaInstance, 0)
	for _, instance := range s.instances {
		if match(instance) {
			out = append(out, cloneInstance(instance))
		}
	}
	SortInstances(out)
	return out
}

// SortInstances orders instances by start time, then id, for stable query results.
func SortInstances(instances []*SagaInstance) {
	sort.SliceStable(instances, func(a, b int) bool {
		if !instances[a].StartedAt.Equal(instances[b].StartedAt) {
			return instances[a].StartedAt.Before(instances[b].StartedAt)
		}
		return instances[a].SagaID < instances[b].SagaID
	})
}

// ValidateInstance checks the fields every store requires.
func ValidateInstance(instance *SagaInstance) error {
	if instance == nil {
		return fmt.Errorf("saga instance cannot be nil")
	}
	if instance.SagaID == "" {
		return fmt.Errorf("saga instance id cannot be empty")
	}
	if instance.Status == "" {
		return fmt.Errorf("saga instance %s has no status", instance.SagaID)
	}
	return nil
}

// ValidateStepLog checks the fields every store requires.
func ValidateStepLog(entry *StepLog) error {
	if entry == nil {
		return fmt.Errorf("step log cannot be nil")
	}
	if entry.SagaID == "" {
		return fmt.Errorf("step log saga id cannot be empty")
	}
	if entry.StepName == "" {
		return fmt.Errorf("step log step name cannot be empty")
	}
	return nil
}
