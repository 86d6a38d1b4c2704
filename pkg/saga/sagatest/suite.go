// Package sagatest holds a conformance suite for saga.Store implementations.
package sagatest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goclaw/sagaflow/pkg/saga"
)

// StoreSuite runs the same behavioural checks against any saga.Store.
type StoreSuite struct {
	// NewStore returns an empty store. Cleanup is registered by the caller on t.
	NewStore func(t *testing.T) saga.Store
}

// RunAll runs every store test.
func (s *StoreSuite) RunAll(t *testing.T) {
	t.Run("InstanceLifecycle", s.TestInstanceLifecycle)
	t.Run("RejectsDuplicateInstance", s.TestRejectsDuplicateInstance)
	t.Run("RejectsBackwardTransition", s.TestRejectsBackwardTransition)
	t.Run("NotFound", s.TestNotFound)
	t.Run("StatusQueries", s.TestStatusQueries)
	t.Run("FindStuck", s.TestFindStuck)
	t.Run("FindRetryable", s.TestFindRetryable)
	t.Run("FindCompletedBefore", s.TestFindCompletedBefore)
	t.Run("StepLogOrderingAndFilters", s.TestStepLogOrderingAndFilters)
	t.Run("StepLogRequiresInstance", s.TestStepLogRequiresInstance)
	t.Run("DeleteRemovesStepLogs", s.TestDeleteRemovesStepLogs)
	t.Run("Stats", s.TestStats)
	t.Run("ConcurrentSagas", s.TestConcurrentSagas)
}

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// Instance builds a minimal valid row.
func Instance(id, sagaType string, status saga.Status, startedAt time.Time) *saga.SagaInstance {
	return &saga.SagaInstance{
		SagaID:           id,
		SagaType:         sagaType,
		Status:           status,
		ExecutorID:       "executor-1",
		CurrentStepIndex: -1,
		StartedAt:        startedAt,
		UpdatedAt:        startedAt,
		MaxRetries:       2,
	}
}

func (s *StoreSuite) TestInstanceLifecycle(t *testing.T) {
	store := s.NewStore(t)
	ctx := context.Background()

	instance := Instance("saga-1", "order", saga.StatusStarted, base)
	instance.ContextData = []byte(`{"order_id":"o-1"}`)
	require.NoError(t, store.CreateInstance(ctx, instance))

	got, err := store.GetInstance(ctx, "saga-1")
	require.NoError(t, err)
	assert.Equal(t, saga.StatusStarted, got.Status)
	assert.Equal(t, "order", got.SagaType)
	assert.JSONEq(t, `{"order_id":"o-1"}`, string(got.ContextData))
	assert.True(t, got.StartedAt.Equal(base))

	for _, next := range []saga.Status{saga.StatusProcessing, saga.StatusCompleted} {
		got.Status = next
		got.CurrentStep = "charge"
		got.CurrentStepIndex = 1
		got.UpdatedAt = base.Add(time.Minute)
		if next.IsTerminal() {
			done := base.Add(2 * time.Minute)
			got.CompletedAt = &done
		}
		require.NoError(t, store.UpdateInstance(ctx, got))
	}

	final, err := store.GetInstance(ctx, "saga-1")
	require.NoError(t, err)
	assert.Equal(t, saga.StatusCompleted, final.Status)
	assert.Equal(t, "charge", final.CurrentStep)
	assert.Equal(t, 1, final.CurrentStepIndex)
	require.NotNil(t, final.CompletedAt)
	assert.True(t, final.CompletedAt.Equal(base.Add(2*time.Minute)))
}

func (s *StoreSuite) TestRejectsDuplicateInstance(t *testing.T) {
	store := s.NewStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateInstance(ctx, Instance("dup", "order", saga.StatusStarted, base)))
	err := store.CreateInstance(ctx, Instance("dup", "order", saga.StatusStarted, base))
	assert.ErrorIs(t, err, saga.ErrSagaExists)
}

func (s *StoreSuite) TestRejectsBackwardTransition(t *testing.T) {
	store := s.NewStore(t)
	ctx := context.Background()

	instance := Instance("saga-back", "order", saga.StatusStarted, base)
	require.NoError(t, store.CreateInstance(ctx, instance))
	instance.Status = saga.StatusProcessing
	require.NoError(t, store.UpdateInstance(ctx, instance))

	instance.Status = saga.StatusStarted
	assert.ErrorIs(t, store.UpdateInstance(ctx, instance), saga.ErrInvalidTransition)

	instance.Status = saga.StatusCompensating
	require.NoError(t, store.UpdateInstance(ctx, instance))
	instance.Status = saga.StatusCompleted
	assert.ErrorIs(t, store.UpdateInstance(ctx, instance), saga.ErrInvalidTransition)

	got, err := store.GetInstance(ctx, "saga-back")
	require.NoError(t, err)
	assert.Equal(t, saga.StatusCompensating, got.Status)
}

func (s *StoreSuite) TestNotFound(t *testing.T) {
	store := s.NewStore(t)
	ctx := context.Background()

	_, err := store.GetInstance(ctx, "missing")
	assert.ErrorIs(t, err, saga.ErrSagaNotFound)
	assert.ErrorIs(t, store.UpdateInstance(ctx, Instance("missing", "order", saga.StatusProcessing, base)), saga.ErrSagaNotFound)
	assert.ErrorIs(t, store.DeleteInstance(ctx, "missing"), saga.ErrSagaNotFound)

	require.NoError(t, store.CreateInstance(ctx, Instance("present", "order", saga.StatusStarted, base)))
	err = store.UpdateStepLog(ctx, &saga.StepLog{ID: 999, SagaID: "present", StepName: "x"})
	assert.ErrorIs(t, err, saga.ErrStepLogNotFound)

	logs, err := store.StepLogs(ctx, "missing", saga.StepLogFilter{})
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func (s *StoreSuite) TestStatusQueries(t *testing.T) {
	store := s.NewStore(t)
	ctx := context.Background()

	s.seed(t, store,
		Instance("a", "order", saga.StatusStarted, base),
		Instance("b", "order", saga.StatusStarted, base.Add(time.Second)),
		Instance("c", "refund", saga.StatusStarted, base.Add(2*time.Second)),
	)
	s.advance(t, store, "b", saga.StatusProcessing)

	started, err := store.FindByStatus(ctx, saga.StatusStarted)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, ids(started))

	processing, err := store.FindByStatus(ctx, saga.StatusProcessing)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids(processing))

	orders, err := store.FindByTypeAndStatus(ctx, "order", saga.StatusStarted)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids(orders))
}

func (s *StoreSuite) TestFindStuck(t *testing.T) {
	store := s.NewStore(t)
	ctx := context.Background()

	old := Instance("old", "order", saga.StatusStarted, base)
	fresh := Instance("fresh", "order", saga.StatusStarted, base)
	fresh.UpdatedAt = base.Add(time.Hour)
	done := Instance("done", "order", saga.StatusStarted, base)
	s.seed(t, store, old, fresh, done)
	s.advance(t, store, "old", saga.StatusProcessing, saga.StatusCompensating)
	s.advance(t, store, "done", saga.StatusProcessing, saga.StatusCompleted)

	stuck, err := store.FindStuck(ctx, base.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, ids(stuck))
}

func (s *StoreSuite) TestFindRetryable(t *testing.T) {
	store := s.NewStore(t)
	ctx := context.Background()

	budget := Instance("budget", "order", saga.StatusStarted, base)
	spent := Instance("spent", "order", saga.StatusStarted, base.Add(time.Second))
	other := Instance("other", "refund", saga.StatusStarted, base)
	s.seed(t, store, budget, spent, other)
	for _, id := range []string{"budget", "spent", "other"} {
		s.advance(t, store, id, saga.StatusFailed)
	}
	spent.Status = saga.StatusFailed
	spent.RetryCount = 2
	require.NoError(t, store.UpdateInstance(ctx, spent))

	retryable, err := store.FindRetryable(ctx, "order")
	require.NoError(t, err)
	assert.Equal(t, []string{"budget"}, ids(retryable))
}

func (s *StoreSuite) TestFindCompletedBefore(t *testing.T) {
	store := s.NewStore(t)
	ctx := context.Background()

	s.seed(t, store,
		Instance("early", "order", saga.StatusStarted, base),
		Instance("late", "order", saga.StatusStarted, base),
		Instance("compensated", "order", saga.StatusStarted, base),
	)
	s.complete(t, store, "early", base.Add(time.Hour))
	s.complete(t, store, "late", base.Add(48*time.Hour))
	s.advance(t, store, "compensated", saga.StatusProcessing, saga.StatusCompensating, saga.StatusCompensated)

	found, err := store.FindCompletedBefore(ctx, base.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{"early"}, ids(found))
}

func (s *StoreSuite) TestStepLogOrderingAndFilters(t *testing.T) {
	store := s.NewStore(t)
	ctx := context.Background()
	s.seed(t, store, Instance("saga-logs", "order", saga.StatusStarted, base))

	entries := []*saga.StepLog{
		{StepName: "reserve", StepIndex: 0, ExecutionType: saga.ExecutionForward},
		{StepName: "charge", StepIndex: 1, ExecutionType: saga.ExecutionForward},
		{StepName: "charge", StepIndex: 1, ExecutionType: saga.ExecutionForward, RetryAttempt: 1},
		{StepName: "reserve", StepIndex: 0, ExecutionType: saga.ExecutionCompensation},
	}
	var lastID int64
	for _, entry := range entries {
		entry.SagaID = "saga-logs"
		entry.Status = saga.StepStatusRunning
		require.NoError(t, store.CreateStepLog(ctx, entry))
		assert.Greater(t, entry.ID, lastID)
		assert.False(t, entry.CreatedAt.IsZero())
		lastID = entry.ID
	}

	entries[1].Status = saga.StepStatusFailed
	entries[1].ErrorMessage = "declined"
	entries[1].DurationMs = 12
	entries[1].OutputData = []byte(`{"attempt":0}`)
	require.NoError(t, store.UpdateStepLog(ctx, entries[1]))
	for _, i := range []int{0, 2, 3} {
		entries[i].Status = saga.StepStatusSucceeded
		require.NoError(t, store.UpdateStepLog(ctx, entries[i]))
	}

	all, err := store.StepLogs(ctx, "saga-logs", saga.StepLogFilter{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	for i, entry := range all {
		assert.Equal(t, entries[i].ID, entry.ID)
		assert.Equal(t, entries[i].StepName, entry.StepName)
	}
	assert.Equal(t, "declined", all[1].ErrorMessage)
	assert.Equal(t, int64(12), all[1].DurationMs)
	assert.JSONEq(t, `{"attempt":0}`, string(all[1].OutputData))
	assert.Equal(t, 1, all[2].RetryAttempt)

	again, err := store.StepLogs(ctx, "saga-logs", saga.StepLogFilter{})
	require.NoError(t, err)
	assert.Equal(t, logIDs(all), logIDs(again))

	compensations, err := store.StepLogs(ctx, "saga-logs", saga.StepLogFilter{ExecutionType: saga.ExecutionCompensation})
	require.NoError(t, err)
	assert.Equal(t, []int64{entries[3].ID}, logIDs(compensations))

	failed, err := store.StepLogs(ctx, "saga-logs", saga.StepLogFilter{
		ExecutionType: saga.ExecutionForward,
		Status:        saga.StepStatusFailed,
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{entries[1].ID}, logIDs(failed))
}

func (s *StoreSuite) TestStepLogRequiresInstance(t *testing.T) {
	store := s.NewStore(t)
	err := store.CreateStepLog(context.Background(), &saga.StepLog{
		SagaID:        "ghost",
		StepName:      "reserve",
		Status:        saga.StepStatusRunning,
		ExecutionType: saga.ExecutionForward,
	})
	assert.ErrorIs(t, err, saga.ErrSagaNotFound)
}

func (s *StoreSuite) TestDeleteRemovesStepLogs(t *testing.T) {
	store := s.NewStore(t)
	ctx := context.Background()
	s.seed(t, store,
		Instance("gone", "order", saga.StatusStarted, base),
		Instance("kept", "order", saga.StatusStarted, base),
	)
	for _, id := range []string{"gone", "kept"} {
		require.NoError(t, store.CreateStepLog(ctx, &saga.StepLog{
			SagaID: id, StepName: "reserve", Status: saga.StepStatusRunning, ExecutionType: saga.ExecutionForward,
		}))
	}

	require.NoError(t, store.DeleteInstance(ctx, "gone"))

	_, err := store.GetInstance(ctx, "gone")
	assert.ErrorIs(t, err, saga.ErrSagaNotFound)
	logs, err := store.StepLogs(ctx, "gone", saga.StepLogFilter{})
	require.NoError(t, err)
	assert.Empty(t, logs)
	started, err := store.FindByStatus(ctx, saga.StatusStarted)
	require.NoError(t, err)
	assert.Equal(t, []string{"kept"}, ids(started))

	logs, err = store.StepLogs(ctx, "kept", saga.StepLogFilter{})
	require.NoError(t, err)
	assert.Len(t, logs, 1)
}

func (s *StoreSuite) TestStats(t *testing.T) {
	store := s.NewStore(t)
	ctx := context.Background()

	s.seed(t, store,
		Instance("c1", "order", saga.StatusStarted, base),
		Instance("c2", "order", saga.StatusStarted, base.Add(time.Hour)),
		Instance("comp", "order", saga.StatusStarted, base.Add(2*time.Hour)),
		Instance("fail", "order", saga.StatusStarted, base.Add(3*time.Hour)),
		Instance("outside", "order", saga.StatusStarted, base.Add(48*time.Hour)),
		Instance("refund", "refund", saga.StatusStarted, base),
	)
	s.complete(t, store, "c1", base.Add(time.Minute))
	s.complete(t, store, "c2", base.Add(time.Hour+time.Minute))
	s.advance(t, store, "comp", saga.StatusProcessing, saga.StatusCompensating, saga.StatusCompensated)
	s.advance(t, store, "fail", saga.StatusFailed)

	stats, err := store.Stats(ctx, "order", base, base.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Total)
	assert.Equal(t, 2, stats.ByStatus[saga.StatusCompleted])
	assert.Equal(t, 1, stats.ByStatus[saga.StatusCompensated])
	assert.Equal(t, 1, stats.ByStatus[saga.StatusFailed])
	assert.Zero(t, stats.ByStatus[saga.StatusProcessing])
	assert.InDelta(t, 0.5, stats.SuccessRate(), 1e-9)

	all, err := store.Stats(ctx, "", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 6, all.Total)
}

func (s *StoreSuite) TestConcurrentSagas(t *testing.T) {
	store := s.NewStore(t)
	ctx := context.Background()

	const sagas = 8
	var wg sync.WaitGroup
	errs := make(chan error, sagas)
	for i := 0; i < sagas; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("concurrent-%d", i)
			instance := Instance(id, "order", saga.StatusStarted, base.Add(time.Duration(i)*time.Second))
			if err := store.CreateInstance(ctx, instance); err != nil {
				errs <- err
				return
			}
			for step := 0; step < 3; step++ {
				entry := &saga.StepLog{
					SagaID: id, StepName: fmt.Sprintf("step-%d", step), StepIndex: step,
					Status: saga.StepStatusRunning, ExecutionType: saga.ExecutionForward,
				}
				if err := store.CreateStepLog(ctx, entry); err != nil {
					errs <- err
					return
				}
				entry.Status = saga.StepStatusSucceeded
				if err := store.UpdateStepLog(ctx, entry); err != nil {
					errs <- err
					return
				}
			}
			instance.Status = saga.StatusProcessing
			if err := store.UpdateInstance(ctx, instance); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	processing, err := store.FindByStatus(ctx, saga.StatusProcessing)
	require.NoError(t, err)
	assert.Len(t, processing, sagas)
	for i := 0; i < sagas; i++ {
		logs, err := store.StepLogs(ctx, fmt.Sprintf("concurrent-%d", i), saga.StepLogFilter{})
		require.NoError(t, err)
		require.Len(t, logs, 3)
		for step, entry := range logs {
			assert.Equal(t, step, entry.StepIndex)
		}
	}
}

func (s *StoreSuite) seed(t *testing.T, store saga.Store, instances ...*saga.SagaInstance) {
	t.Helper()
	for _, instance := range instances {
		require.NoError(t, store.CreateInstance(context.Background(), instance))
	}
}

func (s *StoreSuite) advance(t *testing.T, store saga.Store, id string, path ...saga.Status) {
	t.Helper()
	ctx := context.Background()
	instance, err := store.GetInstance(ctx, id)
	require.NoError(t, err)
	for _, next := range path {
		instance.Status = next
		if next.IsTerminal() && instance.CompletedAt == nil {
			done := instance.StartedAt.Add(time.Minute)
			instance.CompletedAt = &done
		}
		require.NoError(t, store.UpdateInstance(ctx, instance), "advance %s to %s", id, next)
	}
}

func (s *StoreSuite) complete(t *testing.T, store saga.Store, id string, at time.Time) {
	t.Helper()
	ctx := context.Background()
	instance, err := store.GetInstance(ctx, id)
	require.NoError(t, err)
	instance.Status = saga.StatusProcessing
	require.NoError(t, store.UpdateInstance(ctx, instance))
	instance.Status = saga.StatusCompleted
	instance.CompletedAt = &at
	require.NoError(t, store.UpdateInstance(ctx, instance))
}

func ids(instances []*saga.SagaInstance) []string {
	out := make([]string, 0, len(instances))
	for _, instance := range instances {
		out = append(out, instance.SagaID)
	}
	return out
}

func logIDs(entries []*saga.StepLog) []int64 {
	out := make([]int64, 0, len(entries))
	for _, entry := range entries {
		out = append(out, entry.ID)
	}
	return out
}
