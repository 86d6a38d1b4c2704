package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const (
	sagaInstancePrefix    = "saga:instance:"
	sagaIndexStatusPrefix = "saga:index:status:"
	sagaStepLogPrefix     = "saga:steplog:"
	sagaStepLogSeqKey     = "saga:seq:steplog"

	stepLogSeqBandwidth = 128
)

// BadgerStore stores saga instances and step logs in Badger.
//
// Layout:
//
//	saga:instance:{sagaID}               JSON SagaInstance
//	saga:index:status:{status}:{sagaID}  empty, one per instance
//	saga:steplog:{sagaID}:{id:020d}      JSON StepLog
type BadgerStore struct {
	db     *badger.DB
	seq    *badger.Sequence
	ownsDB bool
}

var _ Store = (*BadgerStore)(nil)

// BadgerConfig configures OpenBadgerStore.
type BadgerConfig struct {
	Path       string
	InMemory   bool
	SyncWrites bool
}

// NewBadgerStore creates a Badger-backed saga store over an open database.
// The caller keeps ownership of db.
func NewBadgerStore(db *badger.DB) (*BadgerStore, error) {
	if db == nil {
		return nil, fmt.Errorf("badger db cannot be nil")
	}
	seq, err := db.GetSequence([]byte(sagaStepLogSeqKey), stepLogSeqBandwidth)
	if err != nil {
		return nil, fmt.Errorf("open step log sequence: %w", err)
	}
	return &BadgerStore{db: db, seq: seq}, nil
}

// OpenBadgerStore opens a Badger database and returns a store that owns it.
func OpenBadgerStore(cfg BadgerConfig) (*BadgerStore, error) {
	opts := badger.DefaultOptions(cfg.Path).
		WithInMemory(cfg.InMemory).
		WithSyncWrites(cfg.SyncWrites).
		WithLogger(nil)
	if cfg.InMemory {
		opts = opts.WithDir("").WithValueDir("")
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	store, err := NewBadgerStore(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	store.ownsDB = true
	return store, nil
}

// Close releases the step-log sequence and, when owned, the database.
func (s *BadgerStore) Close() error {
	err := s.seq.Release()
	if s.ownsDB {
		err = errors.Join(err, s.db.Close())
	}
	return err
}

// CreateInstance persists a new instance at "saga:instance:{sagaID}" with its status index.
func (s *BadgerStore) CreateInstance(ctx context.Context, instance *SagaInstance) error {
	if err := ValidateInstance(instance); err != nil {
		return err
	}
	data, err := json.Marshal(instance)
	if err != nil {
		return err
	}
	key := []byte(sagaInstanceKey(instance.SagaID))

	return s.db.Update(func(txn *badger.Txn) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := txn.Get(key); err == nil {
			return fmt.Errorf("%w: %s", ErrSagaExists, instance.SagaID)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set(key, data); err != nil {
			return err
		}
		return txn.Set([]byte(sagaStatusIndexKey(instance.Status, instance.SagaID)), []byte{})
	})
}

// UpdateInstance replaces an instance and moves its status index in one transaction.
func (s *BadgerStore) UpdateInstance(ctx context.Context, instance *SagaInstance) error {
	if err := ValidateInstance(instance); err != nil {
		return err
	}
	data, err := json.Marshal(instance)
	if err != nil {
		return err
	}
	key := []byte(sagaInstanceKey(instance.SagaID))

	return s.db.Update(func(txn *badger.Txn) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		current, err := getInstanceInTxn(txn, instance.SagaID)
		if err != nil {
			return err
		}
		if err := ValidateTransition(current.Status, instance.Status); err != nil {
			return err
		}
		if err := txn.Set(key, data); err != nil {
			return err
		}
		if current.Status == instance.Status {
			return nil
		}
		if err := txn.Set([]byte(sagaStatusIndexKey(instance.Status, instance.SagaID)), []byte{}); err != nil {
			return err
		}
		return txn.Delete([]byte(sagaStatusIndexKey(current.Status, instance.SagaID)))
	})
}

// GetInstance loads one instance by id.
func (s *BadgerStore) GetInstance(ctx context.Context, sagaID string) (*SagaInstance, error) {
	var instance *SagaInstance
	err := s.db.View(func(txn *badger.Txn) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		var err error
		instance, err = getInstanceInTxn(txn, sagaID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return instance, nil
}

func (s *BadgerStore) FindByStatus(ctx context.Context, status Status) ([]*SagaInstance, error) {
	return s.scanStatuses(ctx, []Status{status}, func(*SagaInstance) bool { return true })
}

func (s *BadgerStore) FindByTypeAndStatus(ctx context.Context, sagaType string, status Status) ([]*SagaInstance, error) {
	return s.scanStatuses(ctx, []Status{status}, func(i *SagaInstance) bool {
		return i.SagaType == sagaType
	})
}

func (s *BadgerStore) FindStuck(ctx context.Context, cutoff time.Time) ([]*SagaInstance, error) {
	active := []Status{StatusStarted, StatusProcessing, StatusCompensating}
	return s.scanStatuses(ctx, active, func(i *SagaInstance) bool {
		return i.UpdatedAt.Before(cutoff)
	})
}

func (s *BadgerStore) FindRetryable(ctx context.Context, sagaType string) ([]*SagaInstance, error) {
	return s.scanStatuses(ctx, []Status{StatusFailed}, func(i *SagaInstance) bool {
		return i.SagaType == sagaType && i.Retryable()
	})
}

func (s *BadgerStore) FindCompletedBefore(ctx context.Context, cutoff time.Time) ([]*SagaInstance, error) {
	return s.scanStatuses(ctx, []Status{StatusCompleted}, func(i *SagaInstance) bool {
		return i.CompletedAt != nil && i.CompletedAt.Before(cutoff)
	})
}

// DeleteInstance removes an instance, its status index and all of its step logs.
func (s *BadgerStore) DeleteInstance(ctx context.Context, sagaID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		instance, err := getInstanceInTxn(txn, sagaID)
		if err != nil {
			return err
		}

		keys := [][]byte{
			[]byte(sagaInstanceKey(sagaID)),
			[]byte(sagaStatusIndexKey(instance.Status, sagaID)),
		}
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(sagaStepLogPrefixFor(sagaID))
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		it.Close()

		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
}

// Stats scans every instance; it is meant for audit queries, not hot paths.
func (s *BadgerStore) Stats(ctx context.Context, sagaType string, from, to time.Time) (*Stats, error) {
	stats := newStats(sagaType, from, to)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(sagaInstancePrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var instance SagaInstance
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &instance) }); err != nil {
				return err
			}
			if (sagaType == "" || instance.SagaType == sagaType) && inWindow(instance.StartedAt, from, to) {
				stats.add(instance.Status)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// CreateStepLog assigns the next sequence id and stores the row.
func (s *BadgerStore) CreateStepLog(ctx context.Context, entry *StepLog) error {
	if err := ValidateStepLog(entry); err != nil {
		return err
	}
	next, err := s.seq.Next()
	if err != nil {
		return fmt.Errorf("next step log id: %w", err)
	}
	now := time.Now().UTC()
	stored := cloneStepLog(entry)
	stored.ID = int64(next) + 1
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	data, err := json.Marshal(stored)
	if err != nil {
		return err
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := getInstanceInTxn(txn, entry.SagaID); err != nil {
			return err
		}
		return txn.Set([]byte(sagaStepLogKey(entry.SagaID, stored.ID)), data)
	})
	if err != nil {
		return err
	}
	entry.ID, entry.CreatedAt, entry.UpdatedAt = stored.ID, stored.CreatedAt, stored.UpdatedAt
	return nil
}

// UpdateStepLog replaces a row created by CreateStepLog, keeping its creation time.
func (s *BadgerStore) UpdateStepLog(ctx context.Context, entry *StepLog) error {
	if err := ValidateStepLog(entry); err != nil {
		return err
	}
	key := []byte(sagaStepLogKey(entry.SagaID, entry.ID))
	return s.db.Update(func(txn *badger.Txn) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		item, err := txn.Get(key)
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("%w: saga %s id %d", ErrStepLogNotFound, entry.SagaID, entry.ID)
			}
			return err
		}
		var existing StepLog
		if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &existing) }); err != nil {
			return err
		}
		entry.CreatedAt = existing.CreatedAt
		entry.UpdatedAt = time.Now().UTC()
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return txn.Set(key, data)
	})
}

// StepLogs returns a saga's rows in id order; keys sort by zero-padded id.
func (s *BadgerStore) StepLogs(ctx context.Context, sagaID string, filter StepLogFilter) ([]*StepLog, error) {
	entries := make([]*StepLog, 0)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(sagaStepLogPrefixFor(sagaID))
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var entry StepLog
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &entry) }); err != nil {
				return err
			}
			if filter.Matches(&entry) {
				entries = append(entries, &entry)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *BadgerStore) scanStatuses(ctx context.Context, statuses []Status, match func(*SagaInstance) bool) ([]*SagaInstance, error) {
	instances := make([]*SagaInstance, 0)
	err := s.db.View(func(txn *badger.Txn) error {
		for _, status := range statuses {
			prefix := sagaStatusIndexPrefix(status)
			opts := badger.DefaultIteratorOptions
			opts.Prefix = []byte(prefix)
			opts.PrefetchValues = false
			it := txn.NewIterator(opts)

			for it.Rewind(); it.Valid(); it.Next() {
				if err := ctx.Err(); err != nil {
					it.Close()
					return err
				}
				sagaID := strings.TrimPrefix(string(it.Item().Key()), prefix)
				instance, err := getInstanceInTxn(txn, sagaID)
				if err != nil {
					continue
				}
				if match(instance) {
					instances = append(instances, instance)
				}
			}
			it.Close()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	SortInstances(instances)
	return instances, nil
}

func getInstanceInTxn(txn *badger.Txn, sagaID string) (*SagaInstance, error) {
	item, err := txn.Get([]byte(sagaInstanceKey(sagaID)))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrSagaNotFound, sagaID)
		}
		return nil, err
	}
	var instance SagaInstance
	if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &instance) }); err != nil {
		return nil, err
	}
	return &instance, nil
}

func sagaInstanceKey(sagaID string) string {
	return sagaInstancePrefix + sagaID
}

func sagaStatusIndexPrefix(status Status) string {
	return sagaIndexStatusPrefix + string(status) + ":"
}

func sagaStatusIndexKey(status Status, sagaID string) string {
	return sagaStatusIndexPrefix(status) + sagaID
}

func sagaStepLogPrefixFor(sagaID string) string {
	return sagaStepLogPrefix + sagaID + ":"
}

func sagaStepLogKey(sagaID string, id int64) string {
	return fmt.Sprintf("%s%020d", sagaStepLogPrefixFor(sagaID), id)
}
