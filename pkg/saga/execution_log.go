package saga

import (
	"sync"
	"time"
)

// RecordKind classifies an execution-log record.
type RecordKind string

const (
	RecordSkip         RecordKind = "SKIP"
	RecordForward      RecordKind = "FORWARD"
	RecordCompensation RecordKind = "COMPENSATION"
)

// ExecutionRecord is one entry of the in-memory execution log of a run.
type ExecutionRecord struct {
	Kind    RecordKind
	Step    string
	Index   int
	Attempt int
	Success bool
	Message string
	At      time.Time
}

type executionLog struct {
	mu      sync.RWMutex
	records []ExecutionRecord
}

func (l *executionLog) append(record ExecutionRecord) {
	l.mu.Lock()
	l.records = append(l.records, record)
	l.mu.Unlock()
}

func (l *executionLog) snapshot() []ExecutionRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]ExecutionRecord, len(l.records))
	copy(out, l.records)
	return out
}
