package history

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

const defaultMaxRecords = 1000

// MemoryLog keeps the newest records in process memory.
type MemoryLog struct {
	mu      sync.RWMutex
	records []Record
	max     int
	closed  bool
}

// NewMemoryLog creates a log that retains at most max records.
func NewMemoryLog(max int) *MemoryLog {
	if max <= 0 {
		max = defaultMaxRecords
	}
	return &MemoryLog{
		records: make([]Record, 0, min(max, 64)),
		max:     max,
	}
}

// Append implements Log.
func (l *MemoryLog) Append(_ context.Context, rec Record) (string, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return "", ErrClosed
	}

	l.records = append(l.records, rec)
	if len(l.records) > l.max {
		l.records = l.records[len(l.records)-l.max:]
	}
	return rec.ID, nil
}

// ListRecent implements Log.
func (l *MemoryLog) ListRecent(_ context.Context, limit int) ([]Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		return nil, ErrClosed
	}

	if limit <= 0 || limit > len(l.records) {
		limit = len(l.records)
	}

	result := make([]Record, limit)
	copy(result, l.records[len(l.records)-limit:])
	return result, nil
}

// Len returns the number of retained records.
func (l *MemoryLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

// Close implements Log.
func (l *MemoryLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}
