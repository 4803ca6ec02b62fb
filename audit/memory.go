package audit

import (
	"context"
	"sync"
)

// MemoryWriter keeps records in process. It backs tests and dry runs.
type MemoryWriter struct {
	mu   sync.Mutex
	recs []Record
	err  error
}

func NewMemoryWriter() *MemoryWriter { return &MemoryWriter{} }

func (m *MemoryWriter) Append(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.recs = append(m.recs, rec)
	return nil
}

// FailWith makes every later Append return err. nil restores normal
// operation.
func (m *MemoryWriter) FailWith(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

// Records returns a copy of everything appended so far.
func (m *MemoryWriter) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Record(nil), m.recs...)
}

func (m *MemoryWriter) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.recs)
}

func (m *MemoryWriter) Close() error { return nil }
