package sink

import (
	"context"
	"slices"
	"sync"

	"github.com/earn12345678/data-engineering-project/internal/failure"
	"github.com/earn12345678/data-engineering-project/internal/record"
)

// MemoryWriter is an in-process sink with failure injection for tests.
type MemoryWriter struct {
	mu      sync.Mutex
	rows    []record.CanonicalRecord
	keys    map[string]struct{}
	rejects []Reject
	lookups int

	writeFaults  []error
	lookupFaults []error
}

// NewMemoryWriter creates an empty sink.
func NewMemoryWriter() *MemoryWriter {
	return &MemoryWriter{keys: make(map[string]struct{})}
}

// FailNextWrite makes the next Write fail with err and change nothing.
func (m *MemoryWriter) FailNextWrite(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeFaults = append(m.writeFaults, err)
}

// FailNextLookup makes the next ExistingKeys fail with err.
func (m *MemoryWriter) FailNextLookup(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lookupFaults = append(m.lookupFaults, err)
}

// Rows returns stored rows in insertion order.
func (m *MemoryWriter) Rows() []record.CanonicalRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.rows)
}

// Rejects returns stored rejects.
func (m *MemoryWriter) Rejects() []Reject {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.rejects)
}

// Lookups returns how many ExistingKeys calls were made.
func (m *MemoryWriter) Lookups() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lookups
}

func (m *MemoryWriter) ExistingKeys(ctx context.Context, keys []string) (map[string]struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lookups++
	if len(m.lookupFaults) > 0 {
		err := m.lookupFaults[0]
		m.lookupFaults = m.lookupFaults[1:]
		return nil, failure.Recoverable("sink.lookup", err)
	}

	out := make(map[string]struct{})
	for _, k := range keys {
		if _, ok := m.keys[k]; ok {
			out[k] = struct{}{}
		}
	}
	return out, nil
}

func (m *MemoryWriter) Write(ctx context.Context, rows []record.CanonicalRecord, rejects []Reject) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.writeFaults) > 0 {
		err := m.writeFaults[0]
		m.writeFaults = m.writeFaults[1:]
		return Result{}, failure.Recoverable("sink.write", err)
	}

	var res Result
	for _, r := range rows {
		k := r.NaturalKey()
		if _, ok := m.keys[k]; ok {
			res.Conflicts++
			continue
		}
		m.keys[k] = struct{}{}
		m.rows = append(m.rows, r)
		res.Inserted++
	}
	for _, r := range rejects {
		if r.Key != "" && slices.ContainsFunc(m.rejects, func(have Reject) bool {
			return have.Key == r.Key && have.Reason == r.Reason
		}) {
			continue
		}
		m.rejects = append(m.rejects, r)
		res.Rejected++
	}
	return res, nil
}

func (m *MemoryWriter) VerifySchema(ctx context.Context) error { return nil }

func (m *MemoryWriter) Close() error { return nil }
