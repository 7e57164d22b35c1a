// Package cursor persists the ingestion watermark so an ingest cycle can resume
// after crashes or restarts without re-publishing acknowledged records.
//
// A Store is read once at the start of a cycle and written only after the log
// acknowledged the records up to the new position. A missing cursor is not an
// error: Load returns the zero Cursor and the caller decides where to start.
package cursor

import (
	"context"
	"sync"

	"github.com/earn12345678/data-engineering-project/internal/record"
)

// Store is the persistence port for the ingestion cursor.
type Store interface {
	// Load returns the persisted cursor, or the zero Cursor on first run.
	Load(ctx context.Context) (record.Cursor, error)

	// Save replaces the persisted cursor. Implementations must make the write
	// atomic: a reader never sees a partially written cursor.
	Save(ctx context.Context, c record.Cursor) error

	// Close releases backend resources.
	Close() error
}

// MemoryStore keeps the cursor in process. Used by tests and dry runs.
type MemoryStore struct {
	mu      sync.Mutex
	current record.Cursor
	saves   int

	// SaveErr, when set, is returned by every Save.
	SaveErr error
}

// NewMemoryStore returns a store holding c.
func NewMemoryStore(c record.Cursor) *MemoryStore {
	return &MemoryStore{current: c}
}

func (m *MemoryStore) Load(ctx context.Context) (record.Cursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current, nil
}

func (m *MemoryStore) Save(ctx context.Context, c record.Cursor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SaveErr != nil {
		return m.SaveErr
	}
	m.current = c
	m.saves++
	return nil
}

func (m *MemoryStore) Close() error { return nil }

// Saves reports how many times Save succeeded.
func (m *MemoryStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}
