package record

import (
	"time"
)

// Cursor is the ingestion watermark: the latest source position whose record
// has been durably acknowledged by the log. It is read once at the start of
// an ingest cycle and only moves forward.
type Cursor struct {
	LastProcessedTimestamp time.Time `json:"last_processed_timestamp"`
	LastProcessedID        string    `json:"last_processed_id,omitempty"`

	// UpdatedAt and RunID describe the write, not the watermark.
	UpdatedAt time.Time `json:"updated_at,omitzero"`
	RunID     string    `json:"run_id,omitempty"`
}

// NewCursor returns a cursor positioned at ts with no tie-breaker.
func NewCursor(ts time.Time) Cursor {
	return Cursor{LastProcessedTimestamp: ts.UTC()}
}

// Position returns the watermark as a source position.
func (c Cursor) Position() Position {
	return Position{Timestamp: c.LastProcessedTimestamp, ID: c.LastProcessedID}
}

// IsZero reports whether no record has ever been processed.
func (c Cursor) IsZero() bool {
	return c.Position().IsZero()
}

// Admits reports whether a record at p is strictly newer than the watermark.
// Without a tie-breaker every record at the watermark timestamp counts as
// processed.
func (c Cursor) Admits(p Position) bool {
	if c.LastProcessedID == "" {
		return p.Timestamp.After(c.LastProcessedTimestamp)
	}
	return p.After(c.Position())
}

// Advance returns the cursor moved to p, or c unchanged when p is not newer.
func (c Cursor) Advance(p Position) Cursor {
	if !c.Admits(p) {
		return c
	}
	c.LastProcessedTimestamp = p.Timestamp.UTC()
	c.LastProcessedID = p.ID
	return c
}

// Equal compares watermarks, ignoring write metadata.
func (c Cursor) Equal(o Cursor) bool {
	return c.LastProcessedTimestamp.Equal(o.LastProcessedTimestamp) &&
		c.LastProcessedID == o.LastProcessedID
}
