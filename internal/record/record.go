// Package record holds the data shapes that move through the pipeline: the
// raw source record, its canonical form and the ingestion cursor.
package record

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DateLayout is the canonical calendar-date form used in natural keys and
// sink rows.
const DateLayout = "2006-01-02"

// RawRecord is one source record as decoded from the source, before any
// validation. Timestamp and ID are the record's position in the source order
// and are zero when the source field was absent or unparsable.
type RawRecord struct {
	Fields    map[string]any
	Timestamp time.Time
	ID        string
}

// Position returns the record's position in the source order.
func (r RawRecord) Position() Position {
	return Position{Timestamp: r.Timestamp, ID: r.ID}
}

// MarshalFields encodes the source fields as a JSON object.
func (r RawRecord) MarshalFields() ([]byte, error) {
	if r.Fields == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(r.Fields)
}

// CanonicalRecord is a validated record with the fixed target shape. Only the
// transformer produces these.
type CanonicalRecord struct {
	ID          string
	Category    string
	EventDate   time.Time
	UpdatedAt   time.Time
	Description string
	Location    string
	Latitude    *float64
	Longitude   *float64

	// Offset is the log offset the record was consumed from.
	Offset int64
}

// NaturalKey identifies the real-world event independently of when it was
// ingested: the normalized identifier plus the calendar date.
func (c CanonicalRecord) NaturalKey() string {
	return NaturalKey(c.ID, c.EventDate)
}

// NaturalKey builds the key for an identifier and event date.
func NaturalKey(id string, date time.Time) string {
	return id + "|" + date.UTC().Format(DateLayout)
}

// Position is a point in the source order. Ordering is by timestamp, then by
// ID as a tie-breaker, matching the source's "ts, id" sort.
type Position struct {
	Timestamp time.Time
	ID        string
}

// IsZero reports whether p is the beginning of the source order.
func (p Position) IsZero() bool {
	return p.Timestamp.IsZero() && p.ID == ""
}

// After reports whether p is strictly later than q.
func (p Position) After(q Position) bool {
	if !p.Timestamp.Equal(q.Timestamp) {
		return p.Timestamp.After(q.Timestamp)
	}
	return p.ID > q.ID
}

// String renders p as "timestamp|id", the form used for log message keys.
func (p Position) String() string {
	return p.Timestamp.UTC().Format(time.RFC3339Nano) + "|" + p.ID
}

// ParsePosition is the inverse of Position.String.
func ParsePosition(s string) (Position, error) {
	ts, id, ok := strings.Cut(s, "|")
	if !ok {
		return Position{}, fmt.Errorf("invalid position %q: missing separator", s)
	}
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return Position{}, fmt.Errorf("invalid position %q: %w", s, err)
	}
	return Position{Timestamp: t, ID: id}, nil
}
