// Package sink writes canonical records into the relational sink table.
//
// Each Write runs in one transaction: either every new row of the micro-batch
// lands or none does. The table's UNIQUE(natural_key) constraint is the final
// backstop against duplicates; conflicting inserts are skipped, not errors.
package sink

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/earn12345678/data-engineering-project/internal/record"
)

// Writer is the sink port used by the load task.
type Writer interface {
	// ExistingKeys returns the subset of keys already stored.
	ExistingKeys(ctx context.Context, keys []string) (map[string]struct{}, error)

	// Write inserts rows and records rejects atomically.
	Write(ctx context.Context, rows []record.CanonicalRecord, rejects []Reject) (Result, error)

	// VerifySchema checks the sink table and its natural-key uniqueness.
	VerifySchema(ctx context.Context) error

	Close() error
}

// Reject is a malformed message kept for offline inspection. Key is the
// message's source position, stable across redeliveries; Offset is only
// meaningful within one consumer session.
type Reject struct {
	Offset int64
	Key    string
	Reason string
	Raw    []byte
}

// Result reports what a Write changed.
type Result struct {
	Inserted  int
	Conflicts int
	Rejected  int
}

// Tables names the sink and reject tables. RejectTable may be empty.
type Tables struct {
	Records     string
	RejectTable string
}

// requiredColumns must exist on the records table.
var requiredColumns = []string{
	"natural_key", "record_id", "event_date", "updated_at", "category",
	"description", "location", "latitude", "longitude", "source_offset", "loaded_at",
}

func insertSQL(table string) string {
	return fmt.Sprintf(`
		INSERT INTO %s (
			natural_key, record_id, event_date, updated_at, category,
			description, location, latitude, longitude, source_offset, loaded_at
		) VALUES ($1, $2, CAST($3 AS DATE), $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT DO NOTHING
	`, table)
}

// rejectSQL relies on UNIQUE (message_key, reason) so a batch replayed after
// a failed offset commit does not store its rejects twice.
func rejectSQL(table string) string {
	return fmt.Sprintf(`
		INSERT INTO %s (source_offset, message_key, reason, payload, rejected_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT DO NOTHING
	`, table)
}

// quoteIdent quotes a table name that may be schema qualified. PostgreSQL and
// DuckDB share the quoting rules.
func quoteIdent(name string) string {
	return pgx.Identifier(strings.Split(name, ".")).Sanitize()
}

// splitTable returns the schema (possibly empty) and table of name.
func splitTable(name string) (schema, table string) {
	if i := strings.LastIndex(name, "."); i >= 0 {
		return name[:i], name[i+1:]
	}
	return "", name
}

// rowArgs returns the insert arguments in column order. Optional values are
// passed as nil so they land as NULL.
func rowArgs(r record.CanonicalRecord, loadedAt time.Time) []any {
	var updated any
	if !r.UpdatedAt.IsZero() {
		updated = r.UpdatedAt.UTC()
	}
	var lat, lon any
	if r.Latitude != nil && r.Longitude != nil {
		lat, lon = *r.Latitude, *r.Longitude
	}
	return []any{
		r.NaturalKey(),
		r.ID,
		r.EventDate.UTC(),
		updated,
		nullable(r.Category),
		nullable(r.Description),
		nullable(r.Location),
		lat,
		lon,
		r.Offset,
		loadedAt,
	}
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
