package cursor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/earn12345678/data-engineering-project/internal/failure"
	"github.com/earn12345678/data-engineering-project/internal/record"
)

// PostgresStore keeps the cursor in a single-row table (id = 1).
type PostgresStore struct {
	db        *sql.DB
	tableName string
	quoted    string
}

// OpenPostgres connects with lib/pq and verifies the connection.
func OpenPostgres(ctx context.Context, dsn, tableName string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, failure.Fatal("cursor.postgres", fmt.Errorf("failed to open cursor database: %w", err))
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, classifyPQ("cursor.postgres", fmt.Errorf("failed to ping cursor database: %w", err))
	}
	return NewPostgresStore(db, tableName), nil
}

// NewPostgresStore creates a store over an open database handle.
func NewPostgresStore(db *sql.DB, tableName string) *PostgresStore {
	return &PostgresStore{
		db:        db,
		tableName: tableName,
		quoted:    quoteTable(tableName),
	}
}

// quoteTable quotes each part of a possibly schema-qualified name.
func quoteTable(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = pq.QuoteIdentifier(p)
	}
	return strings.Join(parts, ".")
}

// EnsureTable creates the cursor table when it does not exist.
func (s *PostgresStore) EnsureTable(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id                       INTEGER PRIMARY KEY CHECK (id = 1),
			last_processed_timestamp TIMESTAMPTZ NOT NULL,
			last_processed_id        TEXT NOT NULL DEFAULT '',
			updated_at               TIMESTAMPTZ NOT NULL,
			run_id                   TEXT NOT NULL DEFAULT ''
		)
	`, s.quoted)

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return classifyPQ("cursor.ensure_table", err)
	}
	return nil
}

// Load retrieves the persisted cursor
func (s *PostgresStore) Load(ctx context.Context) (record.Cursor, error) {
	query := fmt.Sprintf(`
		SELECT last_processed_timestamp, last_processed_id, updated_at, run_id
		FROM %s
		WHERE id = 1
	`, s.quoted)

	var c record.Cursor
	err := s.db.QueryRowContext(ctx, query).Scan(
		&c.LastProcessedTimestamp, &c.LastProcessedID, &c.UpdatedAt, &c.RunID,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return record.Cursor{}, nil // No cursor yet
		}
		return record.Cursor{}, classifyPQ("cursor.load", fmt.Errorf("failed to load cursor: %w", err))
	}

	c.LastProcessedTimestamp = c.LastProcessedTimestamp.UTC()
	return c, nil
}

// Save upserts the cursor row
func (s *PostgresStore) Save(ctx context.Context, c record.Cursor) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (id, last_processed_timestamp, last_processed_id, updated_at, run_id)
		VALUES (1, $1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			last_processed_timestamp = EXCLUDED.last_processed_timestamp,
			last_processed_id        = EXCLUDED.last_processed_id,
			updated_at               = EXCLUDED.updated_at,
			run_id                   = EXCLUDED.run_id
	`, s.quoted)

	updatedAt := c.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	if _, err := s.db.ExecContext(ctx, query,
		c.LastProcessedTimestamp.UTC(), c.LastProcessedID, updatedAt, c.RunID,
	); err != nil {
		return classifyPQ("cursor.save", fmt.Errorf("failed to save cursor: %w", err))
	}
	return nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// classifyPQ marks schema and authentication problems fatal; everything else
// is treated as a transient database failure.
func classifyPQ(op string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "28", "3D", "42": // auth, missing database, undefined object
			return failure.Fatal(op, err)
		}
	}
	return failure.Recoverable(op, err)
}
