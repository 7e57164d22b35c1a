package sink

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/duckdb/duckdb-go/v2"
	"go.uber.org/zap"

	"github.com/earn12345678/data-engineering-project/internal/failure"
	"github.com/earn12345678/data-engineering-project/internal/record"
)

// lookupChunk bounds the IN list of a single key lookup query.
const lookupChunk = 1000

// DuckDBWriter writes to an embedded DuckDB database. It serves local runs
// and tests with the same SQL shape as the PostgreSQL writer.
type DuckDBWriter struct {
	db     *sql.DB
	tables Tables
	logger *zap.Logger

	recordsTable string
	rejectTable  string
}

// OpenDuckDB opens the database at path; an empty path is in-memory.
func OpenDuckDB(path string, tables Tables, logger *zap.Logger) (*DuckDBWriter, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, failure.Fatal("sink.duckdb", fmt.Errorf("failed to open DuckDB: %w", err))
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, failure.Fatal("sink.duckdb", fmt.Errorf("failed to ping DuckDB: %w", err))
	}
	// One connection keeps transactions and in-memory databases consistent.
	db.SetMaxOpenConns(1)

	if logger == nil {
		logger = zap.NewNop()
	}
	w := &DuckDBWriter{
		db:           db,
		tables:       tables,
		logger:       logger,
		recordsTable: quoteIdent(tables.Records),
	}
	if tables.RejectTable != "" {
		w.rejectTable = quoteIdent(tables.RejectTable)
	}
	return w, nil
}

// EnsureSchema creates the sink tables.
func (w *DuckDBWriter) EnsureSchema(ctx context.Context) error {
	stmts := []string{fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			natural_key   VARCHAR NOT NULL UNIQUE,
			record_id     VARCHAR NOT NULL,
			event_date    DATE NOT NULL,
			updated_at    TIMESTAMP,
			category      VARCHAR,
			description   VARCHAR,
			location      VARCHAR,
			latitude      DOUBLE,
			longitude     DOUBLE,
			source_offset BIGINT NOT NULL,
			loaded_at     TIMESTAMP NOT NULL
		)`, w.recordsTable)}

	if w.rejectTable != "" {
		stmts = append(stmts, fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				source_offset BIGINT NOT NULL,
				message_key   VARCHAR,
				reason        VARCHAR NOT NULL,
				payload       VARCHAR,
				rejected_at   TIMESTAMP NOT NULL,
				UNIQUE (message_key, reason)
			)`, w.rejectTable))
	}

	for _, stmt := range stmts {
		if _, err := w.db.ExecContext(ctx, stmt); err != nil {
			return failure.Fatal("sink.ensure_schema", err)
		}
	}
	return nil
}

func (w *DuckDBWriter) VerifySchema(ctx context.Context) error {
	schema, table := splitTable(w.tables.Records)
	rows, err := w.db.QueryContext(ctx, `
		SELECT column_name
		FROM information_schema.columns
		WHERE table_name = ? AND (? = '' OR table_schema = ?)
	`, table, schema, schema)
	if err != nil {
		return failure.Fatal("sink.verify_schema", err)
	}
	defer rows.Close()

	var columns []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return failure.Fatal("sink.verify_schema", err)
		}
		columns = append(columns, c)
	}
	if err := rows.Err(); err != nil {
		return failure.Fatal("sink.verify_schema", err)
	}
	if len(columns) == 0 {
		return failure.Fatalf("sink.verify_schema", "table %s does not exist", w.tables.Records)
	}
	if missing := missingColumns(columns); len(missing) > 0 {
		return failure.Fatalf("sink.verify_schema", "table %s is missing columns %v", w.tables.Records, missing)
	}

	var unique int
	err = w.db.QueryRowContext(ctx, `
		SELECT count(*)
		FROM duckdb_constraints()
		WHERE table_name = ?
		  AND (? = '' OR schema_name = ?)
		  AND constraint_type IN ('UNIQUE', 'PRIMARY KEY')
		  AND len(constraint_column_names) = 1
		  AND constraint_column_names[1] = 'natural_key'
	`, table, schema, schema).Scan(&unique)
	if err != nil {
		return failure.Fatal("sink.verify_schema", err)
	}
	if unique == 0 {
		return failure.Fatalf("sink.verify_schema", "table %s has no unique constraint on natural_key", w.tables.Records)
	}
	return nil
}

func (w *DuckDBWriter) ExistingKeys(ctx context.Context, keys []string) (map[string]struct{}, error) {
	out := make(map[string]struct{})

	for start := 0; start < len(keys); start += lookupChunk {
		chunk := keys[start:min(start+lookupChunk, len(keys))]

		args := make([]any, len(chunk))
		for i, k := range chunk {
			args[i] = k
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(chunk)), ", ")
		query := fmt.Sprintf(`SELECT natural_key FROM %s WHERE natural_key IN (%s)`, w.recordsTable, placeholders)

		rows, err := w.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, classifyDuckDB("sink.lookup", err)
		}
		for rows.Next() {
			var k string
			if err := rows.Scan(&k); err != nil {
				rows.Close()
				return nil, classifyDuckDB("sink.lookup", err)
			}
			out[k] = struct{}{}
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, classifyDuckDB("sink.lookup", err)
		}
	}
	return out, nil
}

func (w *DuckDBWriter) Write(ctx context.Context, rows []record.CanonicalRecord, rejects []Reject) (Result, error) {
	var res Result

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return res, classifyDuckDB("sink.begin", err)
	}
	defer tx.Rollback()

	loadedAt := time.Now().UTC()
	insert := insertSQL(w.recordsTable)
	for _, r := range rows {
		result, err := tx.ExecContext(ctx, insert, rowArgs(r, loadedAt)...)
		if err != nil {
			return Result{}, classifyDuckDB("sink.insert", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return Result{}, classifyDuckDB("sink.insert", err)
		}
		if n == 1 {
			res.Inserted++
		} else {
			res.Conflicts++
		}
	}

	if w.rejectTable != "" {
		rej := rejectSQL(w.rejectTable)
		for _, r := range rejects {
			result, err := tx.ExecContext(ctx, rej, r.Offset, nullable(r.Key), r.Reason, string(r.Raw), loadedAt)
			if err != nil {
				return Result{}, classifyDuckDB("sink.reject", err)
			}
			if n, err := result.RowsAffected(); err == nil && n == 1 {
				res.Rejected++
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return Result{}, classifyDuckDB("sink.commit", err)
	}
	return res, nil
}

// classifyDuckDB maps DuckDB error types the same way classifyPg maps
// SQLSTATE classes. Anything else, including I/O and transaction conflicts,
// is recoverable.
func classifyDuckDB(op string, err error) error {
	var duckErr *duckdb.Error
	if errors.As(err, &duckErr) {
		switch duckErr.Type {
		case duckdb.ErrorTypeConstraint:
			if strings.Contains(strings.ToLower(duckErr.Msg), "duplicate key") {
				return failure.Constraint(op, err)
			}
			return failure.Fatal(op, err)
		case duckdb.ErrorTypeCatalog,
			duckdb.ErrorTypeBinder,
			duckdb.ErrorTypeParser,
			duckdb.ErrorTypeSyntax,
			duckdb.ErrorTypeConversion,
			duckdb.ErrorTypeMismatchType,
			duckdb.ErrorTypeOutOfRange,
			duckdb.ErrorTypePermission:
			return failure.Fatal(op, err)
		}
	}
	return failure.Recoverable(op, err)
}

func (w *DuckDBWriter) Close() error {
	return w.db.Close()
}
