package sink

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/earn12345678/data-engineering-project/internal/failure"
	"github.com/earn12345678/data-engineering-project/internal/record"
)

// PostgresWriter writes to PostgreSQL through a pgx pool.
type PostgresWriter struct {
	pool   *pgxpool.Pool
	tables Tables
	logger *zap.Logger

	recordsTable string
	rejectTable  string
}

// OpenPostgres creates the pool and verifies connectivity.
func OpenPostgres(ctx context.Context, dsn string, maxConns int32, tables Tables, logger *zap.Logger) (*PostgresWriter, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, failure.Fatal("sink.postgres", fmt.Errorf("failed to parse postgres config: %w", err))
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, failure.Fatal("sink.postgres", fmt.Errorf("failed to create postgres pool: %w", err))
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, classifyPg("sink.postgres", fmt.Errorf("failed to ping postgres: %w", err))
	}

	return NewPostgresWriter(pool, tables, logger), nil
}

// NewPostgresWriter wraps an existing pool.
func NewPostgresWriter(pool *pgxpool.Pool, tables Tables, logger *zap.Logger) *PostgresWriter {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &PostgresWriter{
		pool:         pool,
		tables:       tables,
		logger:       logger,
		recordsTable: quoteIdent(tables.Records),
	}
	if tables.RejectTable != "" {
		w.rejectTable = quoteIdent(tables.RejectTable)
	}
	return w
}

// EnsureSchema creates the sink tables. Intended for local runs; production
// schemas are provisioned out of band.
func (w *PostgresWriter) EnsureSchema(ctx context.Context) error {
	stmts := []string{fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			natural_key   TEXT NOT NULL UNIQUE,
			record_id     TEXT NOT NULL,
			event_date    DATE NOT NULL,
			updated_at    TIMESTAMPTZ,
			category      TEXT,
			description   TEXT,
			location      TEXT,
			latitude      DOUBLE PRECISION,
			longitude     DOUBLE PRECISION,
			source_offset BIGINT NOT NULL,
			loaded_at     TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, w.recordsTable)}

	if w.rejectTable != "" {
		stmts = append(stmts, fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				source_offset BIGINT NOT NULL,
				message_key   TEXT,
				reason        TEXT NOT NULL,
				payload       TEXT,
				rejected_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
				UNIQUE (message_key, reason)
			)`, w.rejectTable))
	}

	for _, stmt := range stmts {
		if _, err := w.pool.Exec(ctx, stmt); err != nil {
			return classifyPg("sink.ensure_schema", err)
		}
	}
	return nil
}

// VerifySchema checks required columns and a single-column unique index on
// natural_key. A mismatch is fatal.
func (w *PostgresWriter) VerifySchema(ctx context.Context) error {
	var exists bool
	if err := w.pool.QueryRow(ctx, `SELECT to_regclass($1) IS NOT NULL`, w.tables.Records).Scan(&exists); err != nil {
		return classifyPg("sink.verify_schema", err)
	}
	if !exists {
		return failure.Fatalf("sink.verify_schema", "table %s does not exist", w.tables.Records)
	}

	rows, err := w.pool.Query(ctx, `
		SELECT a.attname
		FROM pg_attribute a
		WHERE a.attrelid = to_regclass($1) AND a.attnum > 0 AND NOT a.attisdropped
	`, w.tables.Records)
	if err != nil {
		return classifyPg("sink.verify_schema", err)
	}
	columns, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return classifyPg("sink.verify_schema", err)
	}
	if missing := missingColumns(columns); len(missing) > 0 {
		return failure.Fatalf("sink.verify_schema", "table %s is missing columns %v", w.tables.Records, missing)
	}

	var unique bool
	err = w.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1
			FROM pg_index i
			JOIN pg_attribute a ON a.attrelid = i.indrelid AND a.attnum = i.indkey[0]
			WHERE i.indrelid = to_regclass($1)
			  AND i.indisunique
			  AND i.indnatts = 1
			  AND a.attname = 'natural_key'
		)
	`, w.tables.Records).Scan(&unique)
	if err != nil {
		return classifyPg("sink.verify_schema", err)
	}
	if !unique {
		return failure.Fatalf("sink.verify_schema", "table %s has no unique constraint on natural_key", w.tables.Records)
	}
	return nil
}

func (w *PostgresWriter) ExistingKeys(ctx context.Context, keys []string) (map[string]struct{}, error) {
	out := make(map[string]struct{})
	if len(keys) == 0 {
		return out, nil
	}

	query := fmt.Sprintf(`SELECT natural_key FROM %s WHERE natural_key = ANY($1)`, w.recordsTable)
	rows, err := w.pool.Query(ctx, query, keys)
	if err != nil {
		return nil, classifyPg("sink.lookup", err)
	}
	found, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, classifyPg("sink.lookup", err)
	}
	for _, k := range found {
		out[k] = struct{}{}
	}
	return out, nil
}

// Write queues every insert in one pgx batch inside a transaction.
func (w *PostgresWriter) Write(ctx context.Context, rows []record.CanonicalRecord, rejects []Reject) (Result, error) {
	var res Result
	if len(rows) == 0 && (len(rejects) == 0 || w.rejectTable == "") {
		return res, nil
	}

	tx, err := w.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return res, classifyPg("sink.begin", err)
	}
	defer tx.Rollback(ctx)

	loadedAt := time.Now().UTC()
	batch := &pgx.Batch{}
	insert := insertSQL(w.recordsTable)
	for _, r := range rows {
		batch.Queue(insert, rowArgs(r, loadedAt)...)
	}
	if w.rejectTable != "" {
		rej := rejectSQL(w.rejectTable)
		for _, r := range rejects {
			batch.Queue(rej, r.Offset, nullable(r.Key), r.Reason, string(r.Raw), loadedAt)
		}
	}

	br := tx.SendBatch(ctx, batch)
	for range rows {
		tag, err := br.Exec()
		if err != nil {
			br.Close()
			return Result{}, classifyPg("sink.insert", err)
		}
		if tag.RowsAffected() == 1 {
			res.Inserted++
		} else {
			res.Conflicts++
		}
	}
	if w.rejectTable != "" {
		for range rejects {
			tag, err := br.Exec()
			if err != nil {
				br.Close()
				return Result{}, classifyPg("sink.reject", err)
			}
			if tag.RowsAffected() == 1 {
				res.Rejected++
			}
		}
	}
	if err := br.Close(); err != nil {
		return Result{}, classifyPg("sink.batch", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Result{}, classifyPg("sink.commit", err)
	}
	return res, nil
}

func (w *PostgresWriter) Close() error {
	w.pool.Close()
	return nil
}

// classifyPg maps PostgreSQL errors onto the failure taxonomy.
func classifyPg(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505":
			return failure.Constraint(op, err)
		case strings.HasPrefix(pgErr.Code, "28"), // invalid authorization
			strings.HasPrefix(pgErr.Code, "3D"), // invalid catalog
			strings.HasPrefix(pgErr.Code, "42"), // undefined table/column, syntax
			strings.HasPrefix(pgErr.Code, "22"), // data exception
			strings.HasPrefix(pgErr.Code, "23"): // other integrity violations
			return failure.Fatal(op, err)
		}
	}
	return failure.Recoverable(op, err)
}

func missingColumns(have []string) []string {
	set := make(map[string]struct{}, len(have))
	for _, c := range have {
		set[strings.ToLower(c)] = struct{}{}
	}
	var missing []string
	for _, c := range requiredColumns {
		if _, ok := set[c]; !ok {
			missing = append(missing, c)
		}
	}
	return missing
}
