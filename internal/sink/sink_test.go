package sink

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/duckdb/duckdb-go/v2"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/earn12345678/data-engineering-project/internal/failure"
	"github.com/earn12345678/data-engineering-project/internal/record"
)

func canonical(id, date string, offset int64) record.CanonicalRecord {
	d, err := time.Parse(record.DateLayout, date)
	if err != nil {
		panic(err)
	}
	return record.CanonicalRecord{ID: id, EventDate: d, Category: "THEFT", Offset: offset}
}

func ptr(f float64) *float64 { return &f }

// exerciseWriter runs the behavior every Writer must share.
func exerciseWriter(t *testing.T, w Writer) {
	t.Helper()
	ctx := context.Background()

	r1 := canonical("R1", "2024-01-01", 1)
	r1.Latitude, r1.Longitude = ptr(41.88), ptr(-87.62)
	r1.UpdatedAt = time.Date(2024, 1, 3, 8, 0, 0, 0, time.UTC)
	r2 := canonical("R2", "2024-01-02", 2)

	res, err := w.Write(ctx, []record.CanonicalRecord{r1, r2}, []Reject{
		{Offset: 3, Key: "k3", Reason: "unparsable date", Raw: []byte(`{"id":"R3"}`)},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Inserted)
	assert.Equal(t, 0, res.Conflicts)

	existing, err := w.ExistingKeys(ctx, []string{"R1|2024-01-01", "R2|2024-01-02", "R9|2024-01-09"})
	require.NoError(t, err)
	assert.Len(t, existing, 2)
	assert.Contains(t, existing, "R1|2024-01-01")

	// Re-writing the same natural keys is a no-op, not an error.
	res, err = w.Write(ctx, []record.CanonicalRecord{r1, canonical("R3", "2024-01-03", 4)}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)
	assert.Equal(t, 1, res.Conflicts)

	// A batch replayed after a failed offset commit stores its rejects once.
	res, err = w.Write(ctx, nil, []Reject{
		{Offset: 11, Key: "k3", Reason: "unparsable date", Raw: []byte(`{"id":"R3"}`)},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Rejected)

	empty, err := w.ExistingKeys(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestMemoryWriter(t *testing.T) {
	w := NewMemoryWriter()
	exerciseWriter(t, w)

	assert.Len(t, w.Rows(), 3)
	assert.Len(t, w.Rejects(), 1)
}

func TestMemoryWriterFaultChangesNothing(t *testing.T) {
	w := NewMemoryWriter()
	w.FailNextWrite(errors.New("connection reset"))

	_, err := w.Write(context.Background(), []record.CanonicalRecord{canonical("R1", "2024-01-01", 1)}, nil)
	require.Error(t, err)
	assert.True(t, failure.IsRecoverable(err))
	assert.Empty(t, w.Rows())
}

func openDuck(t *testing.T) *DuckDBWriter {
	t.Helper()
	w, err := OpenDuckDB("", Tables{Records: "records", RejectTable: "rejected_records"}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	require.NoError(t, w.EnsureSchema(context.Background()))
	return w
}

func TestDuckDBWriter(t *testing.T) {
	w := openDuck(t)
	exerciseWriter(t, w)

	var rows, rejects int
	require.NoError(t, w.db.QueryRow(`SELECT count(*) FROM records`).Scan(&rows))
	require.NoError(t, w.db.QueryRow(`SELECT count(*) FROM rejected_records`).Scan(&rejects))
	assert.Equal(t, 3, rows)
	assert.Equal(t, 1, rejects)

	var lat *float64
	var eventDate time.Time
	require.NoError(t, w.db.QueryRow(
		`SELECT latitude, event_date FROM records WHERE natural_key = 'R1|2024-01-01'`).Scan(&lat, &eventDate))
	require.NotNil(t, lat)
	assert.InDelta(t, 41.88, *lat, 1e-9)
	assert.Equal(t, "2024-01-01", eventDate.Format(record.DateLayout))
}

func TestDuckDBVerifySchema(t *testing.T) {
	w := openDuck(t)
	require.NoError(t, w.VerifySchema(context.Background()))

	missing, err := OpenDuckDB("", Tables{Records: "absent"}, nil)
	require.NoError(t, err)
	defer missing.Close()
	err = missing.VerifySchema(context.Background())
	require.Error(t, err)
	assert.True(t, failure.IsFatal(err))
}

func TestDuckDBVerifySchemaRequiresUniqueKey(t *testing.T) {
	w, err := OpenDuckDB("", Tables{Records: "loose"}, nil)
	require.NoError(t, err)
	defer w.Close()

	_, err = w.db.Exec(`CREATE TABLE loose (
		natural_key VARCHAR, record_id VARCHAR, event_date DATE, updated_at TIMESTAMP,
		category VARCHAR, description VARCHAR, location VARCHAR, latitude DOUBLE,
		longitude DOUBLE, source_offset BIGINT, loaded_at TIMESTAMP)`)
	require.NoError(t, err)

	err = w.VerifySchema(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no unique constraint")
}

func TestClassifyPg(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want failure.Kind
	}{
		{"unique violation", &pgconn.PgError{Code: "23505"}, failure.KindConstraint},
		{"undefined table", &pgconn.PgError{Code: "42P01"}, failure.KindFatal},
		{"undefined column", &pgconn.PgError{Code: "42703"}, failure.KindFatal},
		{"bad password", &pgconn.PgError{Code: "28P01"}, failure.KindFatal},
		{"not null", &pgconn.PgError{Code: "23502"}, failure.KindFatal},
		{"serialization", &pgconn.PgError{Code: "40001"}, failure.KindRecoverable},
		{"admin shutdown", &pgconn.PgError{Code: "57P01"}, failure.KindRecoverable},
		{"network", errors.New("unexpected EOF"), failure.KindRecoverable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, failure.KindOf(classifyPg("op", tt.err)))
		})
	}
}

func TestDuckDBSchemaQualifiedTables(t *testing.T) {
	w, err := OpenDuckDB("", Tables{Records: "staging.records", RejectTable: "staging.rejected_records"}, nil)
	require.NoError(t, err)
	defer w.Close()

	_, err = w.db.Exec(`CREATE SCHEMA staging`)
	require.NoError(t, err)
	require.NoError(t, w.EnsureSchema(context.Background()))
	require.NoError(t, w.VerifySchema(context.Background()))
	exerciseWriter(t, w)

	var rows int
	require.NoError(t, w.db.QueryRow(`SELECT count(*) FROM staging.records`).Scan(&rows))
	assert.Equal(t, 3, rows)
}

func TestDuckDBMissingTableIsFatal(t *testing.T) {
	w := openDuck(t)
	ctx := context.Background()
	_, err := w.db.Exec(`DROP TABLE records`)
	require.NoError(t, err)

	_, err = w.ExistingKeys(ctx, []string{"R1|2024-01-01"})
	require.Error(t, err)
	assert.True(t, failure.IsFatal(err))

	_, err = w.Write(ctx, []record.CanonicalRecord{canonical("R1", "2024-01-01", 1)}, nil)
	require.Error(t, err)
	assert.True(t, failure.IsFatal(err))
}

func TestClassifyDuckDB(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want failure.Kind
	}{
		{"duplicate key", &duckdb.Error{Type: duckdb.ErrorTypeConstraint, Msg: `Constraint Error: Duplicate key "natural_key: R1|2024-01-01" violates unique constraint`}, failure.KindConstraint},
		{"not null", &duckdb.Error{Type: duckdb.ErrorTypeConstraint, Msg: "Constraint Error: NOT NULL constraint failed: records.record_id"}, failure.KindFatal},
		{"missing table", &duckdb.Error{Type: duckdb.ErrorTypeCatalog, Msg: "Catalog Error: Table with name records does not exist!"}, failure.KindFatal},
		{"missing column", &duckdb.Error{Type: duckdb.ErrorTypeBinder, Msg: `Binder Error: Referenced column "natural_key" not found`}, failure.KindFatal},
		{"bad cast", &duckdb.Error{Type: duckdb.ErrorTypeConversion, Msg: "Conversion Error: invalid date field format"}, failure.KindFatal},
		{"write conflict", &duckdb.Error{Type: duckdb.ErrorTypeTransaction, Msg: "TransactionContext Error: Conflict on update"}, failure.KindRecoverable},
		{"io", &duckdb.Error{Type: duckdb.ErrorTypeIO, Msg: "IO Error: could not write file"}, failure.KindRecoverable},
		{"cancelled", context.Canceled, failure.KindRecoverable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, failure.KindOf(classifyDuckDB("op", tt.err)))
		})
	}
}

func TestMissingColumns(t *testing.T) {
	assert.Empty(t, missingColumns(requiredColumns))
	assert.Equal(t, []string{"loaded_at"}, missingColumns(requiredColumns[:len(requiredColumns)-1]))
}

// TestPostgresWriter runs against a live database when
// PIPELINE_TEST_POSTGRES_DSN is set.
func TestPostgresWriter(t *testing.T) {
	dsn := os.Getenv("PIPELINE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("PIPELINE_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()

	table := "records_test_" + time.Now().Format("150405")
	w, err := OpenPostgres(ctx, dsn, 2, Tables{Records: table, RejectTable: table + "_rejects"}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	t.Cleanup(func() {
		w.pool.Exec(ctx, "DROP TABLE IF EXISTS "+quoteIdent(table)+", "+quoteIdent(table+"_rejects"))
	})

	require.NoError(t, w.EnsureSchema(ctx))
	require.NoError(t, w.VerifySchema(ctx))
	exerciseWriter(t, w)
}
