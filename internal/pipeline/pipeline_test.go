package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/earn12345678/data-engineering-project/internal/consume"
	"github.com/earn12345678/data-engineering-project/internal/cursor"
	"github.com/earn12345678/data-engineering-project/internal/failure"
	"github.com/earn12345678/data-engineering-project/internal/publish"
	"github.com/earn12345678/data-engineering-project/internal/record"
	"github.com/earn12345678/data-engineering-project/internal/retry"
	"github.com/earn12345678/data-engineering-project/internal/sink"
	"github.com/earn12345678/data-engineering-project/internal/source"
	"github.com/earn12345678/data-engineering-project/internal/topic"
	"github.com/earn12345678/data-engineering-project/internal/transform"
)

const floatingLayout = "2006-01-02T15:04:05.000"

func at(s string) time.Time {
	for _, layout := range []string{record.DateLayout, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	panic("bad time " + s)
}

// raw builds a source record positioned at ts whose date field is ts.
func raw(id, ts string) record.RawRecord {
	t := at(ts)
	return record.RawRecord{
		ID:        id,
		Timestamp: t,
		Fields: map[string]any{
			"id":           id,
			"date":         t.Format(floatingLayout),
			"primary_type": "theft",
		},
	}
}

type harness struct {
	src   *source.Static
	store *cursor.MemoryStore
	log   *topic.MemoryLog
	sink  sink.Writer
	p     *Pipeline

	// openErr, when set, fails the next producer open.
	openErr error
	opens   int
}

type options struct {
	start       record.Cursor
	writer      sink.Writer
	compression string
	initial     time.Time
	maxBatches  int
}

func newHarness(t *testing.T, recs []record.RawRecord, opts options) *harness {
	t.Helper()

	h := &harness{
		src:   &source.Static{Records: recs},
		store: cursor.NewMemoryStore(opts.start),
		log:   topic.NewMemoryLog(),
		sink:  opts.writer,
	}
	if h.sink == nil {
		h.sink = sink.NewMemoryWriter()
	}

	codec, err := topic.NewCodec(opts.compression)
	require.NoError(t, err)
	t.Cleanup(codec.Close)

	// One attempt so injected faults surface as run failures.
	r := retry.New(retry.Policy{MaxAttempts: 1}, nil)

	openProducer := func(ctx context.Context) (topic.Producer, error) {
		h.opens++
		if err := h.openErr; err != nil {
			h.openErr = nil
			return nil, err
		}
		return h.log.Producer(), nil
	}
	pub := publish.New(openProducer, codec, h.store, r, nil, nil)
	ingester := NewIngester(h.src, h.store, pub, IngestConfig{
		PublishBatchSize: 4,
		InitialTimestamp: opts.initial,
	}, nil, nil)

	tr := transform.New(transform.Fields{
		ID:          "id",
		Date:        "date",
		Category:    "primary_type",
		Description: "description",
	}, 0)
	open := func(ctx context.Context) (topic.Consumer, error) { return h.log.Consumer(), nil }
	loader := NewLoader(open, codec, tr, h.sink, r, LoadConfig{
		Batch:      consume.Config{BatchSize: 4, BatchTimeout: 20 * time.Millisecond},
		MaxBatches: opts.maxBatches,
	}, nil, nil)

	h.p = New(ingester, loader)
	return h
}

func (h *harness) cycle(t *testing.T) (Report, Report) {
	t.Helper()
	reports := h.p.RunCycle(context.Background())
	require.Len(t, reports, 2, "ingest failed: %+v", reports[0])
	return reports[0], reports[1]
}

func (h *harness) cursor(t *testing.T) record.Cursor {
	t.Helper()
	c, err := h.store.Load(context.Background())
	require.NoError(t, err)
	return c
}

func (h *harness) keys(t *testing.T, keys []string) map[string]struct{} {
	t.Helper()
	got, err := h.sink.ExistingKeys(context.Background(), keys)
	require.NoError(t, err)
	return got
}

func sequence(n int) []record.RawRecord {
	recs := make([]record.RawRecord, n)
	for i := range recs {
		ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(i) * time.Hour)
		recs[i] = raw(fmt.Sprintf("R%02d", i), ts.Format(time.RFC3339))
	}
	return recs
}

func TestTwoNewRecordsScenario(t *testing.T) {
	recs := []record.RawRecord{
		raw("R0", "2023-12-30"),
		raw("R1", "2024-01-01"),
		raw("R2", "2024-01-02"),
	}
	h := newHarness(t, recs, options{start: record.NewCursor(at("2023-12-31"))})

	ingest, load := h.cycle(t)
	assert.Equal(t, OutcomeSuccess, ingest.Outcome)
	assert.Equal(t, 2, ingest.Fetched)
	assert.Equal(t, 2, ingest.Published)
	assert.Equal(t, OutcomeSuccess, load.Outcome)
	assert.Equal(t, 2, load.Inserted)

	got := h.keys(t, []string{"R0|2023-12-30", "R1|2024-01-01", "R2|2024-01-02"})
	assert.Equal(t, map[string]struct{}{"R1|2024-01-01": {}, "R2|2024-01-02": {}}, got)

	cur := h.cursor(t)
	assert.True(t, cur.LastProcessedTimestamp.Equal(at("2024-01-02")))
	assert.Equal(t, "R2", cur.LastProcessedID)
	assert.Equal(t, ingest.RunID, cur.RunID)

	ingest, load = h.cycle(t)
	assert.Equal(t, OutcomeSuccess, ingest.Outcome)
	assert.Zero(t, ingest.Fetched)
	assert.Zero(t, load.Inserted)
	assert.True(t, h.cursor(t).Equal(cur))
	assert.Equal(t, 2, h.log.Len())
}

func TestIdempotentCycles(t *testing.T) {
	h := newHarness(t, sequence(10), options{})

	_, load := h.cycle(t)
	require.Equal(t, 10, load.Inserted)
	before := h.cursor(t)
	saves := h.store.Saves()

	ingest, load := h.cycle(t)
	assert.Equal(t, OutcomeSuccess, ingest.Outcome)
	assert.Equal(t, OutcomeSuccess, load.Outcome)
	assert.Zero(t, ingest.Published)
	assert.Zero(t, load.Consumed)
	assert.Zero(t, load.Inserted)
	assert.True(t, h.cursor(t).Equal(before))
	assert.Equal(t, saves, h.store.Saves())
}

func TestNoDataLossAcrossPartialPublish(t *testing.T) {
	recs := sequence(11)
	// Two records share a timestamp and are ordered by id.
	recs = append(recs, raw("R99", recs[10].Timestamp.Format(time.RFC3339)))
	ctx := context.Background()

	h := newHarness(t, recs, options{})
	h.log.FailNextPublish(2, errors.New("confirm timeout"))
	failed := h.p.RunIngest(ctx)
	assert.Equal(t, OutcomeRecoverable, failed.Outcome)
	assert.Equal(t, StagePublishing, failed.Stage)
	assert.True(t, failed.SafeToRetry)
	assert.Equal(t, 2, failed.Published)
	assert.Equal(t, "R01", h.cursor(t).LastProcessedID)

	ingest, load := h.cycle(t)
	assert.Equal(t, 10, ingest.Published)
	assert.Equal(t, OutcomeSuccess, load.Outcome)
	assert.Equal(t, 12, h.log.Len())
	assert.Equal(t, 12, load.Inserted)

	keys := make([]string, len(recs))
	for i, r := range recs {
		keys[i] = record.NaturalKey(r.ID, r.Timestamp)
	}
	assert.Len(t, h.keys(t, keys), 12)
	assert.Equal(t, "R99", h.cursor(t).LastProcessedID)
}

func TestInBatchDuplicateFirstArrivalWins(t *testing.T) {
	first := raw("R1", "2024-01-01T08:00:00Z")
	first.Fields["description"] = "first"
	second := raw("R1", "2024-01-01T09:00:00Z")
	second.Fields["description"] = "second"

	w := sink.NewMemoryWriter()
	h := newHarness(t, []record.RawRecord{second, first}, options{writer: w})

	_, load := h.cycle(t)
	assert.Equal(t, OutcomeSuccess, load.Outcome)
	assert.Equal(t, 1, load.Inserted)
	assert.Equal(t, 1, load.Duplicates)

	rows := w.Rows()
	require.Len(t, rows, 1)
	assert.Equal(t, "first", rows[0].Description)
	assert.Equal(t, "R1|2024-01-01", rows[0].NaturalKey())
}

func TestCommitFailureAfterWriteDoesNotDuplicate(t *testing.T) {
	w := sink.NewMemoryWriter()
	h := newHarness(t, sequence(3), options{writer: w})
	ctx := context.Background()

	require.Equal(t, OutcomeSuccess, h.p.RunIngest(ctx).Outcome)

	h.log.FailNextCommit(errors.New("channel closed"))
	failed := h.p.RunLoad(ctx)
	assert.Equal(t, OutcomeRecoverable, failed.Outcome)
	assert.Equal(t, StageCommitOffset, failed.Stage)
	assert.Len(t, w.Rows(), 3)
	assert.Equal(t, int64(0), h.log.Committed())

	again := h.p.RunLoad(ctx)
	assert.Equal(t, OutcomeSuccess, again.Outcome)
	assert.Equal(t, 3, again.Consumed)
	assert.Zero(t, again.Inserted)
	assert.Equal(t, 3, again.Duplicates)
	assert.Len(t, w.Rows(), 3)
	assert.Equal(t, int64(3), h.log.Committed())
}

func TestReplayedRejectIsStoredOnce(t *testing.T) {
	recs := sequence(3)
	recs[1].Fields["date"] = "not a date"

	w := sink.NewMemoryWriter()
	h := newHarness(t, recs, options{writer: w})
	ctx := context.Background()
	require.Equal(t, OutcomeSuccess, h.p.RunIngest(ctx).Outcome)

	h.log.FailNextCommit(errors.New("channel closed"))
	failed := h.p.RunLoad(ctx)
	require.Equal(t, OutcomeRecoverable, failed.Outcome)
	require.Len(t, w.Rejects(), 1)

	again := h.p.RunLoad(ctx)
	assert.Equal(t, OutcomeSuccess, again.Outcome)
	assert.Equal(t, 1, again.Skipped)
	assert.Len(t, w.Rows(), 2)
	assert.Len(t, w.Rejects(), 1)
	assert.Equal(t, "2024-01-01T01:00:00Z|R01", w.Rejects()[0].Key)
}

func TestMalformedRecordIsIsolated(t *testing.T) {
	recs := sequence(10)
	recs[6].Fields["date"] = "not a date"

	w := sink.NewMemoryWriter()
	h := newHarness(t, recs, options{writer: w})

	_, load := h.cycle(t)
	assert.Equal(t, OutcomeSuccess, load.Outcome)
	assert.Equal(t, 10, load.Consumed)
	assert.Equal(t, 9, load.Inserted)
	assert.Equal(t, 1, load.Skipped)
	assert.Len(t, w.Rows(), 9)

	rejects := w.Rejects()
	require.Len(t, rejects, 1)
	assert.Equal(t, int64(7), rejects[0].Offset)
	assert.Contains(t, string(rejects[0].Raw), "not a date")
	assert.Equal(t, int64(10), h.log.Committed())
}

func TestWriteFailureReleasesBatch(t *testing.T) {
	w := sink.NewMemoryWriter()
	h := newHarness(t, sequence(6), options{writer: w})
	ctx := context.Background()
	require.Equal(t, OutcomeSuccess, h.p.RunIngest(ctx).Outcome)

	w.FailNextWrite(errors.New("connection reset"))
	failed := h.p.RunLoad(ctx)
	assert.Equal(t, OutcomeRecoverable, failed.Outcome)
	assert.Equal(t, StageWrite, failed.Stage)
	assert.Empty(t, w.Rows())
	assert.Equal(t, int64(0), h.log.Committed())

	again := h.p.RunLoad(ctx)
	assert.Equal(t, OutcomeSuccess, again.Outcome)
	assert.Equal(t, 6, again.Inserted)
	assert.Equal(t, 2, again.Batches)
}

func TestLookupFailureIsRecoverable(t *testing.T) {
	w := sink.NewMemoryWriter()
	h := newHarness(t, sequence(2), options{writer: w})
	ctx := context.Background()
	require.Equal(t, OutcomeSuccess, h.p.RunIngest(ctx).Outcome)

	w.FailNextLookup(errors.New("timeout"))
	failed := h.p.RunLoad(ctx)
	assert.Equal(t, OutcomeRecoverable, failed.Outcome)
	assert.Equal(t, StageDeduplicate, failed.Stage)
	assert.Equal(t, int64(0), h.log.Committed())
}

// fatalWriter rejects every write as a schema problem.
type fatalWriter struct {
	*sink.MemoryWriter
}

func (fatalWriter) Write(ctx context.Context, rows []record.CanonicalRecord, rejects []sink.Reject) (sink.Result, error) {
	return sink.Result{}, failure.Fatalf("sink.write", "column %q does not exist", "natural_key")
}

func TestFatalSinkErrorStopsRun(t *testing.T) {
	h := newHarness(t, sequence(5), options{writer: fatalWriter{sink.NewMemoryWriter()}})

	_, load := h.cycle(t)
	assert.Equal(t, OutcomeFatal, load.Outcome)
	assert.Equal(t, StageWrite, load.Stage)
	assert.False(t, load.SafeToRetry)
	assert.Equal(t, 2, load.ExitCode())
	assert.Equal(t, 1, load.Batches)
	assert.Equal(t, int64(0), h.log.Committed())
}

func TestFetchFailureKeepsAcknowledgedProgress(t *testing.T) {
	h := newHarness(t, sequence(10), options{})
	h.src.Err = errors.New("503 service unavailable")
	h.src.FailAfter = 6

	report := h.p.RunIngest(context.Background())
	assert.Equal(t, OutcomeRecoverable, report.Outcome)
	assert.Equal(t, StageFetching, report.Stage)
	assert.Equal(t, 6, report.Fetched)
	assert.Equal(t, 4, report.Published)
	assert.Equal(t, "R03", h.cursor(t).LastProcessedID)
	assert.Equal(t, 1, report.ExitCode())

	h.src.Err = nil
	report = h.p.RunIngest(context.Background())
	assert.Equal(t, OutcomeSuccess, report.Outcome)
	assert.Equal(t, 6, report.Published)
	assert.Equal(t, 10, h.log.Len())
}

func TestCursorSaveFailure(t *testing.T) {
	h := newHarness(t, sequence(2), options{})
	h.store.SaveErr = errors.New("read-only file system")

	report := h.p.RunIngest(context.Background())
	assert.Equal(t, OutcomeRecoverable, report.Outcome)
	assert.Equal(t, StageCursorAdvance, report.Stage)
	assert.True(t, h.cursor(t).IsZero())
}

func TestInitialTimestampAppliesToFirstRun(t *testing.T) {
	recs := []record.RawRecord{raw("OLD", "2023-06-01"), raw("NEW", "2024-02-01")}
	h := newHarness(t, recs, options{initial: at("2024-01-01")})

	report := h.p.RunIngest(context.Background())
	require.Equal(t, OutcomeSuccess, report.Outcome)
	assert.Equal(t, 1, report.Published)
	assert.Equal(t, "NEW", h.cursor(t).LastProcessedID)
}

func TestLoadHonorsMaxBatches(t *testing.T) {
	h := newHarness(t, sequence(10), options{maxBatches: 1})
	ctx := context.Background()
	require.Equal(t, OutcomeSuccess, h.p.RunIngest(ctx).Outcome)

	report := h.p.RunLoad(ctx)
	assert.Equal(t, OutcomeSuccess, report.Outcome)
	assert.Equal(t, 1, report.Batches)
	assert.Equal(t, int64(4), h.log.Committed())
}

func TestLoadCancelledBeforeFirstBatch(t *testing.T) {
	h := newHarness(t, sequence(3), options{})
	require.Equal(t, OutcomeSuccess, h.p.RunIngest(context.Background()).Outcome)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report := h.p.RunLoad(ctx)
	assert.Equal(t, OutcomeRecoverable, report.Outcome)
	assert.Equal(t, int64(0), h.log.Committed())
}

func TestRunCycleSkipsLoadAfterFailedIngest(t *testing.T) {
	h := newHarness(t, sequence(3), options{})
	h.src.Err = errors.New("boom")

	reports := h.p.RunCycle(context.Background())
	require.Len(t, reports, 1)
	assert.Equal(t, TaskIngest, reports[0].Task)
}

func TestCompressedMessages(t *testing.T) {
	h := newHarness(t, sequence(5), options{compression: topic.EncodingZstd})

	_, load := h.cycle(t)
	assert.Equal(t, OutcomeSuccess, load.Outcome)
	assert.Equal(t, 5, load.Inserted)
	assert.Equal(t, topic.EncodingZstd, h.log.Messages()[0].Encoding)
}

func TestDuckDBSink(t *testing.T) {
	w, err := sink.OpenDuckDB("", sink.Tables{Records: "records", RejectTable: "rejected_records"}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	require.NoError(t, w.EnsureSchema(context.Background()))

	recs := []record.RawRecord{raw("R1", "2024-01-01"), raw("R2", "2024-01-02")}
	recs = append(recs, raw("R3", "2024-01-03"))
	recs[2].Fields["date"] = ""
	h := newHarness(t, recs, options{start: record.NewCursor(at("2023-12-31")), writer: w})

	_, load := h.cycle(t)
	require.Equal(t, OutcomeSuccess, load.Outcome, load.Error)
	assert.Equal(t, 2, load.Inserted)
	assert.Equal(t, 1, load.Skipped)

	_, load = h.cycle(t)
	assert.Equal(t, OutcomeSuccess, load.Outcome)
	assert.Zero(t, load.Inserted)

	got := h.keys(t, []string{"R1|2024-01-01", "R2|2024-01-02"})
	assert.Len(t, got, 2)
}

func TestIngestOpensProducerPerRun(t *testing.T) {
	h := newHarness(t, sequence(3), options{})
	h.openErr = errors.New("channel/connection is not open")

	first := h.p.RunIngest(context.Background())
	assert.Equal(t, OutcomeRecoverable, first.Outcome)
	assert.Equal(t, StagePublishing, first.Stage)
	assert.True(t, first.SafeToRetry)
	assert.Equal(t, 0, first.Published)
	assert.True(t, h.cursor(t).IsZero(), "cursor must not move without a producer")

	second := h.p.RunIngest(context.Background())
	require.Equal(t, OutcomeSuccess, second.Outcome, second.Error)
	assert.Equal(t, 3, second.Published)
	assert.Equal(t, 2, h.opens)
	assert.Equal(t, "R02", h.cursor(t).LastProcessedID)
}

func TestIngestWithoutNewRecordsSkipsProducer(t *testing.T) {
	h := newHarness(t, nil, options{})

	report := h.p.RunIngest(context.Background())
	require.Equal(t, OutcomeSuccess, report.Outcome, report.Error)
	assert.Equal(t, 0, h.opens)
}
