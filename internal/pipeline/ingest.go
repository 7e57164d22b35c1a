package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/earn12345678/data-engineering-project/internal/cursor"
	"github.com/earn12345678/data-engineering-project/internal/failure"
	"github.com/earn12345678/data-engineering-project/internal/metrics"
	"github.com/earn12345678/data-engineering-project/internal/publish"
	"github.com/earn12345678/data-engineering-project/internal/record"
	"github.com/earn12345678/data-engineering-project/internal/source"
)

// IngestConfig tunes an ingest run.
type IngestConfig struct {
	// PublishBatchSize is the number of records sent per broker round trip.
	// The cursor is persisted after every acknowledged batch.
	PublishBatchSize int

	// InitialTimestamp positions the very first run when no cursor exists.
	InitialTimestamp time.Time

	// CursorTimeout bounds the cursor read.
	CursorTimeout time.Duration
}

// Ingester moves records newer than the cursor from the source into the log.
type Ingester struct {
	source    source.Source
	store     cursor.Store
	publisher *publish.Publisher
	cfg       IngestConfig
	metrics   *metrics.Collector
	logger    *zap.Logger
}

// NewIngester creates an Ingester.
func NewIngester(src source.Source, store cursor.Store, pub *publish.Publisher, cfg IngestConfig, m *metrics.Collector, logger *zap.Logger) *Ingester {
	if cfg.PublishBatchSize < 1 {
		cfg.PublishBatchSize = 500
	}
	if cfg.CursorTimeout <= 0 {
		cfg.CursorTimeout = 10 * time.Second
	}
	if m == nil {
		m = metrics.NewCollector()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ingester{
		source:    src,
		store:     store,
		publisher: pub,
		cfg:       cfg,
		metrics:   m,
		logger:    logger,
	}
}

// Run executes one ingest cycle: read the cursor, fetch, publish in batches
// and advance the cursor after each acknowledged batch.
func (i *Ingester) Run(ctx context.Context) Report {
	report := Report{
		RunID:     uuid.NewString(),
		Task:      TaskIngest,
		Stage:     StageIdle,
		StartedAt: time.Now().UTC(),
	}
	logger := i.logger.With(zap.String("run_id", report.RunID), zap.String("task", string(TaskIngest)))
	defer i.finish(&report, logger)

	report.Stage = StageFetching
	loadCtx, cancel := context.WithTimeout(ctx, i.cfg.CursorTimeout)
	cur, err := i.store.Load(loadCtx)
	cancel()
	if err != nil {
		if !failure.IsFatal(err) {
			err = failure.Recoverable("cursor.load", err)
		}
		report.fail(StageFetching, err)
		return report
	}
	if cur.IsZero() && !i.cfg.InitialTimestamp.IsZero() {
		cur = record.NewCursor(i.cfg.InitialTimestamp)
	}
	report.Cursor = &cur
	logger.Info("ingest started",
		zap.Time("cursor_timestamp", cur.LastProcessedTimestamp),
		zap.String("cursor_id", cur.LastProcessedID))

	batch := make([]record.RawRecord, 0, i.cfg.PublishBatchSize)

	// The producer is opened on the first flush so a run with nothing new
	// never touches the broker.
	var session *publish.Session
	defer func() {
		if session == nil {
			return
		}
		if err := session.Close(); err != nil {
			logger.Warn("failed to close producer", zap.Error(err))
		}
	}()

	// flush publishes the pending batch and advances the cursor past the
	// acknowledged prefix. It reports whether the run may continue.
	flush := func() bool {
		if len(batch) == 0 {
			return true
		}
		defer func() { batch = batch[:0] }()

		report.Stage = StagePublishing
		if session == nil {
			s, err := i.publisher.Open(ctx)
			if err != nil {
				logger.Error("failed to open producer", zap.Error(err))
				report.fail(StagePublishing, err)
				return false
			}
			session = s
		}
		start := time.Now()
		acked, sendErr := session.Send(ctx, batch, report.RunID)
		i.metrics.ObserveStage(string(StagePublishing), time.Since(start))
		report.Published += acked

		if acked > 0 {
			report.Stage = StageCursorAdvance
			next, err := i.publisher.Advance(ctx, cur, batch[:acked], report.RunID)
			if err != nil {
				logger.Error("failed to persist cursor", zap.Error(err))
				report.fail(StageCursorAdvance, err)
				return false
			}
			cur = next
			report.Cursor = &cur
		}
		if sendErr != nil {
			logger.Error("publish failed",
				zap.Int("acked", acked),
				zap.Int("batch_size", len(batch)),
				zap.Error(sendErr))
			report.fail(StagePublishing, sendErr)
			return false
		}
		return true
	}

	report.Stage = StageFetching
	fetchStart := time.Now()
	for raw, err := range i.source.Fetch(ctx, cur) {
		if err != nil {
			logger.Error("fetch failed", zap.Int("fetched", report.Fetched), zap.Error(err))
			if !failure.IsFatal(err) {
				err = failure.Recoverable("source.fetch", err)
			}
			report.fail(StageFetching, err)
			return report
		}
		report.Fetched++
		i.metrics.RecordFetched(1)
		batch = append(batch, raw)

		if len(batch) == i.cfg.PublishBatchSize {
			i.metrics.ObserveStage(string(StageFetching), time.Since(fetchStart))
			if !flush() {
				return report
			}
			report.Stage = StageFetching
			fetchStart = time.Now()
		}
	}
	i.metrics.ObserveStage(string(StageFetching), time.Since(fetchStart))

	if !flush() {
		return report
	}

	report.Stage = StageIdle
	report.succeed()
	return report
}

func (i *Ingester) finish(report *Report, logger *zap.Logger) {
	report.FinishedAt = time.Now().UTC()
	i.metrics.RecordTask(string(report.Task), string(report.Outcome), report.Duration(), report.FinishedAt)

	fields := []zap.Field{
		zap.String("outcome", string(report.Outcome)),
		zap.String("stage", string(report.Stage)),
		zap.Int("fetched", report.Fetched),
		zap.Int("published", report.Published),
		zap.Duration("duration", report.Duration()),
	}
	if report.Cursor != nil {
		fields = append(fields,
			zap.Time("cursor_timestamp", report.Cursor.LastProcessedTimestamp),
			zap.String("cursor_id", report.Cursor.LastProcessedID))
	}
	if report.Outcome == OutcomeSuccess {
		logger.Info("ingest finished", fields...)
		return
	}
	logger.Warn("ingest failed", append(fields, zap.String("error", report.Error))...)
}
