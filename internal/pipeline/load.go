package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/earn12345678/data-engineering-project/internal/consume"
	"github.com/earn12345678/data-engineering-project/internal/dedup"
	"github.com/earn12345678/data-engineering-project/internal/failure"
	"github.com/earn12345678/data-engineering-project/internal/logging"
	"github.com/earn12345678/data-engineering-project/internal/metrics"
	"github.com/earn12345678/data-engineering-project/internal/retry"
	"github.com/earn12345678/data-engineering-project/internal/sink"
	"github.com/earn12345678/data-engineering-project/internal/topic"
	"github.com/earn12345678/data-engineering-project/internal/transform"
)

// maxLoggedPayload caps raw payloads in skip logs.
const maxLoggedPayload = 512

// ConsumerFactory opens a consumer session positioned after the last
// committed offset. Each load run uses its own session.
type ConsumerFactory func(ctx context.Context) (topic.Consumer, error)

// LoadConfig tunes a load run.
type LoadConfig struct {
	Batch consume.Config

	// CommitTimeout bounds the write and offset commit of one micro-batch.
	// They run detached from the caller's cancellation.
	CommitTimeout time.Duration

	// MaxBatches stops the run after that many batches; zero drains the log.
	MaxBatches int
}

// Loader moves messages from the log into the sink in micro-batches.
type Loader struct {
	open        ConsumerFactory
	decoder     transform.Decoder
	transformer *transform.Transformer
	sink        sink.Writer
	retrier     *retry.Retrier
	cfg         LoadConfig
	metrics     *metrics.Collector
	logger      *zap.Logger
}

// NewLoader creates a Loader.
func NewLoader(open ConsumerFactory, dec transform.Decoder, t *transform.Transformer, w sink.Writer, r *retry.Retrier, cfg LoadConfig, m *metrics.Collector, logger *zap.Logger) *Loader {
	if cfg.CommitTimeout <= 0 {
		cfg.CommitTimeout = time.Minute
	}
	if m == nil {
		m = metrics.NewCollector()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if r == nil {
		r = retry.New(retry.DefaultPolicy(), logger)
	}
	return &Loader{
		open:        open,
		decoder:     dec,
		transformer: t,
		sink:        w,
		retrier:     r,
		cfg:         cfg,
		metrics:     m,
		logger:      logger,
	}
}

// Run consumes micro-batches until the log is drained, MaxBatches is reached,
// ctx is cancelled or a batch fails. A failed batch is released so the next
// run reads it again from the same offset.
func (l *Loader) Run(ctx context.Context) Report {
	report := Report{
		RunID:     uuid.NewString(),
		Task:      TaskLoad,
		Stage:     StageIdle,
		StartedAt: time.Now().UTC(),
	}
	logger := l.logger.With(zap.String("run_id", report.RunID), zap.String("task", string(TaskLoad)))
	defer l.finish(&report, logger)

	report.Stage = StageRead
	consumer, err := l.open(ctx)
	if err != nil {
		if !failure.IsFatal(err) {
			err = failure.Recoverable("consume.open", err)
		}
		report.fail(StageRead, err)
		return report
	}
	batcher := consume.NewBatcher(consumer, l.cfg.Batch)
	defer func() {
		if err := batcher.Close(); err != nil {
			logger.Warn("failed to close consumer", zap.Error(err))
		}
	}()

	for {
		// Cancellation is honored between batches only.
		if err := ctx.Err(); err != nil {
			report.fail(StageRead, failure.Recoverable("load", err))
			return report
		}
		if l.cfg.MaxBatches > 0 && report.Batches >= l.cfg.MaxBatches {
			break
		}

		drained, stage, err := l.runBatch(ctx, batcher, &report, logger)
		if err != nil {
			l.release(batcher, logger)
			report.fail(stage, err)
			return report
		}
		if drained {
			break
		}
	}

	report.Stage = StageIdle
	report.succeed()
	return report
}

// runBatch handles one micro-batch through Read, Transform, Deduplicate, Write
// and CommitOffset. It returns drained when the log had nothing to read.
func (l *Loader) runBatch(ctx context.Context, batcher *consume.Batcher, report *Report, logger *zap.Logger) (bool, Stage, error) {
	report.Stage = StageRead
	start := time.Now()
	batch, err := batcher.Next(ctx)
	l.metrics.ObserveStage(string(StageRead), time.Since(start))
	if err != nil {
		if !failure.IsFatal(err) {
			err = failure.Recoverable("consume.next", err)
		}
		return false, StageRead, err
	}
	if batch.Len() == 0 {
		return true, StageRead, nil
	}
	report.Batches++
	report.Consumed += batch.Len()
	l.metrics.RecordConsumed(batch.Len())

	batchLogger := logger.With(
		zap.Int64("first_offset", batch.Messages[0].Offset),
		zap.Int64("last_offset", batch.LastOffset()))

	report.Stage = StageTransform
	start = time.Now()
	result := l.transformer.Batch(batch.Messages, l.decoder)
	l.metrics.ObserveStage(string(StageTransform), time.Since(start))

	rejects := make([]sink.Reject, len(result.Skips))
	for i, s := range result.Skips {
		batchLogger.Warn("skipping malformed record",
			zap.Int64("offset", s.Offset),
			zap.String("key", s.Key),
			zap.String("reason", s.Reason),
			zap.String("raw", logging.Truncate(s.Raw, maxLoggedPayload)))
		rejects[i] = sink.Reject{Offset: s.Offset, Key: s.Key, Reason: s.Reason, Raw: s.Raw}
	}
	report.Skipped += len(result.Skips)
	l.metrics.RecordSkipped(len(result.Skips))

	report.Stage = StageDeduplicate
	start = time.Now()
	part, err := retry.Value(ctx, l.retrier, "sink.lookup", func(ctx context.Context) (dedup.Partition, error) {
		return dedup.Split(ctx, l.sink, result.Records)
	})
	l.metrics.ObserveStage(string(StageDeduplicate), time.Since(start))
	if err != nil {
		return false, StageDeduplicate, err
	}
	report.Duplicates += len(part.Duplicates)
	l.metrics.RecordDuplicates(dedup.ReasonInSink, part.Count(dedup.ReasonInSink))
	l.metrics.RecordDuplicates(dedup.ReasonInBatch, part.Count(dedup.ReasonInBatch))

	// The write and the commit finish even if ctx is cancelled meanwhile.
	durable, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.cfg.CommitTimeout)
	defer cancel()

	report.Stage = StageWrite
	if len(part.New) > 0 || len(rejects) > 0 {
		start = time.Now()
		res, err := retry.Value(durable, l.retrier, "sink.write", func(ctx context.Context) (sink.Result, error) {
			return l.sink.Write(ctx, part.New, rejects)
		})
		l.metrics.ObserveStage(string(StageWrite), time.Since(start))
		if err != nil {
			if failure.IsConstraint(err) {
				// The transaction rolled back; the next run's lookup sees the
				// conflicting key and drops it.
				err = failure.Recoverable("sink.write", err)
			}
			return false, StageWrite, err
		}
		report.Inserted += res.Inserted
		report.Conflicts += res.Conflicts
		l.metrics.RecordInserted(res.Inserted)
		if res.Conflicts > 0 {
			l.metrics.RecordDuplicates(dedup.ReasonInSink, res.Conflicts)
		}
	}

	report.Stage = StageCommitOffset
	start = time.Now()
	if err := batcher.Commit(durable, batch); err != nil {
		return false, StageCommitOffset, err
	}
	l.metrics.ObserveStage(string(StageCommitOffset), time.Since(start))

	batchLogger.Debug("batch loaded",
		zap.Int("messages", batch.Len()),
		zap.Int("inserted", len(part.New)),
		zap.Int("duplicates", len(part.Duplicates)),
		zap.Int("skipped", len(result.Skips)))
	return false, StageCommitOffset, nil
}

func (l *Loader) release(batcher *consume.Batcher, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), l.cfg.CommitTimeout)
	defer cancel()
	if err := batcher.Release(ctx); err != nil {
		logger.Warn("failed to release batch", zap.Error(err))
	}
}

func (l *Loader) finish(report *Report, logger *zap.Logger) {
	report.FinishedAt = time.Now().UTC()
	l.metrics.RecordTask(string(report.Task), string(report.Outcome), report.Duration(), report.FinishedAt)

	fields := []zap.Field{
		zap.String("outcome", string(report.Outcome)),
		zap.String("stage", string(report.Stage)),
		zap.Int("batches", report.Batches),
		zap.Int("consumed", report.Consumed),
		zap.Int("skipped", report.Skipped),
		zap.Int("duplicates", report.Duplicates),
		zap.Int("inserted", report.Inserted),
		zap.Duration("duration", report.Duration()),
	}
	if report.Outcome == OutcomeSuccess {
		logger.Info("load finished", fields...)
		return
	}
	logger.Warn("load failed", append(fields, zap.String("error", report.Error))...)
}
