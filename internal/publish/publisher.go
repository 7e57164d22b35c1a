// Package publish appends fetched records to the log and moves the ingestion
// cursor past what the log acknowledged.
package publish

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/earn12345678/data-engineering-project/internal/cursor"
	"github.com/earn12345678/data-engineering-project/internal/failure"
	"github.com/earn12345678/data-engineering-project/internal/metrics"
	"github.com/earn12345678/data-engineering-project/internal/record"
	"github.com/earn12345678/data-engineering-project/internal/retry"
	"github.com/earn12345678/data-engineering-project/internal/topic"
)

// ProducerFactory opens the producer for one ingest run. A broken broker
// channel is dropped with its run instead of poisoning later runs.
type ProducerFactory func(ctx context.Context) (topic.Producer, error)

// Publisher sends record batches to a Producer and persists the cursor after
// each acknowledged batch. The cursor never moves past an unacknowledged
// record.
type Publisher struct {
	open     ProducerFactory
	codec    *topic.Codec
	store    cursor.Store
	retrier  *retry.Retrier
	metrics  *metrics.Collector
	logger   *zap.Logger
}

// New creates a Publisher.
func New(open ProducerFactory, codec *topic.Codec, store cursor.Store, retrier *retry.Retrier, m *metrics.Collector, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewCollector()
	}
	if retrier == nil {
		retrier = retry.New(retry.DefaultPolicy(), logger)
	}
	return &Publisher{
		open:     open,
		codec:    codec,
		store:    store,
		retrier:  retrier,
		metrics:  m,
		logger:   logger,
	}
}

// Session is one run's connection to the log.
type Session struct {
	*Publisher
	producer topic.Producer
}

// Open starts a session. Callers must Close it when the run ends.
func (p *Publisher) Open(ctx context.Context) (*Session, error) {
	producer, err := retry.Value(ctx, p.retrier, "publish.open", func(ctx context.Context) (topic.Producer, error) {
		return p.open(ctx)
	})
	if err != nil {
		if !failure.IsFatal(err) {
			err = failure.Recoverable("publish.open", err)
		}
		return nil, err
	}
	return &Session{Publisher: p, producer: producer}, nil
}

// Close closes the session's producer.
func (s *Session) Close() error {
	return s.producer.Close()
}

// Send publishes raws in order and returns how many leading records the log
// acknowledged. The batch is retried only while none of it was acknowledged;
// once a prefix is in the log, resending would duplicate it, so a partial
// acknowledgement is returned together with its error.
func (s *Session) Send(ctx context.Context, raws []record.RawRecord, runID string) (int, error) {
	if len(raws) == 0 {
		return 0, nil
	}
	p := s.Publisher

	msgs := make([]topic.Message, len(raws))
	for i, raw := range raws {
		msg, err := p.codec.Encode(raw, runID)
		if err != nil {
			return 0, failure.Fatal("publish.encode", err)
		}
		msgs[i] = msg
	}

	var (
		acked   int
		partial error
	)
	err := p.retrier.Do(ctx, "publish.send", func(ctx context.Context) error {
		n, err := s.producer.Publish(ctx, msgs)
		acked = n
		if err != nil && n > 0 {
			partial = err
			return nil
		}
		return err
	})
	p.metrics.RecordPublished(acked)

	if err != nil {
		return 0, err
	}
	if partial != nil {
		p.logger.Warn("log acknowledged part of a batch",
			zap.Int("acked", acked),
			zap.Int("batch_size", len(msgs)),
			zap.Error(partial))
		if failure.IsFatal(partial) {
			return acked, partial
		}
		return acked, failure.Recoverable("publish.send", partial)
	}
	return acked, nil
}

// Advance moves cur to the position of the last acknowledged record and
// persists it. acked must be the leading slice that Send reported.
func (p *Publisher) Advance(ctx context.Context, cur record.Cursor, acked []record.RawRecord, runID string) (record.Cursor, error) {
	next := cur
	for _, raw := range acked {
		next = next.Advance(raw.Position())
	}
	if next.Equal(cur) {
		return cur, nil
	}
	next.RunID = runID
	next.UpdatedAt = time.Now().UTC()

	err := p.retrier.Do(ctx, "cursor.save", func(ctx context.Context) error {
		return p.store.Save(ctx, next)
	})
	if err != nil {
		return cur, err
	}

	p.metrics.SetCursor(next.LastProcessedTimestamp)
	p.logger.Debug("cursor advanced",
		zap.Time("timestamp", next.LastProcessedTimestamp),
		zap.String("id", next.LastProcessedID))
	return next, nil
}
