// Package consume reads the log in bounded micro-batches.
package consume

import (
	"context"
	"errors"
	"time"

	"github.com/earn12345678/data-engineering-project/internal/failure"
	"github.com/earn12345678/data-engineering-project/internal/topic"
)

// Config bounds a micro-batch by size and by time, whichever comes first.
type Config struct {
	BatchSize    int
	BatchTimeout time.Duration
}

// Batch is a run of consecutive log messages.
type Batch struct {
	Messages []topic.Message
}

// Len returns the number of messages.
func (b Batch) Len() int { return len(b.Messages) }

// LastOffset is the offset to commit once the batch is durably written.
func (b Batch) LastOffset() int64 {
	if len(b.Messages) == 0 {
		return 0
	}
	return b.Messages[len(b.Messages)-1].Offset
}

// Batcher groups messages from a Consumer. Offsets are committed per batch,
// never per message.
type Batcher struct {
	consumer topic.Consumer
	cfg      Config
}

// NewBatcher creates a Batcher.
func NewBatcher(c topic.Consumer, cfg Config) *Batcher {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 5 * time.Second
	}
	return &Batcher{consumer: c, cfg: cfg}
}

// Next collects up to BatchSize messages, waiting at most BatchTimeout from
// the start of the call. An empty batch means the log is drained.
func (b *Batcher) Next(ctx context.Context) (Batch, error) {
	batchCtx, cancel := context.WithTimeout(ctx, b.cfg.BatchTimeout)
	defer cancel()

	batch := Batch{Messages: make([]topic.Message, 0, b.cfg.BatchSize)}
	for len(batch.Messages) < b.cfg.BatchSize {
		msg, err := b.consumer.Next(batchCtx)
		if err != nil {
			if ctx.Err() != nil {
				return batch, ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) {
				return batch, nil
			}
			return batch, failure.Recoverable("consume.next", err)
		}
		batch.Messages = append(batch.Messages, msg)
	}
	return batch, nil
}

// Commit marks every message of batch as handled.
func (b *Batcher) Commit(ctx context.Context, batch Batch) error {
	if batch.Len() == 0 {
		return nil
	}
	if err := b.consumer.Commit(ctx, batch.LastOffset()); err != nil {
		if failure.IsFatal(err) {
			return err
		}
		return failure.Recoverable("consume.commit", err)
	}
	return nil
}

// Release returns uncommitted messages to the log for redelivery.
func (b *Batcher) Release(ctx context.Context) error {
	return b.consumer.Release(ctx)
}

// Close closes the underlying consumer.
func (b *Batcher) Close() error {
	return b.consumer.Close()
}
