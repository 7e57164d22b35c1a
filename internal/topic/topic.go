// Package topic is the durable ordered log between the ingest and load tasks.
//
// Producers append messages and report how many leading messages the broker
// acknowledged. Consumers read in log order and commit an offset only after
// the messages up to it were durably handled; anything delivered but not
// committed is redelivered to the next session.
package topic

import (
	"context"
	"time"
)

// Header names carried on every message.
const (
	HeaderPositionTS = "x-position-ts"
	HeaderPositionID = "x-position-id"
	HeaderRunID      = "x-run-id"
)

// Message is an immutable log entry. Offset is assigned by the transport and
// increases monotonically within a consumer session.
type Message struct {
	Offset      int64
	Key         string
	Body        []byte
	Encoding    string
	Headers     map[string]string
	PublishedAt time.Time
}

// Producer appends messages to the log.
type Producer interface {
	// Publish appends msgs in order and waits for broker acknowledgement. It
	// returns the length of the contiguous acknowledged prefix; when that is
	// less than len(msgs) the error explains why.
	Publish(ctx context.Context, msgs []Message) (int, error)
	Close() error
}

// Consumer reads the log from the last committed offset.
type Consumer interface {
	// Next blocks until a message is available or ctx is done.
	Next(ctx context.Context) (Message, error)

	// Commit acknowledges every delivered message up to and including offset.
	Commit(ctx context.Context, offset int64) error

	// Release hands every delivered but uncommitted message back to the log
	// for redelivery.
	Release(ctx context.Context) error

	Close() error
}
