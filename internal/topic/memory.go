package topic

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/earn12345678/data-engineering-project/internal/failure"
)

// ErrClosed is returned by operations on a closed consumer.
var ErrClosed = errors.New("topic: closed")

// MemoryLog is an in-process log with a single consumer group. It backs local
// runs and tests, and can inject publish and commit failures.
type MemoryLog struct {
	mu        sync.Mutex
	messages  []Message
	committed int64 // offset of the last committed message, 0 when none
	notify    chan struct{}

	publishFault *publishFault
	commitFaults []error
}

type publishFault struct {
	accept int
	err    error
}

// NewMemoryLog creates an empty log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{notify: make(chan struct{})}
}

// FailNextPublish makes the next Publish accept only the first accept
// messages and then fail with err.
func (l *MemoryLog) FailNextPublish(accept int, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.publishFault = &publishFault{accept: accept, err: err}
}

// FailNextCommit makes the next Commit fail with err without committing.
func (l *MemoryLog) FailNextCommit(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.commitFaults = append(l.commitFaults, err)
}

// Len returns the number of messages ever appended.
func (l *MemoryLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.messages)
}

// Committed returns the last committed offset.
func (l *MemoryLog) Committed() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.committed
}

// Messages returns a copy of every appended message.
func (l *MemoryLog) Messages() []Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.messages)
}

// Producer returns a producer appending to l.
func (l *MemoryLog) Producer() Producer {
	return &memoryProducer{log: l}
}

// Consumer opens a consumer session starting after the committed offset.
func (l *MemoryLog) Consumer() Consumer {
	l.mu.Lock()
	defer l.mu.Unlock()
	return &memoryConsumer{log: l, next: l.committed}
}

type memoryProducer struct {
	log *MemoryLog
}

func (p *memoryProducer) Publish(ctx context.Context, msgs []Message) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, failure.Recoverable("topic.publish", err)
	}

	l := p.log
	l.mu.Lock()
	defer l.mu.Unlock()

	accept := len(msgs)
	var err error
	if f := l.publishFault; f != nil {
		l.publishFault = nil
		accept = min(f.accept, len(msgs))
		err = failure.Recoverable("topic.publish", f.err)
	}

	now := time.Now().UTC()
	for _, m := range msgs[:accept] {
		m.Offset = int64(len(l.messages)) + 1
		m.PublishedAt = now
		l.messages = append(l.messages, m)
	}
	if accept > 0 {
		close(l.notify)
		l.notify = make(chan struct{})
	}
	return accept, err
}

func (p *memoryProducer) Close() error { return nil }

type memoryConsumer struct {
	log    *MemoryLog
	next   int64 // offset of the last delivered message
	closed bool
}

func (c *memoryConsumer) Next(ctx context.Context) (Message, error) {
	for {
		l := c.log
		l.mu.Lock()
		if c.closed {
			l.mu.Unlock()
			return Message{}, ErrClosed
		}
		if c.next < int64(len(l.messages)) {
			msg := l.messages[c.next]
			c.next++
			l.mu.Unlock()
			return msg, nil
		}
		wait := l.notify
		l.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return Message{}, ctx.Err()
		}
	}
}

func (c *memoryConsumer) Commit(ctx context.Context, offset int64) error {
	l := c.log
	l.mu.Lock()
	defer l.mu.Unlock()

	if c.closed {
		return failure.Recoverable("topic.commit", ErrClosed)
	}
	if len(l.commitFaults) > 0 {
		err := l.commitFaults[0]
		l.commitFaults = l.commitFaults[1:]
		return failure.Recoverable("topic.commit", err)
	}
	if offset > c.next {
		return fmt.Errorf("commit offset %d beyond delivered offset %d", offset, c.next)
	}
	if offset > l.committed {
		l.committed = offset
	}
	return nil
}

func (c *memoryConsumer) Release(ctx context.Context) error {
	l := c.log
	l.mu.Lock()
	defer l.mu.Unlock()
	c.next = l.committed
	return nil
}

func (c *memoryConsumer) Close() error {
	c.log.mu.Lock()
	defer c.log.mu.Unlock()
	c.closed = true
	return nil
}
