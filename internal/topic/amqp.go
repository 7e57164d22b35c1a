package topic

import (
	"context"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/earn12345678/data-engineering-project/internal/failure"
)

// AMQPConfig configures the RabbitMQ transport.
type AMQPConfig struct {
	URL            string
	Queue          string
	ConfirmTimeout time.Duration
	Prefetch       int
	ConsumerTag    string
}

// declareQueue declares the log queue. A quorum queue with a single active
// consumer keeps delivery in publish order and survives broker restarts.
func declareQueue(ch *amqp.Channel, name string) error {
	_, err := ch.QueueDeclare(name, true, false, false, false, amqp.Table{
		"x-queue-type":             "quorum",
		"x-single-active-consumer": true,
	})
	if err != nil {
		return classifyAMQP("topic.declare", fmt.Errorf("failed to declare queue %s: %w", name, err))
	}
	return nil
}

func dial(url string) (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, classifyAMQP("topic.dial", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, classifyAMQP("topic.channel", err)
	}
	return conn, ch, nil
}

// AMQPProducer publishes with publisher confirms.
type AMQPProducer struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	cfg    AMQPConfig
	logger *zap.Logger
}

// DialProducer connects, declares the queue and puts the channel into
// confirm mode.
func DialProducer(cfg AMQPConfig, logger *zap.Logger) (*AMQPProducer, error) {
	conn, ch, err := dial(cfg.URL)
	if err != nil {
		return nil, err
	}
	if err := declareQueue(ch, cfg.Queue); err != nil {
		conn.Close()
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		conn.Close()
		return nil, classifyAMQP("topic.confirm", err)
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AMQPProducer{conn: conn, ch: ch, cfg: cfg, logger: logger}, nil
}

// Publish sends every message before waiting, then collects confirms in
// publish order so the acknowledged prefix is contiguous.
func (p *AMQPProducer) Publish(ctx context.Context, msgs []Message) (int, error) {
	confirms := make([]*amqp.DeferredConfirmation, 0, len(msgs))
	var publishErr error

	for _, m := range msgs {
		dc, err := p.ch.PublishWithDeferredConfirmWithContext(ctx, "", p.cfg.Queue, false, false, amqp.Publishing{
			ContentType:     "application/json",
			ContentEncoding: m.Encoding,
			DeliveryMode:    amqp.Persistent,
			MessageId:       m.Key,
			Timestamp:       time.Now().UTC(),
			Headers:         toTable(m.Headers),
			Body:            m.Body,
		})
		if err != nil {
			publishErr = classifyAMQP("topic.publish", err)
			break
		}
		confirms = append(confirms, dc)
	}

	waitCtx, cancel := context.WithTimeout(ctx, p.cfg.ConfirmTimeout)
	defer cancel()

	for i, dc := range confirms {
		ok, err := dc.WaitContext(waitCtx)
		if err != nil {
			return i, failure.Recoverable("topic.confirm", fmt.Errorf("waiting for confirm %d: %w", i, err))
		}
		if !ok {
			return i, failure.Recoverable("topic.confirm", fmt.Errorf("broker nacked message %d", i))
		}
	}

	if publishErr != nil {
		p.logger.Warn("publish interrupted",
			zap.Int("acked", len(confirms)),
			zap.Int("requested", len(msgs)),
			zap.Error(publishErr))
	}
	return len(confirms), publishErr
}

func (p *AMQPProducer) Close() error {
	if err := p.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		p.conn.Close()
		return err
	}
	return p.conn.Close()
}

// AMQPConsumer reads with manual acknowledgements. Offsets are delivery
// tags, which increase monotonically on a channel.
type AMQPConsumer struct {
	conn       *amqp.Connection
	ch         *amqp.Channel
	deliveries <-chan amqp.Delivery

	delivered uint64
	committed uint64
}

// DialConsumer connects, declares the queue and starts consuming with the
// given prefetch.
func DialConsumer(cfg AMQPConfig) (*AMQPConsumer, error) {
	conn, ch, err := dial(cfg.URL)
	if err != nil {
		return nil, err
	}
	if err := declareQueue(ch, cfg.Queue); err != nil {
		conn.Close()
		return nil, err
	}
	if cfg.Prefetch > 0 {
		if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
			conn.Close()
			return nil, classifyAMQP("topic.qos", err)
		}
	}
	deliveries, err := ch.Consume(cfg.Queue, cfg.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		conn.Close()
		return nil, classifyAMQP("topic.consume", err)
	}
	return &AMQPConsumer{conn: conn, ch: ch, deliveries: deliveries}, nil
}

func (c *AMQPConsumer) Next(ctx context.Context) (Message, error) {
	select {
	case d, ok := <-c.deliveries:
		if !ok {
			return Message{}, failure.Recoverable("topic.next", fmt.Errorf("delivery channel closed: %w", amqp.ErrClosed))
		}
		c.delivered = d.DeliveryTag
		return Message{
			Offset:      int64(d.DeliveryTag),
			Key:         d.MessageId,
			Body:        d.Body,
			Encoding:    d.ContentEncoding,
			Headers:     fromTable(d.Headers),
			PublishedAt: d.Timestamp,
		}, nil
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (c *AMQPConsumer) Commit(ctx context.Context, offset int64) error {
	tag := uint64(offset)
	if tag <= c.committed {
		return nil
	}
	if err := c.ch.Ack(tag, true); err != nil {
		return classifyAMQP("topic.commit", err)
	}
	c.committed = tag
	return nil
}

func (c *AMQPConsumer) Release(ctx context.Context) error {
	if c.delivered <= c.committed {
		return nil
	}
	if err := c.ch.Nack(c.delivered, true, true); err != nil {
		return classifyAMQP("topic.release", err)
	}
	c.committed = c.delivered
	return nil
}

// Close closes the channel; unacknowledged deliveries return to the queue.
func (c *AMQPConsumer) Close() error {
	if err := c.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		c.conn.Close()
		return err
	}
	return c.conn.Close()
}

func toTable(h map[string]string) amqp.Table {
	if len(h) == 0 {
		return nil
	}
	t := make(amqp.Table, len(h))
	for k, v := range h {
		t[k] = v
	}
	return t
}

func fromTable(t amqp.Table) map[string]string {
	if len(t) == 0 {
		return nil
	}
	h := make(map[string]string, len(t))
	for k, v := range t {
		if s, ok := v.(string); ok {
			h[k] = s
		}
	}
	return h
}

func classifyAMQP(op string, err error) error {
	if errors.Is(err, amqp.ErrCredentials) || errors.Is(err, amqp.ErrSASL) || errors.Is(err, amqp.ErrVhost) {
		return failure.Fatal(op, err)
	}
	var ae *amqp.Error
	if errors.As(err, &ae) {
		switch ae.Code {
		case amqp.AccessRefused, amqp.PreconditionFailed, amqp.NotAllowed:
			return failure.Fatal(op, err)
		}
	}
	return failure.Recoverable(op, err)
}
