package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/xid"
	"go.uber.org/zap"
)

// AMQP — RabbitMQ: durable очередь, persistent сообщения, Qos(1), ручной ack
type AMQP struct {
	url   string
	queue string
	log   *zap.Logger

	mu   sync.Mutex
	conn *amqp.Connection
}

func NewAMQP(url, queue string, log *zap.Logger) *AMQP {
	if log == nil {
		log = zap.NewNop()
	}
	return &AMQP{url: url, queue: queue, log: log.Named("amqp-broker")}
}

func (b *AMQP) connection() (*amqp.Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil && !b.conn.IsClosed() {
		return b.conn, nil
	}
	conn, err := amqp.Dial(b.url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	b.conn = conn
	return conn, nil
}

func (b *AMQP) Open(_ context.Context) (Channel, error) {
	conn, err := b.connection()
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if _, err := ch.QueueDeclare(b.queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("declare queue %s: %w", b.queue, err)
	}
	if err := ch.Qos(1, 0, false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("set qos: %w", err)
	}
	return &amqpChannel{b: b, ch: ch, tag: "amqp-" + xid.New().String()}, nil
}

func (b *AMQP) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil || b.conn.IsClosed() {
		return nil
	}
	return b.conn.Close()
}

type amqpChannel struct {
	b   *AMQP
	ch  *amqp.Channel
	tag string

	mu         sync.Mutex
	deliveries <-chan amqp.Delivery
	pending    *amqp.Delivery
	receipt    string
	closed     bool
}

func (c *amqpChannel) Enqueue(ctx context.Context, m Message) error {
	body, err := m.Encode()
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return c.ch.PublishWithContext(ctx, "", c.b.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    m.TaskID,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
}

func (c *amqpChannel) Consume(ctx context.Context) (Delivery, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Delivery{}, ErrClosed
	}
	if c.pending != nil {
		c.mu.Unlock()
		return Delivery{}, ErrPrefetch
	}
	if c.deliveries == nil {
		ds, err := c.ch.Consume(c.b.queue, c.tag, false, false, false, false, nil)
		if err != nil {
			c.mu.Unlock()
			return Delivery{}, fmt.Errorf("start consume: %w", err)
		}
		c.deliveries = ds
	}
	deliveries := c.deliveries
	c.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return Delivery{}, ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return Delivery{}, ErrClosed
			}
			m, err := Decode(d.Body)
			if err != nil {
				c.b.log.Error("drop malformed message", zap.Uint64("tag", d.DeliveryTag), zap.Error(err))
				_ = d.Nack(false, false)
				continue
			}

			receipt := fmt.Sprintf("amqp:%s:%d", c.tag, d.DeliveryTag)
			c.mu.Lock()
			c.pending = &d
			c.receipt = receipt
			c.mu.Unlock()
			return Delivery{Message: m, Receipt: receipt, Redelivered: d.Redelivered}, nil
		}
	}
}

func (c *amqpChannel) Ack(_ context.Context, d Delivery) error {
	p, err := c.take(d)
	if err != nil {
		return err
	}
	return p.Ack(false)
}

func (c *amqpChannel) Nack(_ context.Context, d Delivery, requeue bool) error {
	p, err := c.take(d)
	if err != nil {
		return err
	}
	return p.Nack(false, requeue)
}

func (c *amqpChannel) take(d Delivery) (*amqp.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.pending == nil || c.receipt != d.Receipt {
		return nil, ErrUnknownDelivery
	}
	p := c.pending
	c.pending = nil
	c.receipt = ""
	return p, nil
}

// Close — RabbitMQ сам вернёт неподтверждённое сообщение в очередь
func (c *amqpChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.pending = nil
	return c.ch.Close()
}
