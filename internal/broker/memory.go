package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/xid"
)

type memItem struct {
	msg        Message
	deliveries int
}

type memInflight struct {
	item      memItem
	channel   string
	visibleAt time.Time
}

// Memory — очередь в памяти процесса с таймаутом видимости
type Memory struct {
	mu         sync.Mutex
	ready      []memItem
	inflight   map[string]memInflight
	wake       chan struct{}
	visibility time.Duration
	poll       time.Duration
	counter    uint64
	closed     bool
}

func NewMemory(visibility time.Duration) *Memory {
	if visibility <= 0 {
		visibility = 15 * time.Second
	}
	poll := visibility / 4
	if poll > 500*time.Millisecond {
		poll = 500 * time.Millisecond
	}
	return &Memory{
		inflight:   make(map[string]memInflight),
		wake:       make(chan struct{}),
		visibility: visibility,
		poll:       poll,
	}
}

func (b *Memory) Open(_ context.Context) (Channel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	return &memChannel{b: b, id: "mem-" + xid.New().String()}, nil
}

func (b *Memory) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.wake)
	}
	return nil
}

// Len — сколько сообщений ждёт выдачи и сколько в полёте
func (b *Memory) Len() (ready, inflight int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.ready), len(b.inflight)
}

// RequeueExpired — возвращает в очередь всё, у чего истёк таймаут видимости
func (b *Memory) RequeueExpired(now time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.requeueExpiredLocked(now)
}

func (b *Memory) enqueue(m Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.ready = append(b.ready, memItem{msg: m})
	b.broadcastLocked()
	return nil
}

func (b *Memory) broadcastLocked() {
	if b.closed {
		return
	}
	close(b.wake)
	b.wake = make(chan struct{})
}

func (b *Memory) requeueExpiredLocked(now time.Time) int {
	moved := 0
	for receipt, in := range b.inflight {
		if in.visibleAt.After(now) {
			continue
		}
		b.ready = append(b.ready, in.item)
		delete(b.inflight, receipt)
		moved++
	}
	return moved
}

// take — следующее сообщение или канал, который закроется при новом enqueue
func (b *Memory) take(channel string) (Delivery, <-chan struct{}, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return Delivery{}, nil, ErrClosed
	}

	now := time.Now()
	b.requeueExpiredLocked(now)
	if len(b.ready) == 0 {
		return Delivery{}, b.wake, nil
	}

	item := b.ready[0]
	b.ready = b.ready[1:]
	b.counter++
	receipt := fmt.Sprintf("mem:%s:%d", channel, b.counter)
	redelivered := item.deliveries > 0
	item.deliveries++
	b.inflight[receipt] = memInflight{
		item:      item,
		channel:   channel,
		visibleAt: now.Add(b.visibility),
	}
	return Delivery{Message: item.msg, Receipt: receipt, Redelivered: redelivered}, nil, nil
}

func (b *Memory) settle(receipt string, requeue bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	in, ok := b.inflight[receipt]
	if !ok {
		return ErrUnknownDelivery
	}
	delete(b.inflight, receipt)
	if requeue {
		b.ready = append(b.ready, in.item)
		b.broadcastLocked()
	}
	return nil
}

// release — обрыв канала: всё неподтверждённое снова видно
func (b *Memory) release(channel string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	moved := 0
	for receipt, in := range b.inflight {
		if in.channel != channel {
			continue
		}
		b.ready = append(b.ready, in.item)
		delete(b.inflight, receipt)
		moved++
	}
	if moved > 0 {
		b.broadcastLocked()
	}
}

type memChannel struct {
	b       *Memory
	id      string
	mu      sync.Mutex
	unacked string
	closed  bool
}

func (c *memChannel) Enqueue(_ context.Context, m Message) error {
	if c.isClosed() {
		return ErrClosed
	}
	return c.b.enqueue(m)
}

func (c *memChannel) Consume(ctx context.Context) (Delivery, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Delivery{}, ErrClosed
	}
	if c.unacked != "" {
		c.mu.Unlock()
		return Delivery{}, ErrPrefetch
	}
	c.mu.Unlock()

	ticker := time.NewTicker(c.b.poll)
	defer ticker.Stop()

	for {
		d, wake, err := c.b.take(c.id)
		if err != nil {
			return Delivery{}, err
		}
		if wake == nil {
			c.mu.Lock()
			if c.closed {
				c.mu.Unlock()
				c.b.release(c.id)
				return Delivery{}, ErrClosed
			}
			c.unacked = d.Receipt
			c.mu.Unlock()
			return d, nil
		}

		select {
		case <-ctx.Done():
			return Delivery{}, ctx.Err()
		case <-wake:
		case <-ticker.C:
		}
	}
}

func (c *memChannel) Ack(_ context.Context, d Delivery) error {
	return c.finish(d, false)
}

func (c *memChannel) Nack(_ context.Context, d Delivery, requeue bool) error {
	return c.finish(d, requeue)
}

func (c *memChannel) finish(d Delivery, requeue bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.unacked != d.Receipt {
		return ErrUnknownDelivery
	}
	c.unacked = ""
	return c.b.settle(d.Receipt, requeue)
}

func (c *memChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.unacked = ""
	c.mu.Unlock()

	c.b.release(c.id)
	return nil
}

func (c *memChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
