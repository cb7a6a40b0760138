package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func open(t *testing.T, b Broker) Channel {
	t.Helper()
	ch, err := b.Open(context.Background())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = ch.Close() })
	return ch
}

func TestMemoryConsumeAckAndPrefetch(t *testing.T) {
	ctx := context.Background()
	b := NewMemory(time.Second)
	ch := open(t, b)

	first := NewMessage(uuid.New())
	second := NewMessage(uuid.New())
	_ = ch.Enqueue(ctx, first)
	_ = ch.Enqueue(ctx, second)

	d, err := ch.Consume(ctx)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if d.Message != first || d.Redelivered {
		t.Fatalf("unexpected delivery %+v", d)
	}
	if _, err := ch.Consume(ctx); !errors.Is(err, ErrPrefetch) {
		t.Fatalf("expected ErrPrefetch, got %v", err)
	}

	if err := ch.Ack(ctx, d); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if err := ch.Ack(ctx, d); !errors.Is(err, ErrUnknownDelivery) {
		t.Fatalf("double ack must fail, got %v", err)
	}

	d2, err := ch.Consume(ctx)
	if err != nil {
		t.Fatalf("consume second: %v", err)
	}
	if d2.Message != second {
		t.Fatalf("expected second message, got %+v", d2.Message)
	}
}

func TestMemoryCloseRedeliversUnacked(t *testing.T) {
	ctx := context.Background()
	b := NewMemory(time.Minute)
	crashed, err := b.Open(ctx)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	msg := NewMessage(uuid.New())
	_ = crashed.Enqueue(ctx, msg)
	if _, err := crashed.Consume(ctx); err != nil {
		t.Fatalf("consume: %v", err)
	}
	// воркер упал, не подтвердив
	_ = crashed.Close()

	survivor := open(t, b)
	d, err := survivor.Consume(ctx)
	if err != nil {
		t.Fatalf("consume after crash: %v", err)
	}
	if d.Message != msg || !d.Redelivered {
		t.Fatalf("expected redelivery of %v, got %+v", msg, d)
	}
}

func TestMemoryVisibilityTimeoutRedelivers(t *testing.T) {
	ctx := context.Background()
	b := NewMemory(20 * time.Millisecond)
	slow := open(t, b)
	fast := open(t, b)

	msg := NewMessage(uuid.New())
	_ = slow.Enqueue(ctx, msg)
	stale, err := slow.Consume(ctx)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}

	cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	d, err := fast.Consume(cctx)
	if err != nil {
		t.Fatalf("consume after timeout: %v", err)
	}
	if d.Message != msg || !d.Redelivered {
		t.Fatalf("unexpected redelivery %+v", d)
	}

	if err := slow.Ack(ctx, stale); !errors.Is(err, ErrUnknownDelivery) {
		t.Fatalf("ack of expired delivery must fail, got %v", err)
	}
	if err := fast.Ack(ctx, d); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if ready, inflight := b.Len(); ready != 0 || inflight != 0 {
		t.Fatalf("queue must be empty, got ready=%d inflight=%d", ready, inflight)
	}
}

func TestMemoryNack(t *testing.T) {
	ctx := context.Background()
	b := NewMemory(time.Minute)
	ch := open(t, b)

	msg := NewMessage(uuid.New())
	_ = ch.Enqueue(ctx, msg)
	d, _ := ch.Consume(ctx)
	if err := ch.Nack(ctx, d, true); err != nil {
		t.Fatalf("nack requeue: %v", err)
	}

	d, err := ch.Consume(ctx)
	if err != nil || d.Message != msg || !d.Redelivered {
		t.Fatalf("expected requeued message, got %+v %v", d, err)
	}
	if err := ch.Nack(ctx, d, false); err != nil {
		t.Fatalf("nack drop: %v", err)
	}
	if ready, inflight := b.Len(); ready != 0 || inflight != 0 {
		t.Fatalf("dropped message must be gone, got ready=%d inflight=%d", ready, inflight)
	}
}

func TestMemoryConsumeBlocksUntilEnqueue(t *testing.T) {
	ctx := context.Background()
	b := NewMemory(time.Minute)
	consumer := open(t, b)
	producer := open(t, b)

	msg := NewMessage(uuid.New())
	got := make(chan Delivery, 1)
	go func() {
		d, err := consumer.Consume(ctx)
		if err == nil {
			got <- d
		}
	}()

	time.Sleep(20 * time.Millisecond)
	_ = producer.Enqueue(ctx, msg)

	select {
	case d := <-got:
		if d.Message != msg {
			t.Fatalf("unexpected message %+v", d.Message)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("consumer was not woken")
	}
}

func TestMemoryConsumeHonoursContext(t *testing.T) {
	b := NewMemory(time.Minute)
	ch := open(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := ch.Consume(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := Decode([]byte(`{"task_id":"nope"}`)); !errors.Is(err, ErrBadMessage) {
		t.Fatalf("expected ErrBadMessage, got %v", err)
	}
	if _, err := Decode([]byte(`not json`)); !errors.Is(err, ErrBadMessage) {
		t.Fatalf("expected ErrBadMessage, got %v", err)
	}
	id := uuid.New()
	body, _ := NewMessage(id).Encode()
	m, err := Decode(body)
	if err != nil || m.ID() != id {
		t.Fatalf("decode: %+v %v", m, err)
	}
}
