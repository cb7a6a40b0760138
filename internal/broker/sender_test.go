package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap/zaptest"
)

// deadChannel — канал, у которого умерло соединение: Enqueue падает всегда
type deadChannel struct {
	Channel
	closed bool
}

func (c *deadChannel) Enqueue(context.Context, Message) error {
	return errors.New("channel/connection is not open")
}

func (c *deadChannel) Close() error {
	c.closed = true
	return nil
}

// firstDead — брокер, который первым отдаёт мёртвый канал, дальше живые
type firstDead struct {
	*Memory
	opened int
	dead   *deadChannel
}

func (b *firstDead) Open(ctx context.Context) (Channel, error) {
	b.opened++
	if b.opened == 1 {
		b.dead = &deadChannel{}
		return b.dead, nil
	}
	return b.Memory.Open(ctx)
}

func TestSenderReopensAfterBrokenChannel(t *testing.T) {
	ctx := context.Background()
	b := &firstDead{Memory: NewMemory(time.Second)}
	s := NewSender(b, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = s.Close() })

	if err := s.Enqueue(ctx, NewMessage(uuid.New())); err == nil {
		t.Fatalf("expected error from dead channel")
	}
	if !b.dead.closed {
		t.Fatalf("broken channel must be closed")
	}

	for i := 0; i < 2; i++ {
		if err := s.Enqueue(ctx, NewMessage(uuid.New())); err != nil {
			t.Fatalf("enqueue after reopen: %v", err)
		}
	}
	if b.opened != 2 {
		t.Fatalf("expected exactly one reopen, got %d opens", b.opened)
	}
	if ready, _ := b.Len(); ready != 2 {
		t.Fatalf("expected 2 queued messages, got %d", ready)
	}
}

func TestSenderOpenErrorsAndClose(t *testing.T) {
	ctx := context.Background()
	b := NewMemory(time.Second)
	_ = b.Close()
	s := NewSender(b, nil)

	if err := s.Enqueue(ctx, NewMessage(uuid.New())); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed from closed broker, got %v", err)
	}
	_ = s.Close()
	if err := s.Enqueue(ctx, NewMessage(uuid.New())); !errors.Is(err, ErrClosed) {
		t.Fatalf("closed sender must refuse, got %v", err)
	}
}
