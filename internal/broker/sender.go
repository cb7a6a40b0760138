package broker

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Sender — публикующая сторона поверх Broker. Канал открывается лениво;
// после ошибки Enqueue он закрывается и следующий вызов открывает новый
type Sender struct {
	b   Broker
	log *zap.Logger

	mu     sync.Mutex
	ch     Channel
	closed bool
}

func NewSender(b Broker, log *zap.Logger) *Sender {
	if log == nil {
		log = zap.NewNop()
	}
	return &Sender{b: b, log: log.Named("sender")}
}

func (s *Sender) Enqueue(ctx context.Context, m Message) error {
	ch, err := s.channel(ctx)
	if err != nil {
		return err
	}
	if err := ch.Enqueue(ctx, m); err != nil {
		s.drop(ch, err)
		return err
	}
	return nil
}

func (s *Sender) channel(ctx context.Context) (Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if s.ch != nil {
		return s.ch, nil
	}
	ch, err := s.b.Open(ctx)
	if err != nil {
		return nil, err
	}
	s.ch = ch
	return ch, nil
}

// drop — выкидывает сломанный канал, если его ещё не заменили
func (s *Sender) drop(ch Channel, cause error) {
	s.mu.Lock()
	if s.ch == ch {
		s.ch = nil
	}
	s.mu.Unlock()

	if err := ch.Close(); err != nil {
		s.log.Debug("close broken channel", zap.Error(err))
	}
	s.log.Warn("publish channel dropped, will reopen", zap.Error(cause))
}

func (s *Sender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.ch == nil {
		return nil
	}
	err := s.ch.Close()
	s.ch = nil
	return err
}
