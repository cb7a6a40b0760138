package worker

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/Vovarama1992/whoisalice/internal/broker"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
)

// Pool — N потребителей, у каждого свой канал брокера (prefetch 1 на канал)
type Pool struct {
	broker broker.Broker
	deps   Deps
	size   int
	ants   *ants.Pool
	log    *zap.Logger
}

func NewPool(b broker.Broker, deps Deps, size int) (*Pool, error) {
	if size < 1 {
		size = 1
	}
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("pool")

	p, err := ants.NewPool(size, ants.WithPanicHandler(func(v interface{}) {
		log.Error("panic in worker pool", zap.Any("panic", v))
	}))
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	return &Pool{broker: b, deps: deps, size: size, ants: p, log: log}, nil
}

// Run — блокирует до отмены ctx и выхода всех потребителей
func (p *Pool) Run(ctx context.Context) error {
	defer p.ants.Release()

	var wg sync.WaitGroup
	for i := 0; i < p.size; i++ {
		w := New(p.deps)

		wg.Add(1)
		if err := p.ants.Submit(func() {
			defer wg.Done()
			p.consume(ctx, w)
		}); err != nil {
			wg.Done()
			wg.Wait()
			return fmt.Errorf("start worker: %w", err)
		}
	}
	p.log.Info("worker pool started", zap.Int("size", p.size))

	wg.Wait()
	p.log.Info("worker pool stopped")
	return nil
}

// consume — переоткрывает канал с паузой, пока не отменят ctx
func (p *Pool) consume(ctx context.Context, w *Worker) {
	failures := 0
	for ctx.Err() == nil {
		err := p.session(ctx, w)
		if err == nil {
			return
		}
		failures++
		delay := reopenDelay(failures)
		p.log.Warn("worker channel lost, reopening",
			zap.String("worker_id", w.ID()),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// session — один открытый канал. Паника воркера закрывает канал,
// и неподтверждённое сообщение возвращается в очередь
func (p *Pool) session(ctx context.Context, w *Worker) (err error) {
	ch, err := p.broker.Open(ctx)
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker panic: %v", r)
		}
	}()
	return w.Run(ctx, ch)
}

func reopenDelay(failures int) time.Duration {
	if failures > 6 {
		failures = 6
	}
	base := 200 * time.Millisecond * time.Duration(1<<uint(failures-1))
	return base + time.Duration(rand.Int63n(int64(100*time.Millisecond)))
}
