package publisher

import (
	"context"
	"errors"
	"time"

	"github.com/Vovarama1992/whoisalice/internal/broker"
	"github.com/Vovarama1992/whoisalice/internal/tasks"
	"go.uber.org/zap"
)

// Reconciler — повторно ставит в очередь pending задачи, которые
// застряли дольше порога (сохранены, но enqueue не прошёл). Перед отправкой
// задача помечается (updated_at = сейчас), поэтому на следующем тике её нет,
// пока она снова не простоит порог. Дубли сообщений гасит compare-and-set воркера
type Reconciler struct {
	tasks     StaleLister
	ch        Enqueuer
	olderThan time.Duration
	batch     int
	log       *zap.Logger
	now       func() time.Time
}

func NewReconciler(taskRepo StaleLister, ch Enqueuer, olderThan time.Duration, log *zap.Logger) *Reconciler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Reconciler{
		tasks:     taskRepo,
		ch:        ch,
		olderThan: olderThan,
		batch:     100,
		log:       log.Named("reconciler"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (r *Reconciler) RunOnce(ctx context.Context) (int, error) {
	now := r.now()
	stale, err := r.tasks.ListStalePending(ctx, now.Add(-r.olderThan), r.batch)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, t := range stale {
		// задачу уже взял воркер или другой реконсайлер
		if err := r.tasks.MarkRequeued(ctx, t.ID, t.UpdatedAt, now); err != nil {
			if errors.Is(err, tasks.ErrConflict) || errors.Is(err, tasks.ErrNotFound) {
				continue
			}
			return n, err
		}
		if err := r.ch.Enqueue(ctx, broker.NewMessage(t.ID)); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Run — тикер до отмены ctx
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.RunOnce(ctx)
			if err != nil {
				r.log.Error("reconcile failed", zap.Error(err))
				continue
			}
			if n > 0 {
				r.log.Info("re-enqueued stale pending tasks", zap.Int("count", n))
			}
		}
	}
}
