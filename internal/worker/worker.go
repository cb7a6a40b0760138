package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/Vovarama1992/whoisalice/internal/broker"
	"github.com/Vovarama1992/whoisalice/internal/catalog"
	"github.com/Vovarama1992/whoisalice/internal/inference"
	"github.com/Vovarama1992/whoisalice/internal/notificator"
	"github.com/Vovarama1992/whoisalice/internal/observability"
	"github.com/Vovarama1992/whoisalice/internal/storage"
	"github.com/Vovarama1992/whoisalice/internal/tasks"
	"github.com/Vovarama1992/whoisalice/internal/user"
	"github.com/google/uuid"
	"github.com/rs/xid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

type ModelGetter interface {
	Get(ctx context.Context, id uuid.UUID) (catalog.Model, error)
}

type UserGetter interface {
	Get(ctx context.Context, id uuid.UUID) (user.User, error)
}

type Deps struct {
	Tasks     tasks.Repo
	Models    ModelGetter
	Inference inference.Provider
	// Artifacts и Users необязательны
	Artifacts  storage.ArtifactStore
	Users      UserGetter
	Notify     notificator.Notificator
	MaxRetries int
	Log        *zap.Logger
}

// Worker — один потребитель очереди. Состояния не держит,
// всё перечитывает из хранилища задач
type Worker struct {
	id   string
	deps Deps
	log  *zap.Logger
}

func New(d Deps) *Worker {
	if d.Notify == nil {
		d.Notify = notificator.Nop{}
	}
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	id := "worker-" + xid.New().String()
	return &Worker{id: id, deps: d, log: d.Log.Named("worker").With(zap.String("worker_id", id))}
}

func (w *Worker) ID() string { return w.id }

type outcome int

const (
	ack outcome = iota
	requeue
)

// Run — читает канал до отмены ctx. Возвращает ошибку, если канал сломался
func (w *Worker) Run(ctx context.Context, ch broker.Channel) error {
	w.log.Info("worker started")
	defer w.log.Info("worker stopped")

	for {
		d, err := ch.Consume(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("consume: %w", err)
		}
		if err := w.Handle(ctx, ch, d); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// Handle — обрабатывает одну доставку и подтверждает её.
// Ack только после того, как итог записан в хранилище задач
func (w *Worker) Handle(ctx context.Context, ch broker.Channel, d broker.Delivery) error {
	out := w.process(ctx, d)

	// ack/nack должны пройти и при остановке
	settleCtx := context.WithoutCancel(ctx)
	if out == requeue {
		if err := ch.Nack(settleCtx, d, true); err != nil {
			return fmt.Errorf("nack %s: %w", d.Message.TaskID, err)
		}
		return nil
	}
	if err := ch.Ack(settleCtx, d); err != nil {
		return fmt.Errorf("ack %s: %w", d.Message.TaskID, err)
	}
	return nil
}

func (w *Worker) process(ctx context.Context, d broker.Delivery) (out outcome) {
	taskID := d.Message.ID()
	log := w.log.With(zap.String("task_id", d.Message.TaskID), zap.Bool("redelivered", d.Redelivered))

	ctx, span := observability.StartSpan(ctx, "worker.process",
		attribute.String("task_id", d.Message.TaskID),
		attribute.Bool("redelivered", d.Redelivered),
	)
	var spanErr error
	defer func() { observability.EndSpan(span, spanErr) }()

	t, err := w.deps.Tasks.Get(ctx, taskID)
	if errors.Is(err, tasks.ErrNotFound) {
		log.Warn("message for unknown task, dropped")
		return ack
	}
	if err != nil {
		spanErr = err
		log.Error("load task", zap.Error(err))
		return requeue
	}

	if t.Status.Terminal() {
		log.Info("task already finished, skip", zap.String("status", string(t.Status)))
		return ack
	}

	var claimed tasks.Task
	switch t.Status {
	case tasks.StatusPending:
		claimed, err = w.deps.Tasks.Claim(ctx, t.ID, t.RetryCount)
	case tasks.StatusProcessing:
		// processing без redelivered: дубль сообщения, задачу держит другой воркер
		if !d.Redelivered {
			log.Info("task is being processed elsewhere, skip duplicate")
			return ack
		}
		if t.RetryCount >= w.deps.MaxRetries {
			return w.exhaust(ctx, log, t)
		}
		claimed, err = w.reclaim(ctx, t)
	default:
		log.Error("task in unknown status, dropped", zap.String("status", string(t.Status)))
		return ack
	}
	if errors.Is(err, tasks.ErrConflict) {
		log.Info("task claimed concurrently, skip")
		return ack
	}
	if err != nil {
		spanErr = err
		log.Error("claim task", zap.Error(err))
		return requeue
	}

	log = log.With(zap.Int("retry", claimed.RetryCount))
	out, spanErr = w.execute(ctx, log, claimed)
	return out
}

// reclaim — брошенную задачу возвращаем в pending с retry+1 и сразу забираем
func (w *Worker) reclaim(ctx context.Context, t tasks.Task) (tasks.Task, error) {
	back, err := w.deps.Tasks.Reclaim(ctx, t.ID, t.RetryCount)
	if err != nil {
		return tasks.Task{}, err
	}
	w.log.Warn("abandoned task reclaimed",
		zap.String("task_id", t.ID.String()),
		zap.Int("retry", back.RetryCount),
	)
	return w.deps.Tasks.Claim(ctx, back.ID, back.RetryCount)
}

func (w *Worker) exhaust(ctx context.Context, log *zap.Logger, t tasks.Task) outcome {
	detail := fmt.Sprintf("abandoned %d times", t.RetryCount+1)
	failed, err := w.deps.Tasks.Fail(ctx, t.ID, t.RetryCount, tasks.Failure(tasks.CodeRetriesExhausted, detail))
	if errors.Is(err, tasks.ErrConflict) {
		return ack
	}
	if err != nil {
		log.Error("fail exhausted task", zap.Error(err))
		return requeue
	}
	log.Error("retries exhausted", zap.Int("retry", t.RetryCount))
	if err := w.deps.Notify.Notify(ctx, errors.New("retries exhausted"),
		fmt.Sprintf("task %s model %s user %s", t.ID, t.ModelName, t.UserID)); err != nil {
		log.Warn("admin notify failed", zap.Error(err))
	}
	w.notifyUser(ctx, failed)
	return ack
}

// execute — инференс вне любых замков, затем расчёт
func (w *Worker) execute(ctx context.Context, log *zap.Logger, t tasks.Task) (outcome, error) {
	model, err := w.deps.Models.Get(ctx, t.ModelID)
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		return w.fail(ctx, log, t, tasks.CodeModelUnavailable, "model not found"), nil
	case err != nil:
		log.Error("load model", zap.Error(err))
		return requeue, err
	case !model.Active:
		return w.fail(ctx, log, t, tasks.CodeModelUnavailable, fmt.Sprintf("model %q is disabled", model.Name)), nil
	}

	output, err := w.deps.Inference.Invoke(ctx, inference.Request{
		Model:      model,
		Payload:    t.Input,
		InputKind:  t.InputKind,
		OutputKind: t.OutputKind,
	})
	if err != nil {
		// остановка воркера: задачу доделает следующий
		if ctx.Err() != nil {
			log.Warn("inference interrupted by shutdown")
			return requeue, ctx.Err()
		}
		code := tasks.CodeInferenceFailed
		if errors.Is(err, inference.ErrModelUnavailable) {
			code = tasks.CodeModelUnavailable
		}
		log.Warn("inference failed", zap.String("code", string(code)), zap.Error(err))
		return w.fail(ctx, log, t, code, err.Error()), err
	}

	res := tasks.Result{Data: output.Data, ContentType: output.ContentType}
	if w.deps.Artifacts != nil && t.OutputKind == catalog.KindAudio {
		url, err := w.deps.Artifacts.Put(ctx, storage.ResultKey(t.ID.String(), "mp3"), output.Data, output.ContentType)
		if err != nil {
			// результат остаётся в задаче, ссылки просто не будет
			log.Warn("artifact upload failed", zap.Error(err))
		} else {
			res.URL = url
		}
	}

	settled, err := w.deps.Tasks.Settle(ctx, tasks.SettleInput{TaskID: t.ID, RetryCount: t.RetryCount, Result: res})
	if errors.Is(err, tasks.ErrConflict) {
		log.Info("task settled by another attempt, skip")
		return ack, nil
	}
	if err != nil {
		log.Error("settle task", zap.Error(err))
		return requeue, err
	}

	if settled.Status == tasks.StatusFailed {
		log.Warn("insufficient funds at settlement", zap.String("cost", settled.Cost.StringFixed(2)))
	} else {
		log.Info("task completed", zap.String("cost", settled.Cost.StringFixed(2)))
	}
	w.notifyUser(ctx, settled)
	return ack, nil
}

func (w *Worker) fail(ctx context.Context, log *zap.Logger, t tasks.Task, code tasks.ErrorCode, detail string) outcome {
	failed, err := w.deps.Tasks.Fail(ctx, t.ID, t.RetryCount, tasks.Failure(code, detail))
	if errors.Is(err, tasks.ErrConflict) {
		return ack
	}
	if err != nil {
		log.Error("fail task", zap.Error(err))
		return requeue
	}
	w.notifyUser(ctx, failed)
	return ack
}

// notifyUser — best effort, ошибки только в лог
func (w *Worker) notifyUser(ctx context.Context, t tasks.Task) {
	if w.deps.Users == nil {
		return
	}
	u, err := w.deps.Users.Get(ctx, t.UserID)
	if err != nil || u.TelegramChatID == nil {
		return
	}
	if err := w.deps.Notify.UserNotify(ctx, *u.TelegramChatID, userMessage(t)); err != nil {
		w.log.Warn("user notify failed", zap.String("task_id", t.ID.String()), zap.Error(err))
	}
}

func userMessage(t tasks.Task) string {
	if t.Status == tasks.StatusCompleted {
		return fmt.Sprintf("✅ Задача %s (%s) выполнена. Списано %s.", t.ID, t.ModelName, t.Cost.StringFixed(2))
	}
	reason := "неизвестная ошибка"
	if t.Result != nil {
		switch t.Result.ErrorCode {
		case tasks.CodeInsufficientFunds:
			reason = "недостаточно средств на балансе"
		case tasks.CodeModelUnavailable:
			reason = "модель недоступна"
		case tasks.CodeRetriesExhausted:
			reason = "превышено число попыток"
		case tasks.CodeInferenceFailed:
			reason = "ошибка модели"
		}
	}
	return fmt.Sprintf("❌ Задача %s (%s) не выполнена: %s. Деньги не списаны.", t.ID, t.ModelName, reason)
}
