package publisher

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/Vovarama1992/whoisalice/internal/broker"
	"github.com/Vovarama1992/whoisalice/internal/catalog"
	"github.com/Vovarama1992/whoisalice/internal/ledger"
	"github.com/Vovarama1992/whoisalice/internal/observability"
	"github.com/Vovarama1992/whoisalice/internal/tasks"
	"github.com/Vovarama1992/whoisalice/internal/user"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

type Publisher struct {
	users    UserGetter
	models   ModelFinder
	balances BalanceReader
	tasks    TaskWriter
	ch       Enqueuer
	tokens   TokenCounter
	opts     Options
	log      *zap.Logger
	now      func() time.Time
}

func New(
	users UserGetter,
	models ModelFinder,
	balances BalanceReader,
	taskRepo TaskWriter,
	ch Enqueuer,
	tokens TokenCounter,
	opts Options,
	log *zap.Logger,
) *Publisher {
	if tokens == nil {
		tokens = approxCounter{}
	}
	if opts.EnqueueAttempts < 1 {
		opts.EnqueueAttempts = 1
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 100 * time.Millisecond
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Publisher{
		users:    users,
		models:   models,
		balances: balances,
		tasks:    taskRepo,
		ch:       ch,
		tokens:   tokens,
		opts:     opts,
		log:      log.Named("publisher"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Submit — проверяет запрос, сохраняет задачу в pending и ставит её id в очередь.
// Деньги тут не списываются: проверка баланса только для быстрого отказа
func (p *Publisher) Submit(ctx context.Context, req SubmitRequest) (resp SubmitResponse, err error) {
	ctx, span := observability.StartSpan(ctx, "publisher.submit",
		attribute.String("model", req.ModelName),
		attribute.String("user_id", req.UserID.String()),
	)
	defer func() { observability.EndSpan(span, err) }()

	// 1) модель и вход
	model, err := p.validate(ctx, req)
	if err != nil {
		return SubmitResponse{}, err
	}

	// 2) пользователь
	if _, err := p.users.Get(ctx, req.UserID); err != nil {
		if errors.Is(err, user.ErrNotFound) {
			return SubmitResponse{}, fmt.Errorf("%w: unknown user", ErrValidation)
		}
		return SubmitResponse{}, fmt.Errorf("load user: %w", err)
	}

	// 3) повтор запроса с тем же ключом
	if req.IdempotencyKey != uuid.Nil {
		if existing, err := p.tasks.Get(ctx, req.IdempotencyKey); err == nil {
			return p.resume(ctx, req, existing)
		} else if !errors.Is(err, tasks.ErrNotFound) {
			return SubmitResponse{}, fmt.Errorf("load task: %w", err)
		}
	}

	// 4) допуск по балансу
	balance, err := p.balances.GetBalance(ctx, req.UserID)
	if err != nil {
		return SubmitResponse{}, fmt.Errorf("load balance: %w", err)
	}
	if balance.LessThan(model.CostPerPrediction) {
		return SubmitResponse{}, fmt.Errorf("%w: balance %s, cost %s",
			ledger.ErrInsufficientFunds, balance.StringFixed(2), model.CostPerPrediction.StringFixed(2))
	}

	// 5) задача сохраняется до постановки в очередь
	id := req.IdempotencyKey
	if id == uuid.Nil {
		id = uuid.New()
	}
	now := p.now()
	task := tasks.Task{
		ID:         id,
		UserID:     req.UserID,
		ModelID:    model.ID,
		ModelName:  model.Name,
		Cost:       model.CostPerPrediction,
		Input:      req.Payload,
		InputKind:  req.InputKind,
		OutputKind: model.OutputKind,
		Status:     tasks.StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := p.tasks.Create(ctx, task); err != nil {
		if errors.Is(err, tasks.ErrConflict) {
			existing, getErr := p.tasks.Get(ctx, id)
			if getErr != nil {
				return SubmitResponse{}, fmt.Errorf("load task: %w", getErr)
			}
			return p.resume(ctx, req, existing)
		}
		return SubmitResponse{}, fmt.Errorf("create task: %w", err)
	}

	resp = SubmitResponse{TaskID: task.ID, Status: tasks.StatusPending, Cost: task.Cost.StringFixed(2)}

	// 6) очередь
	if err := p.enqueue(ctx, task.ID); err != nil {
		p.log.Error("enqueue failed, task left pending",
			zap.String("task_id", task.ID.String()), zap.Error(err))
		return resp, fmt.Errorf("%w: %v", ErrEnqueue, err)
	}

	p.log.Info("task submitted",
		zap.String("task_id", task.ID.String()),
		zap.String("user_id", req.UserID.String()),
		zap.String("model", model.Name),
		zap.String("cost", resp.Cost),
	)
	return resp, nil
}

// resume — ответ на повтор запроса: pending задачу ещё раз кладём в очередь
func (p *Publisher) resume(ctx context.Context, req SubmitRequest, t tasks.Task) (SubmitResponse, error) {
	if t.UserID != req.UserID {
		return SubmitResponse{}, fmt.Errorf("%w: idempotency key already used", ErrValidation)
	}
	resp := SubmitResponse{TaskID: t.ID, Status: t.Status, Cost: t.Cost.StringFixed(2)}
	if t.Status != tasks.StatusPending {
		return resp, nil
	}
	if err := p.enqueue(ctx, t.ID); err != nil {
		return resp, fmt.Errorf("%w: %v", ErrEnqueue, err)
	}
	return resp, nil
}

func (p *Publisher) validate(ctx context.Context, req SubmitRequest) (catalog.Model, error) {
	if strings.TrimSpace(req.ModelName) == "" {
		return catalog.Model{}, fmt.Errorf("%w: model_name is required", ErrValidation)
	}
	if !req.InputKind.Valid() {
		return catalog.Model{}, fmt.Errorf("%w: unknown input kind %q", ErrValidation, req.InputKind)
	}
	if len(req.Payload) == 0 {
		return catalog.Model{}, fmt.Errorf("%w: empty payload", ErrValidation)
	}

	model, err := p.models.GetByName(ctx, req.ModelName)
	if errors.Is(err, catalog.ErrNotFound) {
		return catalog.Model{}, fmt.Errorf("%w: model %q not found", ErrValidation, req.ModelName)
	}
	if err != nil {
		return catalog.Model{}, fmt.Errorf("load model: %w", err)
	}
	if !model.Active {
		return catalog.Model{}, fmt.Errorf("%w: model %q is not available", ErrValidation, model.Name)
	}
	if model.InputKind != req.InputKind {
		return catalog.Model{}, fmt.Errorf("%w: model %q accepts %s, got %s",
			ErrValidation, model.Name, model.InputKind, req.InputKind)
	}

	switch req.InputKind {
	case catalog.KindText:
		if !utf8.Valid(req.Payload) {
			return catalog.Model{}, fmt.Errorf("%w: text is not valid utf-8", ErrValidation)
		}
		if limit := p.opts.MaxTextTokens; limit > 0 {
			if n := p.tokens.Count(string(req.Payload)); n > limit {
				return catalog.Model{}, fmt.Errorf("%w: text is %d tokens, limit %d", ErrValidation, n, limit)
			}
		}
	case catalog.KindAudio:
		if limit := p.opts.MaxAudioBytes; limit > 0 && int64(len(req.Payload)) > limit {
			return catalog.Model{}, fmt.Errorf("%w: audio is %s, limit %s", ErrValidation,
				humanize.IBytes(uint64(len(req.Payload))), humanize.IBytes(uint64(limit)))
		}
	}
	return model, nil
}

func (p *Publisher) enqueue(ctx context.Context, id uuid.UUID) error {
	var err error
	for attempt := 1; attempt <= p.opts.EnqueueAttempts; attempt++ {
		if err = p.ch.Enqueue(ctx, broker.NewMessage(id)); err == nil {
			return nil
		}
		if attempt == p.opts.EnqueueAttempts {
			break
		}
		delay := p.backoff(attempt)
		p.log.Warn("enqueue retry",
			zap.String("task_id", id.String()),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// backoff — экспонента с джиттером
func (p *Publisher) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 7 {
		attempt = 7
	}
	base := p.opts.BackoffBase * time.Duration(1<<uint(attempt-1))
	jitter := time.Duration(rand.Int63n(int64(p.opts.BackoffBase)))
	return base + jitter
}
