package publisher

import (
	"context"
	"errors"
	"time"

	"github.com/Vovarama1992/whoisalice/internal/broker"
	"github.com/Vovarama1992/whoisalice/internal/catalog"
	"github.com/Vovarama1992/whoisalice/internal/tasks"
	"github.com/Vovarama1992/whoisalice/internal/user"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrValidation = errors.New("validation error")
	// ErrEnqueue — задача сохранена, но не поставлена в очередь; можно повторить
	ErrEnqueue = errors.New("enqueue failed")
)

type SubmitRequest struct {
	UserID    uuid.UUID
	ModelName string
	InputKind catalog.DataKind
	Payload   []byte
	// IdempotencyKey — если клиент повторяет запрос, задача не дублируется
	IdempotencyKey uuid.UUID
}

type SubmitResponse struct {
	TaskID uuid.UUID    `json:"task_id"`
	Status tasks.Status `json:"status"`
	Cost   string       `json:"cost"`
}

type UserGetter interface {
	Get(ctx context.Context, id uuid.UUID) (user.User, error)
}

type ModelFinder interface {
	GetByName(ctx context.Context, name string) (catalog.Model, error)
}

type BalanceReader interface {
	GetBalance(ctx context.Context, userID uuid.UUID) (decimal.Decimal, error)
}

type TaskWriter interface {
	Create(ctx context.Context, t tasks.Task) error
	Get(ctx context.Context, id uuid.UUID) (tasks.Task, error)
}

type StaleLister interface {
	ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]tasks.Task, error)
	MarkRequeued(ctx context.Context, id uuid.UUID, seen, at time.Time) error
}

// Enqueuer — публикация id задачи; broker.Sender или открытый broker.Channel
type Enqueuer interface {
	Enqueue(ctx context.Context, m broker.Message) error
}

type TokenCounter interface {
	Count(text string) int
}

type Limits struct {
	MaxTextTokens int
	MaxAudioBytes int64
}

type Options struct {
	Limits
	EnqueueAttempts int
	BackoffBase     time.Duration
}
