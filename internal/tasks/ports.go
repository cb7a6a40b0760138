package tasks

import (
	"context"
	"errors"
	"time"

	"github.com/Vovarama1992/whoisalice/internal/catalog"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// ErrorCode — машиночитаемая причина провала задачи
type ErrorCode string

const (
	CodeInsufficientFunds ErrorCode = "insufficient_funds"
	CodeInferenceFailed   ErrorCode = "inference_failed"
	CodeModelUnavailable  ErrorCode = "model_unavailable"
	CodeRetriesExhausted  ErrorCode = "retries_exhausted"
)

var (
	ErrNotFound          = errors.New("task not found")
	ErrConflict          = errors.New("task state changed concurrently")
	ErrIllegalTransition = errors.New("illegal task status transition")
	ErrForbidden         = errors.New("task belongs to another user")
	ErrInvalidResult     = errors.New("result must carry either data or error")
)

// Result — либо данные (успех), либо ошибка (провал), не оба
type Result struct {
	Data        []byte
	ContentType string
	URL         string
	ErrorCode   ErrorCode
	ErrorDetail string
}

func (r Result) Failed() bool {
	return r.ErrorCode != ""
}

func (r Result) validFor(status Status) bool {
	switch status {
	case StatusCompleted:
		return !r.Failed() && r.ErrorDetail == ""
	case StatusFailed:
		return r.Failed() && len(r.Data) == 0 && r.URL == ""
	}
	return false
}

func Failure(code ErrorCode, detail string) Result {
	return Result{ErrorCode: code, ErrorDetail: detail}
}

type Task struct {
	ID         uuid.UUID
	UserID     uuid.UUID
	ModelID    uuid.UUID
	ModelName  string
	Cost       decimal.Decimal
	Input      []byte
	InputKind  catalog.DataKind
	OutputKind catalog.DataKind
	Status     Status
	Result     *Result
	DebitTxID  *uuid.UUID
	RetryCount int
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// SettleInput — расчёт успешной задачи. Retry фиксирует попытку, которая держит claim
type SettleInput struct {
	TaskID     uuid.UUID
	RetryCount int
	Result     Result
}

// Repo — единственный владелец MLTask. Все смены статуса — compare-and-set
type Repo interface {
	Create(ctx context.Context, t Task) error
	Get(ctx context.Context, id uuid.UUID) (Task, error)
	ListForUser(ctx context.Context, userID uuid.UUID, limit int) ([]Task, error)

	// Claim — pending -> processing
	Claim(ctx context.Context, id uuid.UUID, retry int) (Task, error)
	// Reclaim — брошенная processing -> pending, retry+1
	Reclaim(ctx context.Context, id uuid.UUID, retry int) (Task, error)
	// Fail — processing -> failed, без списания
	Fail(ctx context.Context, id uuid.UUID, retry int, res Result) (Task, error)
	// Settle — списание + результат + completed одной атомарной операцией;
	// при нехватке денег задача становится failed, деньги не трогаются
	Settle(ctx context.Context, in SettleInput) (Task, error)

	ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]Task, error)
	// MarkRequeued — pending задача снова отправлена в очередь: updated_at = at,
	// если с момента чтения (seen) её никто не трогал
	MarkRequeued(ctx context.Context, id uuid.UUID, seen, at time.Time) error
}
