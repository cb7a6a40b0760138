package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/Vovarama1992/whoisalice/internal/user"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Kind string

const (
	KindCredit Kind = "credit"
	KindDebit  Kind = "debit"
)

type Status string

const (
	StatusApplied  Status = "applied"
	StatusRejected Status = "rejected"
)

const ReasonInsufficientFunds = "insufficient_funds"

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidAmount     = errors.New("amount must be positive and in whole cents")
	ErrInvalidKind       = errors.New("invalid transaction kind")
	ErrMissingID         = errors.New("transaction id is required")
	ErrIDConflict        = errors.New("transaction id already used for another operation")
	ErrForbidden         = errors.New("admin role required")
)

// Transaction — неизменяемая проводка. Баланс меняется только через Apply
type Transaction struct {
	ID          uuid.UUID
	UserID      uuid.UUID
	Kind        Kind
	Amount      decimal.Decimal
	TaskID      *uuid.UUID
	Description string
	Status      Status
	Reason      string
	CreatedAt   time.Time
}

func (t Transaction) Validate() error {
	if t.ID == uuid.Nil {
		return ErrMissingID
	}
	if t.Kind != KindCredit && t.Kind != KindDebit {
		return ErrInvalidKind
	}
	if !ValidAmount(t.Amount) {
		return ErrInvalidAmount
	}
	return nil
}

// ValidAmount — положительная сумма без долей копейки (NUMERIC(12,2) в базе)
func ValidAmount(d decimal.Decimal) bool {
	return d.IsPositive() && d.Equal(d.Round(2))
}

// sameOperation — повтор той же проводки, а не переиспользование id
func (t Transaction) sameOperation(o Transaction) bool {
	return t.UserID == o.UserID && t.Kind == o.Kind && t.Amount.Equal(o.Amount)
}

// Repo — счета и журнал проводок
type Repo interface {
	// Apply — идемпотентно по ID. Отклонённый дебет сохраняется и возвращается вместе с ErrInsufficientFunds
	Apply(ctx context.Context, tx Transaction) (Transaction, error)
	Balance(ctx context.Context, userID uuid.UUID) (decimal.Decimal, error)
	History(ctx context.Context, userID uuid.UUID, limit int) ([]Transaction, error)
}

type Service interface {
	Apply(ctx context.Context, tx Transaction) (Transaction, error)
	GetBalance(ctx context.Context, userID uuid.UUID) (decimal.Decimal, error)
	TopUp(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, description string) (Transaction, error)
	AdminCredit(ctx context.Context, actor user.User, target uuid.UUID, amount decimal.Decimal, description string) (Transaction, error)
	History(ctx context.Context, userID uuid.UUID, limit int) ([]Transaction, error)
}
