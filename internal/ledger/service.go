package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/Vovarama1992/whoisalice/internal/user"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type service struct {
	repo Repo
	log  *zap.Logger
}

func NewService(repo Repo, log *zap.Logger) Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &service{repo: repo, log: log.Named("ledger")}
}

func (s *service) Apply(ctx context.Context, tx Transaction) (Transaction, error) {
	out, err := s.repo.Apply(ctx, tx)
	switch {
	case errors.Is(err, ErrInsufficientFunds):
		s.log.Info("debit rejected",
			zap.String("tx_id", tx.ID.String()),
			zap.String("user_id", tx.UserID.String()),
			zap.String("amount", tx.Amount.StringFixed(2)),
		)
	case err != nil:
		s.log.Error("apply failed", zap.String("tx_id", tx.ID.String()), zap.Error(err))
	}
	return out, err
}

func (s *service) GetBalance(ctx context.Context, userID uuid.UUID) (decimal.Decimal, error) {
	return s.repo.Balance(ctx, userID)
}

func (s *service) TopUp(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, description string) (Transaction, error) {
	if !ValidAmount(amount) {
		return Transaction{}, ErrInvalidAmount
	}
	if description == "" {
		description = "balance top-up"
	}
	return s.Apply(ctx, Transaction{
		ID:          uuid.New(),
		UserID:      userID,
		Kind:        KindCredit,
		Amount:      amount,
		Description: description,
		CreatedAt:   time.Now().UTC(),
	})
}

// AdminCredit — начисление другому пользователю, только для админа
func (s *service) AdminCredit(
	ctx context.Context,
	actor user.User,
	target uuid.UUID,
	amount decimal.Decimal,
	description string,
) (Transaction, error) {
	if !actor.IsAdmin() {
		return Transaction{}, ErrForbidden
	}
	if description == "" {
		description = "admin credit by " + actor.Username
	}
	tx, err := s.TopUp(ctx, target, amount, description)
	if err == nil {
		s.log.Info("admin credit",
			zap.String("admin", actor.Username),
			zap.String("user_id", target.String()),
			zap.String("amount", amount.StringFixed(2)),
		)
	}
	return tx, err
}

func (s *service) History(ctx context.Context, userID uuid.UUID, limit int) ([]Transaction, error) {
	return s.repo.History(ctx, userID, limit)
}
