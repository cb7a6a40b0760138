package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type infra struct {
	db *sql.DB
}

func NewInfra(db *sql.DB) Repo {
	return &infra{db: db}
}

func (i *infra) Apply(ctx context.Context, t Transaction) (Transaction, error) {
	if err := t.Validate(); err != nil {
		return Transaction{}, err
	}

	tx, err := i.db.BeginTx(ctx, nil)
	if err != nil {
		return Transaction{}, err
	}
	defer tx.Rollback()

	out, applyErr := ApplyTx(ctx, tx, t)
	if applyErr != nil && !errors.Is(applyErr, ErrInsufficientFunds) {
		return Transaction{}, applyErr
	}

	// отклонённый дебет тоже фиксируем, для аудита
	if err := tx.Commit(); err != nil {
		return Transaction{}, fmt.Errorf("commit ledger tx: %w", err)
	}
	return out, applyErr
}

// ApplyTx — проводка внутри чужой транзакции. Через неё расчёт задачи
// списывает деньги атомарно со сменой статуса
func ApplyTx(ctx context.Context, tx *sql.Tx, t Transaction) (Transaction, error) {
	if err := t.Validate(); err != nil {
		return Transaction{}, err
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}

	// 1) счёт и блокировка строки: все проводки юзера идут по очереди
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_accounts (user_id) VALUES ($1)
		ON CONFLICT (user_id) DO NOTHING
	`, t.UserID); err != nil {
		return Transaction{}, fmt.Errorf("ensure account: %w", err)
	}

	var balance decimal.Decimal
	if err := tx.QueryRowContext(ctx, `
		SELECT balance FROM ledger_accounts WHERE user_id = $1 FOR UPDATE
	`, t.UserID).Scan(&balance); err != nil {
		return Transaction{}, fmt.Errorf("lock account: %w", err)
	}

	// 2) решение
	t.Status = StatusApplied
	t.Reason = ""
	if t.Kind == KindDebit && balance.LessThan(t.Amount) {
		t.Status = StatusRejected
		t.Reason = ReasonInsufficientFunds
	}

	// 3) запись; конфликт по id значит повтор
	res, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_transactions
			(id, user_id, kind, amount, task_id, description, status, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING
	`, t.ID, t.UserID, string(t.Kind), t.Amount, t.TaskID, t.Description,
		string(t.Status), t.Reason, t.CreatedAt)
	if err != nil {
		return Transaction{}, fmt.Errorf("insert transaction: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return Transaction{}, err
	}
	if inserted == 0 {
		stored, err := getTx(ctx, tx, t.ID)
		if err != nil {
			return Transaction{}, err
		}
		return replay(stored, t)
	}

	if t.Status == StatusRejected {
		return t, ErrInsufficientFunds
	}

	// 4) баланс
	delta := t.Amount
	if t.Kind == KindDebit {
		delta = delta.Neg()
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE ledger_accounts SET balance = balance + $2, updated_at = now()
		WHERE user_id = $1
	`, t.UserID, delta); err != nil {
		return Transaction{}, fmt.Errorf("update balance: %w", err)
	}

	return t, nil
}

func (i *infra) Balance(ctx context.Context, userID uuid.UUID) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := i.db.QueryRowContext(ctx, `
		SELECT balance FROM ledger_accounts WHERE user_id = $1
	`, userID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("load balance: %w", err)
	}
	return balance, nil
}

func (i *infra) History(ctx context.Context, userID uuid.UUID, limit int) ([]Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := i.db.QueryContext(ctx, selectTx+`
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		t, err := scanTx(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

const selectTx = `
	SELECT id, user_id, kind, amount, task_id, description, status, reason, created_at
	FROM ledger_transactions
`

type scanner interface {
	Scan(dest ...any) error
}

func getTx(ctx context.Context, tx *sql.Tx, id uuid.UUID) (Transaction, error) {
	return scanTx(tx.QueryRowContext(ctx, selectTx+` WHERE id = $1`, id))
}

func scanTx(s scanner) (Transaction, error) {
	var (
		t      Transaction
		kind   string
		status string
		taskID uuid.NullUUID
	)
	if err := s.Scan(&t.ID, &t.UserID, &kind, &t.Amount, &taskID,
		&t.Description, &status, &t.Reason, &t.CreatedAt); err != nil {
		return Transaction{}, fmt.Errorf("scan transaction: %w", err)
	}
	t.Kind = Kind(kind)
	t.Status = Status(status)
	if taskID.Valid {
		id := taskID.UUID
		t.TaskID = &id
	}
	return t, nil
}
