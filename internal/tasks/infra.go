package tasks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Vovarama1992/whoisalice/internal/catalog"
	"github.com/Vovarama1992/whoisalice/internal/ledger"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

type infra struct {
	db *sql.DB
}

// NewInfra — задачи в той же базе, что и леджер: Settle идёт одной sql транзакцией
func NewInfra(db *sql.DB) Repo {
	return &infra{db: db}
}

const taskColumns = `
	id, user_id, model_id, model_name, cost, input, input_kind, output_kind, status,
	result_data, result_content_type, result_url, error_code, error_detail,
	debit_tx_id, retry_count, created_at, updated_at
`

func (i *infra) Create(ctx context.Context, t Task) error {
	_, err := i.db.ExecContext(ctx, `
		INSERT INTO ml_tasks
			(id, user_id, model_id, model_name, cost, input, input_kind, output_kind,
			 status, retry_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, t.ID, t.UserID, t.ModelID, t.ModelName, t.Cost, t.Input,
		string(t.InputKind), string(t.OutputKind), string(t.Status),
		t.RetryCount, t.CreatedAt, t.UpdatedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (i *infra) Get(ctx context.Context, id uuid.UUID) (Task, error) {
	return scanTask(i.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM ml_tasks WHERE id = $1`, id))
}

func (i *infra) ListForUser(ctx context.Context, userID uuid.UUID, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := i.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM ml_tasks
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return collect(rows)
}

func (i *infra) ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := i.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM ml_tasks
		WHERE status = 'pending' AND updated_at < $1
		ORDER BY updated_at
		LIMIT $2
	`, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale tasks: %w", err)
	}
	return collect(rows)
}

func (i *infra) MarkRequeued(ctx context.Context, id uuid.UUID, seen, at time.Time) error {
	res, err := i.db.ExecContext(ctx, `
		UPDATE ml_tasks SET updated_at = $3
		WHERE id = $1 AND status = 'pending' AND updated_at = $2
	`, id, seen, at)
	if err != nil {
		return fmt.Errorf("mark requeued: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := i.Get(ctx, id); err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}

func (i *infra) Claim(ctx context.Context, id uuid.UUID, retry int) (Task, error) {
	return i.cas(ctx, id, StatusPending, StatusProcessing, retry, `
		UPDATE ml_tasks SET status = 'processing', updated_at = now()
		WHERE id = $1 AND status = 'pending' AND retry_count = $2
		RETURNING `+taskColumns)
}

func (i *infra) Reclaim(ctx context.Context, id uuid.UUID, retry int) (Task, error) {
	return i.cas(ctx, id, StatusProcessing, StatusPending, retry, `
		UPDATE ml_tasks SET status = 'pending', retry_count = retry_count + 1, updated_at = now()
		WHERE id = $1 AND status = 'processing' AND retry_count = $2
		RETURNING `+taskColumns)
}

func (i *infra) Fail(ctx context.Context, id uuid.UUID, retry int, res Result) (Task, error) {
	if !res.validFor(StatusFailed) {
		return Task{}, ErrInvalidResult
	}
	return i.cas(ctx, id, StatusProcessing, StatusFailed, retry, `
		UPDATE ml_tasks SET status = 'failed', error_code = $3, error_detail = $4, updated_at = now()
		WHERE id = $1 AND status = 'processing' AND retry_count = $2
		RETURNING `+taskColumns, string(res.ErrorCode), res.ErrorDetail)
}

func (i *infra) Settle(ctx context.Context, in SettleInput) (Task, error) {
	if !in.Result.validFor(StatusCompleted) {
		return Task{}, ErrInvalidResult
	}

	tx, err := i.db.BeginTx(ctx, nil)
	if err != nil {
		return Task{}, err
	}
	defer tx.Rollback()

	// 1) блокируем задачу и проверяем, что claim всё ещё наш
	t, err := scanTask(tx.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM ml_tasks WHERE id = $1 FOR UPDATE`, in.TaskID))
	if err != nil {
		return Task{}, err
	}
	if t.Status != StatusProcessing || t.RetryCount != in.RetryCount {
		return Task{}, ErrConflict
	}

	// 2) списание той же транзакцией
	debit := ledger.SettlementDebit(t.ID, t.UserID, t.Cost, t.ModelName)
	applied, err := ledger.ApplyTx(ctx, tx, debit)

	var row *sql.Row
	switch {
	case errors.Is(err, ledger.ErrInsufficientFunds):
		row = tx.QueryRowContext(ctx, `
			UPDATE ml_tasks SET status = 'failed', error_code = $2, error_detail = $3, updated_at = now()
			WHERE id = $1
			RETURNING `+taskColumns,
			t.ID, string(CodeInsufficientFunds), "insufficient funds at settlement")
	case err != nil:
		return Task{}, err
	default:
		// 3) результат + completed
		row = tx.QueryRowContext(ctx, `
			UPDATE ml_tasks SET status = 'completed', result_data = $2, result_content_type = $3,
				result_url = $4, debit_tx_id = $5, updated_at = now()
			WHERE id = $1
			RETURNING `+taskColumns,
			t.ID, in.Result.Data, in.Result.ContentType, in.Result.URL, applied.ID)
	}

	settled, err := scanTask(row)
	if err != nil {
		return Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return Task{}, fmt.Errorf("commit settlement: %w", err)
	}
	return settled, nil
}

func (i *infra) cas(ctx context.Context, id uuid.UUID, from, to Status, retry int, query string, extra ...any) (Task, error) {
	if err := checkTransition(from, to); err != nil {
		return Task{}, err
	}
	args := append([]any{id, retry}, extra...)
	t, err := scanTask(i.db.QueryRowContext(ctx, query, args...))
	if !errors.Is(err, ErrNotFound) {
		return t, err
	}
	// строки нет: либо задачи нет, либо статус уже другой
	if _, getErr := i.Get(ctx, id); getErr != nil {
		return Task{}, getErr
	}
	return Task{}, ErrConflict
}

type scanner interface {
	Scan(dest ...any) error
}

func collect(rows *sql.Rows) ([]Task, error) {
	defer rows.Close()
	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTask(s scanner) (Task, error) {
	var (
		t           Task
		inKind      string
		outKind     string
		status      string
		data        []byte
		contentType string
		url         string
		code        string
		detail      string
		debit       uuid.NullUUID
	)
	err := s.Scan(&t.ID, &t.UserID, &t.ModelID, &t.ModelName, &t.Cost, &t.Input,
		&inKind, &outKind, &status, &data, &contentType, &url, &code, &detail,
		&debit, &t.RetryCount, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ErrNotFound
	}
	if err != nil {
		return Task{}, fmt.Errorf("scan task: %w", err)
	}

	t.InputKind = catalog.DataKind(inKind)
	t.OutputKind = catalog.DataKind(outKind)
	t.Status = Status(status)
	if t.Status.Terminal() {
		t.Result = &Result{
			Data:        data,
			ContentType: contentType,
			URL:         url,
			ErrorCode:   ErrorCode(code),
			ErrorDetail: detail,
		}
	}
	if debit.Valid {
		id := debit.UUID
		t.DebitTxID = &id
	}
	return t, nil
}
