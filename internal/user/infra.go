package user

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

type infra struct {
	db *sql.DB
}

func NewInfra(db *sql.DB) Repo {
	return &infra{db: db}
}

const selectUser = `
	SELECT id, username, role, telegram_chat_id, created_at
	FROM users
`

func (i *infra) Get(ctx context.Context, id uuid.UUID) (User, error) {
	row := i.db.QueryRowContext(ctx, selectUser+` WHERE id = $1`, id)
	return scanUser(row)
}

func (i *infra) GetByUsername(ctx context.Context, username string) (User, error) {
	row := i.db.QueryRowContext(ctx, selectUser+` WHERE username = $1`, username)
	return scanUser(row)
}

func (i *infra) Ensure(ctx context.Context, u User) (User, error) {
	if _, err := i.db.ExecContext(ctx, `
		INSERT INTO users (id, username, role, telegram_chat_id, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (username) DO NOTHING
	`, u.ID, u.Username, string(u.Role), u.TelegramChatID, u.CreatedAt); err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return i.GetByUsername(ctx, u.Username)
}

func scanUser(row *sql.Row) (User, error) {
	var (
		u      User
		role   string
		chatID sql.NullInt64
	)
	err := row.Scan(&u.ID, &u.Username, &role, &chatID, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("scan user: %w", err)
	}
	u.Role = Role(role)
	if chatID.Valid {
		v := chatID.Int64
		u.TelegramChatID = &v
	}
	return u, nil
}
