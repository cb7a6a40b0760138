package user

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleRegular Role = "regular"
	RoleAdmin   Role = "admin"
)

func (r Role) Valid() bool {
	return r == RoleRegular || r == RoleAdmin
}

var (
	ErrNotFound    = errors.New("user not found")
	ErrInvalidRole = errors.New("invalid role")
)

// User — баланса тут нет, он живёт в леджере
type User struct {
	ID             uuid.UUID
	Username       string
	Role           Role
	TelegramChatID *int64
	CreatedAt      time.Time
}

func (u User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

// Repo — работа с БД
type Repo interface {
	Get(ctx context.Context, id uuid.UUID) (User, error)
	GetByUsername(ctx context.Context, username string) (User, error)
	// Ensure — создаёт пользователя, если username свободен, иначе возвращает существующего
	Ensure(ctx context.Context, u User) (User, error)
}

// Service — бизнес-операции
type Service interface {
	Get(ctx context.Context, id uuid.UUID) (User, error)
	Register(ctx context.Context, username string, role Role, chatID *int64) (User, error)
}
