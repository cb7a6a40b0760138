package user

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type service struct {
	repo Repo
}

func NewService(repo Repo) Service {
	return &service{repo: repo}
}

func (s *service) Get(ctx context.Context, id uuid.UUID) (User, error) {
	return s.repo.Get(ctx, id)
}

func (s *service) Register(ctx context.Context, username string, role Role, chatID *int64) (User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return User{}, fmt.Errorf("empty username")
	}
	if role == "" {
		role = RoleRegular
	}
	if !role.Valid() {
		return User{}, fmt.Errorf("%w: %s", ErrInvalidRole, role)
	}

	return s.repo.Ensure(ctx, User{
		ID:             uuid.New(),
		Username:       username,
		Role:           role,
		TelegramChatID: chatID,
		CreatedAt:      time.Now().UTC(),
	})
}
