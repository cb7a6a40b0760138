package user

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

type memory struct {
	mu     sync.RWMutex
	byID   map[uuid.UUID]User
	byName map[string]uuid.UUID
}

// NewMemory — in-process хранилище для dev режима и тестов
func NewMemory() Repo {
	return &memory{
		byID:   make(map[uuid.UUID]User),
		byName: make(map[string]uuid.UUID),
	}
}

func (m *memory) Get(_ context.Context, id uuid.UUID) (User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.byID[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (m *memory) GetByUsername(_ context.Context, username string) (User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byName[username]
	if !ok {
		return User{}, ErrNotFound
	}
	return m.byID[id], nil
}

func (m *memory) Ensure(_ context.Context, u User) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.byName[u.Username]; ok {
		return m.byID[id], nil
	}
	m.byID[u.ID] = u
	m.byName[u.Username] = u.ID
	return u, nil
}
