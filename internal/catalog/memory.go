package catalog

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memory struct {
	mu     sync.RWMutex
	byID   map[uuid.UUID]Model
	byName map[string]uuid.UUID
}

func NewMemory() Repo {
	return &memory{
		byID:   make(map[uuid.UUID]Model),
		byName: make(map[string]uuid.UUID),
	}
}

func (m *memory) Get(_ context.Context, id uuid.UUID) (Model, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	model, ok := m.byID[id]
	if !ok {
		return Model{}, ErrNotFound
	}
	return model, nil
}

func (m *memory) GetByName(_ context.Context, name string) (Model, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byName[name]
	if !ok {
		return Model{}, ErrNotFound
	}
	return m.byID[id], nil
}

func (m *memory) List(_ context.Context) ([]Model, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Model, 0, len(m.byID))
	for _, model := range m.byID {
		out = append(out, model)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *memory) Upsert(_ context.Context, model Model) (Model, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.byName[model.Name]; ok {
		prev := m.byID[id]
		model.ID = id
		model.CreatedAt = prev.CreatedAt
	} else {
		if model.ID == uuid.Nil {
			model.ID = uuid.New()
		}
		model.CreatedAt = time.Now().UTC()
	}
	m.byID[model.ID] = model
	m.byName[model.Name] = model.ID
	return model, nil
}
