package tasks

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/Vovarama1992/whoisalice/internal/ledger"
	"github.com/google/uuid"
)

// LedgerApplier — то, что нужно задачам от леджера при расчёте
type LedgerApplier interface {
	Apply(ctx context.Context, tx ledger.Transaction) (ledger.Transaction, error)
}

type Memory struct {
	mu     sync.Mutex
	tasks  map[uuid.UUID]Task
	ledger LedgerApplier
	now    func() time.Time
}

// NewMemory — хранилище задач в памяти. Settle держит замок задач
// на время вызова леджера; порядок замков всегда задачи -> леджер
func NewMemory(l LedgerApplier) *Memory {
	return &Memory{
		tasks:  make(map[uuid.UUID]Task),
		ledger: l,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (m *Memory) Create(_ context.Context, t Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[t.ID]; ok {
		return ErrConflict
	}
	m.tasks[t.ID] = clone(t)
	return nil
}

func (m *Memory) Get(_ context.Context, id uuid.UUID) (Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return Task{}, ErrNotFound
	}
	return clone(t), nil
}

func (m *Memory) ListForUser(_ context.Context, userID uuid.UUID, limit int) ([]Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Task
	for _, t := range m.tasks {
		if t.UserID == userID {
			out = append(out, clone(t))
		}
	}
	sortNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) Claim(_ context.Context, id uuid.UUID, retry int) (Task, error) {
	return m.transition(id, StatusPending, StatusProcessing, retry, func(t *Task) {})
}

func (m *Memory) Reclaim(_ context.Context, id uuid.UUID, retry int) (Task, error) {
	return m.transition(id, StatusProcessing, StatusPending, retry, func(t *Task) {
		t.RetryCount++
	})
}

func (m *Memory) Fail(_ context.Context, id uuid.UUID, retry int, res Result) (Task, error) {
	if !res.validFor(StatusFailed) {
		return Task{}, ErrInvalidResult
	}
	return m.transition(id, StatusProcessing, StatusFailed, retry, func(t *Task) {
		r := res
		t.Result = &r
	})
}

func (m *Memory) Settle(ctx context.Context, in SettleInput) (Task, error) {
	if !in.Result.validFor(StatusCompleted) {
		return Task{}, ErrInvalidResult
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.casLocked(in.TaskID, StatusProcessing, in.RetryCount)
	if err != nil {
		return Task{}, err
	}

	debit := ledger.SettlementDebit(t.ID, t.UserID, t.Cost, t.ModelName)
	applied, err := m.ledger.Apply(ctx, debit)
	switch {
	case errors.Is(err, ledger.ErrInsufficientFunds):
		r := Failure(CodeInsufficientFunds, "insufficient funds at settlement")
		t.Result = &r
		t.Status = StatusFailed
	case err != nil:
		return Task{}, err
	default:
		r := in.Result
		id := applied.ID
		t.Result = &r
		t.DebitTxID = &id
		t.Status = StatusCompleted
	}

	t.UpdatedAt = m.now()
	m.tasks[t.ID] = t
	return clone(t), nil
}

func (m *Memory) ListStalePending(_ context.Context, olderThan time.Time, limit int) ([]Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Task
	for _, t := range m.tasks {
		if t.Status == StatusPending && t.UpdatedAt.Before(olderThan) {
			out = append(out, clone(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) MarkRequeued(_ context.Context, id uuid.UUID, seen, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return ErrNotFound
	}
	if t.Status != StatusPending || !t.UpdatedAt.Equal(seen) {
		return ErrConflict
	}
	t.UpdatedAt = at
	m.tasks[id] = t
	return nil
}

func (m *Memory) transition(id uuid.UUID, from, to Status, retry int, mutate func(*Task)) (Task, error) {
	if err := checkTransition(from, to); err != nil {
		return Task{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.casLocked(id, from, retry)
	if err != nil {
		return Task{}, err
	}
	mutate(&t)
	t.Status = to
	t.UpdatedAt = m.now()
	m.tasks[id] = t
	return clone(t), nil
}

func (m *Memory) casLocked(id uuid.UUID, from Status, retry int) (Task, error) {
	t, ok := m.tasks[id]
	if !ok {
		return Task{}, ErrNotFound
	}
	if t.Status != from || t.RetryCount != retry {
		return Task{}, ErrConflict
	}
	return t, nil
}

func clone(t Task) Task {
	if t.Input != nil {
		t.Input = append([]byte(nil), t.Input...)
	}
	if t.Result != nil {
		r := *t.Result
		if r.Data != nil {
			r.Data = append([]byte(nil), r.Data...)
		}
		t.Result = &r
	}
	if t.DebitTxID != nil {
		id := *t.DebitTxID
		t.DebitTxID = &id
	}
	return t
}

func sortNewestFirst(ts []Task) {
	sort.SliceStable(ts, func(i, j int) bool {
		if ts[i].CreatedAt.Equal(ts[j].CreatedAt) {
			return ts[i].ID.String() > ts[j].ID.String()
		}
		return ts[i].CreatedAt.After(ts[j].CreatedAt)
	})
}
