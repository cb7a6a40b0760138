package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Memory struct {
	mu       sync.Mutex
	balances map[uuid.UUID]decimal.Decimal
	txs      map[uuid.UUID]Transaction
	order    []uuid.UUID
}

// NewMemory — леджер в памяти процесса
func NewMemory() *Memory {
	return &Memory{
		balances: make(map[uuid.UUID]decimal.Decimal),
		txs:      make(map[uuid.UUID]Transaction),
	}
}

func (m *Memory) Apply(_ context.Context, tx Transaction) (Transaction, error) {
	if err := tx.Validate(); err != nil {
		return Transaction{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if stored, ok := m.txs[tx.ID]; ok {
		return replay(stored, tx)
	}

	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}
	balance := m.balances[tx.UserID]

	switch tx.Kind {
	case KindCredit:
		m.balances[tx.UserID] = balance.Add(tx.Amount)
		tx.Status = StatusApplied
	case KindDebit:
		if balance.LessThan(tx.Amount) {
			tx.Status = StatusRejected
			tx.Reason = ReasonInsufficientFunds
			m.store(tx)
			return tx, ErrInsufficientFunds
		}
		m.balances[tx.UserID] = balance.Sub(tx.Amount)
		tx.Status = StatusApplied
	}

	m.store(tx)
	return tx, nil
}

func (m *Memory) store(tx Transaction) {
	m.txs[tx.ID] = tx
	m.order = append(m.order, tx.ID)
}

func (m *Memory) Balance(_ context.Context, userID uuid.UUID) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[userID], nil
}

func (m *Memory) History(_ context.Context, userID uuid.UUID, limit int) ([]Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Transaction, 0)
	for i := len(m.order) - 1; i >= 0; i-- {
		tx := m.txs[m.order[i]]
		if tx.UserID != userID {
			continue
		}
		out = append(out, tx)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// replay — повторный Apply возвращает сохранённый результат без эффекта
func replay(stored, incoming Transaction) (Transaction, error) {
	if !stored.sameOperation(incoming) {
		return stored, ErrIDConflict
	}
	if stored.Status == StatusRejected {
		return stored, ErrInsufficientFunds
	}
	return stored, nil
}
