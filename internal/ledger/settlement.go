package ledger

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var settlementNamespace = uuid.MustParse("6f1c2a9e-4b7d-5e3a-9c1f-2d8b7a6e5f40")

// DebitIDForTask — один и тот же id списания для всех попыток расчёта задачи
func DebitIDForTask(taskID uuid.UUID) uuid.UUID {
	return uuid.NewSHA1(settlementNamespace, taskID[:])
}

// SettlementDebit — проводка списания за выполненную задачу
func SettlementDebit(taskID, userID uuid.UUID, cost decimal.Decimal, modelName string) Transaction {
	tid := taskID
	return Transaction{
		ID:          DebitIDForTask(taskID),
		UserID:      userID,
		Kind:        KindDebit,
		Amount:      cost,
		TaskID:      &tid,
		Description: fmt.Sprintf("prediction %s", modelName),
		CreatedAt:   time.Now().UTC(),
	}
}
