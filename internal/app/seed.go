package app

import (
	"context"
	"fmt"
	"time"

	"github.com/Vovarama1992/whoisalice/internal/ledger"
	"github.com/Vovarama1992/whoisalice/internal/user"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var demoNamespace = uuid.MustParse("0b7e4a52-93c1-5d2f-8a6b-1f4c3e9d7a20")

type DemoUser struct {
	Username string
	Role     user.Role
	Balance  decimal.Decimal
}

var DemoUsers = []DemoUser{
	{Username: "demo_user", Role: user.RoleRegular, Balance: decimal.NewFromInt(100)},
	{Username: "admin", Role: user.RoleAdmin, Balance: decimal.NewFromInt(1000)},
}

// SeedDemo — стартовые пользователи; начисление с фиксированным id,
// повторный запуск баланс не меняет
func SeedDemo(ctx context.Context, users user.Service, l ledger.Service) ([]user.User, error) {
	out := make([]user.User, 0, len(DemoUsers))
	for _, d := range DemoUsers {
		u, err := users.Register(ctx, d.Username, d.Role, nil)
		if err != nil {
			return nil, fmt.Errorf("seed user %s: %w", d.Username, err)
		}
		if _, err := l.Apply(ctx, ledger.Transaction{
			ID:          uuid.NewSHA1(demoNamespace, u.ID[:]),
			UserID:      u.ID,
			Kind:        ledger.KindCredit,
			Amount:      d.Balance,
			Description: "initial balance",
			CreatedAt:   time.Now().UTC(),
		}); err != nil {
			return nil, fmt.Errorf("seed balance %s: %w", d.Username, err)
		}
		out = append(out, u)
	}
	return out, nil
}
