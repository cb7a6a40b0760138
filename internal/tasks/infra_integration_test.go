package tasks

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/Vovarama1992/whoisalice/internal/catalog"
	"github.com/Vovarama1992/whoisalice/internal/ledger"
	"github.com/Vovarama1992/whoisalice/internal/migrations"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

func TestPostgresSettlementIsAtomicAndOnce(t *testing.T) {
	dsn := os.Getenv("WHOISALICE_PG_DSN_INTEGRATION")
	if dsn == "" {
		t.Skip("set WHOISALICE_PG_DSN_INTEGRATION to run postgres integration tests")
	}
	ctx := context.Background()
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	if err := migrations.Apply(ctx, db); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	uid := uuid.New()
	if _, err := db.ExecContext(ctx,
		`INSERT INTO users (id, username, role) VALUES ($1, $2, 'regular')`,
		uid, "tasks-it-"+uid.String()); err != nil {
		t.Fatalf("insert user: %v", err)
	}
	model, err := catalog.NewInfra(db).Upsert(ctx, catalog.Model{
		Name: "it-mock-" + uid.String(), Provider: catalog.ProviderMock,
		CostPerPrediction: dec("5.00"), InputKind: catalog.KindText, OutputKind: catalog.KindAudio, Active: true,
	})
	if err != nil {
		t.Fatalf("model: %v", err)
	}

	led := ledger.NewInfra(db)
	if _, err := led.Apply(ctx, ledger.Transaction{ID: uuid.New(), UserID: uid, Kind: ledger.KindCredit, Amount: dec("5.00")}); err != nil {
		t.Fatalf("fund: %v", err)
	}

	repo := NewInfra(db)
	first := newTask(uid, "5.00")
	first.ModelID = model.ID
	second := newTask(uid, "5.00")
	second.ModelID = model.ID
	for _, task := range []Task{first, second} {
		if err := repo.Create(ctx, task); err != nil {
			t.Fatalf("create: %v", err)
		}
		if _, err := repo.Claim(ctx, task.ID, 0); err != nil {
			t.Fatalf("claim: %v", err)
		}
	}

	res := Result{Data: []byte("audio"), ContentType: "audio/mpeg"}
	done, err := repo.Settle(ctx, SettleInput{TaskID: first.ID, Result: res})
	if err != nil || done.Status != StatusCompleted {
		t.Fatalf("first settle: %+v %v", done, err)
	}
	if _, err := repo.Settle(ctx, SettleInput{TaskID: first.ID, Result: res}); !errors.Is(err, ErrConflict) {
		t.Fatalf("repeat settle must conflict, got %v", err)
	}

	failed, err := repo.Settle(ctx, SettleInput{TaskID: second.ID, Result: res})
	if err != nil {
		t.Fatalf("second settle: %v", err)
	}
	if failed.Status != StatusFailed || failed.Result.ErrorCode != CodeInsufficientFunds {
		t.Fatalf("expected insufficient funds, got %+v", failed)
	}

	balance, err := led.Balance(ctx, uid)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if !balance.IsZero() {
		t.Fatalf("expected 0.00, got %s", balance)
	}

	stale := newTask(uid, "5.00")
	stale.ModelID = model.ID
	if err := repo.Create(ctx, stale); err != nil {
		t.Fatalf("create: %v", err)
	}
	seen, err := repo.Get(ctx, stale.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	at := seen.UpdatedAt.Add(time.Hour)
	if err := repo.MarkRequeued(ctx, stale.ID, seen.UpdatedAt, at); err != nil {
		t.Fatalf("mark requeued: %v", err)
	}
	if err := repo.MarkRequeued(ctx, stale.ID, seen.UpdatedAt, at); !errors.Is(err, ErrConflict) {
		t.Fatalf("second mark must conflict, got %v", err)
	}
}
