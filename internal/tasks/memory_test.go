package tasks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Vovarama1992/whoisalice/internal/catalog"
	"github.com/Vovarama1992/whoisalice/internal/ledger"
	"github.com/Vovarama1992/whoisalice/internal/user"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newTask(userID uuid.UUID, cost string) Task {
	now := time.Now().UTC()
	return Task{
		ID:         uuid.New(),
		UserID:     userID,
		ModelID:    uuid.New(),
		ModelName:  "Mock TTS",
		Cost:       dec(cost),
		Input:      []byte("привет"),
		InputKind:  catalog.KindText,
		OutputKind: catalog.KindAudio,
		Status:     StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func fund(t *testing.T, l *ledger.Memory, userID uuid.UUID, amount string) {
	t.Helper()
	if _, err := l.Apply(context.Background(), ledger.Transaction{
		ID: uuid.New(), UserID: userID, Kind: ledger.KindCredit, Amount: dec(amount),
	}); err != nil {
		t.Fatalf("fund: %v", err)
	}
}

func TestClaimIsCompareAndSet(t *testing.T) {
	ctx := context.Background()
	repo := NewMemory(ledger.NewMemory())
	task := newTask(uuid.New(), "1.00")
	if err := repo.Create(ctx, task); err != nil {
		t.Fatalf("create: %v", err)
	}

	claimed, err := repo.Claim(ctx, task.ID, 0)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.Status != StatusProcessing {
		t.Fatalf("expected processing, got %s", claimed.Status)
	}
	if _, err := repo.Claim(ctx, task.ID, 0); !errors.Is(err, ErrConflict) {
		t.Fatalf("second claim must conflict, got %v", err)
	}
	if _, err := repo.Claim(ctx, uuid.New(), 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestReclaimCountsRetries(t *testing.T) {
	ctx := context.Background()
	repo := NewMemory(ledger.NewMemory())
	task := newTask(uuid.New(), "1.00")
	_ = repo.Create(ctx, task)

	if _, err := repo.Claim(ctx, task.ID, 0); err != nil {
		t.Fatalf("claim: %v", err)
	}
	back, err := repo.Reclaim(ctx, task.ID, 0)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if back.Status != StatusPending || back.RetryCount != 1 {
		t.Fatalf("unexpected task after reclaim %+v", back)
	}

	// старая попытка больше ничего не может
	if _, err := repo.Claim(ctx, task.ID, 0); !errors.Is(err, ErrConflict) {
		t.Fatalf("stale claim must conflict, got %v", err)
	}
	if _, err := repo.Claim(ctx, task.ID, 1); err != nil {
		t.Fatalf("claim with new retry: %v", err)
	}
}

func TestSettleDebitsOnce(t *testing.T) {
	ctx := context.Background()
	l := ledger.NewMemory()
	repo := NewMemory(l)
	uid := uuid.New()
	fund(t, l, uid, "10.00")

	task := newTask(uid, "5.00")
	_ = repo.Create(ctx, task)
	if _, err := repo.Claim(ctx, task.ID, 0); err != nil {
		t.Fatalf("claim: %v", err)
	}

	in := SettleInput{TaskID: task.ID, RetryCount: 0, Result: Result{Data: []byte("audio"), ContentType: "audio/mpeg"}}
	done, err := repo.Settle(ctx, in)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if done.Status != StatusCompleted || done.DebitTxID == nil {
		t.Fatalf("unexpected settled task %+v", done)
	}
	if *done.DebitTxID != ledger.DebitIDForTask(task.ID) {
		t.Fatalf("debit id must be derived from task id")
	}

	if _, err := repo.Settle(ctx, in); !errors.Is(err, ErrConflict) {
		t.Fatalf("second settle must conflict, got %v", err)
	}

	balance, _ := l.Balance(ctx, uid)
	if !balance.Equal(dec("5.00")) {
		t.Fatalf("expected 5.00, got %s", balance)
	}
}

func TestSettleWithoutFundsFailsTask(t *testing.T) {
	ctx := context.Background()
	l := ledger.NewMemory()
	repo := NewMemory(l)
	uid := uuid.New()
	fund(t, l, uid, "2.00")

	task := newTask(uid, "5.00")
	_ = repo.Create(ctx, task)
	_, _ = repo.Claim(ctx, task.ID, 0)

	out, err := repo.Settle(ctx, SettleInput{TaskID: task.ID, Result: Result{Data: []byte("audio")}})
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if out.Status != StatusFailed || out.Result == nil || out.Result.ErrorCode != CodeInsufficientFunds {
		t.Fatalf("expected insufficient funds failure, got %+v", out)
	}
	if out.DebitTxID != nil || len(out.Result.Data) != 0 {
		t.Fatalf("failed task must not carry debit or data")
	}

	balance, _ := l.Balance(ctx, uid)
	if !balance.Equal(dec("2.00")) {
		t.Fatalf("balance must stay 2.00, got %s", balance)
	}
}

func TestTerminalTasksNeverMove(t *testing.T) {
	ctx := context.Background()
	repo := NewMemory(ledger.NewMemory())
	task := newTask(uuid.New(), "1.00")
	_ = repo.Create(ctx, task)
	_, _ = repo.Claim(ctx, task.ID, 0)

	if _, err := repo.Fail(ctx, task.ID, 0, Result{Data: []byte("x")}); !errors.Is(err, ErrInvalidResult) {
		t.Fatalf("failure without code must be rejected, got %v", err)
	}
	failed, err := repo.Fail(ctx, task.ID, 0, Failure(CodeInferenceFailed, "provider down"))
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if failed.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", failed.Status)
	}

	if _, err := repo.Claim(ctx, task.ID, 0); !errors.Is(err, ErrConflict) {
		t.Fatalf("claim of failed task must conflict, got %v", err)
	}
	if _, err := repo.Reclaim(ctx, task.ID, 0); !errors.Is(err, ErrConflict) {
		t.Fatalf("reclaim of failed task must conflict, got %v", err)
	}
	if _, err := repo.Settle(ctx, SettleInput{TaskID: task.ID, Result: Result{Data: []byte("x")}}); !errors.Is(err, ErrConflict) {
		t.Fatalf("settle of failed task must conflict, got %v", err)
	}

	got, _ := repo.Get(ctx, task.ID)
	if got.Status != StatusFailed {
		t.Fatalf("status moved out of terminal: %s", got.Status)
	}
}

func TestListForUserNewestFirst(t *testing.T) {
	ctx := context.Background()
	repo := NewMemory(ledger.NewMemory())
	uid := uuid.New()

	base := time.Now().UTC()
	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		task := newTask(uid, "1.00")
		task.CreatedAt = base.Add(time.Duration(i) * time.Second)
		ids = append(ids, task.ID)
		_ = repo.Create(ctx, task)
	}
	_ = repo.Create(ctx, newTask(uuid.New(), "1.00"))

	list, err := repo.ListForUser(ctx, uid, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(list))
	}
	if list[0].ID != ids[2] || list[2].ID != ids[0] {
		t.Fatalf("expected newest first")
	}
}

func TestListStalePending(t *testing.T) {
	ctx := context.Background()
	repo := NewMemory(ledger.NewMemory())

	old := newTask(uuid.New(), "1.00")
	old.UpdatedAt = time.Now().UTC().Add(-time.Hour)
	fresh := newTask(uuid.New(), "1.00")
	_ = repo.Create(ctx, old)
	_ = repo.Create(ctx, fresh)

	stale, err := repo.ListStalePending(ctx, time.Now().UTC().Add(-time.Minute), 10)
	if err != nil {
		t.Fatalf("stale: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != old.ID {
		t.Fatalf("expected only old task, got %+v", stale)
	}
}

func TestMarkRequeuedHidesTaskFromStaleList(t *testing.T) {
	ctx := context.Background()
	repo := NewMemory(ledger.NewMemory())

	task := newTask(uuid.New(), "1.00")
	task.UpdatedAt = time.Now().UTC().Add(-time.Hour)
	_ = repo.Create(ctx, task)

	now := time.Now().UTC()
	if err := repo.MarkRequeued(ctx, task.ID, task.UpdatedAt, now); err != nil {
		t.Fatalf("mark: %v", err)
	}
	// второй вызов со старым updated_at проигрывает CAS
	if err := repo.MarkRequeued(ctx, task.ID, task.UpdatedAt, now); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	stale, _ := repo.ListStalePending(ctx, now.Add(-time.Minute), 10)
	if len(stale) != 0 {
		t.Fatalf("requeued task must not be stale, got %d", len(stale))
	}

	claimed, err := repo.Claim(ctx, task.ID, 0)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := repo.MarkRequeued(ctx, task.ID, claimed.UpdatedAt, now); !errors.Is(err, ErrConflict) {
		t.Fatalf("processing task must not be marked, got %v", err)
	}
	if err := repo.MarkRequeued(ctx, uuid.New(), now, now); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStatusServiceOwnership(t *testing.T) {
	ctx := context.Background()
	repo := NewMemory(ledger.NewMemory())
	owner := user.User{ID: uuid.New(), Role: user.RoleRegular}
	other := user.User{ID: uuid.New(), Role: user.RoleRegular}
	admin := user.User{ID: uuid.New(), Role: user.RoleAdmin}

	task := newTask(owner.ID, "5.00")
	_ = repo.Create(ctx, task)
	svc := NewStatusService(repo)

	got, err := svc.Get(ctx, owner, task.ID)
	if err != nil {
		t.Fatalf("owner get: %v", err)
	}
	view := got.View()
	if view.Status != StatusPending || view.Cost != "5.00" || view.Result != nil {
		t.Fatalf("unexpected view %+v", view)
	}
	if _, err := svc.Get(ctx, other, task.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if _, err := svc.Get(ctx, admin, task.ID); err != nil {
		t.Fatalf("admin get: %v", err)
	}
}
