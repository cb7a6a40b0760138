package publisher

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/Vovarama1992/whoisalice/internal/broker"
	"github.com/Vovarama1992/whoisalice/internal/catalog"
	"github.com/Vovarama1992/whoisalice/internal/ledger"
	"github.com/Vovarama1992/whoisalice/internal/tasks"
	"github.com/Vovarama1992/whoisalice/internal/user"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap/zaptest"
)

type flakyChannel struct {
	broker.Channel
	failures int
	calls    int
}

func (c *flakyChannel) Enqueue(ctx context.Context, m broker.Message) error {
	c.calls++
	if c.calls <= c.failures {
		return errors.New("connection reset")
	}
	return c.Channel.Enqueue(ctx, m)
}

// deadFirstBroker — первый открытый канал мёртв навсегда (соединение
// оборвалось), следующие рабочие
type deadFirstBroker struct {
	*broker.Memory
	opened int
}

func (b *deadFirstBroker) Open(ctx context.Context) (broker.Channel, error) {
	b.opened++
	ch, err := b.Memory.Open(ctx)
	if err != nil || b.opened > 1 {
		return ch, err
	}
	return &flakyChannel{Channel: ch, failures: 1 << 30}, nil
}

type fixedCounter int

func (f fixedCounter) Count(string) int { return int(f) }

type fixture struct {
	pub    *Publisher
	users  user.Service
	ledger ledger.Service
	tasks  *tasks.Memory
	broker *broker.Memory
	ch     *flakyChannel
	user   user.User
}

func newFixture(t *testing.T, balance string, enqueueFailures int) *fixture {
	t.Helper()
	ctx := context.Background()

	users := user.NewService(user.NewMemory())
	u, err := users.Register(ctx, "demo_user", user.RoleRegular, nil)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	led := ledger.NewService(ledger.NewMemory(), nil)
	if balance != "0" {
		if _, err := led.TopUp(ctx, u.ID, decimal.RequireFromString(balance), ""); err != nil {
			t.Fatalf("top up: %v", err)
		}
	}

	models := catalog.NewMemory()
	for _, m := range []catalog.Model{
		{Name: "Mock TTS", Provider: catalog.ProviderMock, CostPerPrediction: decimal.RequireFromString("5.00"),
			InputKind: catalog.KindText, OutputKind: catalog.KindAudio, Active: true},
		{Name: "Mock STT", Provider: catalog.ProviderMock, CostPerPrediction: decimal.RequireFromString("0.50"),
			InputKind: catalog.KindAudio, OutputKind: catalog.KindText, Active: true},
		{Name: "Retired", Provider: catalog.ProviderMock, CostPerPrediction: decimal.RequireFromString("1.00"),
			InputKind: catalog.KindText, OutputKind: catalog.KindAudio, Active: false},
	} {
		if _, err := models.Upsert(ctx, m); err != nil {
			t.Fatalf("model: %v", err)
		}
	}

	taskRepo := tasks.NewMemory(ledger.NewMemory())
	b := broker.NewMemory(time.Minute)
	inner, err := b.Open(ctx)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ch := &flakyChannel{Channel: inner, failures: enqueueFailures}

	pub := New(users, models, led, taskRepo, ch, fixedCounter(10), Options{
		Limits:          Limits{MaxTextTokens: 100, MaxAudioBytes: 1024},
		EnqueueAttempts: 2,
		BackoffBase:     time.Millisecond,
	}, zaptest.NewLogger(t))

	return &fixture{pub: pub, users: users, ledger: led, tasks: taskRepo, broker: b, ch: ch, user: u}
}

func TestSubmitPersistsThenEnqueues(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "10.00", 0)

	resp, err := f.pub.Submit(ctx, SubmitRequest{
		UserID: f.user.ID, ModelName: "Mock TTS", InputKind: catalog.KindText, Payload: []byte("привет"),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if resp.Status != tasks.StatusPending || resp.Cost != "5.00" {
		t.Fatalf("unexpected response %+v", resp)
	}

	task, err := f.tasks.Get(ctx, resp.TaskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != tasks.StatusPending || task.RetryCount != 0 || task.OutputKind != catalog.KindAudio {
		t.Fatalf("unexpected task %+v", task)
	}

	// деньги на допуске не списываются
	balance, _ := f.ledger.GetBalance(ctx, f.user.ID)
	if !balance.Equal(decimal.RequireFromString("10.00")) {
		t.Fatalf("balance must be untouched, got %s", balance)
	}

	if ready, _ := f.broker.Len(); ready != 1 {
		t.Fatalf("expected 1 queued message, got %d", ready)
	}
}

func TestSubmitValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "10.00", 0)

	cases := []struct {
		name string
		req  SubmitRequest
	}{
		{"нет модели", SubmitRequest{UserID: f.user.ID, ModelName: "GPT-9", InputKind: catalog.KindText, Payload: []byte("x")}},
		{"не тот тип входа", SubmitRequest{UserID: f.user.ID, ModelName: "Mock TTS", InputKind: catalog.KindAudio, Payload: []byte("x")}},
		{"неизвестный тип", SubmitRequest{UserID: f.user.ID, ModelName: "Mock TTS", InputKind: "video", Payload: []byte("x")}},
		{"пустой вход", SubmitRequest{UserID: f.user.ID, ModelName: "Mock TTS", InputKind: catalog.KindText}},
		{"модель выключена", SubmitRequest{UserID: f.user.ID, ModelName: "Retired", InputKind: catalog.KindText, Payload: []byte("x")}},
		{"большое аудио", SubmitRequest{UserID: f.user.ID, ModelName: "Mock STT", InputKind: catalog.KindAudio, Payload: make([]byte, 2048)}},
		{"нет пользователя", SubmitRequest{UserID: uuid.New(), ModelName: "Mock TTS", InputKind: catalog.KindText, Payload: []byte("x")}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if _, err := f.pub.Submit(ctx, c.req); !errors.Is(err, ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
		})
	}

	if ready, _ := f.broker.Len(); ready != 0 {
		t.Fatalf("rejected requests must not be queued, got %d", ready)
	}
}

func TestSubmitRejectsLongText(t *testing.T) {
	f := newFixture(t, "10.00", 0)
	f.pub.tokens = fixedCounter(500)

	_, err := f.pub.Submit(context.Background(), SubmitRequest{
		UserID: f.user.ID, ModelName: "Mock TTS", InputKind: catalog.KindText, Payload: []byte("long"),
	})
	if !errors.Is(err, ErrValidation) || !strings.Contains(err.Error(), "500 tokens") {
		t.Fatalf("expected token limit error, got %v", err)
	}
}

func TestSubmitAdmissionCheck(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "2.00", 0)

	_, err := f.pub.Submit(ctx, SubmitRequest{
		UserID: f.user.ID, ModelName: "Mock TTS", InputKind: catalog.KindText, Payload: []byte("x"),
	})
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	list, _ := f.tasks.ListForUser(ctx, f.user.ID, 0)
	if len(list) != 0 {
		t.Fatalf("no task must be created, got %d", len(list))
	}
}

func TestSubmitRetriesEnqueue(t *testing.T) {
	f := newFixture(t, "10.00", 1)

	if _, err := f.pub.Submit(context.Background(), SubmitRequest{
		UserID: f.user.ID, ModelName: "Mock TTS", InputKind: catalog.KindText, Payload: []byte("x"),
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if f.ch.calls != 2 {
		t.Fatalf("expected 2 enqueue attempts, got %d", f.ch.calls)
	}
}

func TestEnqueueFailureLeavesTaskPendingForReconciler(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "10.00", 2)

	resp, err := f.pub.Submit(ctx, SubmitRequest{
		UserID: f.user.ID, ModelName: "Mock TTS", InputKind: catalog.KindText, Payload: []byte("x"),
	})
	if !errors.Is(err, ErrEnqueue) {
		t.Fatalf("expected ErrEnqueue, got %v", err)
	}
	task, err := f.tasks.Get(ctx, resp.TaskID)
	if err != nil || task.Status != tasks.StatusPending {
		t.Fatalf("task must stay pending, got %+v %v", task, err)
	}
	if ready, _ := f.broker.Len(); ready != 0 {
		t.Fatalf("nothing must be queued, got %d", ready)
	}

	rec := NewReconciler(f.tasks, f.ch, time.Minute, zaptest.NewLogger(t))
	if n, _ := rec.RunOnce(ctx); n != 0 {
		t.Fatalf("fresh task must not be reconciled, got %d", n)
	}
	rec.now = func() time.Time { return time.Now().UTC().Add(2 * time.Minute) }
	n, err := rec.RunOnce(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 re-enqueued task, got %d", n)
	}
	if ready, _ := f.broker.Len(); ready != 1 {
		t.Fatalf("expected 1 queued message, got %d", ready)
	}
}

func TestSubmitWithIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "10.00", 0)
	key := uuid.New()

	req := SubmitRequest{
		UserID: f.user.ID, ModelName: "Mock TTS", InputKind: catalog.KindText,
		Payload: []byte("x"), IdempotencyKey: key,
	}
	first, err := f.pub.Submit(ctx, req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	second, err := f.pub.Submit(ctx, req)
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if first.TaskID != key || second.TaskID != key {
		t.Fatalf("task id must equal idempotency key")
	}
	list, _ := f.tasks.ListForUser(ctx, f.user.ID, 0)
	if len(list) != 1 {
		t.Fatalf("expected a single task, got %d", len(list))
	}

	other, _ := f.users.Register(ctx, "intruder", user.RoleRegular, nil)
	_, _ = f.ledger.TopUp(ctx, other.ID, decimal.RequireFromString("10"), "")
	req.UserID = other.ID
	if _, err := f.pub.Submit(ctx, req); !errors.Is(err, ErrValidation) {
		t.Fatalf("foreign key reuse must fail, got %v", err)
	}
}

func TestSubmitRecoversFromDeadChannel(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "20.00", 0)
	b := &deadFirstBroker{Memory: f.broker}
	sender := broker.NewSender(b, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = sender.Close() })
	f.pub.ch = sender
	f.pub.opts.EnqueueAttempts = 1

	req := SubmitRequest{UserID: f.user.ID, ModelName: "Mock TTS", InputKind: catalog.KindText, Payload: []byte("x")}
	if _, err := f.pub.Submit(ctx, req); !errors.Is(err, ErrEnqueue) {
		t.Fatalf("expected ErrEnqueue on dead channel, got %v", err)
	}
	resp, err := f.pub.Submit(ctx, req)
	if err != nil {
		t.Fatalf("submit after reopen: %v", err)
	}
	if b.opened != 2 {
		t.Fatalf("expected channel to be reopened once, got %d opens", b.opened)
	}
	d, err := func() (broker.Delivery, error) {
		ch, _ := f.broker.Open(ctx)
		defer ch.Close()
		return ch.Consume(ctx)
	}()
	if err != nil || d.Message.ID() != resp.TaskID {
		t.Fatalf("expected second task queued, got %+v %v", d, err)
	}
}

func TestReconcilerSendsStaleTaskOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "10.00", 2)

	if _, err := f.pub.Submit(ctx, SubmitRequest{
		UserID: f.user.ID, ModelName: "Mock TTS", InputKind: catalog.KindText, Payload: []byte("x"),
	}); !errors.Is(err, ErrEnqueue) {
		t.Fatalf("expected ErrEnqueue, got %v", err)
	}

	rec := NewReconciler(f.tasks, f.ch, time.Minute, zaptest.NewLogger(t))
	rec.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }
	total := 0
	for i := 0; i < 5; i++ {
		n, err := rec.RunOnce(ctx)
		if err != nil {
			t.Fatalf("reconcile #%d: %v", i, err)
		}
		total += n
	}
	if total != 1 {
		t.Fatalf("expected a single re-enqueue across ticks, got %d", total)
	}
	if ready, _ := f.broker.Len(); ready != 1 {
		t.Fatalf("expected 1 queued message, got %d", ready)
	}

	// простояла порог ещё раз: снова в очередь
	rec.now = func() time.Time { return time.Now().UTC().Add(2 * time.Hour) }
	if n, _ := rec.RunOnce(ctx); n != 1 {
		t.Fatalf("task stale again must be re-enqueued, got %d", n)
	}
}
