package broker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/rs/xid"
	"go.uber.org/zap"
)

const notifyChannel = "task_queue"

// Postgres — очередь на таблице task_queue: SKIP LOCKED для выдачи,
// LISTEN/NOTIFY для пробуждения, опрос как запасной вариант
type Postgres struct {
	db         *sql.DB
	dsn        string
	visibility time.Duration
	poll       time.Duration
	log        *zap.Logger
}

func NewPostgres(db *sql.DB, dsn string, visibility, poll time.Duration, log *zap.Logger) *Postgres {
	if visibility <= 0 {
		visibility = 5 * time.Minute
	}
	if poll <= 0 {
		poll = 2 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Postgres{db: db, dsn: dsn, visibility: visibility, poll: poll, log: log.Named("pg-broker")}
}

// Open — канал без соединений: LISTEN поднимается только при первом Consume,
// публикующему каналу слушатель не нужен
func (b *Postgres) Open(_ context.Context) (Channel, error) {
	return &pgChannel{b: b, id: "pg-" + xid.New().String()}, nil
}

func (b *Postgres) listen() (*pq.Listener, error) {
	l := pq.NewListener(b.dsn, time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			b.log.Warn("listener event", zap.Int("event", int(ev)), zap.Error(err))
		}
	})
	if err := l.Listen(notifyChannel); err != nil {
		_ = l.Close()
		return nil, fmt.Errorf("listen %s: %w", notifyChannel, err)
	}
	return l, nil
}

// Close — соединение с базой принадлежит вызывающему
func (b *Postgres) Close() error { return nil }

type pgChannel struct {
	b  *Postgres
	id string

	mu           sync.Mutex
	listener     *pq.Listener
	listenFailed bool
	counter      uint64
	unacked      string
	closed       bool
}

func (c *pgChannel) Enqueue(ctx context.Context, m Message) error {
	if c.isClosed() {
		return ErrClosed
	}
	body, err := m.Encode()
	if err != nil {
		return err
	}
	taskID, err := uuid.Parse(m.TaskID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadMessage, err)
	}

	if _, err := c.b.db.ExecContext(ctx, `
		INSERT INTO task_queue (task_id, payload) VALUES ($1, $2)
	`, taskID, body); err != nil {
		return fmt.Errorf("insert queue row: %w", err)
	}
	if _, err := c.b.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, m.TaskID); err != nil {
		// сообщение уже в таблице, консьюмеры увидят его по опросу
		c.b.log.Warn("notify failed", zap.Error(err))
	}
	return nil
}

func (c *pgChannel) Consume(ctx context.Context) (Delivery, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Delivery{}, ErrClosed
	}
	if c.unacked != "" {
		c.mu.Unlock()
		return Delivery{}, ErrPrefetch
	}
	notify := c.notificationsLocked()
	c.mu.Unlock()

	ticker := time.NewTicker(c.b.poll)
	defer ticker.Stop()

	for {
		drain(notify)
		d, ok, err := c.claim(ctx)
		if err != nil {
			return Delivery{}, err
		}
		if ok {
			return d, nil
		}

		select {
		case <-ctx.Done():
			return Delivery{}, ctx.Err()
		case <-notify:
		case <-ticker.C:
		}
		if c.isClosed() {
			return Delivery{}, ErrClosed
		}
	}
}

// notificationsLocked — лениво поднимает LISTEN. Без него канал живёт на опросе
func (c *pgChannel) notificationsLocked() <-chan *pq.Notification {
	if c.listener == nil && c.b.dsn != "" && !c.listenFailed {
		l, err := c.b.listen()
		if err != nil {
			c.listenFailed = true
			c.b.log.Warn("listen failed, falling back to polling", zap.Error(err))
			return nil
		}
		c.listener = l
	}
	if c.listener == nil {
		return nil
	}
	return c.listener.Notify
}

// drain — одна выборка из таблицы покрывает все накопившиеся уведомления
func drain(notify <-chan *pq.Notification) {
	for {
		select {
		case _, ok := <-notify:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

func (c *pgChannel) claim(ctx context.Context) (Delivery, bool, error) {
	c.mu.Lock()
	c.counter++
	receipt := fmt.Sprintf("pg:%s:%d", c.id, c.counter)
	c.mu.Unlock()

	var (
		body       []byte
		deliveries int
	)
	err := c.b.db.QueryRowContext(ctx, `
		UPDATE task_queue
		SET receipt = $1, consumer = $2, deliveries = deliveries + 1,
		    visible_at = now() + ($3 * interval '1 millisecond')
		WHERE id = (
			SELECT id FROM task_queue
			WHERE visible_at <= now()
			ORDER BY id
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING payload, deliveries
	`, receipt, c.id, c.b.visibility.Milliseconds()).Scan(&body, &deliveries)
	if errors.Is(err, sql.ErrNoRows) {
		return Delivery{}, false, nil
	}
	if err != nil {
		return Delivery{}, false, fmt.Errorf("claim queue row: %w", err)
	}

	m, err := Decode(body)
	if err != nil {
		// битое сообщение выкидываем, иначе оно будет возвращаться вечно
		c.b.log.Error("drop malformed message", zap.String("receipt", receipt), zap.Error(err))
		_, _ = c.b.db.ExecContext(ctx, `DELETE FROM task_queue WHERE receipt = $1`, receipt)
		return Delivery{}, false, nil
	}

	c.mu.Lock()
	c.unacked = receipt
	c.mu.Unlock()
	return Delivery{Message: m, Receipt: receipt, Redelivered: deliveries > 1}, true, nil
}

func (c *pgChannel) Ack(ctx context.Context, d Delivery) error {
	return c.finish(ctx, d, `DELETE FROM task_queue WHERE receipt = $1`)
}

func (c *pgChannel) Nack(ctx context.Context, d Delivery, requeue bool) error {
	if !requeue {
		return c.finish(ctx, d, `DELETE FROM task_queue WHERE receipt = $1`)
	}
	return c.finish(ctx, d, `
		UPDATE task_queue SET receipt = NULL, consumer = NULL, visible_at = now()
		WHERE receipt = $1
	`)
}

func (c *pgChannel) finish(ctx context.Context, d Delivery, query string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.unacked != d.Receipt {
		c.mu.Unlock()
		return ErrUnknownDelivery
	}
	c.unacked = ""
	c.mu.Unlock()

	res, err := c.b.db.ExecContext(ctx, query, d.Receipt)
	if err != nil {
		return fmt.Errorf("settle queue row: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// таймаут видимости истёк и сообщение уже забрал другой
		return ErrUnknownDelivery
	}
	return nil
}

func (c *pgChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.unacked = ""
	listener := c.listener
	c.listener = nil
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := c.b.db.ExecContext(ctx, `
		UPDATE task_queue SET receipt = NULL, consumer = NULL, visible_at = now()
		WHERE consumer = $1
	`, c.id)

	if listener != nil {
		if lerr := listener.Close(); lerr != nil && err == nil {
			err = lerr
		}
	}
	return err
}

func (c *pgChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
