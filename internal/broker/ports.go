package broker

import (
	"context"
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

var (
	ErrClosed          = errors.New("channel closed")
	ErrPrefetch        = errors.New("previous delivery is not acknowledged")
	ErrUnknownDelivery = errors.New("delivery is not in flight on this channel")
	ErrBadMessage      = errors.New("malformed queue message")
)

// Message — в очереди только id задачи, всё остальное воркер перечитывает
type Message struct {
	TaskID string `json:"task_id"`
}

func NewMessage(taskID uuid.UUID) Message {
	return Message{TaskID: taskID.String()}
}

func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

func Decode(body []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(body, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrBadMessage, err)
	}
	if _, err := uuid.Parse(m.TaskID); err != nil {
		return Message{}, fmt.Errorf("%w: task_id %q", ErrBadMessage, m.TaskID)
	}
	return m, nil
}

func (m Message) ID() uuid.UUID {
	id, _ := uuid.Parse(m.TaskID)
	return id
}

// Delivery — сообщение, выданное каналу и ждущее ack/nack
type Delivery struct {
	Message     Message
	Receipt     string
	Redelivered bool
}

// Channel — явно открытый хэндл очереди. Не больше одного неподтверждённого
// сообщения (prefetch = 1); при закрытии неподтверждённое возвращается в очередь
type Channel interface {
	Enqueue(ctx context.Context, m Message) error
	// Consume — блокирует до появления сообщения или отмены ctx
	Consume(ctx context.Context) (Delivery, error)
	Ack(ctx context.Context, d Delivery) error
	Nack(ctx context.Context, d Delivery, requeue bool) error
	Close() error
}

type Broker interface {
	Open(ctx context.Context) (Channel, error)
	Close() error
}
