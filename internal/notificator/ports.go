package notificator

import "context"

type Notificator interface {
	// Notify — сообщение об операционной ошибке админам
	Notify(ctx context.Context, err error, details string) error
	// UserNotify — сообщение пользователю в его чат
	UserNotify(ctx context.Context, chatID int64, text string) error
}
