package notificator

import (
	"context"
	"fmt"
	"log"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Sender — то, что нужно от telegram клиента
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

type Infra struct {
	bot    Sender
	admins []int64
}

func NewTelegram(token string, admins []int64) (*Infra, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("init telegram bot: %w", err)
	}
	return NewInfra(bot, admins), nil
}

func NewInfra(bot Sender, admins []int64) *Infra {
	return &Infra{bot: bot, admins: admins}
}

func (i *Infra) Notify(ctx context.Context, err error, details string) error {
	text := fmt.Sprintf(
		"❗ Ошибка в очереди предсказаний\n\nОшибка: %v\n\nДетали: %s",
		err,
		details,
	)

	for _, chatID := range i.admins {
		if _, sendErr := i.bot.Send(tgbotapi.NewMessage(chatID, text)); sendErr != nil {
			log.Printf("[notificator] send fail to %d: %v", chatID, sendErr)
			return sendErr
		}
	}
	return nil
}

func (i *Infra) UserNotify(ctx context.Context, chatID int64, text string) error {
	_, err := i.bot.Send(tgbotapi.NewMessage(chatID, text))
	return err
}

// Nop — когда телеграм не настроен
type Nop struct{}

func (Nop) Notify(context.Context, error, string) error     { return nil }
func (Nop) UserNotify(context.Context, int64, string) error { return nil }
