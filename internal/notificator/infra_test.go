package notificator

import (
	"context"
	"errors"
	"strings"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

type fakeSender struct {
	sent []tgbotapi.MessageConfig
	err  error
}

func (f *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if f.err != nil {
		return tgbotapi.Message{}, f.err
	}
	f.sent = append(f.sent, c.(tgbotapi.MessageConfig))
	return tgbotapi.Message{}, nil
}

func TestNotifyReachesAllAdmins(t *testing.T) {
	s := &fakeSender{}
	n := NewInfra(s, []int64{1, 2})

	if err := n.Notify(context.Background(), errors.New("boom"), "task 42"); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if len(s.sent) != 2 || s.sent[1].ChatID != 2 {
		t.Fatalf("unexpected messages %+v", s.sent)
	}
	if !strings.Contains(s.sent[0].Text, "boom") || !strings.Contains(s.sent[0].Text, "task 42") {
		t.Fatalf("unexpected text %q", s.sent[0].Text)
	}
}

func TestUserNotifyPropagatesError(t *testing.T) {
	n := NewInfra(&fakeSender{err: errors.New("blocked")}, nil)
	if err := n.UserNotify(context.Background(), 7, "готово"); err == nil {
		t.Fatalf("expected send error")
	}
}
