package tasks

import (
	"context"
	"time"

	"github.com/Vovarama1992/whoisalice/internal/user"
	"github.com/google/uuid"
)

// View — то, что видит клиент при опросе задачи
type View struct {
	TaskID    uuid.UUID   `json:"task_id"`
	Status    Status      `json:"status"`
	Model     string      `json:"model"`
	Cost      string      `json:"cost"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
	Result    *ResultView `json:"result,omitempty"`
}

type ResultView struct {
	ContentType string    `json:"content_type,omitempty"`
	Text        string    `json:"text,omitempty"`
	URL         string    `json:"url,omitempty"`
	ErrorCode   ErrorCode `json:"error_code,omitempty"`
	Error       string    `json:"error,omitempty"`
}

func (t Task) View() View {
	v := View{
		TaskID:    t.ID,
		Status:    t.Status,
		Model:     t.ModelName,
		Cost:      t.Cost.StringFixed(2),
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
	}
	if t.Result == nil || !t.Status.Terminal() {
		return v
	}

	r := t.Result
	rv := &ResultView{URL: r.URL}
	if r.Failed() {
		rv.ErrorCode = r.ErrorCode
		rv.Error = r.ErrorDetail
	} else {
		rv.ContentType = r.ContentType
		// текст отдаём inline, аудио ссылкой или через /result
		if r.ContentType == "" || r.ContentType == "text/plain; charset=utf-8" || r.ContentType == "text/plain" {
			rv.Text = string(r.Data)
		}
	}
	v.Result = rv
	return v
}

// StatusService — read-only проекция задач для опроса
type StatusService struct {
	repo Repo
}

func NewStatusService(repo Repo) *StatusService {
	return &StatusService{repo: repo}
}

// Get — задачу видит владелец или админ
func (s *StatusService) Get(ctx context.Context, viewer user.User, id uuid.UUID) (Task, error) {
	t, err := s.repo.Get(ctx, id)
	if err != nil {
		return Task{}, err
	}
	if t.UserID != viewer.ID && !viewer.IsAdmin() {
		return Task{}, ErrForbidden
	}
	return t, nil
}

func (s *StatusService) List(ctx context.Context, viewer user.User, limit int) ([]Task, error) {
	return s.repo.ListForUser(ctx, viewer.ID, limit)
}
