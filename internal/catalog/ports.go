package catalog

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type DataKind string

const (
	KindText  DataKind = "text"
	KindAudio DataKind = "audio"
)

func (k DataKind) Valid() bool {
	return k == KindText || k == KindAudio
}

const (
	ProviderOpenAI     = "openai"
	ProviderElevenLabs = "elevenlabs"
	ProviderDeepgram   = "deepgram"
	ProviderMock       = "mock"
)

var (
	ErrNotFound     = errors.New("model not found")
	ErrInvalidModel = errors.New("invalid model")
)

type Model struct {
	ID                uuid.UUID       `yaml:"-"`
	Name              string          `yaml:"name"`
	Provider          string          `yaml:"provider"`
	ProviderModel     string          `yaml:"provider_model"`
	CostPerPrediction decimal.Decimal `yaml:"-"`
	InputKind         DataKind        `yaml:"input_kind"`
	OutputKind        DataKind        `yaml:"output_kind"`
	Active            bool            `yaml:"-"`
	CreatedAt         time.Time       `yaml:"-"`
}

func (m Model) Validate() error {
	switch {
	case m.Name == "":
		return errors.Join(ErrInvalidModel, errors.New("empty name"))
	case m.Provider == "":
		return errors.Join(ErrInvalidModel, errors.New("empty provider"))
	case !m.CostPerPrediction.IsPositive():
		return errors.Join(ErrInvalidModel, errors.New("cost must be positive"))
	case !m.CostPerPrediction.Equal(m.CostPerPrediction.Round(2)):
		return errors.Join(ErrInvalidModel, errors.New("cost must be in whole cents"))
	case !m.InputKind.Valid() || !m.OutputKind.Valid():
		return errors.Join(ErrInvalidModel, errors.New("unknown data kind"))
	}
	return nil
}

// Accepts — принимает ли модель такой тип входа
func (m Model) Accepts(kind DataKind) bool {
	return m.Active && m.InputKind == kind
}

type Repo interface {
	Get(ctx context.Context, id uuid.UUID) (Model, error)
	GetByName(ctx context.Context, name string) (Model, error)
	List(ctx context.Context) ([]Model, error)
	// Upsert — по имени; id существующей модели сохраняется
	Upsert(ctx context.Context, m Model) (Model, error)
}
