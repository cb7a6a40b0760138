package inference

import (
	"context"
	"errors"

	"github.com/Vovarama1992/whoisalice/internal/catalog"
)

var (
	ErrModelUnavailable = errors.New("model not available")
	ErrInvalidInput     = errors.New("invalid input for model")
	ErrProvider         = errors.New("provider error")
)

type Request struct {
	Model      catalog.Model
	Payload    []byte
	InputKind  catalog.DataKind
	OutputKind catalog.DataKind
}

type Output struct {
	Data        []byte
	ContentType string
}

const (
	ContentTypeText = "text/plain; charset=utf-8"
	ContentTypeMP3  = "audio/mpeg"
)

// Provider — внешний движок инференса, чёрный ящик со своими таймаутами
type Provider interface {
	Invoke(ctx context.Context, req Request) (Output, error)
}
