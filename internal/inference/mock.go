package inference

import (
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/Vovarama1992/whoisalice/internal/catalog"
)

// MockProvider — детерминированный ответ без внешних вызовов
type MockProvider struct{}

func (MockProvider) Invoke(ctx context.Context, req Request) (Output, error) {
	if err := ctx.Err(); err != nil {
		return Output{}, err
	}

	switch {
	case req.InputKind == catalog.KindText && req.OutputKind == catalog.KindAudio:
		if !utf8.Valid(req.Payload) {
			return Output{}, fmt.Errorf("%w: text is not valid utf-8", ErrInvalidInput)
		}
		return Output{
			Data:        []byte("MOCK-MP3:" + string(req.Payload)),
			ContentType: ContentTypeMP3,
		}, nil
	case req.InputKind == catalog.KindAudio && req.OutputKind == catalog.KindText:
		text := fmt.Sprintf("Mock transcription of %d bytes of audio", len(req.Payload))
		return Output{Data: []byte(text), ContentType: ContentTypeText}, nil
	}
	return Output{}, fmt.Errorf("%w: mock: %s -> %s", ErrModelUnavailable, req.InputKind, req.OutputKind)
}
