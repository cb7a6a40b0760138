package inference

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/Vovarama1992/whoisalice/internal/catalog"
	openai "github.com/sashabaranov/go-openai"
)

// OpenAIProvider — Whisper для audio->text и TTS для text->audio
type OpenAIProvider struct {
	client *openai.Client
}

func NewOpenAIProvider(apiKey string) *OpenAIProvider {
	return &OpenAIProvider{client: openai.NewClient(apiKey)}
}

// NewOpenAIProviderWithConfig — для своего base url (прокси, тесты)
func NewOpenAIProviderWithConfig(cfg openai.ClientConfig) *OpenAIProvider {
	return &OpenAIProvider{client: openai.NewClientWithConfig(cfg)}
}

func (p *OpenAIProvider) Invoke(ctx context.Context, req Request) (Output, error) {
	switch {
	case req.InputKind == catalog.KindAudio && req.OutputKind == catalog.KindText:
		return p.transcribe(ctx, req)
	case req.InputKind == catalog.KindText && req.OutputKind == catalog.KindAudio:
		return p.speak(ctx, req)
	}
	return Output{}, fmt.Errorf("%w: openai: %s -> %s", ErrModelUnavailable, req.InputKind, req.OutputKind)
}

func (p *OpenAIProvider) transcribe(ctx context.Context, req Request) (Output, error) {
	model := req.Model.ProviderModel
	if model == "" {
		model = openai.Whisper1
	}
	resp, err := p.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    model,
		FilePath: "audio.ogg",
		Reader:   bytes.NewReader(req.Payload),
	})
	if err != nil {
		return Output{}, classifyOpenAI(err)
	}
	return Output{Data: []byte(resp.Text), ContentType: ContentTypeText}, nil
}

func (p *OpenAIProvider) speak(ctx context.Context, req Request) (Output, error) {
	model := openai.SpeechModel(req.Model.ProviderModel)
	if model == "" {
		model = openai.TTSModel1
	}
	resp, err := p.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          model,
		Input:          string(req.Payload),
		Voice:          openai.VoiceAlloy,
		ResponseFormat: openai.SpeechResponseFormatMp3,
	})
	if err != nil {
		return Output{}, classifyOpenAI(err)
	}
	defer resp.Close()

	audio, err := io.ReadAll(resp)
	if err != nil {
		return Output{}, fmt.Errorf("%w: openai: read speech: %v", ErrProvider, err)
	}
	return Output{Data: audio, ContentType: ContentTypeMP3}, nil
}
