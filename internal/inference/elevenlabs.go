package inference

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/Vovarama1992/whoisalice/internal/catalog"
	"github.com/goccy/go-json"
)

const elevenLabsBaseURL = "https://api.elevenlabs.io"

// ElevenLabsProvider — TEXT -> SPEECH
type ElevenLabsProvider struct {
	apiKey  string
	voiceID string
	baseURL string
	client  *http.Client
}

func NewElevenLabsProvider(apiKey, voiceID string) *ElevenLabsProvider {
	return &ElevenLabsProvider{
		apiKey:  apiKey,
		voiceID: voiceID,
		baseURL: elevenLabsBaseURL,
		client:  &http.Client{},
	}
}

func (p *ElevenLabsProvider) WithBaseURL(u string) *ElevenLabsProvider {
	p.baseURL = strings.TrimRight(u, "/")
	return p
}

func (p *ElevenLabsProvider) Invoke(ctx context.Context, req Request) (Output, error) {
	if req.InputKind != catalog.KindText || req.OutputKind != catalog.KindAudio {
		return Output{}, fmt.Errorf("%w: elevenlabs only does text -> audio", ErrModelUnavailable)
	}

	payload, err := json.Marshal(map[string]string{
		"text":     string(req.Payload),
		"model_id": req.Model.ProviderModel,
	})
	if err != nil {
		return Output{}, err
	}

	url := fmt.Sprintf("%s/v1/text-to-speech/%s", p.baseURL, p.voiceID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return Output{}, err
	}
	httpReq.Header.Set("xi-api-key", p.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", ContentTypeMP3)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return Output{}, fmt.Errorf("%w: elevenlabs request: %v", ErrProvider, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Output{}, fmt.Errorf("%w: elevenlabs read: %v", ErrProvider, err)
	}
	if resp.StatusCode >= 300 {
		return Output{}, classifyStatus("elevenlabs", resp.StatusCode, string(body))
	}
	return Output{Data: body, ContentType: ContentTypeMP3}, nil
}
