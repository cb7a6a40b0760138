package inference

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/Vovarama1992/whoisalice/internal/catalog"
	"github.com/goccy/go-json"
)

const deepgramBaseURL = "https://api.deepgram.com"

// DeepgramProvider — SPEECH -> TEXT
type DeepgramProvider struct {
	apiKey   string
	language string
	baseURL  string
	client   *http.Client
}

func NewDeepgramProvider(apiKey, language string) *DeepgramProvider {
	return &DeepgramProvider{
		apiKey:   apiKey,
		language: language,
		baseURL:  deepgramBaseURL,
		client:   &http.Client{},
	}
}

func (p *DeepgramProvider) WithBaseURL(u string) *DeepgramProvider {
	p.baseURL = strings.TrimRight(u, "/")
	return p
}

func (p *DeepgramProvider) Invoke(ctx context.Context, req Request) (Output, error) {
	if req.InputKind != catalog.KindAudio || req.OutputKind != catalog.KindText {
		return Output{}, fmt.Errorf("%w: deepgram only does audio -> text", ErrModelUnavailable)
	}

	model := req.Model.ProviderModel
	if model == "" {
		model = "nova-2"
	}
	q := url.Values{}
	q.Set("model", model)
	q.Set("smart_format", "true")
	if p.language != "" {
		q.Set("language", p.language)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/v1/listen?"+q.Encode(), bytes.NewReader(req.Payload))
	if err != nil {
		return Output{}, err
	}
	httpReq.Header.Set("Authorization", "Token "+p.apiKey)
	httpReq.Header.Set("Content-Type", "audio/ogg")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return Output{}, fmt.Errorf("%w: deepgram request: %v", ErrProvider, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return Output{}, classifyStatus("deepgram", resp.StatusCode, string(body))
	}

	var parsed struct {
		Results struct {
			Channels []struct {
				Alternatives []struct {
					Transcript string `json:"transcript"`
				} `json:"alternatives"`
			} `json:"channels"`
		} `json:"results"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Output{}, fmt.Errorf("%w: decode deepgram: %v", ErrProvider, err)
	}
	if len(parsed.Results.Channels) == 0 ||
		len(parsed.Results.Channels[0].Alternatives) == 0 {
		return Output{}, fmt.Errorf("%w: deepgram: empty transcript", ErrInvalidInput)
	}

	text := parsed.Results.Channels[0].Alternatives[0].Transcript
	return Output{Data: []byte(text), ContentType: ContentTypeText}, nil
}
