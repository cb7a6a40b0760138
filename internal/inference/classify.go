package inference

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// classifyStatus — http статус провайдера в нашу таксономию
func classifyStatus(provider string, status int, body string) error {
	switch {
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: %s: %s", ErrModelUnavailable, provider, body)
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity || status == http.StatusRequestEntityTooLarge:
		if strings.Contains(strings.ToLower(body), "not supported") {
			return fmt.Errorf("%w: %s: %s", ErrModelUnavailable, provider, body)
		}
		return fmt.Errorf("%w: %s: %s", ErrInvalidInput, provider, body)
	default:
		return fmt.Errorf("%w: %s: status %d: %s", ErrProvider, provider, status, body)
	}
}

func classifyOpenAI(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return classifyStatus("openai", apiErr.HTTPStatusCode, apiErr.Message)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return classifyStatus("openai", reqErr.HTTPStatusCode, reqErr.Error())
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "status code: 404"), strings.Contains(msg, "not supported"):
		return fmt.Errorf("%w: openai: %v", ErrModelUnavailable, err)
	case strings.Contains(msg, "status code: 400"):
		return fmt.Errorf("%w: openai: %v", ErrInvalidInput, err)
	}
	return fmt.Errorf("%w: openai: %v", ErrProvider, err)
}
