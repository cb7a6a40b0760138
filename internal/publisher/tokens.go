package publisher

import (
	"sync"
	"unicode/utf8"

	tiktoken "github.com/pkoukk/tiktoken-go"
)

// TiktokenCounter — считает токены энкодером модели; если словарь
// недоступен (нет сети), падает на грубую оценку
type TiktokenCounter struct {
	model string
	once  sync.Once
	enc   *tiktoken.Tiktoken
	err   error
}

func NewTiktokenCounter(model string) *TiktokenCounter {
	return &TiktokenCounter{model: model}
}

func (c *TiktokenCounter) Count(text string) int {
	c.once.Do(func() {
		c.enc, c.err = tiktoken.EncodingForModel(c.model)
	})
	if c.err != nil {
		return approxTokens(text)
	}
	return len(c.enc.Encode(text, nil, nil))
}

func approxTokens(text string) int {
	return (utf8.RuneCountInString(text) + 3) / 4
}

type approxCounter struct{}

func (approxCounter) Count(text string) int { return approxTokens(text) }
