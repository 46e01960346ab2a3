package chat

import (
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

var (
	codec     tokenizer.Codec
	codecOnce sync.Once
	codecErr  error
)

// getCodec returns the cl100k_base tokenizer.
func getCodec() (tokenizer.Codec, error) {
	codecOnce.Do(func() {
		codec, codecErr = tokenizer.Get(tokenizer.Cl100kBase)
	})
	return codec, codecErr
}

// CountTokens returns an approximate token count for text.
func CountTokens(text string) (int, error) {
	if text == "" {
		return 0, nil
	}
	c, err := getCodec()
	if err != nil {
		return 0, err
	}
	ids, _, err := c.Encode(text)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// countTokensSimple returns the token count, defaulting to 0 on error.
func countTokensSimple(text string) int {
	n, err := CountTokens(text)
	if err != nil {
		return 0
	}
	return n
}
