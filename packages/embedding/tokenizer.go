package embedding

import (
	"fmt"
	"log/slog"

	"github.com/pkoukk/tiktoken-go"
)

const fallbackEncoding = "cl100k_base"

type Tokenizer interface {
	Encode(text string) []int
	Decode(tokens []int) string
}

type tiktokenTokenizer struct {
	enc *tiktoken.Tiktoken
}

// NewTokenizer returns the tokenizer registered for model, or cl100k_base
// when the model is unknown to tiktoken.
func NewTokenizer(model string) (Tokenizer, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		slog.Debug("No tokenizer registered for model, using fallback", "model", model, "encoding", fallbackEncoding)
		enc, err = tiktoken.GetEncoding(fallbackEncoding)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s encoding: %w", fallbackEncoding, err)
		}
	}
	return tiktokenTokenizer{enc: enc}, nil
}

func (t tiktokenTokenizer) Encode(text string) []int {
	return t.enc.Encode(text, nil, nil)
}

func (t tiktokenTokenizer) Decode(tokens []int) string {
	return t.enc.Decode(tokens)
}

// Truncate keeps the first ceiling-1 tokens of a text longer than ceiling
// tokens. It returns the text to send, its token count and whether it was cut.
func Truncate(tok Tokenizer, text string, ceiling int) (string, int, bool) {
	tokens := tok.Encode(text)
	if ceiling <= 0 || len(tokens) <= ceiling {
		return text, len(tokens), false
	}
	kept := tokens[:ceiling-1]
	return tok.Decode(kept), len(kept), true
}
