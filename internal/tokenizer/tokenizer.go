// Package tokenizer wraps tiktoken so token counts line up with what the
// embedding model actually sees.
package tokenizer

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// DefaultEncoding is used when a model name has no registered encoding.
// cl100k_base is compatible with most modern embedding models.
const DefaultEncoding = "cl100k_base"

// Codec encodes text to token ids and back. Implementations must be safe
// for concurrent use.
type Codec interface {
	Encode(text string) []int
	Decode(tokens []int) string
	Count(text string) int
}

// Tiktoken is the tiktoken-backed Codec.
type Tiktoken struct {
	enc *tiktoken.Tiktoken
}

var _ Codec = (*Tiktoken)(nil)

// ForModel resolves the encoding registered for the model name, falling
// back to DefaultEncoding for unknown models.
func ForModel(model string) (*Tiktoken, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding(DefaultEncoding)
		if err != nil {
			return nil, fmt.Errorf("load encoding %s: %w", DefaultEncoding, err)
		}
	}
	return &Tiktoken{enc: enc}, nil
}

func (t *Tiktoken) Encode(text string) []int {
	return t.enc.Encode(text, nil, nil)
}

func (t *Tiktoken) Decode(tokens []int) string {
	return t.enc.Decode(tokens)
}

func (t *Tiktoken) Count(text string) int {
	return len(t.enc.Encode(text, nil, nil))
}
