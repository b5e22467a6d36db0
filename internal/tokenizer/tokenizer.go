package tokenizer

import (
	"strings"

	"github.com/pkoukk/tiktoken-go"
)

// Tokenizer estimates how many tokens a model will consume for a text.
// The dispatcher only needs an estimate good enough for cost accounting,
// so implementations may approximate.
type Tokenizer interface {
	Count(model, text string) int
}

// Heuristic approximates token usage as word count x 1.3. It needs no model
// data and works for any provider.
type Heuristic struct{}

func (Heuristic) Count(model, text string) int {
	return int(float64(len(strings.Fields(text))) * 1.3)
}

// Tiktoken counts with the model's BPE encoding, falling back to cl100k_base
// for unknown models and to the heuristic if no encoding can be loaded.
type Tiktoken struct{}

func (Tiktoken) Count(model, text string) int {
	tkm, err := tiktoken.EncodingForModel(model)
	if err != nil {
		tkm, err = tiktoken.GetEncoding("cl100k_base")
	}
	if err != nil || tkm == nil {
		return Heuristic{}.Count(model, text)
	}
	return len(tkm.Encode(text, nil, nil))
}
