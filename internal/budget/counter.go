package budget

import (
	"sync"
	"unicode/utf8"

	"github.com/tiktoken-go/tokenizer"
)

// Counter estimates how many tokens text costs for model. Implementations
// must be deterministic and monotonic in the length of text.
type Counter interface {
	Count(model, text string) int
}

// Heuristic charges one token per four characters, rounded up.
type Heuristic struct{}

func (Heuristic) Count(_ string, text string) int {
	n := utf8.RuneCountInString(text)
	return (n + 3) / 4
}

// Tiktoken counts with the model's BPE codec. Models tiktoken does not know
// are charged by the heuristic.
type Tiktoken struct {
	codecs sync.Map // model -> tokenizer.Codec or nil
}

func NewTiktoken() *Tiktoken {
	return &Tiktoken{}
}

func (t *Tiktoken) Count(model, text string) int {
	codec := t.codec(model)
	if codec == nil {
		return Heuristic{}.Count(model, text)
	}
	ids, _, err := codec.Encode(text)
	if err != nil {
		return Heuristic{}.Count(model, text)
	}
	return len(ids)
}

func (t *Tiktoken) codec(model string) tokenizer.Codec {
	if v, ok := t.codecs.Load(model); ok {
		c, _ := v.(tokenizer.Codec)
		return c
	}
	c, err := tokenizer.ForModel(tokenizer.Model(model))
	if err != nil {
		t.codecs.Store(model, nil)
		return nil
	}
	t.codecs.Store(model, c)
	return c
}
