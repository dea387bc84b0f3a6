// Package tokenizer resolves model names to token-counting codecs.
// Resolution is cached per model name for the life of the process so repeated
// requests for the same model reuse one codec.
package tokenizer

import (
	"log/slog"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Codec counts the discrete tokens a piece of text produces. Counts must be
// deterministic for a fixed text within a process.
type Codec interface {
	Count(text string) int
}

// Factory builds a Codec for a named encoding. It exists so tests can inject
// a stub instead of loading real BPE tables.
type Factory func(encoding string) (Codec, error)

// modelEncodings maps the model names this gateway recognizes to tiktoken
// encodings. Anything else falls back to the resolver's configured encoding.
var modelEncodings = map[string]string{
	"gpt-4":         "cl100k_base",
	"gpt4":          "cl100k_base",
	"gpt-3.5-turbo": "cl100k_base",
	"gpt-4o":        "o200k_base",
	"gpt-4o-mini":   "o200k_base",
}

// Resolver hands out codecs by model name. The cache is keyed by the model
// name as requested, not by the underlying encoding, and is never evicted.
type Resolver struct {
	mu       sync.RWMutex
	factory  Factory
	fallback string
	cache    map[string]Codec
}

// NewResolver builds a resolver using the given codec factory. A nil factory
// uses tiktoken. fallbackEncoding is applied to unknown model names;
// empty means cl100k_base.
func NewResolver(factory Factory, fallbackEncoding string) *Resolver {
	if factory == nil {
		factory = tiktokenFactory
	}
	if fallbackEncoding == "" {
		fallbackEncoding = "cl100k_base"
	}
	return &Resolver{
		factory:  factory,
		fallback: fallbackEncoding,
		cache:    make(map[string]Codec),
	}
}

// Resolve returns the codec for a model name, building and caching it on
// first use. Unknown models resolve to the fallback encoding, and a factory
// failure degrades to a character-based heuristic: counting must never block
// generation.
func (r *Resolver) Resolve(model string) Codec {
	r.mu.RLock()
	codec, ok := r.cache[model]
	r.mu.RUnlock()
	if ok {
		return codec
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if codec, ok := r.cache[model]; ok {
		return codec
	}

	encoding, ok := modelEncodings[model]
	if !ok {
		encoding = r.fallback
	}

	codec, err := r.factory(encoding)
	if err != nil {
		slog.Warn("tokenizer unavailable, using heuristic counter",
			"model", model,
			"encoding", encoding,
			"error", err,
		)
		codec = heuristicCodec{}
	}

	r.cache[model] = codec
	return codec
}

// Count counts tokens in text using the codec resolved for model.
func (r *Resolver) Count(text, model string) int {
	return r.Resolve(model).Count(text)
}

func tiktokenFactory(encoding string) (Codec, error) {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, err
	}
	return tiktokenCodec{enc: enc}, nil
}

type tiktokenCodec struct {
	enc *tiktoken.Tiktoken
}

// Count allows all special tokens so inputs containing sequences like
// "<|endoftext|>" are counted rather than rejected.
func (c tiktokenCodec) Count(text string) int {
	if text == "" {
		return 0
	}
	return len(c.enc.Encode(text, []string{"all"}, nil))
}

// heuristicCodec estimates one token per three bytes, minimum one for
// non-empty text. Used only when a real codec cannot be constructed.
type heuristicCodec struct{}

func (heuristicCodec) Count(text string) int {
	if text == "" {
		return 0
	}
	estimate := len(text) / 3
	if estimate < 1 {
		estimate = 1
	}
	return estimate
}
