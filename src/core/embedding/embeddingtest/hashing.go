// Package embeddingtest provides a deterministic embedder for tests and local runs.
package embeddingtest

import (
	"context"
	"hash/fnv"
	"strings"
	"sync"
	"unicode"
)

// HashingProvider maps each lowercase word to a signed bucket of a fixed-size vector.
// Texts sharing words get a high cosine similarity; unrelated texts land near zero.
type HashingProvider struct {
	Dimension int

	mu    sync.Mutex
	calls int
	// Err, when set, is returned by every call
	Err error
}

func NewHashingProvider(dimension int) *HashingProvider {
	return &HashingProvider{Dimension: dimension}
}

func (p *HashingProvider) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	p.mu.Lock()
	p.calls++
	err := p.Err
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}

	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = p.Vector(t)
	}
	return out, nil
}

func (p *HashingProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	v, err := p.EmbedDocuments(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return v[0], nil
}

// Calls returns how many times EmbedDocuments was invoked
func (p *HashingProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// Vector embeds one text
func (p *HashingProvider) Vector(text string) []float32 {
	v := make([]float32, p.Dimension)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		h := fnv.New64a()
		_, _ = h.Write([]byte(w))
		sum := h.Sum64()
		idx := int(sum % uint64(p.Dimension))
		if (sum>>63)&1 == 1 {
			v[idx]--
		} else {
			v[idx]++
		}
	}
	return v
}
