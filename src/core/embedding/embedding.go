package embedding

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/go-logr/logr"
	"github.com/tmc/langchaingo/textsplitter"

	"jobmatch/src/core/entity"
)

const DefaultDimension = 1536

var (
	ErrEmptyContent      = errors.New("content to embed is empty")
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)

// ProviderError wraps a transport or quota failure of the embedding provider.
// The engine never retries it; retry bookkeeping belongs to the caller.
type ProviderError struct {
	Err error
}

func (e *ProviderError) Error() string {
	return "embedding provider: " + e.Err.Error()
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Provider turns text into vectors. langchaingo embedders satisfy it.
type Provider interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
}

// VectorIndex is an optional nearest-neighbour index mirroring entity vectors
type VectorIndex interface {
	Upsert(ctx context.Context, ref entity.Ref, vector []float32) error
	Nearest(ctx context.Context, kind entity.Kind, vector []float32, limit int) ([]string, error)
}

type Config struct {
	Dimension    int
	ChunkSize    int
	ChunkOverlap int
	// ScanBatchSize bounds how many population vectors are held at once while ranking
	ScanBatchSize int
}

func (c Config) withDefaults() Config {
	if c.Dimension <= 0 {
		c.Dimension = DefaultDimension
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = 6000
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		c.ChunkOverlap = 0
	}
	if c.ScanBatchSize <= 0 {
		c.ScanBatchSize = 500
	}
	return c
}

// Engine embeds entity content and ranks entities by vector similarity
type Engine struct {
	provider Provider
	store    entity.Store
	index    VectorIndex
	cfg      Config
	logger   logr.Logger
}

func NewEngine(provider Provider, store entity.Store, cfg Config, logger logr.Logger) *Engine {
	return &Engine{
		provider: provider,
		store:    store,
		cfg:      cfg.withDefaults(),
		logger:   logger,
	}
}

// WithIndex enables the nearest-neighbour pre-filter for RankSimilar
func (e *Engine) WithIndex(index VectorIndex) *Engine {
	e.index = index
	return e
}

func (e *Engine) Index() VectorIndex {
	return e.index
}

func (e *Engine) Dimension() int {
	return e.cfg.Dimension
}

// Embed returns one vector for text. Text longer than the chunk size is split and the
// chunk vectors are mean-pooled.
func (e *Engine) Embed(ctx context.Context, text string) ([]float32, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyContent
	}

	chunks := []string{text}
	if utf8.RuneCountInString(text) > e.cfg.ChunkSize {
		splitter := textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(e.cfg.ChunkSize),
			textsplitter.WithChunkOverlap(e.cfg.ChunkOverlap),
		)
		split, err := splitter.SplitText(text)
		if err != nil {
			return nil, fmt.Errorf("failed to split content: %w", err)
		}
		if len(split) > 0 {
			chunks = split
		}
	}

	vectors, err := e.provider.EmbedDocuments(ctx, chunks)
	if err != nil {
		return nil, &ProviderError{Err: err}
	}
	if len(vectors) != len(chunks) {
		return nil, &ProviderError{Err: fmt.Errorf("expected %d vectors, got %d", len(chunks), len(vectors))}
	}
	for _, v := range vectors {
		if len(v) != e.cfg.Dimension {
			return nil, fmt.Errorf("%w: expected %d, got %d", ErrDimensionMismatch, e.cfg.Dimension, len(v))
		}
	}

	if len(vectors) == 1 {
		return vectors[0], nil
	}
	e.logger.V(1).Info("Mean-pooled chunk embeddings", "chunks", len(vectors))
	return MeanPool(vectors), nil
}

// MeanPool averages equally sized vectors element-wise
func MeanPool(vectors [][]float32) []float32 {
	if len(vectors) == 0 {
		return nil
	}
	sum := make([]float64, len(vectors[0]))
	for _, v := range vectors {
		for i := range sum {
			sum[i] += float64(v[i])
		}
	}
	out := make([]float32, len(sum))
	n := float64(len(vectors))
	for i, s := range sum {
		out[i] = float32(s / n)
	}
	return out
}

// CosineSimilarity returns dot(a,b)/(|a||b|) clamped to [0,1].
// It is 0 when either vector is empty or zero, or when the lengths differ.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(na) * math.Sqrt(nb))
	switch {
	case sim < 0:
		return 0
	case sim > 1:
		return 1
	}
	return sim
}
