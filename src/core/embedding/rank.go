package embedding

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"jobmatch/src/core/entity"
)

// Similar is one ranked counterpart of the entity being matched
type Similar struct {
	Ref         entity.Ref `json:"ref"`
	Score       float64    `json:"score"`
	GeneratedAt time.Time  `json:"generated_at"`
}

// ranksBefore orders by score, then newer vector, then id for a stable result
func ranksBefore(a, b Similar) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if !a.GeneratedAt.Equal(b.GeneratedAt) {
		return a.GeneratedAt.After(b.GeneratedAt)
	}
	return a.Ref.ID < b.Ref.ID
}

// topK keeps the k best results seen so far; the root is the worst of them
type topK struct {
	k     int
	items []Similar
}

func (h *topK) Len() int           { return len(h.items) }
func (h *topK) Less(i, j int) bool { return ranksBefore(h.items[j], h.items[i]) }
func (h *topK) Swap(i, j int)      { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *topK) Push(x any)         { h.items = append(h.items, x.(Similar)) }
func (h *topK) Pop() any {
	n := len(h.items)
	it := h.items[n-1]
	h.items = h.items[:n-1]
	return it
}

func (h *topK) offer(s Similar) {
	if len(h.items) < h.k {
		heap.Push(h, s)
		return
	}
	if ranksBefore(s, h.items[0]) {
		h.items[0] = s
		heap.Fix(h, 0)
	}
}

func (h *topK) sorted() []Similar {
	out := append([]Similar(nil), h.items...)
	sort.Slice(out, func(i, j int) bool { return ranksBefore(out[i], out[j]) })
	return out
}

// RankSimilar scores ref's vector against every counterpart with a completed vector and returns
// the top k by descending score, newer vectors first on ties.
func (e *Engine) RankSimilar(ctx context.Context, ref entity.Ref, k int) ([]Similar, error) {
	if k <= 0 {
		return nil, nil
	}
	source, err := e.store.GetVector(ctx, ref)
	if err != nil {
		return nil, err
	}
	if len(source.Vector) == 0 {
		return nil, entity.ErrNoVector
	}

	target := ref.Kind.Counterpart()
	best := &topK{k: k}

	if e.index != nil {
		ranked, err := e.rankFromIndex(ctx, source.Vector, target, k, best)
		if err == nil {
			return ranked, nil
		}
		e.logger.Error(err, "Vector index lookup failed, falling back to full scan", "entity", ref.String())
		best = &topK{k: k}
	}

	err = e.store.ScanCompleted(ctx, target, e.cfg.ScanBatchSize, func(batch []entity.StoredVector) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		for _, v := range batch {
			best.offer(Similar{
				Ref:         v.Ref,
				Score:       CosineSimilarity(source.Vector, v.Vector),
				GeneratedAt: v.GeneratedAt,
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s vectors: %w", target, err)
	}
	return best.sorted(), nil
}

// rankFromIndex asks the index for a widened candidate set and re-scores it exactly
func (e *Engine) rankFromIndex(ctx context.Context, vector []float32, target entity.Kind, k int, best *topK) ([]Similar, error) {
	ids, err := e.index.Nearest(ctx, target, vector, k*4)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, errors.New("vector index returned no candidates")
	}
	vectors, err := e.store.GetVectors(ctx, target, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load indexed vectors: %w", err)
	}
	for _, v := range vectors {
		best.offer(Similar{
			Ref:         v.Ref,
			Score:       CosineSimilarity(vector, v.Vector),
			GeneratedAt: v.GeneratedAt,
		})
	}
	return best.sorted(), nil
}
