package worker

import (
	"context"
	"errors"
	"fmt"

	"jobmatch/src/core/embedding"
	"jobmatch/src/core/entity"
	"jobmatch/src/core/queue"
)

// generateEmbedding embeds the entity's content, stores the vector and schedules similarity
func (w *Worker) generateEmbedding(ctx context.Context, task *queue.Task) error {
	ref := task.Ref()
	logger := w.logger.WithValues("task_id", task.ID, "entity", ref.String())

	content, err := w.deps.Entities.Content(ctx, ref)
	if errors.Is(err, entity.ErrNotFound) {
		logger.Info("Entity no longer exists, nothing to embed")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load content: %w", err)
	}

	if err := w.deps.Entities.MarkEmbeddingProcessing(ctx, ref); err != nil {
		return fmt.Errorf("failed to mark embedding processing: %w", err)
	}

	vector, err := w.deps.Engine.Embed(ctx, content)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		if merr := w.deps.Entities.MarkEmbeddingFailed(ctx, ref, err.Error()); merr != nil {
			logger.Error(merr, "Failed to mark embedding failed")
		}
		if errors.Is(err, embedding.ErrEmptyContent) || errors.Is(err, embedding.ErrDimensionMismatch) {
			return queue.Permanent(err)
		}
		return err
	}

	if err := w.deps.Entities.SaveEmbedding(ctx, ref, vector, w.timeNowFunc().UTC()); err != nil {
		return fmt.Errorf("failed to save embedding: %w", err)
	}

	if index := w.deps.Engine.Index(); index != nil {
		if err := index.Upsert(ctx, ref, vector); err != nil {
			logger.Error(err, "Failed to mirror vector into index")
		}
	}

	_, created, err := w.deps.Queue.Schedule(ctx, queue.EnqueueParams{
		EntityKind: ref.Kind,
		EntityID:   ref.ID,
		TaskType:   queue.TaskTypeComputeSimilarity,
		Priority:   queue.PriorityComputeSimilarity,
		Metadata: map[string]interface{}{
			"origin":         string(queue.TaskTypeGenerateEmbedding),
			"source_task_id": task.ID,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to schedule similarity: %w", err)
	}
	logger.V(1).Info("Embedding stored", "dimension", len(vector), "similarity_scheduled", created)
	return nil
}

// computeSimilarity ranks the entity against its counterparts and stores the matches
func (w *Worker) computeSimilarity(ctx context.Context, task *queue.Task) error {
	ref := task.Ref()
	logger := w.logger.WithValues("task_id", task.ID, "entity", ref.String())

	ranked, err := w.deps.Engine.RankSimilar(ctx, ref, w.cfg.MatchLimit)
	switch {
	case errors.Is(err, entity.ErrNotFound):
		logger.Info("Entity no longer exists, nothing to match")
		return nil
	case errors.Is(err, entity.ErrNoVector):
		return queue.Permanent(err)
	case err != nil:
		return fmt.Errorf("failed to rank similar entities: %w", err)
	}

	stored, err := w.deps.Matches.StoreRanked(ctx, ref, ranked)
	if err != nil {
		return fmt.Errorf("failed to store matches: %w", err)
	}
	logger.V(1).Info("Matches stored", "ranked", len(ranked), "stored", stored)
	return nil
}
