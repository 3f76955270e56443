// Package memstore keeps every repository in process memory. Each operation holds the
// store's lock for its whole duration, which makes the task claim atomic.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"jobmatch/src/core/queue"
)

type TaskStore struct {
	mu     sync.Mutex
	nextID int64
	tasks  map[int64]*queue.Task
}

func NewTaskStore() *TaskStore {
	return &TaskStore{tasks: make(map[int64]*queue.Task)}
}

var _ queue.Repository = (*TaskStore)(nil)

func (s *TaskStore) Create(_ context.Context, params queue.EnqueueParams) (*queue.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.tasks {
		if t.EntityKind == params.EntityKind && t.EntityID == params.EntityID && t.TaskType == params.TaskType && t.Active() {
			return nil, queue.ErrDuplicateActiveTask
		}
	}

	s.nextID++
	now := time.Now().UTC()
	t := &queue.Task{
		ID:          s.nextID,
		EntityKind:  params.EntityKind,
		EntityID:    params.EntityID,
		TaskType:    params.TaskType,
		Status:      queue.TaskStatusPending,
		Priority:    params.Priority,
		MaxAttempts: params.MaxAttempts,
		Metadata:    copyMap(params.Metadata),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.tasks[t.ID] = t
	return cloneTask(t), nil
}

func (s *TaskStore) ClaimNext(_ context.Context, workerID string, now time.Time) (*queue.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *queue.Task
	for _, t := range s.tasks {
		if !t.Claimable(now) {
			continue
		}
		if best == nil || claimsBefore(t, best) {
			best = t
		}
	}
	if best == nil {
		return nil, nil
	}

	owner := workerID
	started := now
	best.Status = queue.TaskStatusProcessing
	best.Attempts++
	best.ProcessingOwner = &owner
	best.ProcessingStartedAt = &started
	best.NextRetryAt = nil
	best.UpdatedAt = now
	return cloneTask(best), nil
}

func claimsBefore(a, b *queue.Task) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// owned returns the task if it is processing under owner
func (s *TaskStore) owned(id int64, owner string) (*queue.Task, error) {
	t, ok := s.tasks[id]
	if !ok {
		return nil, queue.ErrTaskNotFound
	}
	if t.Status != queue.TaskStatusProcessing || t.ProcessingOwner == nil || *t.ProcessingOwner != owner {
		return nil, queue.ErrTaskNotOwned
	}
	return t, nil
}

func (s *TaskStore) Complete(_ context.Context, id int64, owner string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.owned(id, owner)
	if err != nil {
		return err
	}
	t.Status = queue.TaskStatusCompleted
	t.ProcessingOwner = nil
	t.ProcessingStartedAt = nil
	t.Error = nil
	t.CompletedAt = &now
	t.UpdatedAt = now
	return nil
}

func (s *TaskStore) Fail(_ context.Context, id int64, params queue.FailParams, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.owned(id, params.Owner)
	if err != nil {
		return err
	}
	msg := params.Error
	t.Status = queue.TaskStatusFailed
	t.Error = &msg
	t.ProcessingOwner = nil
	t.ProcessingStartedAt = nil
	t.NextRetryAt = params.NextRetryAt
	if params.Terminal && t.Attempts < t.MaxAttempts {
		t.Attempts = t.MaxAttempts
	}
	t.UpdatedAt = now
	return nil
}

func (s *TaskStore) Release(_ context.Context, id int64, owner string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.owned(id, owner)
	if err != nil {
		return err
	}
	t.Status = queue.TaskStatusPending
	t.ProcessingOwner = nil
	t.ProcessingStartedAt = nil
	t.UpdatedAt = now
	return nil
}

func (s *TaskStore) RecoverStale(_ context.Context, startedBefore time.Time, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, t := range s.tasks {
		if t.Status != queue.TaskStatusProcessing || t.ProcessingStartedAt == nil || !t.ProcessingStartedAt.Before(startedBefore) {
			continue
		}
		t.Status = queue.TaskStatusPending
		t.ProcessingOwner = nil
		t.ProcessingStartedAt = nil
		t.UpdatedAt = now
		n++
	}
	return n, nil
}

func (s *TaskStore) Stats(_ context.Context) (queue.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := queue.NewStats()
	for _, t := range s.tasks {
		stats.Add(t.TaskType, t.Status, 1)
		if t.Status == queue.TaskStatusFailed && t.NextRetryAt != nil {
			stats.RetryScheduled++
		}
	}
	return stats, nil
}

func (s *TaskStore) List(_ context.Context, params queue.ListParams) ([]queue.Task, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*queue.Task
	for _, t := range s.tasks {
		if params.Status != "" && t.Status != params.Status {
			continue
		}
		if params.TaskType != "" && t.TaskType != params.TaskType {
			continue
		}
		if params.EntityKind != "" && t.EntityKind != params.EntityKind {
			continue
		}
		if params.EntityID != "" && t.EntityID != params.EntityID {
			continue
		}
		matched = append(matched, t)
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})

	total := int64(len(matched))
	out := []queue.Task{}
	for i := params.Offset; i < len(matched) && (params.Limit <= 0 || len(out) < params.Limit); i++ {
		out = append(out, *cloneTask(matched[i]))
	}
	return out, total, nil
}

func (s *TaskStore) Get(_ context.Context, id int64) (*queue.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, queue.ErrTaskNotFound
	}
	return cloneTask(t), nil
}

func (s *TaskStore) Delete(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[id]; !ok {
		return queue.ErrTaskNotFound
	}
	delete(s.tasks, id)
	return nil
}

func (s *TaskStore) PurgeTerminal(_ context.Context, updatedBefore time.Time, beforeDelete func([]queue.Task) error) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var purge []queue.Task
	for _, t := range s.tasks {
		if t.Active() || t.Status == queue.TaskStatusProcessing || !t.UpdatedAt.Before(updatedBefore) {
			continue
		}
		purge = append(purge, *cloneTask(t))
	}
	if len(purge) == 0 {
		return 0, nil
	}
	if beforeDelete != nil {
		if err := beforeDelete(purge); err != nil {
			return 0, err
		}
	}
	for _, t := range purge {
		delete(s.tasks, t.ID)
	}
	return len(purge), nil
}

func (s *TaskStore) RetryFailed(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	type pair struct {
		kind, id string
		typ      queue.TaskType
	}
	active := make(map[pair]bool)
	newest := make(map[pair]*queue.Task)
	for _, t := range s.tasks {
		k := pair{string(t.EntityKind), t.EntityID, t.TaskType}
		if t.Active() {
			active[k] = true
			continue
		}
		if t.Status != queue.TaskStatusFailed {
			continue
		}
		if cur, ok := newest[k]; !ok || t.UpdatedAt.After(cur.UpdatedAt) || (t.UpdatedAt.Equal(cur.UpdatedAt) && t.ID > cur.ID) {
			newest[k] = t
		}
	}

	n := 0
	for k, t := range newest {
		if active[k] {
			continue
		}
		t.Status = queue.TaskStatusPending
		t.Attempts = 0
		t.Error = nil
		t.NextRetryAt = nil
		t.UpdatedAt = now
		n++
	}
	return n, nil
}

func cloneTask(t *queue.Task) *queue.Task {
	c := *t
	c.Metadata = copyMap(t.Metadata)
	return &c
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	c := make(map[string]interface{}, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}
