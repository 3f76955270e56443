package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"jobmatch/src/core/registry"
)

type WorkerStore struct {
	mu      sync.Mutex
	workers map[string]*registry.WorkerRecord
}

func NewWorkerStore() *WorkerStore {
	return &WorkerStore{workers: make(map[string]*registry.WorkerRecord)}
}

var _ registry.Repository = (*WorkerStore)(nil)

func (s *WorkerStore) Upsert(_ context.Context, rec registry.WorkerRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.workers[rec.WorkerID]; ok {
		rec.StartedAt = cur.StartedAt
		rec.ProcessedCount = cur.ProcessedCount
		rec.FailedCount = cur.FailedCount
	}
	rec.CurrentTasks = nil
	s.workers[rec.WorkerID] = &rec
	return nil
}

func (s *WorkerStore) update(workerID string, now time.Time, fn func(*registry.WorkerRecord)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.workers[workerID]
	if !ok {
		return registry.ErrWorkerNotFound
	}
	fn(rec)
	rec.UpdatedAt = now
	return nil
}

func (s *WorkerStore) Heartbeat(_ context.Context, workerID string, mem registry.MemorySnapshot, now time.Time) error {
	return s.update(workerID, now, func(rec *registry.WorkerRecord) {
		rec.LastHeartbeat = now
		rec.Memory = mem
	})
}

func (s *WorkerStore) SetCurrentTasks(_ context.Context, workerID string, tasks []registry.CurrentTask, now time.Time) error {
	return s.update(workerID, now, func(rec *registry.WorkerRecord) {
		rec.CurrentTasks = append([]registry.CurrentTask(nil), tasks...)
	})
}

func (s *WorkerStore) IncrementCounters(_ context.Context, workerID string, processed, failed int64, now time.Time) error {
	return s.update(workerID, now, func(rec *registry.WorkerRecord) {
		rec.ProcessedCount += processed
		rec.FailedCount += failed
	})
}

func (s *WorkerStore) UpdateStatus(_ context.Context, workerID string, status registry.Status, now time.Time) error {
	return s.update(workerID, now, func(rec *registry.WorkerRecord) {
		rec.Status = status
	})
}

func (s *WorkerStore) Get(_ context.Context, workerID string) (*registry.WorkerRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.workers[workerID]
	if !ok {
		return nil, registry.ErrWorkerNotFound
	}
	c := cloneWorker(rec)
	return &c, nil
}

func (s *WorkerStore) List(_ context.Context) ([]registry.WorkerRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]registry.WorkerRecord, 0, len(s.workers))
	for _, rec := range s.workers {
		out = append(out, cloneWorker(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out, nil
}

func (s *WorkerStore) DeleteStopped(_ context.Context, updatedBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, rec := range s.workers {
		if rec.Status == registry.StatusStopped && rec.UpdatedAt.Before(updatedBefore) {
			delete(s.workers, id)
			n++
		}
	}
	return n, nil
}

func cloneWorker(rec *registry.WorkerRecord) registry.WorkerRecord {
	c := *rec
	c.CurrentTasks = append([]registry.CurrentTask(nil), rec.CurrentTasks...)
	return c
}
