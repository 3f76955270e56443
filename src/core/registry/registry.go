package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
)

var ErrWorkerNotFound = errors.New("worker not found")

// Status is the lifecycle state of a worker process
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusPaused   Status = "paused"
	StatusStopping Status = "stopping"
	StatusStopped  Status = "stopped"
)

// Live reports whether a worker in this status may count as alive
func (s Status) Live() bool {
	return s == StatusStarting || s == StatusRunning || s == StatusPaused
}

// MemorySnapshot is the heap usage a worker reports with each heartbeat
type MemorySnapshot struct {
	UsedMB      float64 `json:"used_mb"`
	TotalMB     float64 `json:"total_mb"`
	PercentUsed float64 `json:"percent_used"`
}

// CurrentTask is the task a worker is holding
type CurrentTask struct {
	TaskID    int64     `json:"task_id"`
	TaskType  string    `json:"task_type"`
	EntityID  string    `json:"entity_id"`
	StartedAt time.Time `json:"started_at"`
}

// WorkerConfig is the configuration snapshot a worker registers with
type WorkerConfig struct {
	PollInterval      time.Duration `json:"poll_interval"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`
	BatchSize         int           `json:"batch_size"`
	Concurrency       int           `json:"concurrency"`
}

// WorkerRecord is one row per worker process
type WorkerRecord struct {
	WorkerID       string         `json:"worker_id"`
	Host           string         `json:"host"`
	Status         Status         `json:"status"`
	LastHeartbeat  time.Time      `json:"last_heartbeat"`
	StartedAt      time.Time      `json:"started_at"`
	ProcessedCount int64          `json:"processed_count"`
	FailedCount    int64          `json:"failed_count"`
	Memory         MemorySnapshot `json:"memory"`
	CurrentTasks   []CurrentTask  `json:"current_tasks"`
	Config         WorkerConfig   `json:"config"`
	UpdatedAt      time.Time      `json:"updated_at"`
	IsAlive        bool           `json:"is_alive"`
}

// Alive applies the liveness rule: a recent heartbeat and a live status
func (r *WorkerRecord) Alive(now time.Time, deadThreshold time.Duration) bool {
	return r.Status.Live() && now.Sub(r.LastHeartbeat) < deadThreshold
}

// Repository persists worker records. Each worker only ever writes its own row.
type Repository interface {
	// Upsert sets status running and refreshes host, config and heartbeat; started_at is kept on conflict
	Upsert(ctx context.Context, rec WorkerRecord) error
	Heartbeat(ctx context.Context, workerID string, mem MemorySnapshot, now time.Time) error
	SetCurrentTasks(ctx context.Context, workerID string, tasks []CurrentTask, now time.Time) error
	IncrementCounters(ctx context.Context, workerID string, processed, failed int64, now time.Time) error
	UpdateStatus(ctx context.Context, workerID string, status Status, now time.Time) error
	Get(ctx context.Context, workerID string) (*WorkerRecord, error)
	List(ctx context.Context) ([]WorkerRecord, error)
	DeleteStopped(ctx context.Context, updatedBefore time.Time) (int, error)
}

// Registry is the worker-facing API over a Repository
type Registry struct {
	repo          Repository
	deadThreshold time.Duration
	retention     time.Duration
	logger        logr.Logger

	timeNowFunc func() time.Time
}

func NewRegistry(repo Repository, deadThreshold, retention time.Duration, logger logr.Logger) *Registry {
	return &Registry{
		repo:          repo,
		deadThreshold: deadThreshold,
		retention:     retention,
		logger:        logger,
		timeNowFunc:   time.Now,
	}
}

// WithClock overrides the time source
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.timeNowFunc = now
	return r
}

func (r *Registry) now() time.Time {
	return r.timeNowFunc().UTC()
}

// Register upserts the worker's record with status running
func (r *Registry) Register(ctx context.Context, workerID, host string, cfg WorkerConfig) error {
	now := r.now()
	rec := WorkerRecord{
		WorkerID:      workerID,
		Host:          host,
		Status:        StatusRunning,
		LastHeartbeat: now,
		StartedAt:     now,
		Config:        cfg,
		UpdatedAt:     now,
	}
	if err := r.repo.Upsert(ctx, rec); err != nil {
		return fmt.Errorf("failed to register worker %s: %w", workerID, err)
	}
	r.logger.Info("Worker registered", "worker_id", workerID, "host", host)
	return nil
}

func (r *Registry) Heartbeat(ctx context.Context, workerID string, mem MemorySnapshot) error {
	return r.repo.Heartbeat(ctx, workerID, mem, r.now())
}

// SetCurrentTasks replaces the in-flight task list; an empty list clears it
func (r *Registry) SetCurrentTasks(ctx context.Context, workerID string, tasks []CurrentTask) error {
	return r.repo.SetCurrentTasks(ctx, workerID, tasks, r.now())
}

func (r *Registry) IncrementProcessed(ctx context.Context, workerID string) error {
	return r.repo.IncrementCounters(ctx, workerID, 1, 0, r.now())
}

func (r *Registry) IncrementFailed(ctx context.Context, workerID string) error {
	return r.repo.IncrementCounters(ctx, workerID, 0, 1, r.now())
}

func (r *Registry) UpdateStatus(ctx context.Context, workerID string, status Status) error {
	return r.repo.UpdateStatus(ctx, workerID, status, r.now())
}

func (r *Registry) Get(ctx context.Context, workerID string) (*WorkerRecord, error) {
	rec, err := r.repo.Get(ctx, workerID)
	if err != nil {
		return nil, err
	}
	rec.IsAlive = rec.Alive(r.now(), r.deadThreshold)
	return rec, nil
}

// ListAll returns every record annotated with IsAlive
func (r *Registry) ListAll(ctx context.Context) ([]WorkerRecord, error) {
	recs, err := r.repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}
	now := r.now()
	for i := range recs {
		recs[i].IsAlive = recs[i].Alive(now, r.deadThreshold)
	}
	return recs, nil
}

// ListAlive returns the records that pass the liveness rule for deadThreshold.
// A zero threshold uses the registry default.
func (r *Registry) ListAlive(ctx context.Context, deadThreshold time.Duration) ([]WorkerRecord, error) {
	if deadThreshold <= 0 {
		deadThreshold = r.deadThreshold
	}
	recs, err := r.repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}
	now := r.now()
	alive := make([]WorkerRecord, 0, len(recs))
	for _, rec := range recs {
		if rec.Alive(now, deadThreshold) {
			rec.IsAlive = true
			alive = append(alive, rec)
		}
	}
	return alive, nil
}

// Cleanup deletes stopped records older than the retention window
func (r *Registry) Cleanup(ctx context.Context) (int, error) {
	n, err := r.repo.DeleteStopped(ctx, r.now().Add(-r.retention))
	if err != nil {
		return 0, fmt.Errorf("failed to clean up stopped workers: %w", err)
	}
	if n > 0 {
		r.logger.Info("Removed stopped worker records", "count", n)
	}
	return n, nil
}
