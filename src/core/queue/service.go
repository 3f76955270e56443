package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"jobmatch/src/core/alert"
	"jobmatch/src/core/entity"
)

// Config holds the retry and alerting policy of the queue
type Config struct {
	Backoff               Backoff
	MaxAttempts           int
	BacklogAlertThreshold int64
}

// EntityLister streams entity ids for bulk re-enqueueing
type EntityLister interface {
	ListIDs(ctx context.Context, kind entity.Kind, batchSize int, fn func([]string) error) error
}

// Service wraps a Repository with validation, backoff and duplicate handling
type Service struct {
	repo     Repository
	cfg      Config
	archiver Archiver
	alerts   *alert.Dispatcher
	logger   logr.Logger

	timeNowFunc func() time.Time
}

type ServiceOption func(*Service)

// WithArchiver keeps a copy of purged tasks in the given archive
func WithArchiver(a Archiver) ServiceOption {
	return func(s *Service) { s.archiver = a }
}

// WithAlerts lets CheckBacklog notify the operator
func WithAlerts(d *alert.Dispatcher) ServiceOption {
	return func(s *Service) { s.alerts = d }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.timeNowFunc = now }
}

func NewService(repo Repository, cfg Config, logger logr.Logger, opts ...ServiceOption) (*Service, error) {
	if repo == nil {
		return nil, errors.New("queue repository is required")
	}
	if len(cfg.Backoff.delays) == 0 {
		b, err := NewBackoff(DefaultRetryDelays)
		if err != nil {
			return nil, err
		}
		cfg.Backoff = b
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if err := cfg.Backoff.CheckMonotonic(); err != nil {
		logger.Info("Retry backoff is not non-decreasing, keeping it as configured", "error", err.Error(), "delays", cfg.Backoff.Delays())
	}

	s := &Service{
		repo:        repo,
		cfg:         cfg,
		logger:      logger,
		timeNowFunc: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Service) now() time.Time {
	return s.timeNowFunc().UTC()
}

// Enqueue creates a task. It returns ErrDuplicateActiveTask when the entity already has an
// active task of the same type.
func (s *Service) Enqueue(ctx context.Context, params EnqueueParams) (*Task, error) {
	if !params.EntityKind.Valid() {
		return nil, fmt.Errorf("invalid entity kind %q", params.EntityKind)
	}
	if strings.TrimSpace(params.EntityID) == "" {
		return nil, errors.New("entity id is required")
	}
	if _, err := ParseTaskType(string(params.TaskType)); err != nil {
		return nil, err
	}
	if params.Priority <= 0 {
		params.Priority = DefaultPriority(params.TaskType)
	}
	if params.MaxAttempts <= 0 {
		params.MaxAttempts = s.cfg.MaxAttempts
	}
	if params.Metadata == nil {
		params.Metadata = map[string]interface{}{}
	}

	task, err := s.repo.Create(ctx, params)
	if err != nil {
		if errors.Is(err, ErrDuplicateActiveTask) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to enqueue task: %w", err)
	}
	return task, nil
}

// Schedule is Enqueue for callers that treat an already scheduled task as success.
// created is false when an active task already existed.
func (s *Service) Schedule(ctx context.Context, params EnqueueParams) (task *Task, created bool, err error) {
	task, err = s.Enqueue(ctx, params)
	if errors.Is(err, ErrDuplicateActiveTask) {
		s.logger.V(1).Info("Task already scheduled", "entity_kind", params.EntityKind, "entity_id", params.EntityID, "task_type", params.TaskType)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return task, true, nil
}

// EnqueueEntity schedules an embedding for one entity at admin priority
func (s *Service) EnqueueEntity(ctx context.Context, ref entity.Ref, taskType TaskType) (*Task, bool, error) {
	if taskType == "" {
		taskType = TaskTypeGenerateEmbedding
	}
	return s.Schedule(ctx, EnqueueParams{
		EntityKind: ref.Kind,
		EntityID:   ref.ID,
		TaskType:   taskType,
		Priority:   PriorityManual,
		Metadata:   map[string]interface{}{"origin": "admin"},
	})
}

// ReenqueueResult summarizes a bulk re-enqueue
type ReenqueueResult struct {
	Scheduled int `json:"scheduled"`
	Skipped   int `json:"skipped"`
}

// ReenqueueAll schedules generate_embedding for every entity of the given kinds.
// progress, when set, is called with the number of ids handled in each batch.
func (s *Service) ReenqueueAll(ctx context.Context, lister EntityLister, kinds []entity.Kind, batchSize int, progress func(n int)) (ReenqueueResult, error) {
	var res ReenqueueResult
	if len(kinds) == 0 {
		kinds = []entity.Kind{entity.KindJob, entity.KindCandidate}
	}
	for _, kind := range kinds {
		err := lister.ListIDs(ctx, kind, batchSize, func(ids []string) error {
			for _, id := range ids {
				_, created, err := s.Schedule(ctx, EnqueueParams{
					EntityKind: kind,
					EntityID:   id,
					TaskType:   TaskTypeGenerateEmbedding,
					Metadata:   map[string]interface{}{"origin": "reenqueue"},
				})
				if err != nil {
					return err
				}
				if created {
					res.Scheduled++
				} else {
					res.Skipped++
				}
			}
			if progress != nil {
				progress(len(ids))
			}
			return nil
		})
		if err != nil {
			return res, fmt.Errorf("failed to re-enqueue %s entities: %w", kind, err)
		}
	}
	s.logger.Info("Re-enqueued entities", "scheduled", res.Scheduled, "skipped", res.Skipped)
	return res, nil
}

// ClaimNext hands the most urgent eligible task to workerID. It returns nil, nil when nothing is eligible.
func (s *Service) ClaimNext(ctx context.Context, workerID string) (*Task, error) {
	task, err := s.repo.ClaimNext(ctx, workerID, s.now())
	if err != nil {
		return nil, fmt.Errorf("failed to claim task: %w", err)
	}
	return task, nil
}

func (s *Service) Complete(ctx context.Context, task *Task, owner string) error {
	if err := s.repo.Complete(ctx, task.ID, owner, s.now()); err != nil {
		return fmt.Errorf("failed to complete task %d: %w", task.ID, err)
	}
	return nil
}

// Fail records a failed attempt. The task is scheduled for retry per the backoff policy unless
// its attempts are exhausted or cause is permanent. terminal reports which happened.
func (s *Service) Fail(ctx context.Context, task *Task, owner string, cause error) (terminal bool, err error) {
	now := s.now()
	params := FailParams{Owner: owner, Error: errorMessage(cause)}

	maxAttempts := task.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.cfg.MaxAttempts
	}
	switch {
	case IsPermanent(cause):
		params.Terminal = true
	case task.Attempts >= maxAttempts:
	default:
		next := now.Add(s.cfg.Backoff.Delay(task.Attempts))
		params.NextRetryAt = &next
	}

	if err := s.repo.Fail(ctx, task.ID, params, now); err != nil {
		return false, fmt.Errorf("failed to record failure of task %d: %w", task.ID, err)
	}
	return params.NextRetryAt == nil, nil
}

// Release puts a task the owner could not finish back to pending
func (s *Service) Release(ctx context.Context, task *Task, owner string) error {
	if err := s.repo.Release(ctx, task.ID, owner, s.now()); err != nil {
		return fmt.Errorf("failed to release task %d: %w", task.ID, err)
	}
	return nil
}

// RecoverStale resets tasks that have been processing longer than threshold
func (s *Service) RecoverStale(ctx context.Context, threshold time.Duration) (int, error) {
	now := s.now()
	n, err := s.repo.RecoverStale(ctx, now.Add(-threshold), now)
	if err != nil {
		return 0, fmt.Errorf("failed to recover stale tasks: %w", err)
	}
	if n > 0 {
		s.logger.Info("Recovered stale tasks", "count", n, "threshold", threshold.String())
	}
	return n, nil
}

func (s *Service) Stats(ctx context.Context) (Stats, error) {
	stats, err := s.repo.Stats(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to get queue stats: %w", err)
	}
	return stats, nil
}

func (s *Service) List(ctx context.Context, params ListParams) ([]Task, int64, error) {
	switch {
	case params.Limit <= 0:
		params.Limit = 50
	case params.Limit > 500:
		params.Limit = 500
	}
	if params.Offset < 0 {
		params.Offset = 0
	}
	tasks, total, err := s.repo.List(ctx, params)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list tasks: %w", err)
	}
	return tasks, total, nil
}

func (s *Service) Get(ctx context.Context, id int64) (*Task, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) Delete(ctx context.Context, id int64) error {
	return s.repo.Delete(ctx, id)
}

// MaxRetentionDays bounds the purge window so the cutoff cannot overflow into the future
const MaxRetentionDays = 36500

// Purge removes terminal tasks older than retention, archiving them first when an archiver is set
func (s *Service) Purge(ctx context.Context, retention time.Duration) (int, error) {
	if retention <= 0 || retention > MaxRetentionDays*24*time.Hour {
		return 0, fmt.Errorf("purge retention %s is out of range", retention)
	}
	var beforeDelete func([]Task) error
	if s.archiver != nil {
		beforeDelete = func(tasks []Task) error {
			return s.archiver.Archive(ctx, tasks)
		}
	}
	n, err := s.repo.PurgeTerminal(ctx, s.now().Add(-retention), beforeDelete)
	if err != nil {
		return 0, fmt.Errorf("failed to purge terminal tasks: %w", err)
	}
	if n > 0 {
		s.logger.Info("Purged terminal tasks", "count", n, "retention", retention.String())
	}
	return n, nil
}

// RetryFailed gives every terminally failed task a fresh set of attempts
func (s *Service) RetryFailed(ctx context.Context) (int, error) {
	n, err := s.repo.RetryFailed(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("failed to retry failed tasks: %w", err)
	}
	s.logger.Info("Requeued terminally failed tasks", "count", n)
	return n, nil
}

// CheckBacklog raises a queue_backlog alert when waiting work exceeds the configured threshold
func (s *Service) CheckBacklog(ctx context.Context) (Stats, error) {
	stats, err := s.Stats(ctx)
	if err != nil {
		return Stats{}, err
	}
	if s.cfg.BacklogAlertThreshold > 0 && stats.Backlog() > s.cfg.BacklogAlertThreshold {
		s.alerts.Raise(ctx, alert.KindQueueBacklog, "queue", map[string]interface{}{
			"backlog":         stats.Backlog(),
			"threshold":       s.cfg.BacklogAlertThreshold,
			"pending":         stats.ByStatus[TaskStatusPending],
			"retry_scheduled": stats.RetryScheduled,
		})
	}
	return stats, nil
}

func errorMessage(err error) string {
	if err == nil {
		return "unknown error"
	}
	msg := err.Error()
	if len(msg) > 2000 {
		msg = msg[:2000]
	}
	return msg
}
