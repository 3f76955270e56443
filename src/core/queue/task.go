package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"jobmatch/src/core/entity"
)

var (
	ErrDuplicateActiveTask = errors.New("an active task already exists for this entity and task type")
	ErrTaskNotFound        = errors.New("task not found")
	ErrUnknownTaskType     = errors.New("unknown task type")
	// ErrTaskNotOwned is returned when a transition targets a task the caller no longer holds
	ErrTaskNotOwned = errors.New("task is not processing under this owner")
)

// TaskType is the closed set of work the pipeline knows how to run
type TaskType string

const (
	TaskTypeGenerateEmbedding TaskType = "generate_embedding"
	TaskTypeComputeSimilarity TaskType = "compute_similarity"
)

// TaskTypes lists every known task type
var TaskTypes = []TaskType{TaskTypeGenerateEmbedding, TaskTypeComputeSimilarity}

// ParseTaskType rejects anything outside the known set
func ParseTaskType(s string) (TaskType, error) {
	for _, t := range TaskTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownTaskType, s)
}

// TaskStatus defines the status of a task
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// TaskStatuses lists every status in lifecycle order
var TaskStatuses = []TaskStatus{TaskStatusPending, TaskStatusProcessing, TaskStatusCompleted, TaskStatusFailed}

const (
	DefaultMaxAttempts = 3

	// Lower is more urgent.
	PriorityManual            = 1
	PriorityGenerateEmbedding = 5
	PriorityComputeSimilarity = 10
)

// DefaultPriority returns the priority a task type gets when the caller does not choose one
func DefaultPriority(t TaskType) int {
	if t == TaskTypeComputeSimilarity {
		return PriorityComputeSimilarity
	}
	return PriorityGenerateEmbedding
}

// Task represents one queued unit of work for one entity
type Task struct {
	ID                  int64                  `json:"id"`
	EntityKind          entity.Kind            `json:"entity_kind"`
	EntityID            string                 `json:"entity_id"`
	TaskType            TaskType               `json:"task_type"`
	Status              TaskStatus             `json:"status"`
	Priority            int                    `json:"priority"`
	Attempts            int                    `json:"attempts"`
	MaxAttempts         int                    `json:"max_attempts"`
	NextRetryAt         *time.Time             `json:"next_retry_at,omitempty"`
	ProcessingOwner     *string                `json:"processing_owner,omitempty"`
	ProcessingStartedAt *time.Time             `json:"processing_started_at,omitempty"`
	Error               *string                `json:"error,omitempty"`
	Metadata            map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt           time.Time              `json:"created_at"`
	UpdatedAt           time.Time              `json:"updated_at"`
	CompletedAt         *time.Time             `json:"completed_at,omitempty"`
}

// Ref returns the entity the task works on
func (t *Task) Ref() entity.Ref {
	return entity.Ref{Kind: t.EntityKind, ID: t.EntityID}
}

// Active reports whether the task still counts against the one-active-task-per-entity rule.
// A failed task with a scheduled retry is still active.
func (t *Task) Active() bool {
	switch t.Status {
	case TaskStatusPending, TaskStatusProcessing:
		return true
	case TaskStatusFailed:
		return t.NextRetryAt != nil
	}
	return false
}

// Claimable reports whether a claim at now may pick the task up
func (t *Task) Claimable(now time.Time) bool {
	switch t.Status {
	case TaskStatusPending:
		return true
	case TaskStatusFailed:
		return t.NextRetryAt != nil && !t.NextRetryAt.After(now) && t.Attempts < t.MaxAttempts
	}
	return false
}

// EnqueueParams describes a task to create
type EnqueueParams struct {
	EntityKind  entity.Kind
	EntityID    string
	TaskType    TaskType
	Priority    int
	MaxAttempts int
	Metadata    map[string]interface{}
}

// FailParams records the outcome of a failed attempt
type FailParams struct {
	Owner       string
	Error       string
	NextRetryAt *time.Time
	// Terminal forces attempts up to max so the task is never claimed again
	Terminal bool
}

// ListParams filters the paginated queue listing
type ListParams struct {
	Status     TaskStatus
	TaskType   TaskType
	EntityKind entity.Kind
	EntityID   string
	Offset     int
	Limit      int
}

// Stats holds queue counts
type Stats struct {
	Total          int64                             `json:"total"`
	ByStatus       map[TaskStatus]int64              `json:"by_status"`
	ByType         map[TaskType]map[TaskStatus]int64 `json:"by_type"`
	RetryScheduled int64                             `json:"retry_scheduled"`
}

// NewStats returns zeroed stats with every status and type present
func NewStats() Stats {
	s := Stats{
		ByStatus: make(map[TaskStatus]int64, len(TaskStatuses)),
		ByType:   make(map[TaskType]map[TaskStatus]int64, len(TaskTypes)),
	}
	for _, st := range TaskStatuses {
		s.ByStatus[st] = 0
	}
	for _, tt := range TaskTypes {
		s.ByType[tt] = make(map[TaskStatus]int64, len(TaskStatuses))
		for _, st := range TaskStatuses {
			s.ByType[tt][st] = 0
		}
	}
	return s
}

// Add accumulates one (type, status) bucket
func (s *Stats) Add(taskType TaskType, status TaskStatus, n int64) {
	s.Total += n
	s.ByStatus[status] += n
	if _, ok := s.ByType[taskType]; !ok {
		s.ByType[taskType] = make(map[TaskStatus]int64)
	}
	s.ByType[taskType][status] += n
}

// Backlog is the amount of work waiting to be claimed
func (s Stats) Backlog() int64 {
	return s.ByStatus[TaskStatusPending] + s.RetryScheduled
}

// Repository defines the interface for task persistence.
// ClaimNext must be a single atomic test-and-set: concurrent callers never receive the same task.
type Repository interface {
	Create(ctx context.Context, params EnqueueParams) (*Task, error)
	ClaimNext(ctx context.Context, workerID string, now time.Time) (*Task, error)
	Complete(ctx context.Context, id int64, owner string, now time.Time) error
	Fail(ctx context.Context, id int64, params FailParams, now time.Time) error
	Release(ctx context.Context, id int64, owner string, now time.Time) error
	RecoverStale(ctx context.Context, startedBefore time.Time, now time.Time) (int, error)
	Stats(ctx context.Context) (Stats, error)
	List(ctx context.Context, params ListParams) ([]Task, int64, error)
	Get(ctx context.Context, id int64) (*Task, error)
	Delete(ctx context.Context, id int64) error
	// PurgeTerminal deletes completed and terminally failed tasks last updated before the cutoff.
	// beforeDelete sees each batch before it is removed; an error from it aborts the purge.
	PurgeTerminal(ctx context.Context, updatedBefore time.Time, beforeDelete func([]Task) error) (int, error)
	RetryFailed(ctx context.Context, now time.Time) (int, error)
}

// Archiver keeps a copy of purged tasks before they are deleted
type Archiver interface {
	Archive(ctx context.Context, tasks []Task) error
}
