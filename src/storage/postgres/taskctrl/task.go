package taskctrl

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"jobmatch/src/core/entity"
	"jobmatch/src/core/queue"
)

const purgeBatchSize = 500

type EmbeddingTask struct {
	ID                  int64             `gorm:"primaryKey;autoIncrement:false"`
	EntityKind          string            `gorm:"type:text;not null"`
	EntityID            string            `gorm:"type:text;not null"`
	TaskType            string            `gorm:"type:text;not null"`
	Status              string            `gorm:"type:text;not null;default:'pending'"`
	Priority            int               `gorm:"not null;default:5"`
	Attempts            int               `gorm:"not null;default:0"`
	MaxAttempts         int               `gorm:"not null;default:3"`
	NextRetryAt         *time.Time        `gorm:"type:timestamptz"`
	ProcessingOwner     *string           `gorm:"type:text"`
	ProcessingStartedAt *time.Time        `gorm:"type:timestamptz"`
	Error               *string           `gorm:"type:text"`
	Metadata            datatypes.JSONMap `gorm:"type:jsonb;not null;default:'{}'::jsonb"`
	CreatedAt           time.Time         `gorm:"type:timestamptz;not null"`
	UpdatedAt           time.Time         `gorm:"type:timestamptz;not null"`
	CompletedAt         *time.Time        `gorm:"type:timestamptz"`
}

func (EmbeddingTask) TableName() string {
	return "embedding_tasks"
}

func (t *EmbeddingTask) toTask() *queue.Task {
	return &queue.Task{
		ID:                  t.ID,
		EntityKind:          entity.Kind(t.EntityKind),
		EntityID:            t.EntityID,
		TaskType:            queue.TaskType(t.TaskType),
		Status:              queue.TaskStatus(t.Status),
		Priority:            t.Priority,
		Attempts:            t.Attempts,
		MaxAttempts:         t.MaxAttempts,
		NextRetryAt:         t.NextRetryAt,
		ProcessingOwner:     t.ProcessingOwner,
		ProcessingStartedAt: t.ProcessingStartedAt,
		Error:               t.Error,
		Metadata:            map[string]interface{}(t.Metadata),
		CreatedAt:           t.CreatedAt,
		UpdatedAt:           t.UpdatedAt,
		CompletedAt:         t.CompletedAt,
	}
}

// TaskService is the Postgres queue.Repository
type TaskService struct {
	db        *gorm.DB
	snowflake *snowflake.Node
}

var _ queue.Repository = (*TaskService)(nil)

func NewTaskService(db *gorm.DB, node int64) (*TaskService, error) {
	n, err := snowflake.NewNode(node)
	if err != nil {
		return nil, fmt.Errorf("failed to create snowflake node: %w", err)
	}
	return &TaskService{db: db, snowflake: n}, nil
}

// IsUniqueViolation reports a duplicate-key error, translated by gorm or raw from pgx
func IsUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

func (s *TaskService) Create(ctx context.Context, params queue.EnqueueParams) (*queue.Task, error) {
	now := time.Now().UTC()
	row := &EmbeddingTask{
		ID:          s.snowflake.Generate().Int64(),
		EntityKind:  string(params.EntityKind),
		EntityID:    params.EntityID,
		TaskType:    string(params.TaskType),
		Status:      string(queue.TaskStatusPending),
		Priority:    params.Priority,
		MaxAttempts: params.MaxAttempts,
		Metadata:    datatypes.JSONMap(params.Metadata),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if row.Metadata == nil {
		row.Metadata = datatypes.JSONMap{}
	}

	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		if IsUniqueViolation(err) {
			return nil, queue.ErrDuplicateActiveTask
		}
		return nil, err
	}
	return row.toTask(), nil
}

// ClaimNext selects and locks one eligible row and moves it to processing in a single statement.
// SKIP LOCKED lets concurrent claimers pass over the row instead of waiting for it.
func (s *TaskService) ClaimNext(ctx context.Context, workerID string, now time.Time) (*queue.Task, error) {
	var row EmbeddingTask
	err := s.db.WithContext(ctx).Raw(`
with next as (
  select id
  from embedding_tasks
  where status = 'pending'
     or (status = 'failed' and next_retry_at is not null and next_retry_at <= ? and attempts < max_attempts)
  order by priority asc, created_at asc, id asc
  for update skip locked
  limit 1
)
update embedding_tasks t
set status = 'processing',
    attempts = t.attempts + 1,
    processing_owner = ?,
    processing_started_at = ?,
    next_retry_at = null,
    updated_at = ?
from next
where t.id = next.id
returning t.*;
`, now, workerID, now, now).Scan(&row).Error
	if err != nil {
		return nil, err
	}
	if row.ID == 0 {
		return nil, nil
	}
	return row.toTask(), nil
}

// ownedUpdate applies updates to a task only while it is processing under owner
func (s *TaskService) ownedUpdate(ctx context.Context, id int64, owner string, updates map[string]interface{}) error {
	res := s.db.WithContext(ctx).Model(&EmbeddingTask{}).
		Where("id = ? AND status = ? AND processing_owner = ?", id, queue.TaskStatusProcessing, owner).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}

	var count int64
	if err := s.db.WithContext(ctx).Model(&EmbeddingTask{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return queue.ErrTaskNotFound
	}
	return queue.ErrTaskNotOwned
}

func (s *TaskService) Complete(ctx context.Context, id int64, owner string, now time.Time) error {
	return s.ownedUpdate(ctx, id, owner, map[string]interface{}{
		"status":                queue.TaskStatusCompleted,
		"processing_owner":      nil,
		"processing_started_at": nil,
		"error":                 nil,
		"completed_at":          now,
		"updated_at":            now,
	})
}

func (s *TaskService) Fail(ctx context.Context, id int64, params queue.FailParams, now time.Time) error {
	updates := map[string]interface{}{
		"status":                queue.TaskStatusFailed,
		"error":                 params.Error,
		"next_retry_at":         params.NextRetryAt,
		"processing_owner":      nil,
		"processing_started_at": nil,
		"updated_at":            now,
	}
	if params.Terminal {
		updates["attempts"] = gorm.Expr("GREATEST(attempts, max_attempts)")
	}
	return s.ownedUpdate(ctx, id, params.Owner, updates)
}

func (s *TaskService) Release(ctx context.Context, id int64, owner string, now time.Time) error {
	return s.ownedUpdate(ctx, id, owner, map[string]interface{}{
		"status":                queue.TaskStatusPending,
		"processing_owner":      nil,
		"processing_started_at": nil,
		"updated_at":            now,
	})
}

func (s *TaskService) RecoverStale(ctx context.Context, startedBefore time.Time, now time.Time) (int, error) {
	res := s.db.WithContext(ctx).Model(&EmbeddingTask{}).
		Where("status = ? AND processing_started_at < ?", queue.TaskStatusProcessing, startedBefore).
		Updates(map[string]interface{}{
			"status":                queue.TaskStatusPending,
			"processing_owner":      nil,
			"processing_started_at": nil,
			"updated_at":            now,
		})
	if res.Error != nil {
		return 0, res.Error
	}
	return int(res.RowsAffected), nil
}

func (s *TaskService) Stats(ctx context.Context) (queue.Stats, error) {
	var rows []struct {
		TaskType string
		Status   string
		Count    int64
	}
	err := s.db.WithContext(ctx).Model(&EmbeddingTask{}).
		Select("task_type, status, count(*) as count").
		Group("task_type, status").
		Scan(&rows).Error
	if err != nil {
		return queue.Stats{}, err
	}

	stats := queue.NewStats()
	for _, r := range rows {
		stats.Add(queue.TaskType(r.TaskType), queue.TaskStatus(r.Status), r.Count)
	}
	err = s.db.WithContext(ctx).Model(&EmbeddingTask{}).
		Where("status = ? AND next_retry_at IS NOT NULL", queue.TaskStatusFailed).
		Count(&stats.RetryScheduled).Error
	if err != nil {
		return queue.Stats{}, err
	}
	return stats, nil
}

func (s *TaskService) List(ctx context.Context, params queue.ListParams) ([]queue.Task, int64, error) {
	q := s.db.WithContext(ctx).Model(&EmbeddingTask{})
	if params.Status != "" {
		q = q.Where("status = ?", params.Status)
	}
	if params.TaskType != "" {
		q = q.Where("task_type = ?", params.TaskType)
	}
	if params.EntityKind != "" {
		q = q.Where("entity_kind = ?", params.EntityKind)
	}
	if params.EntityID != "" {
		q = q.Where("entity_id = ?", params.EntityID)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var rows []EmbeddingTask
	err := q.Order("created_at desc, id desc").Offset(params.Offset).Limit(params.Limit).Find(&rows).Error
	if err != nil {
		return nil, 0, err
	}
	tasks := make([]queue.Task, 0, len(rows))
	for i := range rows {
		tasks = append(tasks, *rows[i].toTask())
	}
	return tasks, total, nil
}

func (s *TaskService) Get(ctx context.Context, id int64) (*queue.Task, error) {
	var row EmbeddingTask
	if err := s.db.WithContext(ctx).First(&row, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, queue.ErrTaskNotFound
		}
		return nil, err
	}
	return row.toTask(), nil
}

func (s *TaskService) Delete(ctx context.Context, id int64) error {
	res := s.db.WithContext(ctx).Delete(&EmbeddingTask{}, id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return queue.ErrTaskNotFound
	}
	return nil
}

// PurgeTerminal deletes in batches; each batch is locked, handed to beforeDelete and removed in one transaction
func (s *TaskService) PurgeTerminal(ctx context.Context, updatedBefore time.Time, beforeDelete func([]queue.Task) error) (int, error) {
	total := 0
	for {
		var n int
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var rows []EmbeddingTask
			err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
				Where("(status = ? OR (status = ? AND next_retry_at IS NULL)) AND updated_at < ?",
					queue.TaskStatusCompleted, queue.TaskStatusFailed, updatedBefore).
				Order("id").
				Limit(purgeBatchSize).
				Find(&rows).Error
			if err != nil || len(rows) == 0 {
				return err
			}

			tasks := make([]queue.Task, 0, len(rows))
			ids := make([]int64, 0, len(rows))
			for i := range rows {
				tasks = append(tasks, *rows[i].toTask())
				ids = append(ids, rows[i].ID)
			}
			if beforeDelete != nil {
				if err := beforeDelete(tasks); err != nil {
					return fmt.Errorf("failed to archive purged tasks: %w", err)
				}
			}
			res := tx.Where("id IN ?", ids).Delete(&EmbeddingTask{})
			n = int(res.RowsAffected)
			return res.Error
		})
		if err != nil {
			return total, err
		}
		total += n
		if n < purgeBatchSize {
			return total, nil
		}
	}
}

// RetryFailed resets the newest terminally failed task of each (entity, task type) pair that has
// no active sibling, so the partial unique index is never violated
func (s *TaskService) RetryFailed(ctx context.Context, now time.Time) (int, error) {
	res := s.db.WithContext(ctx).Exec(`
with latest as (
  select distinct on (entity_kind, entity_id, task_type) id, entity_kind, entity_id, task_type
  from embedding_tasks
  where status = 'failed' and next_retry_at is null
  order by entity_kind, entity_id, task_type, updated_at desc, id desc
)
update embedding_tasks t
set status = 'pending',
    attempts = 0,
    error = null,
    next_retry_at = null,
    processing_owner = null,
    processing_started_at = null,
    updated_at = ?
from latest
where t.id = latest.id
  and not exists (
    select 1 from embedding_tasks a
    where a.entity_kind = latest.entity_kind
      and a.entity_id = latest.entity_id
      and a.task_type = latest.task_type
      and (a.status in ('pending', 'processing') or (a.status = 'failed' and a.next_retry_at is not null))
  );
`, now)
	if res.Error != nil {
		return 0, res.Error
	}
	return int(res.RowsAffected), nil
}
