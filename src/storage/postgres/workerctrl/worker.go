package workerctrl

import (
	"context"
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"jobmatch/src/core/registry"
)

type WorkerRecord struct {
	WorkerID       string                                      `gorm:"primaryKey;type:text"`
	Host           string                                      `gorm:"type:text;not null"`
	Status         string                                      `gorm:"type:text;not null"`
	LastHeartbeat  time.Time                                   `gorm:"type:timestamptz;not null"`
	StartedAt      time.Time                                   `gorm:"type:timestamptz;not null"`
	ProcessedCount int64                                       `gorm:"not null;default:0"`
	FailedCount    int64                                       `gorm:"not null;default:0"`
	Memory         datatypes.JSONType[registry.MemorySnapshot] `gorm:"type:jsonb"`
	CurrentTasks   datatypes.JSONSlice[registry.CurrentTask]   `gorm:"type:jsonb"`
	Config         datatypes.JSONType[registry.WorkerConfig]   `gorm:"type:jsonb"`
	UpdatedAt      time.Time                                   `gorm:"type:timestamptz;not null"`
}

func (WorkerRecord) TableName() string {
	return "worker_records"
}

func (r *WorkerRecord) toRecord() registry.WorkerRecord {
	return registry.WorkerRecord{
		WorkerID:       r.WorkerID,
		Host:           r.Host,
		Status:         registry.Status(r.Status),
		LastHeartbeat:  r.LastHeartbeat,
		StartedAt:      r.StartedAt,
		ProcessedCount: r.ProcessedCount,
		FailedCount:    r.FailedCount,
		Memory:         r.Memory.Data(),
		CurrentTasks:   []registry.CurrentTask(r.CurrentTasks),
		Config:         r.Config.Data(),
		UpdatedAt:      r.UpdatedAt,
	}
}

// WorkerService is the Postgres registry.Repository
type WorkerService struct {
	db *gorm.DB
}

var _ registry.Repository = (*WorkerService)(nil)

func NewWorkerService(db *gorm.DB) *WorkerService {
	return &WorkerService{db: db}
}

func (s *WorkerService) Upsert(ctx context.Context, rec registry.WorkerRecord) error {
	row := WorkerRecord{
		WorkerID:      rec.WorkerID,
		Host:          rec.Host,
		Status:        string(rec.Status),
		LastHeartbeat: rec.LastHeartbeat,
		StartedAt:     rec.StartedAt,
		Memory:        datatypes.NewJSONType(rec.Memory),
		CurrentTasks:  datatypes.NewJSONSlice([]registry.CurrentTask{}),
		Config:        datatypes.NewJSONType(rec.Config),
		UpdatedAt:     rec.UpdatedAt,
	}
	// started_at and the counters survive a re-register
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "worker_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"host", "status", "last_heartbeat", "current_tasks", "config", "updated_at"}),
	}).Create(&row).Error
}

func (s *WorkerService) update(ctx context.Context, workerID string, updates map[string]interface{}) error {
	res := s.db.WithContext(ctx).Model(&WorkerRecord{}).Where("worker_id = ?", workerID).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return registry.ErrWorkerNotFound
	}
	return nil
}

func (s *WorkerService) Heartbeat(ctx context.Context, workerID string, mem registry.MemorySnapshot, now time.Time) error {
	return s.update(ctx, workerID, map[string]interface{}{
		"last_heartbeat": now,
		"memory":         datatypes.NewJSONType(mem),
		"updated_at":     now,
	})
}

func (s *WorkerService) SetCurrentTasks(ctx context.Context, workerID string, tasks []registry.CurrentTask, now time.Time) error {
	if tasks == nil {
		tasks = []registry.CurrentTask{}
	}
	return s.update(ctx, workerID, map[string]interface{}{
		"current_tasks": datatypes.NewJSONSlice(tasks),
		"updated_at":    now,
	})
}

func (s *WorkerService) IncrementCounters(ctx context.Context, workerID string, processed, failed int64, now time.Time) error {
	return s.update(ctx, workerID, map[string]interface{}{
		"processed_count": gorm.Expr("processed_count + ?", processed),
		"failed_count":    gorm.Expr("failed_count + ?", failed),
		"updated_at":      now,
	})
}

func (s *WorkerService) UpdateStatus(ctx context.Context, workerID string, status registry.Status, now time.Time) error {
	return s.update(ctx, workerID, map[string]interface{}{
		"status":     string(status),
		"updated_at": now,
	})
}

func (s *WorkerService) Get(ctx context.Context, workerID string) (*registry.WorkerRecord, error) {
	var row WorkerRecord
	if err := s.db.WithContext(ctx).Where("worker_id = ?", workerID).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, registry.ErrWorkerNotFound
		}
		return nil, err
	}
	rec := row.toRecord()
	return &rec, nil
}

func (s *WorkerService) List(ctx context.Context) ([]registry.WorkerRecord, error) {
	var rows []WorkerRecord
	if err := s.db.WithContext(ctx).Order("worker_id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]registry.WorkerRecord, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toRecord())
	}
	return out, nil
}

func (s *WorkerService) DeleteStopped(ctx context.Context, updatedBefore time.Time) (int, error) {
	res := s.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", registry.StatusStopped, updatedBefore).
		Delete(&WorkerRecord{})
	if res.Error != nil {
		return 0, res.Error
	}
	return int(res.RowsAffected), nil
}
