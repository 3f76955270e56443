package matchctrl

import (
	"context"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"jobmatch/src/core/matching"
)

type Match struct {
	JobID         string            `gorm:"primaryKey;type:text"`
	CandidateID   string            `gorm:"primaryKey;type:text"`
	Score         float64           `gorm:"not null"`
	Breakdown     datatypes.JSONMap `gorm:"type:jsonb;not null"`
	CalculatedAt  time.Time         `gorm:"type:timestamptz;not null"`
	ExpiresAt     time.Time         `gorm:"type:timestamptz;not null;index"`
	Contacted     bool              `gorm:"not null;default:false"`
	ContactedAt   *time.Time        `gorm:"type:timestamptz"`
	ContactMethod *string           `gorm:"type:text"`
	CreatedAt     time.Time         `gorm:"type:timestamptz;not null"`
	UpdatedAt     time.Time         `gorm:"type:timestamptz;not null"`
}

func (Match) TableName() string {
	return "match_records"
}

func (m *Match) toRecord() matching.MatchRecord {
	return matching.MatchRecord{
		JobID:         m.JobID,
		CandidateID:   m.CandidateID,
		Score:         m.Score,
		Breakdown:     matching.BreakdownFromMap(m.Breakdown),
		CalculatedAt:  m.CalculatedAt,
		ExpiresAt:     m.ExpiresAt,
		Contacted:     m.Contacted,
		ContactedAt:   m.ContactedAt,
		ContactMethod: m.ContactMethod,
	}
}

// MatchService is the Postgres matching.Store
type MatchService struct {
	db *gorm.DB
}

var _ matching.Store = (*MatchService)(nil)

func NewMatchService(db *gorm.DB) *MatchService {
	return &MatchService{db: db}
}

func (s *MatchService) Upsert(ctx context.Context, rec matching.MatchRecord) error {
	row := Match{
		JobID:        rec.JobID,
		CandidateID:  rec.CandidateID,
		Score:        rec.Score,
		Breakdown:    datatypes.JSONMap(rec.Breakdown.Map()),
		CalculatedAt: rec.CalculatedAt,
		ExpiresAt:    rec.ExpiresAt,
		CreatedAt:    rec.CalculatedAt,
		UpdatedAt:    rec.CalculatedAt,
	}
	// Contact columns are never part of the update set
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "job_id"}, {Name: "candidate_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"score", "breakdown", "calculated_at", "expires_at", "updated_at"}),
	}).Create(&row).Error
}

func (s *MatchService) top(ctx context.Context, column, id string, now time.Time, limit int) ([]matching.MatchRecord, error) {
	var rows []Match
	err := s.db.WithContext(ctx).
		Where(column+" = ? AND expires_at > ?", id, now).
		Order("score desc, calculated_at desc").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]matching.MatchRecord, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toRecord())
	}
	return out, nil
}

func (s *MatchService) TopForJob(ctx context.Context, jobID string, now time.Time, limit int) ([]matching.MatchRecord, error) {
	return s.top(ctx, "job_id", jobID, now, limit)
}

func (s *MatchService) TopForCandidate(ctx context.Context, candidateID string, now time.Time, limit int) ([]matching.MatchRecord, error) {
	return s.top(ctx, "candidate_id", candidateID, now, limit)
}

func (s *MatchService) RecordContact(ctx context.Context, jobID, candidateID, method string, now time.Time) error {
	res := s.db.WithContext(ctx).Model(&Match{}).
		Where("job_id = ? AND candidate_id = ? AND expires_at > ?", jobID, candidateID, now).
		Updates(map[string]interface{}{
			"contacted":      true,
			"contacted_at":   now,
			"contact_method": method,
			"updated_at":     now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return matching.ErrMatchNotFound
	}
	return nil
}

func (s *MatchService) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	res := s.db.WithContext(ctx).Where("expires_at <= ?", now).Delete(&Match{})
	if res.Error != nil {
		return 0, res.Error
	}
	return int(res.RowsAffected), nil
}
