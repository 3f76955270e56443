package entityctrl

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
	"gorm.io/gorm"

	"jobmatch/src/core/entity"
	"jobmatch/src/core/matching"
)

// VectorColumns are the embedding fields carried by both entity tables
type VectorColumns struct {
	VectorStatus      string           `gorm:"type:text;not null;default:'pending';index" json:"-"`
	Embedding         *pgvector.Vector `gorm:"type:vector" json:"-"`
	VectorRetries     int              `gorm:"not null;default:0" json:"-"`
	VectorError       *string          `gorm:"type:text" json:"-"`
	VectorGeneratedAt *time.Time       `gorm:"type:timestamptz" json:"-"`
}

type Job struct {
	ID                 string         `gorm:"primaryKey;type:text" json:"id"`
	Title              string         `gorm:"type:text;not null" json:"title"`
	Description        string         `gorm:"type:text" json:"description"`
	Skills             pq.StringArray `gorm:"type:text[];not null;default:'{}'" json:"skills"`
	MinExperienceYears float64        `gorm:"not null;default:0" json:"min_experience_years"`
	Location           string         `gorm:"type:text" json:"location"`
	Remote             bool           `gorm:"not null;default:false" json:"remote"`
	EducationLevel     int            `gorm:"not null;default:0" json:"education_level"`
	SalaryMax          int            `gorm:"not null;default:0" json:"salary_max"`
	StartBy            *time.Time     `gorm:"type:timestamptz" json:"start_by"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`

	VectorColumns
}

func (Job) TableName() string {
	return "jobs"
}

type Candidate struct {
	ID              string         `gorm:"primaryKey;type:text" json:"id"`
	Headline        string         `gorm:"type:text;not null" json:"headline"`
	Summary         string         `gorm:"type:text" json:"summary"`
	Skills          pq.StringArray `gorm:"type:text[];not null;default:'{}'" json:"skills"`
	ExperienceYears float64        `gorm:"not null;default:0" json:"experience_years"`
	Location        string         `gorm:"type:text" json:"location"`
	OpenToRemote    bool           `gorm:"not null;default:false" json:"open_to_remote"`
	EducationLevel  int            `gorm:"not null;default:0" json:"education_level"`
	DesiredSalary   int            `gorm:"not null;default:0" json:"desired_salary"`
	AvailableFrom   *time.Time     `gorm:"type:timestamptz" json:"available_from"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`

	VectorColumns
}

func (Candidate) TableName() string {
	return "candidates"
}

// EntityService is the Postgres entity.Store and matching.ProfileSource
type EntityService struct {
	db *gorm.DB
}

var (
	_ entity.Store           = (*EntityService)(nil)
	_ matching.ProfileSource = (*EntityService)(nil)
)

func NewEntityService(db *gorm.DB) *EntityService {
	return &EntityService{db: db}
}

func model(kind entity.Kind) (interface{}, error) {
	switch kind {
	case entity.KindJob:
		return &Job{}, nil
	case entity.KindCandidate:
		return &Candidate{}, nil
	}
	return nil, fmt.Errorf("unknown entity kind: %q", kind)
}

func (s *EntityService) Content(ctx context.Context, ref entity.Ref) (string, error) {
	switch ref.Kind {
	case entity.KindJob:
		var j Job
		if err := s.db.WithContext(ctx).Select("id", "title", "description", "skills").Where("id = ?", ref.ID).First(&j).Error; err != nil {
			return "", notFound(err)
		}
		return entity.JobContent(j.Title, j.Description, j.Skills), nil
	case entity.KindCandidate:
		var c Candidate
		if err := s.db.WithContext(ctx).Select("id", "headline", "summary", "skills").Where("id = ?", ref.ID).First(&c).Error; err != nil {
			return "", notFound(err)
		}
		return entity.CandidateContent(c.Headline, c.Summary, c.Skills), nil
	}
	return "", fmt.Errorf("unknown entity kind: %q", ref.Kind)
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return entity.ErrNotFound
	}
	return err
}

func (s *EntityService) updateVector(ctx context.Context, ref entity.Ref, updates map[string]interface{}) error {
	m, err := model(ref.Kind)
	if err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Model(m).Where("id = ?", ref.ID).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return entity.ErrNotFound
	}
	return nil
}

func (s *EntityService) MarkEmbeddingProcessing(ctx context.Context, ref entity.Ref) error {
	return s.updateVector(ctx, ref, map[string]interface{}{
		"vector_status": string(entity.VectorStatusProcessing),
	})
}

func (s *EntityService) SaveEmbedding(ctx context.Context, ref entity.Ref, vector []float32, generatedAt time.Time) error {
	v := pgvector.NewVector(vector)
	return s.updateVector(ctx, ref, map[string]interface{}{
		"vector_status":       string(entity.VectorStatusCompleted),
		"embedding":           &v,
		"vector_error":        nil,
		"vector_generated_at": generatedAt,
	})
}

func (s *EntityService) MarkEmbeddingFailed(ctx context.Context, ref entity.Ref, reason string) error {
	return s.updateVector(ctx, ref, map[string]interface{}{
		"vector_status":  string(entity.VectorStatusFailed),
		"vector_error":   reason,
		"vector_retries": gorm.Expr("vector_retries + 1"),
	})
}

type vectorRow struct {
	ID                string
	VectorStatus      string
	Embedding         *pgvector.Vector
	VectorGeneratedAt *time.Time
}

func (r vectorRow) stored(kind entity.Kind) entity.StoredVector {
	sv := entity.StoredVector{Ref: entity.Ref{Kind: kind, ID: r.ID}}
	if r.Embedding != nil {
		sv.Vector = r.Embedding.Slice()
	}
	if r.VectorGeneratedAt != nil {
		sv.GeneratedAt = *r.VectorGeneratedAt
	}
	return sv
}

func (s *EntityService) vectorQuery(ctx context.Context, kind entity.Kind) (*gorm.DB, error) {
	m, err := model(kind)
	if err != nil {
		return nil, err
	}
	return s.db.WithContext(ctx).Model(m).Select("id", "vector_status", "embedding", "vector_generated_at"), nil
}

func (s *EntityService) GetVector(ctx context.Context, ref entity.Ref) (*entity.StoredVector, error) {
	q, err := s.vectorQuery(ctx, ref.Kind)
	if err != nil {
		return nil, err
	}
	var row vectorRow
	if err := q.Where("id = ?", ref.ID).Take(&row).Error; err != nil {
		return nil, notFound(err)
	}
	if row.VectorStatus != string(entity.VectorStatusCompleted) || row.Embedding == nil {
		return nil, entity.ErrNoVector
	}
	sv := row.stored(ref.Kind)
	return &sv, nil
}

func (s *EntityService) GetVectors(ctx context.Context, kind entity.Kind, ids []string) ([]entity.StoredVector, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	q, err := s.vectorQuery(ctx, kind)
	if err != nil {
		return nil, err
	}
	var rows []vectorRow
	err = q.Where("id IN ? AND vector_status = ? AND embedding IS NOT NULL", ids, entity.VectorStatusCompleted).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]entity.StoredVector, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.stored(kind))
	}
	return out, nil
}

// ScanCompleted pages through completed vectors by id so only one batch is held at a time
func (s *EntityService) ScanCompleted(ctx context.Context, kind entity.Kind, batchSize int, fn func([]entity.StoredVector) error) error {
	if batchSize <= 0 {
		batchSize = 500
	}
	after := ""
	for {
		q, err := s.vectorQuery(ctx, kind)
		if err != nil {
			return err
		}
		var rows []vectorRow
		err = q.Where("vector_status = ? AND embedding IS NOT NULL AND id > ?", entity.VectorStatusCompleted, after).
			Order("id").
			Limit(batchSize).
			Find(&rows).Error
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		batch := make([]entity.StoredVector, 0, len(rows))
		for _, r := range rows {
			batch = append(batch, r.stored(kind))
		}
		if err := fn(batch); err != nil {
			return err
		}
		if len(rows) < batchSize {
			return nil
		}
		after = rows[len(rows)-1].ID
	}
}

func (s *EntityService) ListIDs(ctx context.Context, kind entity.Kind, batchSize int, fn func([]string) error) error {
	if batchSize <= 0 {
		batchSize = 500
	}
	m, err := model(kind)
	if err != nil {
		return err
	}
	after := ""
	for {
		var ids []string
		err := s.db.WithContext(ctx).Model(m).Where("id > ?", after).Order("id").Limit(batchSize).Pluck("id", &ids).Error
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		if err := fn(ids); err != nil {
			return err
		}
		if len(ids) < batchSize {
			return nil
		}
		after = ids[len(ids)-1]
	}
}

func (s *EntityService) JobProfiles(ctx context.Context, ids []string) ([]matching.JobProfile, error) {
	var jobs []Job
	err := s.db.WithContext(ctx).
		Omit("embedding").
		Where("id IN ?", ids).
		Find(&jobs).Error
	if err != nil {
		return nil, err
	}
	out := make([]matching.JobProfile, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, matching.JobProfile{
			ID:                 j.ID,
			Title:              j.Title,
			Skills:             j.Skills,
			MinExperienceYears: j.MinExperienceYears,
			Location:           j.Location,
			Remote:             j.Remote,
			EducationLevel:     j.EducationLevel,
			SalaryMax:          j.SalaryMax,
			StartBy:            j.StartBy,
		})
	}
	return out, nil
}

func (s *EntityService) CandidateProfiles(ctx context.Context, ids []string) ([]matching.CandidateProfile, error) {
	var cands []Candidate
	err := s.db.WithContext(ctx).
		Omit("embedding").
		Where("id IN ?", ids).
		Find(&cands).Error
	if err != nil {
		return nil, err
	}
	out := make([]matching.CandidateProfile, 0, len(cands))
	for _, c := range cands {
		out = append(out, matching.CandidateProfile{
			ID:              c.ID,
			Headline:        c.Headline,
			Skills:          c.Skills,
			ExperienceYears: c.ExperienceYears,
			Location:        c.Location,
			OpenToRemote:    c.OpenToRemote,
			EducationLevel:  c.EducationLevel,
			DesiredSalary:   c.DesiredSalary,
			AvailableFrom:   c.AvailableFrom,
		})
	}
	return out, nil
}

// SaveJob inserts or replaces a job's content fields; the CRUD layer owns these tables
func (s *EntityService) SaveJob(ctx context.Context, j *Job) error {
	return s.db.WithContext(ctx).Omit("embedding").Save(j).Error
}

func (s *EntityService) SaveCandidate(ctx context.Context, c *Candidate) error {
	return s.db.WithContext(ctx).Omit("embedding").Save(c).Error
}
