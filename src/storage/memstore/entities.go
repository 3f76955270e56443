package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"jobmatch/src/core/entity"
	"jobmatch/src/core/matching"
)

// Job is an in-memory job posting
type Job struct {
	ID                 string
	Title              string
	Description        string
	Skills             []string
	MinExperienceYears float64
	Location           string
	Remote             bool
	EducationLevel     int
	SalaryMax          int
	StartBy            *time.Time
}

// Candidate is an in-memory candidate profile
type Candidate struct {
	ID              string
	Headline        string
	Summary         string
	Skills          []string
	ExperienceYears float64
	Location        string
	OpenToRemote    bool
	EducationLevel  int
	DesiredSalary   int
	AvailableFrom   *time.Time
}

// VectorState is the embedding lifecycle kept on an entity
type VectorState struct {
	Status      entity.VectorStatus
	Vector      []float32
	Retries     int
	Error       string
	GeneratedAt *time.Time
}

type EntityStore struct {
	mu         sync.Mutex
	jobs       map[string]Job
	candidates map[string]Candidate
	vectors    map[entity.Ref]*VectorState
}

func NewEntityStore() *EntityStore {
	return &EntityStore{
		jobs:       make(map[string]Job),
		candidates: make(map[string]Candidate),
		vectors:    make(map[entity.Ref]*VectorState),
	}
}

var (
	_ entity.Store           = (*EntityStore)(nil)
	_ matching.ProfileSource = (*EntityStore)(nil)
)

func (s *EntityStore) PutJob(j Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[j.ID] = j
	s.initVector(entity.Ref{Kind: entity.KindJob, ID: j.ID})
}

func (s *EntityStore) PutCandidate(c Candidate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.candidates[c.ID] = c
	s.initVector(entity.Ref{Kind: entity.KindCandidate, ID: c.ID})
}

func (s *EntityStore) initVector(ref entity.Ref) {
	if _, ok := s.vectors[ref]; !ok {
		s.vectors[ref] = &VectorState{Status: entity.VectorStatusPending}
	}
}

func (s *EntityStore) Remove(ref entity.Ref) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch ref.Kind {
	case entity.KindJob:
		delete(s.jobs, ref.ID)
	case entity.KindCandidate:
		delete(s.candidates, ref.ID)
	}
	delete(s.vectors, ref)
}

// Vector returns a copy of the entity's vector state
func (s *EntityStore) Vector(ref entity.Ref) (VectorState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.vectors[ref]
	if !ok {
		return VectorState{}, false
	}
	c := *v
	c.Vector = append([]float32(nil), v.Vector...)
	return c, true
}

func (s *EntityStore) exists(ref entity.Ref) bool {
	switch ref.Kind {
	case entity.KindJob:
		_, ok := s.jobs[ref.ID]
		return ok
	case entity.KindCandidate:
		_, ok := s.candidates[ref.ID]
		return ok
	}
	return false
}

func (s *EntityStore) Content(_ context.Context, ref entity.Ref) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch ref.Kind {
	case entity.KindJob:
		if j, ok := s.jobs[ref.ID]; ok {
			return entity.JobContent(j.Title, j.Description, j.Skills), nil
		}
	case entity.KindCandidate:
		if c, ok := s.candidates[ref.ID]; ok {
			return entity.CandidateContent(c.Headline, c.Summary, c.Skills), nil
		}
	}
	return "", entity.ErrNotFound
}

func (s *EntityStore) vector(ref entity.Ref) (*VectorState, error) {
	if !s.exists(ref) {
		return nil, entity.ErrNotFound
	}
	s.initVector(ref)
	return s.vectors[ref], nil
}

func (s *EntityStore) MarkEmbeddingProcessing(_ context.Context, ref entity.Ref) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, err := s.vector(ref)
	if err != nil {
		return err
	}
	v.Status = entity.VectorStatusProcessing
	return nil
}

func (s *EntityStore) SaveEmbedding(_ context.Context, ref entity.Ref, vector []float32, generatedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, err := s.vector(ref)
	if err != nil {
		return err
	}
	v.Status = entity.VectorStatusCompleted
	v.Vector = append([]float32(nil), vector...)
	v.Error = ""
	v.GeneratedAt = &generatedAt
	return nil
}

func (s *EntityStore) MarkEmbeddingFailed(_ context.Context, ref entity.Ref, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, err := s.vector(ref)
	if err != nil {
		return err
	}
	v.Status = entity.VectorStatusFailed
	v.Error = reason
	v.Retries++
	return nil
}

func (s *EntityStore) GetVector(_ context.Context, ref entity.Ref) (*entity.StoredVector, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, err := s.vector(ref)
	if err != nil {
		return nil, err
	}
	if v.Status != entity.VectorStatusCompleted || len(v.Vector) == 0 {
		return nil, entity.ErrNoVector
	}
	return &entity.StoredVector{Ref: ref, Vector: append([]float32(nil), v.Vector...), GeneratedAt: *v.GeneratedAt}, nil
}

func (s *EntityStore) completed(kind entity.Kind) []entity.StoredVector {
	var out []entity.StoredVector
	for ref, v := range s.vectors {
		if ref.Kind != kind || v.Status != entity.VectorStatusCompleted || len(v.Vector) == 0 || !s.exists(ref) {
			continue
		}
		out = append(out, entity.StoredVector{Ref: ref, Vector: append([]float32(nil), v.Vector...), GeneratedAt: *v.GeneratedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ref.ID < out[j].Ref.ID })
	return out
}

func (s *EntityStore) GetVectors(_ context.Context, kind entity.Kind, ids []string) ([]entity.StoredVector, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	var out []entity.StoredVector
	for _, v := range s.completed(kind) {
		if _, ok := want[v.Ref.ID]; ok {
			out = append(out, v)
		}
	}
	return out, nil
}

func (s *EntityStore) ScanCompleted(ctx context.Context, kind entity.Kind, batchSize int, fn func([]entity.StoredVector) error) error {
	s.mu.Lock()
	all := s.completed(kind)
	s.mu.Unlock()
	return inBatches(ctx, all, batchSize, fn)
}

func (s *EntityStore) ListIDs(ctx context.Context, kind entity.Kind, batchSize int, fn func([]string) error) error {
	s.mu.Lock()
	var ids []string
	switch kind {
	case entity.KindJob:
		for id := range s.jobs {
			ids = append(ids, id)
		}
	case entity.KindCandidate:
		for id := range s.candidates {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()
	sort.Strings(ids)
	return inBatches(ctx, ids, batchSize, fn)
}

func (s *EntityStore) JobProfiles(_ context.Context, ids []string) ([]matching.JobProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]matching.JobProfile, 0, len(ids))
	for _, id := range ids {
		j, ok := s.jobs[id]
		if !ok {
			continue
		}
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

func (s *EntityStore) CandidateProfiles(_ context.Context, ids []string) ([]matching.CandidateProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]matching.CandidateProfile, 0, len(ids))
	for _, id := range ids {
		c, ok := s.candidates[id]
		if !ok {
			continue
		}
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

func inBatches[T any](ctx context.Context, items []T, batchSize int, fn func([]T) error) error {
	if batchSize <= 0 {
		batchSize = 100
	}
	for start := 0; start < len(items); start += batchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := start + batchSize
		if end > len(items) {
			end = len(items)
		}
		if err := fn(items[start:end]); err != nil {
			return err
		}
	}
	return nil
}
