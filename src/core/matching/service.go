package matching

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"jobmatch/src/core/embedding"
	"jobmatch/src/core/entity"
)

// ProfileSource loads the structured fields scoring needs
type ProfileSource interface {
	JobProfiles(ctx context.Context, ids []string) ([]JobProfile, error)
	CandidateProfiles(ctx context.Context, ids []string) ([]CandidateProfile, error)
}

type Config struct {
	Policy        Policy
	TTL           time.Duration
	MinSimilarity float64
}

type Service struct {
	store    Store
	profiles ProfileSource
	cfg      Config
	logger   logr.Logger

	timeNowFunc func() time.Time
}

func NewService(store Store, profiles ProfileSource, cfg Config, logger logr.Logger) (*Service, error) {
	if cfg.Policy == (Policy{}) {
		cfg.Policy = DefaultPolicy()
	}
	if err := cfg.Policy.Validate(); err != nil {
		return nil, err
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * 24 * time.Hour
	}
	return &Service{
		store:       store,
		profiles:    profiles,
		cfg:         cfg,
		logger:      logger,
		timeNowFunc: time.Now,
	}, nil
}

// WithClock overrides the time source
func (s *Service) WithClock(now func() time.Time) *Service {
	s.timeNowFunc = now
	return s
}

func (s *Service) now() time.Time {
	return s.timeNowFunc().UTC()
}

// UpsertMatch stores a score for the pair, keeping any recorded contact
func (s *Service) UpsertMatch(ctx context.Context, jobID, candidateID string, score float64, breakdown Breakdown, ttl time.Duration) error {
	if strings.TrimSpace(jobID) == "" || strings.TrimSpace(candidateID) == "" {
		return errors.New("job id and candidate id are required")
	}
	if score < 0 || score > MaxScore {
		return fmt.Errorf("score %v out of range [0,%v]", score, MaxScore)
	}
	if ttl <= 0 {
		ttl = s.cfg.TTL
	}
	now := s.now()
	rec := MatchRecord{
		JobID:        jobID,
		CandidateID:  candidateID,
		Score:        score,
		Breakdown:    breakdown,
		CalculatedAt: now,
		ExpiresAt:    now.Add(ttl),
	}
	if err := s.store.Upsert(ctx, rec); err != nil {
		return fmt.Errorf("failed to upsert match %s/%s: %w", jobID, candidateID, err)
	}
	return nil
}

// GetTopMatches returns the job's non-expired matches by descending score
func (s *Service) GetTopMatches(ctx context.Context, jobID string, limit int) ([]MatchRecord, error) {
	return s.store.TopForJob(ctx, jobID, s.now(), clampLimit(limit))
}

func (s *Service) GetTopMatchesForCandidate(ctx context.Context, candidateID string, limit int) ([]MatchRecord, error) {
	return s.store.TopForCandidate(ctx, candidateID, s.now(), clampLimit(limit))
}

// RecordContact marks the pair as contacted. It fails with ErrMatchNotFound when no live record exists.
func (s *Service) RecordContact(ctx context.Context, jobID, candidateID, method string) error {
	if strings.TrimSpace(method) == "" {
		return errors.New("contact method is required")
	}
	return s.store.RecordContact(ctx, jobID, candidateID, method, s.now())
}

func (s *Service) PurgeExpired(ctx context.Context) (int, error) {
	n, err := s.store.DeleteExpired(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired matches: %w", err)
	}
	if n > 0 {
		s.logger.Info("Purged expired matches", "count", n)
	}
	return n, nil
}

// StoreRanked scores every ranked counterpart of ref above the similarity floor and upserts a match for each
func (s *Service) StoreRanked(ctx context.Context, ref entity.Ref, ranked []embedding.Similar) (int, error) {
	ids := make([]string, 0, len(ranked))
	similarity := make(map[string]float64, len(ranked))
	for _, r := range ranked {
		if r.Score < s.cfg.MinSimilarity {
			continue
		}
		ids = append(ids, r.Ref.ID)
		similarity[r.Ref.ID] = r.Score
	}
	if len(ids) == 0 {
		return 0, nil
	}

	var jobs []JobProfile
	var cands []CandidateProfile
	var err error
	switch ref.Kind {
	case entity.KindJob:
		jobs, err = s.profiles.JobProfiles(ctx, []string{ref.ID})
		if err == nil {
			cands, err = s.profiles.CandidateProfiles(ctx, ids)
		}
	case entity.KindCandidate:
		cands, err = s.profiles.CandidateProfiles(ctx, []string{ref.ID})
		if err == nil {
			jobs, err = s.profiles.JobProfiles(ctx, ids)
		}
	default:
		return 0, fmt.Errorf("invalid entity kind %q", ref.Kind)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to load profiles: %w", err)
	}

	now := s.now()
	stored := 0
	for _, job := range jobs {
		for _, cand := range cands {
			otherID := cand.ID
			if ref.Kind == entity.KindCandidate {
				otherID = job.ID
			}
			breakdown := s.cfg.Policy.Score(similarity[otherID], job, cand, now)
			if err := s.UpsertMatch(ctx, job.ID, cand.ID, breakdown.Total(), breakdown, s.cfg.TTL); err != nil {
				return stored, err
			}
			stored++
		}
	}
	return stored, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 10
	}
	if limit > 500 {
		return 500
	}
	return limit
}
