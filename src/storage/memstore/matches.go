package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"jobmatch/src/core/matching"
)

type matchKey struct {
	jobID, candidateID string
}

type MatchStore struct {
	mu      sync.Mutex
	matches map[matchKey]*matching.MatchRecord
}

func NewMatchStore() *MatchStore {
	return &MatchStore{matches: make(map[matchKey]*matching.MatchRecord)}
}

var _ matching.Store = (*MatchStore)(nil)

func (s *MatchStore) Upsert(_ context.Context, rec matching.MatchRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := matchKey{rec.JobID, rec.CandidateID}
	if cur, ok := s.matches[key]; ok {
		cur.Score = rec.Score
		cur.Breakdown = rec.Breakdown
		cur.CalculatedAt = rec.CalculatedAt
		cur.ExpiresAt = rec.ExpiresAt
		return nil
	}
	rec.Contacted = false
	rec.ContactedAt = nil
	rec.ContactMethod = nil
	s.matches[key] = &rec
	return nil
}

func (s *MatchStore) top(now time.Time, limit int, keep func(*matching.MatchRecord) bool) []matching.MatchRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []matching.MatchRecord
	for _, m := range s.matches {
		if keep(m) && m.ExpiresAt.After(now) {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].CalculatedAt.After(out[j].CalculatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *MatchStore) TopForJob(_ context.Context, jobID string, now time.Time, limit int) ([]matching.MatchRecord, error) {
	return s.top(now, limit, func(m *matching.MatchRecord) bool { return m.JobID == jobID }), nil
}

func (s *MatchStore) TopForCandidate(_ context.Context, candidateID string, now time.Time, limit int) ([]matching.MatchRecord, error) {
	return s.top(now, limit, func(m *matching.MatchRecord) bool { return m.CandidateID == candidateID }), nil
}

func (s *MatchStore) RecordContact(_ context.Context, jobID, candidateID, method string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.matches[matchKey{jobID, candidateID}]
	if !ok || !m.ExpiresAt.After(now) {
		return matching.ErrMatchNotFound
	}
	m.Contacted = true
	m.ContactedAt = &now
	m.ContactMethod = &method
	return nil
}

func (s *MatchStore) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for k, m := range s.matches {
		if !m.ExpiresAt.After(now) {
			delete(s.matches, k)
			n++
		}
	}
	return n, nil
}
