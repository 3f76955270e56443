package matching_test

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"

	"jobmatch/src/core/embedding"
	"jobmatch/src/core/entity"
	"jobmatch/src/core/matching"
	"jobmatch/src/storage/memstore"
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func newService(t *testing.T, c *clock, cfg matching.Config) (*matching.Service, *memstore.EntityStore) {
	t.Helper()

	entities := memstore.NewEntityStore()
	svc, err := matching.NewService(memstore.NewMatchStore(), entities, cfg, logr.Discard())
	require.NoError(t, err)
	return svc.WithClock(c.Now), entities
}

func TestUpsertKeepsContactState(t *testing.T) {
	t.Parallel()

	c := &clock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	svc, _ := newService(t, c, matching.Config{})
	ctx := context.Background()

	require.NoError(t, svc.UpsertMatch(ctx, "j1", "c1", 72, matching.Breakdown{Semantic: 24}, 0))
	require.NoError(t, svc.RecordContact(ctx, "j1", "c1", "email"))

	c.now = c.now.Add(time.Hour)
	require.NoError(t, svc.UpsertMatch(ctx, "j1", "c1", 80, matching.Breakdown{Semantic: 27}, 0))

	matches, err := svc.GetTopMatches(ctx, "j1", 10)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	m := matches[0]
	require.Equal(t, 80.0, m.Score)
	require.Equal(t, 27.0, m.Breakdown.Semantic)
	require.Equal(t, c.now, m.CalculatedAt)
	require.Equal(t, c.now.Add(30*24*time.Hour), m.ExpiresAt)
	require.True(t, m.Contacted)
	require.Equal(t, "email", *m.ContactMethod)
	require.Equal(t, c.now.Add(-time.Hour), *m.ContactedAt)
}

func TestUpsertValidation(t *testing.T) {
	t.Parallel()

	svc, _ := newService(t, &clock{now: time.Now()}, matching.Config{})
	ctx := context.Background()

	tests := []struct {
		name        string
		job, cand   string
		score       float64
		expectError bool
	}{
		{name: "valid", job: "j1", cand: "c1", score: 55},
		{name: "zero score", job: "j1", cand: "c2", score: 0},
		{name: "max score", job: "j1", cand: "c3", score: 100},
		{name: "negative", job: "j1", cand: "c4", score: -1, expectError: true},
		{name: "over max", job: "j1", cand: "c5", score: 100.5, expectError: true},
		{name: "missing job", job: "", cand: "c6", score: 10, expectError: true},
		{name: "missing candidate", job: "j1", cand: " ", score: 10, expectError: true},
	}
	for _, tt := range tests {
		err := svc.UpsertMatch(ctx, tt.job, tt.cand, tt.score, matching.Breakdown{}, 0)
		if tt.expectError {
			require.Error(t, err, tt.name)
		} else {
			require.NoError(t, err, tt.name)
		}
	}
}

func TestTopMatchesAndExpiry(t *testing.T) {
	t.Parallel()

	c := &clock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	svc, _ := newService(t, c, matching.Config{})
	ctx := context.Background()

	require.NoError(t, svc.UpsertMatch(ctx, "j1", "c1", 40, matching.Breakdown{}, 0))
	require.NoError(t, svc.UpsertMatch(ctx, "j1", "c2", 90, matching.Breakdown{}, time.Hour))
	require.NoError(t, svc.UpsertMatch(ctx, "j1", "c3", 65, matching.Breakdown{}, 0))
	require.NoError(t, svc.UpsertMatch(ctx, "j2", "c1", 70, matching.Breakdown{}, 0))

	matches, err := svc.GetTopMatches(ctx, "j1", 2)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	require.Equal(t, "c2", matches[0].CandidateID)
	require.Equal(t, "c3", matches[1].CandidateID)

	forCandidate, err := svc.GetTopMatchesForCandidate(ctx, "c1", 0)
	require.NoError(t, err)
	require.Len(t, forCandidate, 2)
	require.Equal(t, "j2", forCandidate[0].JobID)

	c.now = c.now.Add(2 * time.Hour)

	matches, err = svc.GetTopMatches(ctx, "j1", 10)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	require.Equal(t, "c3", matches[0].CandidateID)

	require.ErrorIs(t, svc.RecordContact(ctx, "j1", "c2", "phone"), matching.ErrMatchNotFound)

	n, err := svc.PurgeExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestRecordContact(t *testing.T) {
	t.Parallel()

	svc, _ := newService(t, &clock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}, matching.Config{})
	ctx := context.Background()

	require.ErrorIs(t, svc.RecordContact(ctx, "j1", "c1", "email"), matching.ErrMatchNotFound)

	require.NoError(t, svc.UpsertMatch(ctx, "j1", "c1", 50, matching.Breakdown{}, 0))
	require.Error(t, svc.RecordContact(ctx, "j1", "c1", ""))
	require.NoError(t, svc.RecordContact(ctx, "j1", "c1", "linkedin"))
}

func TestStoreRanked(t *testing.T) {
	t.Parallel()

	c := &clock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	svc, entities := newService(t, c, matching.Config{MinSimilarity: 0.2})
	ctx := context.Background()

	entities.PutJob(memstore.Job{ID: "j1", Title: "Go Engineer", Skills: []string{"go"}, Location: "Berlin"})
	entities.PutJob(memstore.Job{ID: "j2", Title: "Chef"})
	entities.PutCandidate(memstore.Candidate{ID: "c1", Headline: "Go engineer", Skills: []string{"go"}, Location: "Berlin"})
	entities.PutCandidate(memstore.Candidate{ID: "c2", Headline: "Gopher"})
	entities.PutCandidate(memstore.Candidate{ID: "c3", Headline: "Baker"})

	jobRef := entity.Ref{Kind: entity.KindJob, ID: "j1"}
	ranked := []embedding.Similar{
		{Ref: entity.Ref{Kind: entity.KindCandidate, ID: "c1"}, Score: 0.9},
		{Ref: entity.Ref{Kind: entity.KindCandidate, ID: "c2"}, Score: 0.4},
		{Ref: entity.Ref{Kind: entity.KindCandidate, ID: "c3"}, Score: 0.1},
		{Ref: entity.Ref{Kind: entity.KindCandidate, ID: "gone"}, Score: 0.8},
	}
	n, err := svc.StoreRanked(ctx, jobRef, ranked)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	matches, err := svc.GetTopMatches(ctx, "j1", 10)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	require.Equal(t, "c1", matches[0].CandidateID)
	require.InDelta(t, 27, matches[0].Breakdown.Semantic, 1e-9)
	require.InDelta(t, matches[0].Breakdown.Total(), matches[0].Score, 1e-9)
	require.Greater(t, matches[0].Score, matches[1].Score)

	// the candidate side writes the same pair orientation
	candRef := entity.Ref{Kind: entity.KindCandidate, ID: "c3"}
	n, err = svc.StoreRanked(ctx, candRef, []embedding.Similar{
		{Ref: entity.Ref{Kind: entity.KindJob, ID: "j2"}, Score: 0.7},
	})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	forCandidate, err := svc.GetTopMatchesForCandidate(ctx, "c3", 10)
	require.NoError(t, err)
	require.Len(t, forCandidate, 1)
	require.Equal(t, "j2", forCandidate[0].JobID)
	require.InDelta(t, 21, forCandidate[0].Breakdown.Semantic, 1e-9)

	n, err = svc.StoreRanked(ctx, jobRef, nil)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestNewServiceRejectsNegativeWeights(t *testing.T) {
	t.Parallel()

	policy := matching.DefaultPolicy()
	policy.Title = -5
	_, err := matching.NewService(memstore.NewMatchStore(), memstore.NewEntityStore(), matching.Config{Policy: policy}, logr.Discard())
	require.Error(t, err)
}
