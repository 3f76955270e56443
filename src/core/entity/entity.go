package entity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound = errors.New("entity not found")
	ErrNoVector = errors.New("entity has no completed vector")
)

// Kind identifies which collection an entity lives in
type Kind string

const (
	KindJob       Kind = "job"
	KindCandidate Kind = "candidate"
)

// Counterpart returns the kind an entity is matched against
func (k Kind) Counterpart() Kind {
	if k == KindJob {
		return KindCandidate
	}
	return KindJob
}

func (k Kind) Valid() bool {
	return k == KindJob || k == KindCandidate
}

// ParseKind converts a raw string into a Kind
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.Valid() {
		return "", fmt.Errorf("unknown entity kind: %q", s)
	}
	return k, nil
}

// Ref points at one job posting or candidate profile
type Ref struct {
	Kind Kind   `json:"kind"`
	ID   string `json:"id"`
}

func (r Ref) String() string {
	return string(r.Kind) + ":" + r.ID
}

// VectorStatus tracks the embedding lifecycle stored on the entity
type VectorStatus string

const (
	VectorStatusPending    VectorStatus = "pending"
	VectorStatusProcessing VectorStatus = "processing"
	VectorStatusCompleted  VectorStatus = "completed"
	VectorStatusFailed     VectorStatus = "failed"
)

// StoredVector is a completed embedding read back from the entity store
type StoredVector struct {
	Ref         Ref
	Vector      []float32
	GeneratedAt time.Time
}

// Store is the slice of the entity layer the pipeline reads from and annotates.
type Store interface {
	// Content returns the text to embed for the entity
	Content(ctx context.Context, ref Ref) (string, error)

	MarkEmbeddingProcessing(ctx context.Context, ref Ref) error
	SaveEmbedding(ctx context.Context, ref Ref, vector []float32, generatedAt time.Time) error
	MarkEmbeddingFailed(ctx context.Context, ref Ref, reason string) error

	// GetVector returns ErrNotFound for a missing entity and ErrNoVector when its vector is not completed
	GetVector(ctx context.Context, ref Ref) (*StoredVector, error)
	GetVectors(ctx context.Context, kind Kind, ids []string) ([]StoredVector, error)
	// ScanCompleted streams every completed vector of a kind in batches
	ScanCompleted(ctx context.Context, kind Kind, batchSize int, fn func([]StoredVector) error) error

	// ListIDs streams the ids of every entity of a kind in batches
	ListIDs(ctx context.Context, kind Kind, batchSize int, fn func([]string) error) error
}

// JobContent is the text embedded for a job posting
func JobContent(title, description string, skills []string) string {
	return joinContent(title, description, skills)
}

// CandidateContent is the text embedded for a candidate profile
func CandidateContent(headline, summary string, skills []string) string {
	return joinContent(headline, summary, skills)
}

func joinContent(heading, body string, skills []string) string {
	parts := make([]string, 0, 3)
	if s := strings.TrimSpace(heading); s != "" {
		parts = append(parts, s)
	}
	if s := strings.TrimSpace(body); s != "" {
		parts = append(parts, s)
	}
	if len(skills) > 0 {
		parts = append(parts, "Skills: "+strings.Join(skills, ", "))
	}
	return strings.Join(parts, "\n\n")
}
