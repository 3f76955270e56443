package matching

import (
	"context"
	"errors"
	"time"
)

var ErrMatchNotFound = errors.New("match not found")

// MaxScore caps the aggregate match score
const MaxScore = 100.0

// Breakdown holds the independently bounded sub-scores of a match
type Breakdown struct {
	Semantic     float64 `json:"semantic"`
	Skills       float64 `json:"skills"`
	Experience   float64 `json:"experience"`
	Title        float64 `json:"title"`
	Location     float64 `json:"location"`
	Education    float64 `json:"education"`
	Salary       float64 `json:"salary"`
	Availability float64 `json:"availability"`
}

// Total sums the sub-scores, capped at MaxScore
func (b Breakdown) Total() float64 {
	sum := b.Semantic + b.Skills + b.Experience + b.Title + b.Location + b.Education + b.Salary + b.Availability
	if sum > MaxScore {
		return MaxScore
	}
	return sum
}

// Map flattens the breakdown for JSON columns
func (b Breakdown) Map() map[string]interface{} {
	return map[string]interface{}{
		"semantic":     b.Semantic,
		"skills":       b.Skills,
		"experience":   b.Experience,
		"title":        b.Title,
		"location":     b.Location,
		"education":    b.Education,
		"salary":       b.Salary,
		"availability": b.Availability,
	}
}

// BreakdownFromMap reverses Map; unknown keys are ignored
func BreakdownFromMap(m map[string]interface{}) Breakdown {
	get := func(k string) float64 {
		switch v := m[k].(type) {
		case float64:
			return v
		case float32:
			return float64(v)
		case int:
			return float64(v)
		case int64:
			return float64(v)
		}
		return 0
	}
	return Breakdown{
		Semantic:     get("semantic"),
		Skills:       get("skills"),
		Experience:   get("experience"),
		Title:        get("title"),
		Location:     get("location"),
		Education:    get("education"),
		Salary:       get("salary"),
		Availability: get("availability"),
	}
}

// MatchRecord is the scored association of one job and one candidate
type MatchRecord struct {
	JobID         string     `json:"job_id"`
	CandidateID   string     `json:"candidate_id"`
	Score         float64    `json:"score"`
	Breakdown     Breakdown  `json:"breakdown"`
	CalculatedAt  time.Time  `json:"calculated_at"`
	ExpiresAt     time.Time  `json:"expires_at"`
	Contacted     bool       `json:"contacted"`
	ContactedAt   *time.Time `json:"contacted_at,omitempty"`
	ContactMethod *string    `json:"contact_method,omitempty"`
}

// Store persists match records, one per (job, candidate) pair.
// Records past ExpiresAt are never returned.
type Store interface {
	// Upsert inserts the record or updates only its score fields; contact state is never overwritten
	Upsert(ctx context.Context, rec MatchRecord) error
	TopForJob(ctx context.Context, jobID string, now time.Time, limit int) ([]MatchRecord, error)
	TopForCandidate(ctx context.Context, candidateID string, now time.Time, limit int) ([]MatchRecord, error)
	RecordContact(ctx context.Context, jobID, candidateID, method string, now time.Time) error
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}
