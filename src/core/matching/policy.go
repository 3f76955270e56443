package matching

import (
	"fmt"
	"strings"
	"time"
	"unicode"
)

// JobProfile is the structured part of a job posting used for scoring
type JobProfile struct {
	ID                 string
	Title              string
	Skills             []string
	MinExperienceYears float64
	Location           string
	Remote             bool
	EducationLevel     int
	SalaryMax          int
	StartBy            *time.Time
}

// CandidateProfile is the structured part of a candidate used for scoring
type CandidateProfile struct {
	ID              string
	Headline        string
	Skills          []string
	ExperienceYears float64
	Location        string
	OpenToRemote    bool
	EducationLevel  int
	DesiredSalary   int
	AvailableFrom   *time.Time
}

// Policy holds the maximum points of each sub-criterion
type Policy struct {
	Semantic     float64 `mapstructure:"semantic"`
	Skills       float64 `mapstructure:"skills"`
	Experience   float64 `mapstructure:"experience"`
	Title        float64 `mapstructure:"title"`
	Location     float64 `mapstructure:"location"`
	Education    float64 `mapstructure:"education"`
	Salary       float64 `mapstructure:"salary"`
	Availability float64 `mapstructure:"availability"`
}

func DefaultPolicy() Policy {
	return Policy{
		Semantic:     30,
		Skills:       20,
		Experience:   15,
		Title:        10,
		Location:     10,
		Education:    5,
		Salary:       5,
		Availability: 5,
	}
}

func (p Policy) Validate() error {
	weights := p.Map()
	for name, w := range weights {
		if w < 0 {
			return fmt.Errorf("matching weight %s must not be negative, got %v", name, w)
		}
	}
	return nil
}

func (p Policy) Map() map[string]float64 {
	return map[string]float64{
		"semantic":     p.Semantic,
		"skills":       p.Skills,
		"experience":   p.Experience,
		"title":        p.Title,
		"location":     p.Location,
		"education":    p.Education,
		"salary":       p.Salary,
		"availability": p.Availability,
	}
}

// Score computes the bounded breakdown for one pair. similarity is the cosine of their vectors.
func (p Policy) Score(similarity float64, job JobProfile, cand CandidateProfile, now time.Time) Breakdown {
	return Breakdown{
		Semantic:     bounded(p.Semantic, similarity),
		Skills:       bounded(p.Skills, skillsFit(job.Skills, cand.Skills)),
		Experience:   bounded(p.Experience, experienceFit(job.MinExperienceYears, cand.ExperienceYears)),
		Title:        bounded(p.Title, titleFit(job.Title, cand.Headline)),
		Location:     bounded(p.Location, locationFit(job, cand)),
		Education:    bounded(p.Education, educationFit(job.EducationLevel, cand.EducationLevel)),
		Salary:       bounded(p.Salary, salaryFit(job.SalaryMax, cand.DesiredSalary)),
		Availability: bounded(p.Availability, availabilityFit(job.StartBy, cand.AvailableFrom, now)),
	}
}

// bounded scales a fit in [0,1] to [0,points]
func bounded(points, fit float64) float64 {
	if fit < 0 {
		fit = 0
	}
	if fit > 1 {
		fit = 1
	}
	return points * fit
}

// unknown is the fit given when one side has not stated the criterion
const unknown = 0.5

func skillsFit(required, have []string) float64 {
	if len(required) == 0 {
		return unknown
	}
	set := make(map[string]struct{}, len(have))
	for _, s := range have {
		set[normalize(s)] = struct{}{}
	}
	var hit int
	for _, s := range required {
		if _, ok := set[normalize(s)]; ok {
			hit++
		}
	}
	return float64(hit) / float64(len(required))
}

func experienceFit(required, years float64) float64 {
	if required <= 0 {
		return 1
	}
	return years / required
}

func titleFit(title, headline string) float64 {
	want := words(title)
	if len(want) == 0 {
		return unknown
	}
	have := make(map[string]struct{})
	for _, w := range words(headline) {
		have[w] = struct{}{}
	}
	var hit int
	for _, w := range want {
		if _, ok := have[w]; ok {
			hit++
		}
	}
	return float64(hit) / float64(len(want))
}

func locationFit(job JobProfile, cand CandidateProfile) float64 {
	if job.Remote {
		if cand.OpenToRemote || cand.Location == "" {
			return 1
		}
		return 0.8
	}
	if job.Location == "" || cand.Location == "" {
		return unknown
	}
	if normalize(job.Location) == normalize(cand.Location) {
		return 1
	}
	return 0
}

func educationFit(required, level int) float64 {
	if required <= 0 {
		return 1
	}
	return float64(level) / float64(required)
}

func salaryFit(budget, desired int) float64 {
	if budget <= 0 || desired <= 0 {
		return unknown
	}
	if desired <= budget {
		return 1
	}
	return float64(budget) / float64(desired)
}

// availabilityFit is full when the candidate can start by the job's start date (or within
// 30 days when the job has none) and decays to zero over the following 60 days
func availabilityFit(startBy, availableFrom *time.Time, now time.Time) float64 {
	if availableFrom == nil {
		return 1
	}
	deadline := now.AddDate(0, 0, 30)
	if startBy != nil {
		deadline = *startBy
	}
	late := availableFrom.Sub(deadline)
	if late <= 0 {
		return 1
	}
	return 1 - late.Hours()/(60*24)
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func words(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
