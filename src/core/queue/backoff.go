package queue

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidBackoff      = errors.New("invalid retry backoff")
	ErrNonMonotonicBackoff = errors.New("retry backoff delays are not non-decreasing")
)

// DefaultRetryDelays is the schedule used when none is configured
var DefaultRetryDelays = []time.Duration{
	time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	30 * time.Minute,
	time.Hour,
}

// Backoff maps an attempt count to the delay before the next retry.
// The last delay repeats once the list is exhausted.
type Backoff struct {
	delays []time.Duration
}

// NewBackoff validates the delay list. Every delay must be positive.
func NewBackoff(delays []time.Duration) (Backoff, error) {
	if len(delays) == 0 {
		return Backoff{}, fmt.Errorf("%w: at least one delay is required", ErrInvalidBackoff)
	}
	for i, d := range delays {
		if d <= 0 {
			return Backoff{}, fmt.Errorf("%w: delay %d is %s", ErrInvalidBackoff, i, d)
		}
	}
	return Backoff{delays: append([]time.Duration(nil), delays...)}, nil
}

// ParseBackoff reads a comma separated list such as "1m,5m,15m"
func ParseBackoff(raw string) (Backoff, error) {
	var delays []time.Duration
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		d, err := time.ParseDuration(part)
		if err != nil {
			return Backoff{}, fmt.Errorf("%w: %v", ErrInvalidBackoff, err)
		}
		delays = append(delays, d)
	}
	return NewBackoff(delays)
}

// CheckMonotonic reports a configured sequence that ever decreases.
// The sequence is left as configured.
func (b Backoff) CheckMonotonic() error {
	for i := 1; i < len(b.delays); i++ {
		if b.delays[i] < b.delays[i-1] {
			return fmt.Errorf("%w: delay %d (%s) is shorter than delay %d (%s)",
				ErrNonMonotonicBackoff, i, b.delays[i], i-1, b.delays[i-1])
		}
	}
	return nil
}

// Delay returns the wait after the given number of attempts (1-based)
func (b Backoff) Delay(attempts int) time.Duration {
	if len(b.delays) == 0 {
		return DefaultRetryDelays[0]
	}
	idx := attempts - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(b.delays) {
		idx = len(b.delays) - 1
	}
	return b.delays[idx]
}

func (b Backoff) Delays() []time.Duration {
	return append([]time.Duration(nil), b.delays...)
}
