package queue

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseBackoff(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		raw     string
		want    []time.Duration
		wantErr error
	}{
		{name: "default list", raw: "1m,5m,15m,30m,1h", want: DefaultRetryDelays},
		{name: "spaces and trailing comma", raw: " 10s , 20s ,", want: []time.Duration{10 * time.Second, 20 * time.Second}},
		{name: "empty", raw: "", wantErr: ErrInvalidBackoff},
		{name: "unparseable", raw: "1m,soon", wantErr: ErrInvalidBackoff},
		{name: "zero delay", raw: "1m,0s", wantErr: ErrInvalidBackoff},
		{name: "negative delay", raw: "-1m", wantErr: ErrInvalidBackoff},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			b, err := ParseBackoff(tt.raw)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, b.Delays())
		})
	}
}

func TestBackoffDelay(t *testing.T) {
	t.Parallel()

	b, err := NewBackoff([]time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute})
	require.NoError(t, err)

	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{attempts: 0, want: time.Minute},
		{attempts: 1, want: time.Minute},
		{attempts: 2, want: 5 * time.Minute},
		{attempts: 3, want: 15 * time.Minute},
		{attempts: 4, want: 15 * time.Minute},
		{attempts: 50, want: 15 * time.Minute},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, b.Delay(tt.attempts), "attempts=%d", tt.attempts)
	}

	var zero Backoff
	require.Equal(t, DefaultRetryDelays[0], zero.Delay(3))
}

func TestBackoffCheckMonotonic(t *testing.T) {
	t.Parallel()

	ok, err := NewBackoff([]time.Duration{time.Minute, time.Minute, time.Hour})
	require.NoError(t, err)
	require.NoError(t, ok.CheckMonotonic())

	bad, err := NewBackoff([]time.Duration{5 * time.Minute, time.Minute})
	require.NoError(t, err)
	require.True(t, errors.Is(bad.CheckMonotonic(), ErrNonMonotonicBackoff))
	// kept as configured
	require.Equal(t, []time.Duration{5 * time.Minute, time.Minute}, bad.Delays())
	require.Equal(t, time.Minute, bad.Delay(2))
}

func TestPermanent(t *testing.T) {
	t.Parallel()

	cause := errors.New("malformed content")
	err := Permanent(cause)
	require.True(t, IsPermanent(err))
	require.ErrorIs(t, err, cause)
	require.True(t, IsPermanent(errors.Join(errors.New("context"), err)))
	require.False(t, IsPermanent(cause))
	require.Nil(t, Permanent(nil))
}
