package indicators

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/tape/internal/domain"
)

func TestParseInterval(t *testing.T) {
	cases := map[string]time.Duration{
		"1m":  time.Minute,
		"5m":  5 * time.Minute,
		"15m": 15 * time.Minute,
		"1h":  time.Hour,
		"1d":  24 * time.Hour,
		"30s": 30 * time.Second,
		" 5M ": 5 * time.Minute,
	}
	for input, want := range cases {
		got, err := ParseInterval(input)
		require.NoError(t, err, input)
		assert.Equal(t, domain.IntervalOf(want), got, input)
	}
}

func TestParseIntervalRejects(t *testing.T) {
	for _, input := range []string{"", "m", "5", "0m", "-5m", "5x", "abc"} {
		_, err := ParseInterval(input)
		require.Error(t, err, input)
		var verr *domain.ValidationError
		assert.True(t, errors.As(err, &verr), input)
	}
}

func TestParseIntervals(t *testing.T) {
	list, err := ParseIntervals([]string{"5m", "15m", "1h"})
	require.NoError(t, err)
	assert.Len(t, list, 3)

	_, err = ParseIntervals([]string{"5m", "5m"})
	assert.Error(t, err, "duplicates rejected")
}
