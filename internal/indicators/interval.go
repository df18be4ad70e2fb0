package indicators

import (
	"strconv"
	"strings"
	"time"

	"github.com/aristath/tape/internal/domain"
)

// ParseInterval parses the short interval form used throughout the
// engine and its configuration: "1m", "5m", "1h", "1d". Seconds ("30s")
// are accepted for test calendars. This is the single interval parser;
// nothing else in the engine interprets interval strings.
func ParseInterval(s string) (domain.Interval, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if len(s) < 2 {
		return 0, domain.NewValidationError("interval", "invalid interval %q", s)
	}

	unit := s[len(s)-1]
	value, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || value <= 0 {
		return 0, domain.NewValidationError("interval", "invalid interval %q", s)
	}

	switch unit {
	case 's':
		return domain.IntervalOf(time.Duration(value) * time.Second), nil
	case 'm':
		return domain.IntervalOf(time.Duration(value) * time.Minute), nil
	case 'h':
		return domain.IntervalOf(time.Duration(value) * time.Hour), nil
	case 'd':
		return domain.IntervalOf(time.Duration(value) * 24 * time.Hour), nil
	default:
		return 0, domain.NewValidationError("interval", "unknown interval unit in %q", s)
	}
}

// ParseIntervals parses a list of interval strings, rejecting duplicates
func ParseIntervals(list []string) ([]domain.Interval, error) {
	out := make([]domain.Interval, 0, len(list))
	seen := make(map[domain.Interval]bool, len(list))
	for _, s := range list {
		interval, err := ParseInterval(s)
		if err != nil {
			return nil, err
		}
		if seen[interval] {
			return nil, domain.NewValidationError("interval", "duplicate interval %q", s)
		}
		seen[interval] = true
		out = append(out, interval)
	}
	return out, nil
}
