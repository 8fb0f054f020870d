package matcher

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Period is a half-open time window [Start, End).
type Period struct {
	Start time.Time
	End   time.Time
}

// ParsePeriod understands YYYY, YYYY-MM, YYYY-Qn and YYYY-Hn keys.
func ParsePeriod(key string) (Period, error) {
	key = strings.TrimSpace(key)
	if len(key) < 4 {
		return Period{}, fmt.Errorf("period %q: too short", key)
	}

	year, err := strconv.Atoi(key[:4])
	if err != nil || year < 1900 {
		return Period{}, fmt.Errorf("period %q: invalid year", key)
	}
	start := time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)

	if len(key) == 4 {
		return Period{Start: start, End: start.AddDate(1, 0, 0)}, nil
	}
	if key[4] != '-' || len(key) < 6 {
		return Period{}, fmt.Errorf("period %q: unknown format", key)
	}

	rest := strings.ToUpper(key[5:])
	switch {
	case rest[0] == 'Q' && len(rest) == 2:
		q, err := strconv.Atoi(rest[1:])
		if err != nil || q < 1 || q > 4 {
			return Period{}, fmt.Errorf("period %q: invalid quarter", key)
		}
		s := start.AddDate(0, (q-1)*3, 0)
		return Period{Start: s, End: s.AddDate(0, 3, 0)}, nil
	case rest[0] == 'H' && len(rest) == 2:
		h, err := strconv.Atoi(rest[1:])
		if err != nil || h < 1 || h > 2 {
			return Period{}, fmt.Errorf("period %q: invalid half", key)
		}
		s := start.AddDate(0, (h-1)*6, 0)
		return Period{Start: s, End: s.AddDate(0, 6, 0)}, nil
	case len(rest) == 2:
		m, err := strconv.Atoi(rest)
		if err != nil || m < 1 || m > 12 {
			return Period{}, fmt.Errorf("period %q: invalid month", key)
		}
		s := start.AddDate(0, m-1, 0)
		return Period{Start: s, End: s.AddDate(0, 1, 0)}, nil
	}
	return Period{}, fmt.Errorf("period %q: unknown format", key)
}

// lastDay is the first instant of the last calendar day in the period.
// Validity dates are day-granular, so a document valid "to" the last day covers the period.
func (p Period) lastDay() time.Time {
	return p.End.AddDate(0, 0, -1)
}
