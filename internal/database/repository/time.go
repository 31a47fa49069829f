package repository

import (
	"fmt"
	"time"
)

// TimeLayout is the on-disk timestamp format. Fixed width UTC so that
// lexical comparison in SQL matches chronological order.
const TimeLayout = "2006-01-02T15:04:05.000Z"

// Now returns UTC time truncated to milliseconds (the stored precision).
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

// FormatTime renders t in the stored layout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime accepts the stored layout plus the looser ISO shapes adapters
// and older rows use.
func ParseTime(s string) (time.Time, error) {
	for _, layout := range []string{TimeLayout, time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04:05", time.DateOnly} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", s)
}
