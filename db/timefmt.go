package db

import (
	"time"

	"github.com/teranos/usedcss/errors"
)

// TimeLayout is the fixed-width UTC layout every timestamp column uses, so
// string comparison in SQL orders the same way as time comparison.
const TimeLayout = "2006-01-02T15:04:05.000000Z"

// FormatTime renders t in TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a TimeLayout timestamp. RFC3339 values written by hand or
// by older rows are accepted too.
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(TimeLayout, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "invalid timestamp %q", s)
	}
	return t.UTC(), nil
}
