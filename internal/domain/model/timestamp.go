package model

import (
	"fmt"
	"strings"
	"time"
)

// finishTimeLayouts are tried in order. Zone-less values are read as UTC.
var finishTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999-07",
	"2006-01-02 15:04:05.999999999",
}

// ParseFinishTime parses an ISO8601 finish timestamp from the store.
func ParseFinishTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("%w: empty", ErrTimestampParse)
	}
	for _, layout := range finishTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrTimestampParse, s)
}

// FormatFinishTime renders t the way ParseFinishTime reads it back.
func FormatFinishTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ElapsedSince returns finish - start, never negative.
func ElapsedSince(start, finish time.Time) time.Duration {
	if d := finish.Sub(start); d > 0 {
		return d
	}
	return 0
}
