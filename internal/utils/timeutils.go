package utils

import (
	"fmt"
	"strings"
	"time"
)

var isoLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05",
}

// ParseISO8601 parses the timestamp shapes accepted by the API and found in storage.
// Values without a zone are read as UTC.
func ParseISO8601(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, fmt.Errorf("empty time value")
	}
	for _, layout := range isoLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("parse time %q: not ISO-8601", value)
}

// FormatISO8601 renders t the way the API and storage expect.
func FormatISO8601(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// FloorTime aligns t to the start of its width-sized window counted from the Unix epoch.
func FloorTime(t time.Time, width time.Duration) time.Time {
	if width <= 0 {
		return t
	}
	ms := t.UnixMilli()
	w := width.Milliseconds()
	floored := ms - ms%w
	if ms < 0 && ms%w != 0 {
		floored -= w
	}
	return time.UnixMilli(floored).UTC()
}

// TruncateMinute drops seconds and below.
func TruncateMinute(t time.Time) time.Time {
	return t.Truncate(time.Minute)
}
