package utils

import (
	"testing"
	"time"
)

func TestParseISO8601(t *testing.T) {
	cases := map[string]time.Time{
		"2024-03-01T10:15:00Z":      time.Date(2024, 3, 1, 10, 15, 0, 0, time.UTC),
		"2024-03-01T12:15:00+02:00": time.Date(2024, 3, 1, 10, 15, 0, 0, time.UTC),
		"2024-03-01T10:15:00.250Z":  time.Date(2024, 3, 1, 10, 15, 0, 250_000_000, time.UTC),
		"2024-03-01T10:15:00":       time.Date(2024, 3, 1, 10, 15, 0, 0, time.UTC),
		"2024-03-01 10:15:00":       time.Date(2024, 3, 1, 10, 15, 0, 0, time.UTC),
	}
	for raw, want := range cases {
		got, err := ParseISO8601(raw)
		if err != nil {
			t.Fatalf("parse %q: %v", raw, err)
		}
		if !got.Equal(want) {
			t.Fatalf("parse %q: expected %v, got %v", raw, want, got)
		}
	}

	for _, raw := range []string{"", "yesterday", "2024-13-01T00:00:00Z"} {
		if _, err := ParseISO8601(raw); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func TestFloorTime(t *testing.T) {
	ts := time.Date(2024, 3, 1, 10, 17, 42, 0, time.UTC)
	got := FloorTime(ts, 5*time.Minute)
	want := time.Date(2024, 3, 1, 10, 15, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	if !FloorTime(want, 5*time.Minute).Equal(want) {
		t.Fatalf("aligned time should be unchanged")
	}
}
