package config

import (
	"fmt"
	"strings"
	"time"
)

// Interval is a closed ISO 8601 time interval.
type Interval struct {
	Start time.Time
	End   time.Time
}

// ParseInterval parses "2019-01-02T01:36:06Z/2023-08-12T10:36:06Z".
func ParseInterval(value string) (Interval, error) {
	parts := strings.Split(strings.TrimSpace(value), "/")
	if len(parts) != 2 {
		return Interval{}, fmt.Errorf("image interval %q: want <start>/<end>", value)
	}
	start, err := time.Parse(time.RFC3339, parts[0])
	if err != nil {
		return Interval{}, fmt.Errorf("image interval start: %w", err)
	}
	end, err := time.Parse(time.RFC3339, parts[1])
	if err != nil {
		return Interval{}, fmt.Errorf("image interval end: %w", err)
	}
	if end.Before(start) {
		return Interval{}, fmt.Errorf("image interval ends before it starts")
	}
	return Interval{Start: start, End: end}, nil
}

// Contains reports whether t lies inside the interval, bounds included.
func (i Interval) Contains(t time.Time) bool {
	return !t.Before(i.Start) && !t.After(i.End)
}
