package state

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

var windowPattern = regexp.MustCompile(`^(\d+)(s|m|h|d)$`)

// ParseWindow parses a rate_limit condition's time_window config value
// ("30s", "10m", "1h", "7d") into a time.Duration (spec §4.4 "window W").
func ParseWindow(raw string) (time.Duration, error) {
	m := windowPattern.FindStringSubmatch(raw)
	if m == nil {
		return 0, fmt.Errorf("state: invalid time_window %q", raw)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, fmt.Errorf("state: invalid time_window %q: %w", raw, err)
	}
	switch m[2] {
	case "s":
		return time.Duration(n) * time.Second, nil
	case "m":
		return time.Duration(n) * time.Minute, nil
	case "h":
		return time.Duration(n) * time.Hour, nil
	case "d":
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return 0, fmt.Errorf("state: invalid time_window unit in %q", raw)
}

// UpdateRateCounter prunes the timestamp sequence to the active
// [t-window, t] range, appends t, caps it at MaxTimestamps (dropping the
// oldest first), and returns the resulting aggregate plus the count the
// threshold comparison should use (spec §4.4 "Rate counter update").
func UpdateRateCounter(prev RateCounterState, t time.Time, window time.Duration) (next RateCounterState, count int) {
	cutoff := t.Add(-window)

	kept := make([]time.Time, 0, len(prev.Timestamps)+1)
	for _, ts := range prev.Timestamps {
		if !ts.Before(cutoff) {
			kept = append(kept, ts)
		}
	}
	kept = append(kept, t)

	if len(kept) > MaxTimestamps {
		kept = kept[len(kept)-MaxTimestamps:]
	}

	return RateCounterState{Timestamps: kept}, len(kept)
}

// ResetRateCounter clears the timestamp sequence (spec §4.4
// "reset_on_trigger == true").
func ResetRateCounter() RateCounterState {
	return RateCounterState{Timestamps: nil}
}
