package availability

import (
	"sort"
	"time"
)

type Interval struct {
	Start time.Time
	End   time.Time
}

// AvailableSlots returns slot start times within [windowStart, windowEnd) where a booking of
// length duration would not overlap any of the busy intervals. Candidates start at
// windowStart and advance by step. Starts before now are skipped; a zero now keeps them.
//
// All times are expected to be in the same location (timezone).
func AvailableSlots(windowStart, windowEnd time.Time, duration, step time.Duration, busy []Interval, now time.Time) []time.Time {
	if duration <= 0 || step <= 0 {
		return nil
	}
	if !windowEnd.After(windowStart) {
		return nil
	}
	if windowStart.Add(duration).After(windowEnd) {
		return nil
	}

	sorted := append([]Interval(nil), busy...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start.Before(sorted[j].Start) })

	var slots []time.Time
	for t := windowStart; !t.Add(duration).After(windowEnd); t = t.Add(step) {
		if !now.IsZero() && t.Before(now) {
			continue
		}
		if !overlapsAny(t, t.Add(duration), sorted) {
			slots = append(slots, t)
		}
	}
	return slots
}

// overlapsAny expects busy sorted by start.
func overlapsAny(start, end time.Time, busy []Interval) bool {
	for _, b := range busy {
		if !b.Start.Before(end) {
			return false
		}
		// Half-open intervals: [start,end) overlaps [b.Start,b.End) iff start < b.End && b.Start < end.
		if start.Before(b.End) {
			return true
		}
	}
	return false
}
