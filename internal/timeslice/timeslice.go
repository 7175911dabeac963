// Package timeslice splits date ranges into calendar-year windows.
//
// The ABCP garage endpoint rejects overly long dateUpdated intervals, so
// multi-year fetches are issued one calendar year at a time.
package timeslice

import "time"

// Window is one contiguous sub-range of a fetch interval.
// Both bounds are inclusive.
type Window struct {
	Start time.Time
	End   time.Time
}

// ByCalendarYear splits [start, end] into contiguous windows, each confined
// to a single calendar year.
//
// The first window begins at max(start, Jan 1 00:00:01 of start's year);
// every subsequent window begins at Jan 1 00:00:01 of the next year. Each
// window ends at Dec 31 23:59:59 of its year, or at end, whichever comes
// first. Returns nil when start is after end.
func ByCalendarYear(start, end time.Time) []Window {
	var windows []Window

	cur := time.Date(start.Year(), time.January, 1, 0, 0, 1, 0, start.Location())
	if start.After(cur) {
		cur = start
	}

	for !cur.After(end) {
		yearEnd := time.Date(cur.Year(), time.December, 31, 23, 59, 59, 0, cur.Location())
		if yearEnd.After(end) {
			yearEnd = end
		}
		windows = append(windows, Window{Start: cur, End: yearEnd})
		cur = time.Date(cur.Year()+1, time.January, 1, 0, 0, 1, 0, cur.Location())
	}

	return windows
}
