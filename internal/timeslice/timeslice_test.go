package timeslice

import (
	"testing"
	"time"
)

func date(y int, m time.Month, d, hh, mm, ss int) time.Time {
	return time.Date(y, m, d, hh, mm, ss, 0, time.UTC)
}

// TestByCalendarYear_TwoYears verifies the exact boundaries when a range
// spans one year edge.
func TestByCalendarYear_TwoYears(t *testing.T) {
	start := date(2024, time.June, 15, 0, 0, 0)
	end := date(2025, time.March, 10, 0, 0, 0)

	windows := ByCalendarYear(start, end)
	if len(windows) != 2 {
		t.Fatalf("ByCalendarYear() returned %d windows, want 2", len(windows))
	}

	if !windows[0].Start.Equal(start) {
		t.Errorf("first window start = %v, want %v", windows[0].Start, start)
	}
	wantEnd := date(2024, time.December, 31, 23, 59, 59)
	if !windows[0].End.Equal(wantEnd) {
		t.Errorf("first window end = %v, want %v", windows[0].End, wantEnd)
	}

	wantStart := date(2025, time.January, 1, 0, 0, 1)
	if !windows[1].Start.Equal(wantStart) {
		t.Errorf("second window start = %v, want %v", windows[1].Start, wantStart)
	}
	if !windows[1].End.Equal(end) {
		t.Errorf("second window end = %v, want %v", windows[1].End, end)
	}
}

// TestByCalendarYear_SingleYear verifies a range inside one year yields one window.
func TestByCalendarYear_SingleYear(t *testing.T) {
	start := date(2024, time.February, 1, 0, 0, 0)
	end := date(2024, time.November, 30, 0, 0, 0)

	windows := ByCalendarYear(start, end)
	if len(windows) != 1 {
		t.Fatalf("ByCalendarYear() returned %d windows, want 1", len(windows))
	}
	if !windows[0].Start.Equal(start) || !windows[0].End.Equal(end) {
		t.Errorf("window = %v..%v, want %v..%v", windows[0].Start, windows[0].End, start, end)
	}
}

// TestByCalendarYear_StartBeforeYearEdge checks that a start earlier in the
// year than Jan 1 00:00:01 is clamped up to the year edge.
func TestByCalendarYear_StartBeforeYearEdge(t *testing.T) {
	start := date(2024, time.January, 1, 0, 0, 0) // one second before the edge
	end := date(2024, time.January, 31, 0, 0, 0)

	windows := ByCalendarYear(start, end)
	if len(windows) != 1 {
		t.Fatalf("ByCalendarYear() returned %d windows, want 1", len(windows))
	}
	wantStart := date(2024, time.January, 1, 0, 0, 1)
	if !windows[0].Start.Equal(wantStart) {
		t.Errorf("window start = %v, want %v", windows[0].Start, wantStart)
	}
}

// TestByCalendarYear_Inverted checks start after end yields no windows.
func TestByCalendarYear_Inverted(t *testing.T) {
	start := date(2025, time.March, 1, 0, 0, 0)
	end := date(2024, time.March, 1, 0, 0, 0)

	if windows := ByCalendarYear(start, end); windows != nil {
		t.Errorf("ByCalendarYear() = %v, want nil", windows)
	}
}

// TestByCalendarYear_ThreeYears verifies middle years are full-year windows.
func TestByCalendarYear_ThreeYears(t *testing.T) {
	start := date(2023, time.October, 1, 0, 0, 0)
	end := date(2025, time.April, 1, 0, 0, 0)

	windows := ByCalendarYear(start, end)
	if len(windows) != 3 {
		t.Fatalf("ByCalendarYear() returned %d windows, want 3", len(windows))
	}

	wantStart := date(2024, time.January, 1, 0, 0, 1)
	wantEnd := date(2024, time.December, 31, 23, 59, 59)
	if !windows[1].Start.Equal(wantStart) || !windows[1].End.Equal(wantEnd) {
		t.Errorf("middle window = %v..%v, want %v..%v", windows[1].Start, windows[1].End, wantStart, wantEnd)
	}
}
