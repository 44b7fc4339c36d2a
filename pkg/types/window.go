package types

import (
	"fmt"
	"time"
)

// Day is the granularity of analytics windows and snapshots
const Day = 24 * time.Hour

// BackfillWindow is a half-open date range [Start, End) in UTC
type BackfillWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// StartOfDay truncates t to UTC midnight
func StartOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// NewWindow builds a day-aligned window. End is exclusive and rounded up
// to the next midnight when it carries a time of day.
func NewWindow(start, end time.Time) (BackfillWindow, error) {
	s := StartOfDay(start)
	e := StartOfDay(end)
	if e.Before(end.UTC()) {
		e = e.Add(Day)
	}
	if e.Before(s) {
		return BackfillWindow{}, fmt.Errorf("%w: end %s before start %s",
			ErrInvalidWindow, end.Format(time.DateOnly), start.Format(time.DateOnly))
	}
	return BackfillWindow{Start: s, End: e}, nil
}

// DayWindow returns the window covering the UTC day of t
func DayWindow(t time.Time) BackfillWindow {
	s := StartOfDay(t)
	return BackfillWindow{Start: s, End: s.Add(Day)}
}

// IsZero reports whether the window is unset
func (w BackfillWindow) IsZero() bool {
	return w.Start.IsZero() && w.End.IsZero()
}

// Empty reports whether the window has zero width
func (w BackfillWindow) Empty() bool {
	return !w.End.After(w.Start)
}

// Contains reports whether t falls in [Start, End)
func (w BackfillWindow) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Days returns the start of every UTC day in the window
func (w BackfillWindow) Days() []time.Time {
	if w.Empty() {
		return nil
	}
	var days []time.Time
	for d := StartOfDay(w.Start); d.Before(w.End); d = d.Add(Day) {
		days = append(days, d)
	}
	return days
}

// Clamp restricts the window to the retention horizon ending at now.
// The returned bool is false when clamping collapses the window to zero
// width, in which case the run has nothing to do and must say so.
func (w BackfillWindow) Clamp(now time.Time, retentionDays int) (BackfillWindow, bool) {
	horizon := StartOfDay(now).Add(-time.Duration(retentionDays) * Day)
	out := w
	if out.Start.Before(horizon) {
		out.Start = horizon
	}
	if out.End.Before(out.Start) {
		out.End = out.Start
	}
	return out, !out.Empty()
}

// String renders the window as start..end dates
func (w BackfillWindow) String() string {
	return w.Start.Format(time.DateOnly) + ".." + w.End.Format(time.DateOnly)
}
