package clock

import (
	"fmt"
	"time"
)

// Period is the time-of-day budget classification.
type Period int

const (
	Day Period = iota
	Night
)

func (p Period) String() string {
	if p == Night {
		return "night"
	}
	return "day"
}

func (p Period) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// Window classifies wall-clock time into night/day using two hour boundaries.
//
// When NightStartHour > NightEndHour the night interval wraps midnight
// (e.g. 20 -> 8). Equal boundaries mean there is no night.
type Window struct {
	NightStartHour int
	NightEndHour   int
	// Location used to read the hour. Nil means UTC.
	Location *time.Location
}

// DefaultWindow is night from 20:00 to 08:00 UTC.
func DefaultWindow() Window {
	return Window{NightStartHour: 20, NightEndHour: 8, Location: time.UTC}
}

func (w Window) Validate() error {
	if w.NightStartHour < 0 || w.NightStartHour > 23 {
		return fmt.Errorf("night_start_hour must be within 0..23 (got %d)", w.NightStartHour)
	}
	if w.NightEndHour < 0 || w.NightEndHour > 23 {
		return fmt.Errorf("night_end_hour must be within 0..23 (got %d)", w.NightEndHour)
	}
	return nil
}

func (w Window) loc() *time.Location {
	if w.Location == nil {
		return time.UTC
	}
	return w.Location
}

func (w Window) isNightHour(h int) bool {
	switch {
	case w.NightStartHour == w.NightEndHour:
		return false
	case w.NightStartHour > w.NightEndHour:
		return h >= w.NightStartHour || h < w.NightEndHour
	default:
		return h >= w.NightStartHour && h < w.NightEndHour
	}
}

// Classify reports whether now falls in the night or day period.
func (w Window) Classify(now time.Time) Period {
	if w.isNightHour(now.In(w.loc()).Hour()) {
		return Night
	}
	return Day
}

func (w Window) IsNight(now time.Time) bool { return w.Classify(now) == Night }

// NextTransition returns the next instant at which Classify changes value.
// It returns the zero time when the window never changes.
func (w Window) NextTransition(now time.Time) time.Time {
	if w.NightStartHour == w.NightEndHour {
		return time.Time{}
	}
	local := now.In(w.loc())
	cur := w.isNightHour(local.Hour())
	// Top of the current local hour; Truncate would be wrong for half-hour offsets.
	t := time.Date(local.Year(), local.Month(), local.Day(), local.Hour(), 0, 0, 0, w.loc())
	for i := 0; i < 48; i++ {
		t = t.Add(time.Hour)
		if w.isNightHour(t.Hour()) != cur {
			return t
		}
	}
	return time.Time{}
}

// DayStart returns the UTC midnight that opens the accounting day containing now.
func DayStart(now time.Time) time.Time {
	u := now.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// NextDayStart returns the next UTC midnight after now.
func NextDayStart(now time.Time) time.Time {
	return DayStart(now).AddDate(0, 0, 1)
}
