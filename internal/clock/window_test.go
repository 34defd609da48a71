package clock

import (
	"testing"
	"time"
)

func at(h, m int) time.Time {
	return time.Date(2025, 3, 14, h, m, 0, 0, time.UTC)
}

func TestClassifyWraparound(t *testing.T) {
	t.Parallel()
	w := DefaultWindow()
	tests := []struct {
		name string
		now  time.Time
		want Period
	}{
		{name: "evening start", now: at(20, 0), want: Night},
		{name: "just before start", now: at(19, 59), want: Day},
		{name: "midnight", now: at(0, 0), want: Night},
		{name: "early morning", now: at(7, 59), want: Night},
		{name: "end boundary", now: at(8, 0), want: Day},
		{name: "noon", now: at(12, 30), want: Day},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := w.Classify(tt.now); got != tt.want {
				t.Fatalf("Classify(%s) = %s, want %s", tt.now.Format(time.Kitchen), got, tt.want)
			}
		})
	}
}

func TestClassifyNonWrapping(t *testing.T) {
	t.Parallel()
	w := Window{NightStartHour: 1, NightEndHour: 5}
	if w.Classify(at(0, 30)) != Day {
		t.Fatal("00:30 should be day")
	}
	if w.Classify(at(3, 0)) != Night {
		t.Fatal("03:00 should be night")
	}
	if w.Classify(at(5, 0)) != Day {
		t.Fatal("05:00 should be day")
	}
}

func TestClassifyNoNight(t *testing.T) {
	t.Parallel()
	w := Window{NightStartHour: 6, NightEndHour: 6}
	for h := 0; h < 24; h++ {
		if w.IsNight(at(h, 0)) {
			t.Fatalf("hour %d classified as night with equal boundaries", h)
		}
	}
	if !w.NextTransition(at(3, 0)).IsZero() {
		t.Fatal("expected no transition")
	}
}

func TestClassifyUsesLocation(t *testing.T) {
	t.Parallel()
	loc := time.FixedZone("UTC+9", 9*3600)
	w := Window{NightStartHour: 20, NightEndHour: 8, Location: loc}
	// 12:00 UTC is 21:00 in UTC+9.
	if got := w.Classify(at(12, 0)); got != Night {
		t.Fatalf("Classify = %s, want night", got)
	}
}

func TestNextTransition(t *testing.T) {
	t.Parallel()
	w := DefaultWindow()
	got := w.NextTransition(at(12, 34))
	if want := at(20, 0); !got.Equal(want) {
		t.Fatalf("NextTransition(day) = %s, want %s", got, want)
	}
	got = w.NextTransition(at(23, 10))
	want := time.Date(2025, 3, 15, 8, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("NextTransition(night) = %s, want %s", got, want)
	}
}

func TestDayStart(t *testing.T) {
	t.Parallel()
	loc := time.FixedZone("UTC-5", -5*3600)
	// 22:00 at UTC-5 is 03:00 UTC the next day.
	now := time.Date(2025, 3, 14, 22, 0, 0, 0, loc)
	got := DayStart(now)
	want := time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("DayStart = %s, want %s", got, want)
	}
	if next := NextDayStart(now); !next.Equal(want.AddDate(0, 0, 1)) {
		t.Fatalf("NextDayStart = %s", next)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	if err := (Window{NightStartHour: 24}).Validate(); err == nil {
		t.Fatal("expected error for hour 24")
	}
	if err := DefaultWindow().Validate(); err != nil {
		t.Fatalf("default window invalid: %v", err)
	}
}
