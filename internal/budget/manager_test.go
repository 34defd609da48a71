package budget

import (
	"context"
	"errors"
	"testing"
	"time"

	"nightowl/internal/clock"
	"nightowl/internal/money"
)

type fixedSpend struct {
	total money.Money
	since time.Time
	err   error
}

func (f *fixedSpend) SumSince(_ context.Context, since time.Time) (money.Money, error) {
	f.since = since
	return f.total, f.err
}

func TestDayScenario(t *testing.T) {
	t.Parallel()
	spend := &fixedSpend{total: money.FromDollars(0.80)}
	m, err := NewManager(DefaultConfig(), spend)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	noon := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	if q := m.CurrentQuota(noon); q != money.FromDollars(1.00) {
		t.Fatalf("day quota = %s, want $1.00", q)
	}
	rem, err := m.Remaining(ctx, noon)
	if err != nil {
		t.Fatal(err)
	}
	if rem != money.FromDollars(0.20) {
		t.Fatalf("remaining = %s, want $0.20", rem)
	}
	if !spend.since.Equal(time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("window start = %v, want UTC midnight", spend.since)
	}
	ok, err := m.Admit(ctx, noon, money.FromDollars(0.50))
	if err != nil || ok {
		t.Fatalf("Admit(0.50) = %v, %v; want false", ok, err)
	}
	ok, _ = m.Admit(ctx, noon, money.FromDollars(0.20))
	if !ok {
		t.Fatal("Admit(remaining) should be true")
	}
}

func TestNightQuotaAndFloor(t *testing.T) {
	t.Parallel()
	spend := &fixedSpend{total: money.FromDollars(2.50)}
	m, _ := NewManager(DefaultConfig(), spend)
	ctx := context.Background()

	night := time.Date(2026, 3, 14, 22, 0, 0, 0, time.UTC)
	st, err := m.Status(ctx, night)
	if err != nil {
		t.Fatal(err)
	}
	if !st.IsNight || st.Period != clock.Night {
		t.Fatalf("expected night, got %+v", st)
	}
	if st.CurrentQuota != money.FromDollars(9) || st.Remaining != money.FromDollars(6.50) {
		t.Fatalf("night status = %+v", st)
	}
	if !st.NextChange.Equal(time.Date(2026, 3, 15, 8, 0, 0, 0, time.UTC)) {
		t.Fatalf("NextChange = %v", st.NextChange)
	}

	// Overspent during the day: remaining floors at zero.
	day := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	st, _ = m.Status(ctx, day)
	if st.Remaining != 0 || st.UsagePercent < 100 {
		t.Fatalf("day status = %+v", st)
	}
	if ok, _ := m.Admit(ctx, day, 0); !ok {
		t.Fatal("zero estimate should always be admitted")
	}
}

func TestValidateAndApply(t *testing.T) {
	t.Parallel()
	bad := []Config{
		{DailyBudget: money.Dollar, NightFraction: 0.7, DayFraction: 0.2, Window: clock.DefaultWindow()},
		{DailyBudget: money.Dollar, NightFraction: 1.5, DayFraction: -0.5, Window: clock.DefaultWindow()},
		{DailyBudget: -1, NightFraction: 0.5, DayFraction: 0.5, Window: clock.DefaultWindow()},
		{DailyBudget: money.Dollar, NightFraction: 0.5, DayFraction: 0.5, Window: clock.Window{NightStartHour: 25}},
	}
	for i, c := range bad {
		if err := c.Validate(); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}

	m, _ := NewManager(DefaultConfig(), &fixedSpend{})
	if err := m.Apply(bad[0]); err == nil {
		t.Fatal("Apply should reject invalid config")
	}
	if m.Config().NightFraction != 0.9 {
		t.Fatal("invalid Apply must keep the previous config")
	}
	next := DefaultConfig()
	next.DailyBudget = 20 * money.Dollar
	if err := m.Apply(next); err != nil {
		t.Fatal(err)
	}
	if q := m.CurrentQuota(time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)); q != 2*money.Dollar {
		t.Fatalf("quota after Apply = %s", q)
	}
}

func TestSpendError(t *testing.T) {
	t.Parallel()
	boom := errors.New("db gone")
	m, _ := NewManager(DefaultConfig(), &fixedSpend{err: boom})
	if _, err := m.Admit(context.Background(), time.Now(), 1); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped spend error", err)
	}
}

func TestExhaustedBudgetAdmitsNothing(t *testing.T) {
	t.Parallel()
	noon := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name     string
		spent    money.Money
		estimate money.Money
		want     bool
	}{
		{"overspent zero estimate", money.FromDollars(5), 0, false},
		{"exactly spent zero estimate", money.FromDollars(1), 0, false},
		{"sub-micro estimate rounds to zero", money.FromDollars(5), money.FromDollars(0.0000001), false},
		{"room left zero estimate", money.FromDollars(0.99), 0, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			m, err := NewManager(DefaultConfig(), &fixedSpend{total: tc.spent})
			if err != nil {
				t.Fatal(err)
			}
			got, err := m.Admit(context.Background(), noon, tc.estimate)
			if err != nil {
				t.Fatal(err)
			}
			if got != tc.want {
				t.Fatalf("Admit = %v, want %v", got, tc.want)
			}
		})
	}
}
