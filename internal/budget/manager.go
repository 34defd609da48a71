// Package budget decides whether the daily spend allows more work.
package budget

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"nightowl/internal/clock"
	"nightowl/internal/money"
)

// Config is the budget policy.
type Config struct {
	DailyBudget   money.Money
	NightFraction float64
	DayFraction   float64
	Window        clock.Window
}

// DefaultConfig is $10/day split 90% night, 10% day.
func DefaultConfig() Config {
	return Config{
		DailyBudget:   10 * money.Dollar,
		NightFraction: 0.9,
		DayFraction:   0.1,
		Window:        clock.DefaultWindow(),
	}
}

func (c Config) Validate() error {
	if c.DailyBudget < 0 {
		return errors.New("budget.daily_usd must not be negative")
	}
	for name, f := range map[string]float64{"night_fraction": c.NightFraction, "day_fraction": c.DayFraction} {
		if math.IsNaN(f) || f < 0 || f > 1 {
			return fmt.Errorf("budget.%s must be within [0,1], got %v", name, f)
		}
	}
	if math.Abs(c.NightFraction+c.DayFraction-1) > 1e-9 {
		return fmt.Errorf("budget fractions must sum to 1.0, got %v + %v", c.NightFraction, c.DayFraction)
	}
	return c.Window.Validate()
}

// Spender reports spend recorded since a point in time.
type Spender interface {
	SumSince(ctx context.Context, since time.Time) (money.Money, error)
}

// Status is a point-in-time view of the budget.
type Status struct {
	Period        clock.Period `json:"period"`
	IsNight       bool         `json:"is_night"`
	DailyBudget   money.Money  `json:"daily_budget_micros"`
	CurrentQuota  money.Money  `json:"current_quota_micros"`
	Spent         money.Money  `json:"spent_micros"`
	Remaining     money.Money  `json:"remaining_micros"`
	UsagePercent  float64      `json:"usage_percent"`
	NightFraction float64      `json:"night_fraction"`
	DayFraction   float64      `json:"day_fraction"`
	WindowStart   time.Time    `json:"window_start"`
	NextChange    time.Time    `json:"next_period_change"`
}

// Manager derives quota and remaining budget from the usage ledger. It keeps
// no spend state of its own.
type Manager struct {
	spend Spender

	mu  sync.RWMutex
	cfg Config
}

func NewManager(cfg Config, spend Spender) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Manager{spend: spend, cfg: cfg}, nil
}

// Apply swaps the policy; an invalid policy is rejected and the old one kept.
func (m *Manager) Apply(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
	return nil
}

func (m *Manager) Config() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// CurrentQuota is the part of the daily budget spendable during the period
// containing now.
func (m *Manager) CurrentQuota(now time.Time) money.Money {
	return quota(m.Config(), now)
}

func quota(cfg Config, now time.Time) money.Money {
	f := cfg.DayFraction
	if cfg.Window.IsNight(now) {
		f = cfg.NightFraction
	}
	return cfg.DailyBudget.Scale(f)
}

// SpentInWindow is today's spend since UTC midnight. Night and day share it.
func (m *Manager) SpentInWindow(ctx context.Context, now time.Time) (money.Money, error) {
	spent, err := m.spend.SumSince(ctx, clock.DayStart(now))
	if err != nil {
		return 0, fmt.Errorf("budget spend: %w", err)
	}
	return spent, nil
}

// Remaining is max(0, quota - spent).
func (m *Manager) Remaining(ctx context.Context, now time.Time) (money.Money, error) {
	spent, err := m.SpentInWindow(ctx, now)
	if err != nil {
		return 0, err
	}
	return m.CurrentQuota(now).Sub(spent).Floor0(), nil
}

// Admit reports whether a task estimated to cost estimated may start now.
func (m *Manager) Admit(ctx context.Context, now time.Time, estimated money.Money) (bool, error) {
	rem, err := m.Remaining(ctx, now)
	if err != nil {
		return false, err
	}
	// An exhausted quota admits nothing, even a zero estimate.
	return rem > 0 && rem >= estimated, nil
}

func (m *Manager) Status(ctx context.Context, now time.Time) (Status, error) {
	cfg := m.Config()
	spent, err := m.SpentInWindow(ctx, now)
	if err != nil {
		return Status{}, err
	}
	q := quota(cfg, now)
	period := cfg.Window.Classify(now)
	return Status{
		Period:        period,
		IsNight:       period == clock.Night,
		DailyBudget:   cfg.DailyBudget,
		CurrentQuota:  q,
		Spent:         spent,
		Remaining:     q.Sub(spent).Floor0(),
		UsagePercent:  spent.Percent(q),
		NightFraction: cfg.NightFraction,
		DayFraction:   cfg.DayFraction,
		WindowStart:   clock.DayStart(now),
		NextChange:    cfg.Window.NextTransition(now),
	}, nil
}
