package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"nightowl/internal/clock"
	"nightowl/internal/task"
	logx "nightowl/pkg/logx"
)

// AutoGenConfig controls filler work submitted while the daily budget sits
// mostly unused.
type AutoGenConfig struct {
	Enabled       bool
	CheckInterval time.Duration // 0 means 5m
	// Generate only while today's spend is below ThresholdPercent of the
	// daily budget, and never at or above CeilingPercent.
	ThresholdPercent int
	CeilingPercent   int
	PerHourDay       int
	PerHourNight     int
	Project          string // optional project for generated tasks
	Prompts          []Prompt
}

// Prompt is one weighted description template for generated tasks.
type Prompt struct {
	Name   string
	Weight int
	Text   string
}

func (c AutoGenConfig) withDefaults() AutoGenConfig {
	if c.CheckInterval <= 0 {
		c.CheckInterval = 5 * time.Minute
	}
	return c
}

// Validate reports settings that can never generate anything sensible.
func (c AutoGenConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	var errs []error
	if c.ThresholdPercent < 0 || c.ThresholdPercent > 100 || c.CeilingPercent < 0 || c.CeilingPercent > 100 {
		errs = append(errs, errors.New("autogen: percentages must be within 0..100"))
	}
	if c.ThresholdPercent > c.CeilingPercent {
		errs = append(errs, fmt.Errorf("autogen: threshold %d%% is above ceiling %d%%", c.ThresholdPercent, c.CeilingPercent))
	}
	if c.PerHourDay < 0 || c.PerHourNight < 0 {
		errs = append(errs, errors.New("autogen: hourly limits must be >= 0"))
	}
	if totalWeight(c.Prompts) == 0 {
		errs = append(errs, errors.New("autogen: at least one prompt with text and a positive weight is required"))
	}
	return errors.Join(errs...)
}

func totalWeight(ps []Prompt) int {
	n := 0
	for _, p := range ps {
		if p.Weight > 0 && strings.TrimSpace(p.Text) != "" {
			n += p.Weight
		}
	}
	return n
}

// pick chooses a prompt with probability proportional to its weight.
func pick(ps []Prompt, roll func(n int) int) (Prompt, bool) {
	total := totalWeight(ps)
	if total == 0 {
		return Prompt{}, false
	}
	r := roll(total)
	for _, p := range ps {
		if p.Weight <= 0 || strings.TrimSpace(p.Text) == "" {
			continue
		}
		if r < p.Weight {
			return p, true
		}
		r -= p.Weight
	}
	return Prompt{}, false
}

// genState is the hourly generation allowance, guarded by Scheduler.genMu.
type genState struct {
	limiter *rate.Limiter
	perHour int
}

// allow takes one token from a bucket refilling perHour tokens an hour. The
// bucket keeps its level across night/day limit changes.
func (g *genState) allow(now time.Time, perHour int) bool {
	lim := rate.Limit(float64(perHour) / time.Hour.Seconds())
	switch {
	case g.limiter == nil:
		g.limiter = rate.NewLimiter(lim, perHour)
	case g.perHour != perHour:
		g.limiter.SetLimitAt(now, lim)
		g.limiter.SetBurstAt(now, perHour)
	}
	g.perHour = perHour
	if perHour <= 0 {
		return false
	}
	return g.limiter.AllowN(now, 1)
}

// Generate submits one THOUGHT task from the configured prompts when the
// queue is idle and today's spend is under the threshold. It reports whether
// a task was created; skipped checks return ok=false with a nil error.
func (s *Scheduler) Generate(ctx context.Context) (task.Task, bool, error) {
	cfg := s.Config().AutoGen
	if !cfg.Enabled {
		return task.Task{}, false, nil
	}
	now := s.clock.Now()
	log := s.log.With(logx.String("job", "autogen"))

	counts, err := s.tasks.CountByStatus(ctx)
	if err != nil {
		return task.Task{}, false, err
	}
	if counts.Pending > 0 {
		log.Debug("queue not idle", logx.Int("pending", counts.Pending))
		return task.Task{}, false, nil
	}

	daily := s.budget.Config().DailyBudget
	if daily <= 0 {
		return task.Task{}, false, nil
	}
	spent, err := s.budget.SpentInWindow(ctx, now)
	if err != nil {
		return task.Task{}, false, err
	}
	usedPct := float64(spent) * 100 / float64(daily)
	if usedPct >= float64(min(cfg.ThresholdPercent, cfg.CeilingPercent)) {
		log.Debug("budget usage above generation threshold", logx.Float64("used_pct", usedPct))
		return task.Task{}, false, nil
	}

	period := s.budget.Config().Window.Classify(now)
	perHour := cfg.PerHourDay
	if period == clock.Night {
		perHour = cfg.PerHourNight
	}
	s.genMu.Lock()
	allowed := s.gen.allow(now, perHour)
	s.genMu.Unlock()
	if !allowed {
		log.Debug("generation rate limited", logx.String("period", period.String()), logx.Int("per_hour", perHour))
		return task.Task{}, false, nil
	}

	p, ok := pick(cfg.Prompts, s.roll)
	if !ok {
		return task.Task{}, false, nil
	}
	t, err := s.Submit(ctx, strings.TrimSpace(p.Text), task.PriorityThought, cfg.Project)
	if err != nil {
		return task.Task{}, false, fmt.Errorf("autogen submit: %w", err)
	}
	log.Info("task generated",
		logx.Int64("task_id", t.ID),
		logx.String("prompt", p.Name),
		logx.Float64("used_pct", usedPct),
	)
	return t, true, nil
}

func defaultRoll(n int) int { return rand.IntN(n) }
