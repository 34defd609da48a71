package app

import (
	"fmt"
	"time"
	_ "time/tzdata" // scheduler.timezone must resolve on hosts without zoneinfo

	"nightowl/internal/budget"
	"nightowl/internal/clock"
	"nightowl/internal/config"
	"nightowl/internal/executor"
	"nightowl/internal/httpapi"
	"nightowl/internal/money"
	"nightowl/internal/notifier"
	"nightowl/internal/scheduler"
	"nightowl/internal/storage"
	"nightowl/internal/task"
	logx "nightowl/pkg/logx"
)

// The mappers below assume cfg went through config.Decode, so durations and
// the timezone are known to parse.

func storageConfig(cfg *config.Config) storage.Config {
	return storage.Config{Path: cfg.Storage.Path, BusyTimeout: config.Dur(cfg.Storage.BusyTimeout)}
}

func taskConfig(cfg *config.Config) task.Config {
	return task.Config{MaxRetries: task.Retries(*cfg.Scheduler.MaxRetries), PageSize: cfg.Scheduler.PendingPageSize}
}

func budgetConfig(cfg *config.Config) (budget.Config, error) {
	loc, err := time.LoadLocation(cfg.Scheduler.Timezone)
	if err != nil {
		return budget.Config{}, fmt.Errorf("scheduler.timezone: %w", err)
	}
	b := cfg.Budget
	bc := budget.Config{
		DailyBudget:   money.FromDollars(b.DailyUSD),
		NightFraction: *b.NightFraction,
		DayFraction:   *b.DayFraction,
		Window: clock.Window{
			NightStartHour: *b.NightStartHour,
			NightEndHour:   *b.NightEndHour,
			Location:       loc,
		},
	}
	return bc, bc.Validate()
}

func schedulerConfig(cfg *config.Config) scheduler.Config {
	s := cfg.Scheduler
	return scheduler.Config{
		TickInterval:       config.Dur(s.TickInterval),
		MaxParallel:        s.MaxParallelTasks,
		MaxTaskDuration:    config.Dur(s.MaxTaskDuration),
		EstimatedTaskCost:  money.FromDollars(cfg.Budget.EstimatedTaskCostUSD),
		BudgetWarnInterval: config.Dur(s.BudgetWarnInterval),
		DailyReport:        *s.DailyReport,
		AutoGen:            autoGenConfig(cfg),
	}
}

func autoGenConfig(cfg *config.Config) scheduler.AutoGenConfig {
	g := cfg.AutoGen
	prompts := make([]scheduler.Prompt, 0, len(g.Prompts))
	for _, p := range g.Prompts {
		prompts = append(prompts, scheduler.Prompt{Name: p.Name, Weight: p.Weight, Text: p.Prompt})
	}
	return scheduler.AutoGenConfig{
		Enabled:          g.Enabled,
		CheckInterval:    config.Dur(g.CheckInterval),
		ThresholdPercent: *g.UsageThresholdPercent,
		CeilingPercent:   *g.BudgetCeilingPercent,
		PerHourDay:       *g.RateLimitDay,
		PerHourNight:     *g.RateLimitNight,
		Project:          g.Project,
		Prompts:          prompts,
	}
}

func executorConfig(cfg *config.Config) executor.Config {
	return executor.Config{Workers: cfg.Executor.Workers, QueueSize: cfg.Executor.QueueSize}
}

func commandConfig(cfg *config.Config) executor.CommandConfig {
	e := cfg.Executor
	return executor.CommandConfig{
		Command:   e.Command,
		Args:      e.Args,
		Env:       e.Env,
		KillGrace: config.Dur(e.KillGrace),
		MaxOutput: e.MaxOutput,
	}
}

func notifierConfig(cfg *config.Config) notifier.Config {
	n := cfg.Notifier
	return notifier.Config{
		Enabled:     *n.Enabled,
		QueueSize:   n.QueueSize,
		RatePerSec:  n.RatePerSec,
		RetryMax:    n.RetryMax,
		DedupWindow: config.Dur(n.DedupWindow),
		Quiet:       n.Quiet,
	}
}

func httpConfig(cfg *config.Config) httpapi.Config {
	h := cfg.HTTP
	return httpapi.Config{Enabled: h.Enabled, Addr: h.Addr, Token: h.Token, Pprof: h.Pprof}
}

func logConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Telegram: logx.TelegramConfig{
			Enabled:    l.Telegram.Enabled,
			ThreadID:   l.Telegram.ThreadID,
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
		},
	}
}
