package config

import (
	"errors"
	"fmt"
	"math"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	logx "nightowl/pkg/logx"
)

const DefaultDailyReport = "59 23 * * *"

// DefaultAutoGenPrompt is used when autogen is enabled without prompts.
const DefaultAutoGenPrompt = "Review this workspace and pick ONE small, concrete improvement " +
	"(tests, documentation, a refactor or a bug fix). Implement it, keep the change focused " +
	"and summarize what you did in one or two sentences."

func ptr[T any](v T) *T { return &v }

// Default returns a config with every default filled in.
func Default() *Config {
	c := &Config{Logging: LoggingConfig{Console: true}}
	c.ApplyDefaults()
	return c
}

// ApplyDefaults fills omitted fields in place.
func (c *Config) ApplyDefaults() {
	if c.Telegram.PollTimeout == "" {
		c.Telegram.PollTimeout = "10s"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.File.Path == "" {
		c.Logging.File.Path = "./nightowl.log"
	}
	if c.Logging.Telegram.MinLevel == "" {
		c.Logging.Telegram.MinLevel = "warn"
	}
	if c.Logging.Telegram.RatePerSec <= 0 {
		c.Logging.Telegram.RatePerSec = 1
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "./data/nightowl.db"
	}
	if c.Storage.BusyTimeout == "" {
		c.Storage.BusyTimeout = "5s"
	}
	if c.Workspace.Root == "" {
		c.Workspace.Root = "./workspace"
	}

	s := &c.Scheduler
	if s.TickInterval == "" {
		s.TickInterval = "5s"
	}
	if s.MaxParallelTasks <= 0 {
		s.MaxParallelTasks = 3
	}
	if s.MaxRetries == nil {
		s.MaxRetries = ptr(3)
	}
	if s.MaxTaskDuration == "" {
		s.MaxTaskDuration = "30m"
	}
	if s.Timezone == "" {
		s.Timezone = "UTC"
	}
	if s.PendingPageSize <= 0 {
		s.PendingPageSize = 32
	}
	if s.BudgetWarnInterval == "" {
		s.BudgetWarnInterval = "60s"
	}
	if s.DailyReport == nil {
		s.DailyReport = ptr(DefaultDailyReport)
	}

	b := &c.Budget
	if b.DailyUSD == 0 {
		b.DailyUSD = 10
	}
	if b.NightFraction == nil {
		b.NightFraction = ptr(0.9)
	}
	if b.DayFraction == nil {
		b.DayFraction = ptr(math.Round((1-*b.NightFraction)*1e9) / 1e9)
	}
	if b.EstimatedTaskCostUSD == 0 {
		b.EstimatedTaskCostUSD = 0.5
	}
	if b.NightStartHour == nil {
		b.NightStartHour = ptr(20)
	}
	if b.NightEndHour == nil {
		b.NightEndHour = ptr(8)
	}

	if c.Executor.Command == "" {
		c.Executor.Command = "claude"
		if c.Executor.Args == nil {
			c.Executor.Args = []string{"-p", "--output-format", "json"}
		}
	}
	if c.Executor.Workers <= 0 {
		c.Executor.Workers = s.MaxParallelTasks
	}
	if c.Executor.QueueSize <= 0 {
		c.Executor.QueueSize = 64
	}
	if c.Executor.KillGrace == "" {
		c.Executor.KillGrace = "10s"
	}

	n := &c.Notifier
	if n.Enabled == nil {
		n.Enabled = ptr(true)
	}
	if n.RatePerSec <= 0 {
		n.RatePerSec = 1
	}
	if n.QueueSize <= 0 {
		n.QueueSize = 128
	}
	if n.DedupWindow == "" {
		n.DedupWindow = "1m"
	}

	if c.HTTP.Addr == "" {
		c.HTTP.Addr = "127.0.0.1:8089"
	}

	g := &c.AutoGen
	if g.CheckInterval == "" {
		g.CheckInterval = "5m"
	}
	if g.UsageThresholdPercent == nil {
		g.UsageThresholdPercent = ptr(60)
	}
	if g.BudgetCeilingPercent == nil {
		g.BudgetCeilingPercent = ptr(85)
	}
	if g.RateLimitDay == nil {
		g.RateLimitDay = ptr(1)
	}
	if g.RateLimitNight == nil {
		g.RateLimitNight = ptr(2)
	}
	if len(g.Prompts) == 0 {
		g.Prompts = []PromptConfig{{Name: "default_improvement", Weight: 1, Prompt: DefaultAutoGenPrompt}}
	}
}

// Validate checks a defaulted config. All problems are reported together.
func (c *Config) Validate() error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	dur("telegram.poll_timeout", c.Telegram.PollTimeout)
	if c.Telegram.NotifyChat != "" {
		if _, err := c.Telegram.NotifyChatID(); err != nil {
			add(err)
		}
	}
	if !logx.ValidLevel(c.Logging.Level) {
		add(fmt.Errorf("logging.level: unknown level %q", c.Logging.Level))
	}
	if !logx.ValidLevel(c.Logging.Telegram.MinLevel) {
		add(fmt.Errorf("logging.telegram.min_level: unknown level %q", c.Logging.Telegram.MinLevel))
	}
	dur("storage.busy_timeout", c.Storage.BusyTimeout)

	s := c.Scheduler
	dur("scheduler.tick_interval", s.TickInterval)
	dur("scheduler.max_task_duration", s.MaxTaskDuration)
	dur("scheduler.budget_warn_interval", s.BudgetWarnInterval)
	if s.MaxRetries != nil && *s.MaxRetries < 0 {
		add(errors.New("scheduler.max_retries must be >= 0"))
	}
	if _, err := time.LoadLocation(s.Timezone); err != nil {
		add(fmt.Errorf("scheduler.timezone: %w", err))
	}
	if s.DailyReport != nil && strings.TrimSpace(*s.DailyReport) != "" {
		if _, err := cron.ParseStandard(*s.DailyReport); err != nil {
			add(fmt.Errorf("scheduler.daily_report: %w", err))
		}
	}

	b := c.Budget
	if b.DailyUSD < 0 {
		add(errors.New("budget.daily_usd must be >= 0"))
	}
	if b.EstimatedTaskCostUSD < 0 {
		add(errors.New("budget.estimated_task_cost_usd must be >= 0"))
	}
	if b.NightFraction != nil && b.DayFraction != nil {
		nf, df := *b.NightFraction, *b.DayFraction
		if nf < 0 || nf > 1 || df < 0 || df > 1 || math.Abs(nf+df-1) > 1e-6 {
			add(fmt.Errorf("budget fractions must be within [0,1] and sum to 1 (night %v, day %v)", nf, df))
		}
	}
	for name, h := range map[string]*int{"night_start_hour": b.NightStartHour, "night_end_hour": b.NightEndHour} {
		if h != nil && (*h < 0 || *h > 23) {
			add(fmt.Errorf("budget.%s must be within 0..23", name))
		}
	}

	if strings.TrimSpace(c.Executor.Command) == "" {
		add(errors.New("executor.command is required"))
	}
	dur("executor.kill_grace", c.Executor.KillGrace)
	dur("notifier.dedup_window", c.Notifier.DedupWindow)

	g := c.AutoGen
	dur("autogen.check_interval", g.CheckInterval)
	for name, v := range map[string]*int{"usage_threshold_percent": g.UsageThresholdPercent, "budget_ceiling_percent": g.BudgetCeilingPercent} {
		if v != nil && (*v < 0 || *v > 100) {
			add(fmt.Errorf("autogen.%s must be within 0..100", name))
		}
	}
	if g.UsageThresholdPercent != nil && g.BudgetCeilingPercent != nil && *g.UsageThresholdPercent > *g.BudgetCeilingPercent {
		add(errors.New("autogen.usage_threshold_percent must not exceed autogen.budget_ceiling_percent"))
	}
	for name, v := range map[string]*int{"rate_limit_day": g.RateLimitDay, "rate_limit_night": g.RateLimitNight} {
		if v != nil && *v < 0 {
			add(fmt.Errorf("autogen.%s must be >= 0", name))
		}
	}
	weighted := false
	for i, p := range g.Prompts {
		weighted = weighted || p.Weight > 0
		if p.Weight < 0 {
			add(fmt.Errorf("autogen.prompts[%d].weight must be >= 0", i))
		}
		if p.Weight > 0 && strings.TrimSpace(p.Prompt) == "" {
			add(fmt.Errorf("autogen.prompts[%d].prompt is empty", i))
		}
	}
	if g.Enabled && !weighted {
		add(errors.New("autogen needs a prompt with a positive weight"))
	}

	if c.HTTP.Enabled {
		host, _, err := net.SplitHostPort(c.HTTP.Addr)
		if err != nil {
			add(fmt.Errorf("http.addr: %w", err))
		} else if !isLoopback(host) && strings.TrimSpace(c.HTTP.Token) == "" {
			add(errors.New("http.token is required when http.addr is not a loopback address"))
		}
	}
	return errors.Join(errs...)
}

// NotifyChatID parses notify_chat. Empty means no notification chat.
func (t TelegramConfig) NotifyChatID() (int64, error) {
	raw := strings.TrimSpace(t.NotifyChat)
	if raw == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("telegram.notify_chat: %q is not a chat id", raw)
	}
	return id, nil
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
