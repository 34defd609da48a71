package config

import (
	"reflect"
	"sort"
	"strings"

	logx "nightowl/pkg/logx"
)

// restartSections cannot be changed by a live reload.
var restartSections = map[string]bool{"storage": true, "workspace": true, "telegram.token": true, "executor.command": true, "executor": true}

// SummarizeConfigChange returns the changed sections, sorted, plus safe
// structured attrs for logging. Tokens are never included; only whether one
// is set. Sections that need a restart are reported by RestartRequired.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.Token != nt.Token {
		changed = append(changed, "telegram.token")
		attrs = append(attrs, logx.Bool("telegram.token_set", strings.TrimSpace(nt.Token) != ""))
	}
	if !reflect.DeepEqual(ot.OwnerUserIDs, nt.OwnerUserIDs) || ot.NotifyChat != nt.NotifyChat ||
		ot.NotifyThreadID != nt.NotifyThreadID || ot.PollTimeout != nt.PollTimeout {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Int("telegram.owner_count", len(nt.OwnerUserIDs)),
			logx.Bool("telegram.notify_chat_set", strings.TrimSpace(nt.NotifyChat) != ""),
			logx.String("telegram.poll_timeout", nt.PollTimeout),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.path", newCfg.Storage.Path))
	}
	if oldCfg.Workspace != newCfg.Workspace {
		changed = append(changed, "workspace")
		attrs = append(attrs, logx.String("workspace.root", newCfg.Workspace.Root))
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		s := newCfg.Scheduler
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.tick_interval", s.TickInterval),
			logx.Int("scheduler.max_parallel_tasks", s.MaxParallelTasks),
			logx.String("scheduler.max_task_duration", s.MaxTaskDuration),
		)
		if s.MaxRetries != nil {
			attrs = append(attrs, logx.Int("scheduler.max_retries", *s.MaxRetries))
		}
	}

	if !reflect.DeepEqual(oldCfg.Budget, newCfg.Budget) {
		b := newCfg.Budget
		changed = append(changed, "budget")
		attrs = append(attrs,
			logx.Float64("budget.daily_usd", b.DailyUSD),
			logx.Float64("budget.estimated_task_cost_usd", b.EstimatedTaskCostUSD),
		)
		if b.NightFraction != nil {
			attrs = append(attrs, logx.Float64("budget.night_fraction", *b.NightFraction))
		}
	}

	oe, ne := oldCfg.Executor, newCfg.Executor
	if oe.Command != ne.Command || !reflect.DeepEqual(oe.Args, ne.Args) || !reflect.DeepEqual(oe.Env, ne.Env) {
		changed = append(changed, "executor.command")
		attrs = append(attrs, logx.String("executor.command", ne.Command), logx.Int("executor.env_count", len(ne.Env)))
	}
	if oe.Workers != ne.Workers || oe.QueueSize != ne.QueueSize || oe.KillGrace != ne.KillGrace || oe.MaxOutput != ne.MaxOutput {
		changed = append(changed, "executor")
		attrs = append(attrs, logx.Int("executor.workers", ne.Workers), logx.Int("executor.queue_size", ne.QueueSize))
	}

	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		n := newCfg.Notifier
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", n.Enabled == nil || *n.Enabled),
			logx.Int("notifier.rate_per_sec", n.RatePerSec),
			logx.Bool("notifier.quiet", n.Quiet),
		)
	}

	if oldCfg.HTTP != newCfg.HTTP {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", newCfg.HTTP.Addr),
			logx.Bool("http.token_set", newCfg.HTTP.Token != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.AutoGen, newCfg.AutoGen) {
		g := newCfg.AutoGen
		changed = append(changed, "autogen")
		attrs = append(attrs,
			logx.Bool("autogen.enabled", g.Enabled),
			logx.String("autogen.check_interval", g.CheckInterval),
			logx.Int("autogen.prompt_count", len(g.Prompts)),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired filters changed sections down to those a live reload
// cannot apply.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		if restartSections[s] {
			out = append(out, s)
		}
	}
	return out
}
