package config

// Config is the on-disk configuration (JSON or YAML). Durations are Go
// duration strings. Pointer fields distinguish "omitted" from an explicit
// zero; ApplyDefaults fills every omitted field.
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Workspace WorkspaceConfig `json:"workspace"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Budget    BudgetConfig    `json:"budget"`
	Executor  ExecutorConfig  `json:"executor"`
	Notifier  NotifierConfig  `json:"notifier"`
	HTTP      HTTPConfig      `json:"http"`
	AutoGen   AutoGenConfig   `json:"autogen"`
}

type TelegramConfig struct {
	// Token empty disables the chat front end.
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// NotifyChat is the chat id (as text) that receives lifecycle
	// notifications and the chat log sink.
	NotifyChat     string `json:"notify_chat,omitempty"`
	NotifyThreadID int    `json:"notify_thread_id,omitempty"`
	PollTimeout    string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type WorkspaceConfig struct {
	Root string `json:"root"`
}

type SchedulerConfig struct {
	TickInterval       string `json:"tick_interval,omitempty"`
	MaxParallelTasks   int    `json:"max_parallel_tasks,omitempty"`
	MaxRetries         *int   `json:"max_retries,omitempty"`
	MaxTaskDuration    string `json:"max_task_duration,omitempty"` // "0s" disables
	Timezone           string `json:"timezone,omitempty"`
	PendingPageSize    int    `json:"pending_page_size,omitempty"`
	BudgetWarnInterval string `json:"budget_warn_interval,omitempty"`
	// DailyReport is a 5-field cron spec in UTC; "" disables.
	DailyReport *string `json:"daily_report,omitempty"`
}

type BudgetConfig struct {
	DailyUSD             float64  `json:"daily_usd"`
	NightFraction        *float64 `json:"night_fraction,omitempty"`
	DayFraction          *float64 `json:"day_fraction,omitempty"` // default 1 - night_fraction
	EstimatedTaskCostUSD float64  `json:"estimated_task_cost_usd"`
	NightStartHour       *int     `json:"night_start_hour,omitempty"`
	NightEndHour         *int     `json:"night_end_hour,omitempty"`
}

type ExecutorConfig struct {
	Command   string            `json:"command"`
	Args      []string          `json:"args"`
	Env       map[string]string `json:"env,omitempty"`
	Workers   int               `json:"workers,omitempty"`    // default: scheduler.max_parallel_tasks
	QueueSize int               `json:"queue_size,omitempty"` // default 64
	KillGrace string            `json:"kill_grace,omitempty"`
	MaxOutput int               `json:"max_output,omitempty"`
}

type NotifierConfig struct {
	Enabled     *bool  `json:"enabled,omitempty"`
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
	QueueSize   int    `json:"queue_size,omitempty"`
	RetryMax    int    `json:"retry_max,omitempty"`
	DedupWindow string `json:"dedup_window,omitempty"`
	// Quiet skips submitted/started messages.
	Quiet bool `json:"quiet,omitempty"`
}

// HTTPConfig controls the local status/submit API.
//
// Prefer a loopback address. A non-loopback bind requires a token.
type HTTPConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
	Token   string `json:"token,omitempty"` // bearer token, never logged
	Pprof   bool   `json:"pprof,omitempty"`
}

// AutoGenConfig submits THOUGHT filler tasks while the queue is idle and the
// daily budget is mostly unspent.
type AutoGenConfig struct {
	Enabled       bool   `json:"enabled"`
	CheckInterval string `json:"check_interval,omitempty"`
	// Percent of budget.daily_usd spent today.
	UsageThresholdPercent *int           `json:"usage_threshold_percent,omitempty"`
	BudgetCeilingPercent  *int           `json:"budget_ceiling_percent,omitempty"`
	RateLimitDay          *int           `json:"rate_limit_day,omitempty"`   // tasks per hour
	RateLimitNight        *int           `json:"rate_limit_night,omitempty"` // tasks per hour
	Project               string         `json:"project,omitempty"`
	Prompts               []PromptConfig `json:"prompts,omitempty"`
}

type PromptConfig struct {
	Name   string `json:"name"`
	Weight int    `json:"weight"`
	Prompt string `json:"prompt"`
}
