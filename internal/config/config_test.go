package config

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadYAMLDefaults(t *testing.T) {
	t.Parallel()
	p := writeFile(t, "nightowl.yaml", `
telegram:
  token: "123:abc"
  owner_user_ids: [42]
budget:
  daily_usd: 20
  night_fraction: 0.8
executor:
  command: /usr/bin/true
`)
	cfg, err := NewConfigManager(p).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Budget.DayFraction == nil || *cfg.Budget.DayFraction != 0.2 {
		t.Fatalf("day fraction = %v", cfg.Budget.DayFraction)
	}
	if cfg.Scheduler.MaxParallelTasks != 3 || cfg.Executor.Workers != 3 {
		t.Fatalf("parallel = %d, workers = %d", cfg.Scheduler.MaxParallelTasks, cfg.Executor.Workers)
	}
	if *cfg.Scheduler.MaxRetries != 3 || *cfg.Budget.NightStartHour != 20 || *cfg.Budget.NightEndHour != 8 {
		t.Fatalf("scheduler/budget defaults not applied: %+v %+v", cfg.Scheduler, cfg.Budget)
	}
	if cfg.Executor.Args != nil {
		t.Fatalf("custom command must not inherit default args: %v", cfg.Executor.Args)
	}
	if got := Dur(cfg.Scheduler.TickInterval); got != 5*time.Second {
		t.Fatalf("tick = %v", got)
	}
}

func TestExplicitZeroKept(t *testing.T) {
	t.Parallel()
	p := writeFile(t, "c.json", `{"scheduler":{"max_retries":0,"daily_report":""},"budget":{"night_fraction":1,"day_fraction":0}}`)
	cfg, err := NewConfigManager(p).Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if *cfg.Scheduler.MaxRetries != 0 || *cfg.Scheduler.DailyReport != "" || *cfg.Budget.DayFraction != 0 {
		t.Fatalf("explicit zero lost: %+v %+v", cfg.Scheduler, cfg.Budget)
	}
}

func TestValidateRejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name, body, want string
	}{
		{"unknown field", `{"nope":1}`, "unknown field"},
		{"bad duration", `{"scheduler":{"tick_interval":"soon"}}`, "scheduler.tick_interval"},
		{"fractions", `{"budget":{"night_fraction":0.7,"day_fraction":0.7}}`, "sum to 1"},
		{"hour", `{"budget":{"night_start_hour":24}}`, "night_start_hour"},
		{"timezone", `{"scheduler":{"timezone":"Mars/Olympus"}}`, "scheduler.timezone"},
		{"cron", `{"scheduler":{"daily_report":"every night"}}`, "daily_report"},
		{"level", `{"logging":{"level":"loud"}}`, "logging.level"},
		{"public http", `{"http":{"enabled":true,"addr":"0.0.0.0:8080"}}`, "http.token"},
		{"chat id", `{"telegram":{"notify_chat":"@channel"}}`, "notify_chat"},
		{"trailing", `{} {}`, "trailing"},
		{"autogen threshold", `{"autogen":{"usage_threshold_percent":90,"budget_ceiling_percent":80}}`, "usage_threshold_percent"},
		{"autogen prompts", `{"autogen":{"enabled":true,"prompts":[{"name":"off","weight":0,"prompt":"x"}]}}`, "positive weight"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := writeFile(t, "c.json", tt.body)
			_, err := NewConfigManager(p).Parse()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestReloadPublishesChanges(t *testing.T) {
	t.Parallel()
	p := writeFile(t, "c.json", `{"budget":{"daily_usd":5}}`)
	m := NewConfigManager(p)
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	ch := m.Subscribe(1)

	if ok, err := m.Reload(context.Background()); ok || err != nil {
		t.Fatalf("unchanged reload = %v, %v", ok, err)
	}
	if err := os.WriteFile(p, []byte(`{"budget":{"daily_usd":7}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if ok, err := m.Reload(context.Background()); !ok || err != nil {
		t.Fatalf("changed reload = %v, %v", ok, err)
	}
	if got := <-ch; got.Budget.DailyUSD != 7 {
		t.Fatalf("published daily = %v", got.Budget.DailyUSD)
	}

	m.SetValidator(func(context.Context, *Config) error { return os.ErrPermission })
	if err := os.WriteFile(p, []byte(`{"budget":{"daily_usd":9}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if ok, err := m.Reload(context.Background()); ok || err == nil {
		t.Fatalf("rejected reload = %v, %v", ok, err)
	}
	if m.Get().Budget.DailyUSD != 7 {
		t.Fatalf("rejected config committed")
	}
}

func TestWatchReloadsOnWrite(t *testing.T) {
	t.Parallel()
	p := writeFile(t, "c.yaml", "budget:\n  daily_usd: 5\n")
	m := NewConfigManager(p)
	m.debounce = 10 * time.Millisecond
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	ch := m.Subscribe(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()

	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case got := <-ch:
			if got.Budget.DailyUSD != 6 {
				t.Fatalf("daily = %v", got.Budget.DailyUSD)
			}
			return
		case <-tick.C:
			// Rewrite until the watcher is attached and sees it.
			_ = os.WriteFile(p, []byte("budget:\n  daily_usd: 6\n"), 0o600)
		case <-deadline:
			t.Fatal("no reload observed")
		}
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	a := Default()
	b := Default()
	b.Telegram.Token = "secret-token"
	b.Budget.DailyUSD = 42
	b.HTTP.Addr = "127.0.0.1:9000"

	changed, attrs := SummarizeConfigChange(a, b)
	want := []string{"budget", "http", "telegram.token"}
	if !slices.Equal(changed, want) {
		t.Fatalf("changed = %v, want %v", changed, want)
	}
	if len(attrs) == 0 {
		t.Fatal("no attrs")
	}
	if got := RestartRequired(changed); !slices.Equal(got, []string{"telegram.token"}) {
		t.Fatalf("restart = %v", got)
	}
	if changed, _ := SummarizeConfigChange(a, Default()); len(changed) != 0 {
		t.Fatalf("identical configs changed = %v", changed)
	}
}

func TestDecodeYAMLShapes(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		body    string
		wantErr string
	}{
		{name: "empty file", body: ""},
		{name: "comment only", body: "# nothing yet\n"},
		{name: "two documents", body: "budget:\n  daily_usd: 1\n---\nbudget:\n  daily_usd: 2\n", wantErr: "one YAML document"},
		{name: "top level list", body: "- a\n- b\n", wantErr: "top level must be a mapping"},
		{name: "unknown field", body: "budget:\n  daily_usdd: 1\n", wantErr: "unknown field"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg, err := Decode("nightowl.yml", []byte(tc.body))
			if tc.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
					t.Fatalf("err = %v, want %q", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if cfg.Executor.Command != "claude" || cfg.Storage.Path == "" {
				t.Fatalf("defaults not applied: %+v", cfg.Executor)
			}
		})
	}
}

func TestAutoGenDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("c.json", []byte(`{"autogen":{"enabled":true,"rate_limit_day":0}}`))
	if err != nil {
		t.Fatal(err)
	}
	g := cfg.AutoGen
	if *g.UsageThresholdPercent != 60 || *g.BudgetCeilingPercent != 85 || *g.RateLimitNight != 2 {
		t.Fatalf("autogen defaults = %+v", g)
	}
	if *g.RateLimitDay != 0 {
		t.Fatalf("explicit zero day rate replaced: %d", *g.RateLimitDay)
	}
	if len(g.Prompts) != 1 || g.Prompts[0].Prompt != DefaultAutoGenPrompt || Dur(g.CheckInterval) != 5*time.Minute {
		t.Fatalf("autogen prompts/interval = %+v", g)
	}
}
