package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"os/exec"
	"slices"
	"strconv"
	"strings"
	"syscall"
	"time"
	"unicode/utf8"

	"nightowl/internal/money"
	"nightowl/internal/scheduler"
	"nightowl/internal/usage"
	logx "nightowl/pkg/logx"
)

// CommandConfig describes the agent command line. The task description is
// appended as the last argument.
type CommandConfig struct {
	Command   string
	Args      []string
	Env       map[string]string
	KillGrace time.Duration // SIGTERM to SIGKILL delay on cancel; 0 means 10s
	MaxOutput int           // characters of result text kept; 0 means 4000
}

// CommandRunner runs the agent CLI in the task workspace and reads its JSON
// result (cost, durations, turns) from stdout.
type CommandRunner struct {
	cfg CommandConfig
	log logx.Logger
}

func NewCommandRunner(cfg CommandConfig, log logx.Logger) (*CommandRunner, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, errors.New("executor.command is required")
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = 10 * time.Second
	}
	if cfg.MaxOutput <= 0 {
		cfg.MaxOutput = 4000
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &CommandRunner{cfg: cfg, log: log}, nil
}

// agentResult is the result object printed by `claude -p --output-format json`.
type agentResult struct {
	Type          string   `json:"type"`
	Subtype       string   `json:"subtype"`
	IsError       bool     `json:"is_error"`
	Result        string   `json:"result"`
	TotalCostUSD  *float64 `json:"total_cost_usd"`
	DurationMS    int64    `json:"duration_ms"`
	DurationAPIMS int64    `json:"duration_api_ms"`
	NumTurns      int      `json:"num_turns"`
	SessionID     string   `json:"session_id"`
}

func (r *CommandRunner) Run(ctx context.Context, d scheduler.Dispatch) (Result, error) {
	if d.WorkspacePath == "" {
		return Result{}, Fatal(errors.New("no workspace"))
	}
	if fi, err := os.Stat(d.WorkspacePath); err != nil || !fi.IsDir() {
		return Result{}, Fatal(fmt.Errorf("workspace %s unavailable: %v", d.WorkspacePath, err))
	}

	args := append(slices.Clone(r.cfg.Args), d.Description)
	cmd := exec.CommandContext(ctx, r.cfg.Command, args...) //nolint:gosec // command comes from local config
	cmd.Dir = d.WorkspacePath
	cmd.Env = r.env(d)
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = r.cfg.KillGrace

	var stdout bytes.Buffer
	stderr := &tailBuffer{max: 2048}
	cmd.Stdout = &stdout
	cmd.Stderr = stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{}, Fatal(fmt.Errorf("start %s: %w", r.cfg.Command, err))
	}
	waitErr := cmd.Wait()
	wall := time.Since(start)

	parsed, ok := parseAgentOutput(stdout.Bytes())
	res := Result{Usage: &usage.Record{DurationTotal: wall, RecordedAt: time.Now()}}
	if ok {
		if parsed.TotalCostUSD != nil {
			res.Usage.Cost = money.FromDollars(*parsed.TotalCostUSD)
		}
		if parsed.DurationMS > 0 {
			res.Usage.DurationTotal = time.Duration(parsed.DurationMS) * time.Millisecond
		}
		res.Usage.DurationAPI = time.Duration(parsed.DurationAPIMS) * time.Millisecond
		res.Usage.Turns = parsed.NumTurns
		res.Output = truncate(parsed.Result, r.cfg.MaxOutput)
	} else {
		res.Output = truncate(strings.TrimSpace(stdout.String()), r.cfg.MaxOutput)
		r.log.Warn("agent output is not a JSON result; cost unknown",
			logx.Int64("task_id", d.TaskID), logx.Int("bytes", stdout.Len()))
	}

	switch {
	case ctx.Err() != nil:
		return res, fmt.Errorf("aborted: %w", ctx.Err())
	case waitErr != nil:
		msg := strings.TrimSpace(stderr.String())
		if msg == "" && ok {
			msg = parsed.Result
		}
		return res, fmt.Errorf("agent exited: %v: %s", waitErr, truncate(msg, 500))
	case ok && parsed.IsError:
		return res, fmt.Errorf("agent reported %s: %s", orDefault(parsed.Subtype, "error"), truncate(parsed.Result, 500))
	}
	return res, nil
}

func (r *CommandRunner) env(d scheduler.Dispatch) []string {
	env := os.Environ()
	for _, k := range slices.Sorted(maps.Keys(r.cfg.Env)) {
		env = append(env, k+"="+r.cfg.Env[k])
	}
	return append(env,
		"NIGHTOWL_TASK_ID="+strconv.FormatInt(d.TaskID, 10),
		"NIGHTOWL_RUN_ID="+d.RunID,
		"NIGHTOWL_PROJECT="+d.ProjectID,
	)
}

// parseAgentOutput accepts a single JSON object, a JSON array of messages, or
// a JSON-lines stream. Totals come from the last "result" message.
func parseAgentOutput(b []byte) (agentResult, bool) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return agentResult{}, false
	}
	switch b[0] {
	case '{':
		var r agentResult
		if err := json.Unmarshal(b, &r); err == nil {
			return r, true
		}
	case '[':
		// Verbose mode prints every message; the totals are on the last result.
		var all []agentResult
		if err := json.Unmarshal(b, &all); err == nil {
			for i := len(all) - 1; i >= 0; i-- {
				if all[i].Type == "result" {
					return all[i], true
				}
			}
		}
	}
	lines := bytes.Split(b, []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		line := bytes.TrimSpace(lines[i])
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var lr agentResult
		if err := json.Unmarshal(line, &lr); err == nil && (lr.Type == "result" || lr.TotalCostUSD != nil) {
			return lr, true
		}
	}
	return agentResult{}, false
}

// tailBuffer keeps the last max bytes written.
type tailBuffer struct {
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

// String drops a rune cut in half by the byte window.
func (t *tailBuffer) String() string {
	b := t.buf
	for n := 0; n < utf8.UTFMax && len(b) > 0 && !utf8.RuneStart(b[0]); n++ {
		b = b[1:]
	}
	return string(b)
}

// truncate keeps at most n runes of s, marking the cut with "...".
func truncate(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	if n < 10 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
