package router

import (
	"fmt"
	"strings"

	"nightowl/internal/scheduler"
	"nightowl/internal/task"
)

func formatSnapshot(s scheduler.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🦉 %s window\n", s.Budget.Period)
	fmt.Fprintf(&b, "running: %d / %d, pending: %d\n", s.InProgress, s.MaxParallel, s.Pending)
	fmt.Fprintf(&b, "done: %d completed, %d failed, %d cancelled\n", s.Completed, s.Failed, s.Cancelled)
	fmt.Fprintf(&b, "budget: %s of %s spent (%.0f%%), %s left\n",
		s.Budget.Spent, s.Budget.CurrentQuota, s.Budget.UsagePercent, s.Budget.Remaining)
	fmt.Fprintf(&b, "next change: %s UTC", s.Budget.NextChange.UTC().Format("15:04"))
	if s.Paused {
		b.WriteString("\n⏸ dispatch paused until budget frees up")
	}
	if !s.Recovered {
		b.WriteString("\n⏳ recovery not finished")
	}
	return b.String()
}

func formatTask(t task.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "#%d %s (%s)", t.ID, t.Status, t.Priority)
	if t.ProjectID != "" {
		b.WriteString(" [" + t.ProjectID + "]")
	}
	b.WriteString("\n" + clip(t.Description, 300))
	fmt.Fprintf(&b, "\ncreated: %s", t.CreatedAt.UTC().Format("2006-01-02 15:04"))
	if t.StartedAt != nil {
		fmt.Fprintf(&b, "\nstarted: %s", t.StartedAt.UTC().Format("2006-01-02 15:04"))
	}
	if t.CompletedAt != nil {
		fmt.Fprintf(&b, "\nfinished: %s", t.CompletedAt.UTC().Format("2006-01-02 15:04"))
	}
	if t.RetryCount > 0 {
		fmt.Fprintf(&b, "\nretries: %d", t.RetryCount)
	}
	if t.Error != "" {
		b.WriteString("\nerror: " + clip(t.Error, 300))
	}
	if t.Result != "" {
		b.WriteString("\nresult: " + clip(t.Result, 1000))
	}
	return b.String()
}

func clip(s string, n int) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n-1]) + "…"
}
