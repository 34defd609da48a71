package notifier

import (
	"fmt"
	"strings"

	"nightowl/internal/eventbus"
	"nightowl/internal/scheduler"
	"nightowl/internal/task"
)

const descMax = 80

// FormatEvent renders a lifecycle event as plain chat text. Events that carry
// nothing worth telling an operator return false.
func FormatEvent(e eventbus.Event) (string, bool) {
	switch d := e.Data.(type) {
	case task.Task:
		return formatTask(e.Type, d)
	case scheduler.Dispatch:
		if e.Type != eventbus.TaskDispatched {
			return "", false
		}
		line := fmt.Sprintf("▶️ #%d started (attempt %d)", d.TaskID, d.Attempt)
		if d.ProjectID != "" {
			line += " [" + d.ProjectID + "]"
		}
		return line + "\n" + short(d.Description), true
	case scheduler.BudgetPause:
		return fmt.Sprintf("💸 Budget exhausted for the %s window: %s left, %s needed per task. Dispatch paused.",
			d.Period, d.Remaining, d.Estimated), true
	case scheduler.ProjectCancel:
		line := fmt.Sprintf("🗑 Project %s trashed, %d pending task(s) cancelled", d.Project.ID, len(d.Cancelled))
		if d.TrashPath != "" {
			line += "\nworkspace: " + d.TrashPath
		}
		return line, true
	case scheduler.Report:
		return FormatReport(d), true
	}
	if e.Type == eventbus.BudgetResumed {
		return "✅ Budget available again, dispatch resumed.", true
	}
	return "", false
}

func formatTask(typ eventbus.Type, t task.Task) (string, bool) {
	var b strings.Builder
	switch typ {
	case eventbus.TaskSubmitted:
		fmt.Fprintf(&b, "📥 #%d queued (%s)", t.ID, t.Priority)
	case eventbus.TaskCompleted:
		fmt.Fprintf(&b, "✅ #%d completed", t.ID)
	case eventbus.TaskRetrying:
		fmt.Fprintf(&b, "🔁 #%d will retry (%d so far)", t.ID, t.RetryCount)
	case eventbus.TaskFailed:
		fmt.Fprintf(&b, "❌ #%d failed", t.ID)
	case eventbus.TaskCancelled:
		fmt.Fprintf(&b, "🚫 #%d cancelled", t.ID)
	case eventbus.TaskTimedOut:
		fmt.Fprintf(&b, "⏱ #%d timed out", t.ID)
	default:
		return "", false
	}
	if t.ProjectID != "" {
		b.WriteString(" [" + t.ProjectID + "]")
	}
	b.WriteString("\n" + short(t.Description))
	switch {
	case t.Error != "" && typ != eventbus.TaskCompleted:
		b.WriteString("\n" + short(t.Error))
	case t.Result != "" && typ == eventbus.TaskCompleted:
		b.WriteString("\n" + short(t.Result))
	}
	return b.String(), true
}

// FormatReport renders the daily summary.
func FormatReport(r scheduler.Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "📊 Report for %s\n", r.Day.Format("2006-01-02"))
	fmt.Fprintf(&b, "finished: %d completed, %d failed, %d cancelled\n",
		r.Finished.Completed, r.Finished.Failed, r.Finished.Cancelled)
	fmt.Fprintf(&b, "queue: %d pending, %d running\n", r.Queue.Pending, r.Queue.InProgress)
	fmt.Fprintf(&b, "spent: %s over %d run(s), %d turn(s)\n", r.Usage.Cost, r.Usage.Runs, r.Usage.Turns)
	fmt.Fprintf(&b, "budget: %s of %s daily (%s window, %s left)",
		r.Budget.Spent, r.Budget.DailyBudget, r.Budget.Period, r.Budget.Remaining)
	for _, p := range r.Projects {
		name := p.ProjectID
		if name == "" {
			name = "(no project)"
		}
		fmt.Fprintf(&b, "\n• %s: %s, %d done, %d pending", name, p.Cost, p.Tasks.Completed, p.Tasks.Pending)
	}
	return b.String()
}

func short(s string) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= descMax {
		return s
	}
	return string(r[:descMax-1]) + "…"
}
