package router

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"nightowl/internal/notifier"
	"nightowl/internal/project"
	"nightowl/internal/scheduler"
	"nightowl/internal/task"
	kit "nightowl/internal/transport"
)

func (r *Router) commands() []Command {
	return []Command{
		{Name: "task", Description: "queue serious work", Usage: "/task <description> [--project=<name>]", Handle: r.submitAs(task.PrioritySerious)},
		{Name: "think", Aliases: []string{"thought"}, Description: "queue a low-priority idea", Usage: "/think <description> [--project=<name>]", Handle: r.submitAs(task.PriorityThought)},
		{Name: "check", Aliases: []string{"status"}, Description: "scheduler status or one task", Usage: "/check [task id]", Handle: r.check},
		{Name: "queue", Description: "list recent tasks", Usage: "/queue [pending|in_progress|completed|failed|cancelled]", Handle: r.queue},
		{Name: "cancel", Description: "cancel a task or a whole project", Usage: "/cancel <task id> | /cancel <project> [--keep]", Handle: r.cancel},
		{Name: "priority", Description: "change a pending task's priority", Usage: "/priority <task id> serious|thought", Handle: r.priority},
		{Name: "trash", Description: "manage trashed project workspaces", Usage: "/trash list | /trash restore <project> | /trash empty", Handle: r.trashCmd},
		{Name: "report", Description: "today's spend and outcomes", Usage: "/report", Handle: r.report},
		{Name: "help", Aliases: []string{"start"}, Description: "show commands", Usage: "/help", Access: AccessEveryone, Handle: r.help},
	}
}

func (r *Router) submitAs(p task.Priority) HandlerFunc {
	return func(ctx context.Context, req *Request) error {
		desc, projectName := ParseProjectFlag(req.Text)
		t, err := r.sched.Submit(ctx, desc, p, projectName)
		if err != nil {
			return err
		}
		text := fmt.Sprintf("📥 #%d queued as %s", t.ID, t.Priority)
		if t.ProjectID != "" {
			text += " in " + t.ProjectID
		}
		r.send(ctx, req, text, kit.Button{Text: "Cancel #" + strconv.FormatInt(t.ID, 10), Data: "cancel:" + strconv.FormatInt(t.ID, 10)})
		return nil
	}
}

func (r *Router) check(ctx context.Context, req *Request) error {
	if len(req.Args) > 0 {
		id, err := parseTaskID(req.Args[0])
		if err != nil {
			return err
		}
		t, err := r.sched.Get(ctx, id)
		if err != nil {
			return err
		}
		r.send(ctx, req, formatTask(t))
		return nil
	}
	snap, err := r.sched.Snapshot(ctx)
	if err != nil {
		return err
	}
	r.send(ctx, req, formatSnapshot(snap))
	return nil
}

func (r *Router) queue(ctx context.Context, req *Request) error {
	f := task.Filter{Limit: 15}
	if len(req.Args) > 0 {
		st, err := task.ParseStatus(req.Args[0])
		if err != nil {
			return &task.ValidationError{Field: "status", Reason: err.Error()}
		}
		f.Status = st
	}
	ts, err := r.sched.List(ctx, f)
	if err != nil {
		return err
	}
	if len(ts) == 0 {
		r.send(ctx, req, "No tasks.")
		return nil
	}
	var b strings.Builder
	for _, t := range ts {
		fmt.Fprintf(&b, "#%d %s %s", t.ID, t.Status, t.Priority)
		if t.ProjectID != "" {
			b.WriteString(" [" + t.ProjectID + "]")
		}
		b.WriteString(" " + clip(t.Description, 60) + "\n")
	}
	r.send(ctx, req, strings.TrimRight(b.String(), "\n"))
	return nil
}

func (r *Router) cancel(ctx context.Context, req *Request) error {
	target, keep := cutKeepFlag(req.Text)
	if target == "" {
		return &task.ValidationError{Field: "target", Reason: "usage: /cancel <task id> | /cancel <project> [--keep]"}
	}
	if id, err := strconv.ParseInt(strings.TrimPrefix(target, "#"), 10, 64); err == nil {
		t, err := r.sched.Cancel(ctx, id)
		if err != nil {
			return err
		}
		r.send(ctx, req, fmt.Sprintf("🚫 #%d cancelled", t.ID))
		return nil
	}
	out, err := r.sched.CancelProject(ctx, target, keep)
	if err != nil {
		return err
	}
	text := fmt.Sprintf("🗑 Project %s moved to trash, %d pending task(s) cancelled.", out.Project.ID, len(out.Cancelled))
	if keep {
		text += "\nWorkspace kept in place."
	}
	r.send(ctx, req, text)
	return nil
}

func (r *Router) priority(ctx context.Context, req *Request) error {
	if len(req.Args) != 2 {
		return &task.ValidationError{Field: "args", Reason: "usage: /priority <task id> serious|thought"}
	}
	id, err := parseTaskID(req.Args[0])
	if err != nil {
		return err
	}
	p, err := task.ParsePriority(req.Args[1])
	if err != nil {
		return &task.ValidationError{Field: "priority", Reason: err.Error()}
	}
	t, err := r.sched.UpdatePriority(ctx, id, p)
	if err != nil {
		return err
	}
	r.send(ctx, req, fmt.Sprintf("#%d is now %s", t.ID, t.Priority))
	return nil
}

func (r *Router) trashCmd(ctx context.Context, req *Request) error {
	sub := "list"
	if len(req.Args) > 0 {
		sub = strings.ToLower(req.Args[0])
	}
	switch sub {
	case "list":
		entries, err := r.trash.ListTrash()
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			r.send(ctx, req, "Trash is empty.")
			return nil
		}
		var b strings.Builder
		b.WriteString("🗑 Trash:\n")
		for _, e := range entries {
			fmt.Fprintf(&b, "• %s (%s)\n", e.Name, e.ModTime.UTC().Format("2006-01-02 15:04"))
		}
		r.send(ctx, req, strings.TrimRight(b.String(), "\n"))
	case "restore":
		name := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(req.Text), req.Args[0]))
		if name == "" {
			return &task.ValidationError{Field: "project", Reason: "usage: /trash restore <project>"}
		}
		p, err := r.sched.RestoreProject(ctx, name)
		if err != nil {
			return err
		}
		r.send(ctx, req, "♻️ Project "+p.ID+" restored.")
	case "empty":
		n, err := r.trash.EmptyTrash()
		if err != nil {
			return err
		}
		r.send(ctx, req, fmt.Sprintf("Removed %d trashed workspace(s).", n))
	default:
		return &task.ValidationError{Field: "subcommand", Reason: "usage: /trash list | restore <project> | empty"}
	}
	return nil
}

func (r *Router) report(ctx context.Context, req *Request) error {
	rep, err := r.sched.Report(ctx)
	if err != nil {
		return err
	}
	r.send(ctx, req, notifier.FormatReport(rep))
	return nil
}

func (r *Router) help(ctx context.Context, req *Request) error {
	var b strings.Builder
	b.WriteString("🦉 nightowl queues work for the agent and runs it within the daily budget.\n\n")
	for _, c := range r.cmds {
		fmt.Fprintf(&b, "%s\n    %s\n", c.Usage, c.Description)
	}
	r.send(ctx, req, strings.TrimRight(b.String(), "\n"))
	return nil
}

// onCallback handles inline buttons: "cancel:<id>".
func (r *Router) onCallback(ctx context.Context, req *Request) error {
	action, arg, _ := strings.Cut(req.Text, ":")
	switch action {
	case "cancel":
		id, err := parseTaskID(arg)
		if err != nil {
			return err
		}
		t, err := r.sched.Cancel(ctx, id)
		if err != nil {
			return err
		}
		r.send(ctx, req, fmt.Sprintf("🚫 #%d cancelled", t.ID))
		return nil
	}
	return &task.ValidationError{Field: "callback", Reason: "unknown action " + strconv.Quote(action)}
}

func parseTaskID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimPrefix(strings.TrimSpace(s), "#"), 10, 64)
	if err != nil || id <= 0 {
		return 0, &task.ValidationError{Field: "id", Reason: fmt.Sprintf("%q is not a task id", s)}
	}
	return id, nil
}

// userError turns a command failure into a reply. Unexpected errors are not
// echoed in detail.
func userError(err error) string {
	var ve *task.ValidationError
	var te *project.TrashedError
	switch {
	case errors.As(err, &ve):
		return "⚠️ " + ve.Reason
	case errors.As(err, &te):
		return fmt.Sprintf("🗑 Project %s is in the trash. Use /trash restore %s first.", te.ProjectID, te.ProjectID)
	case errors.Is(err, project.ErrValidation):
		return "⚠️ Project names need at least one letter or digit."
	case errors.Is(err, task.ErrNotFound), errors.Is(err, project.ErrNotFound):
		return "🔍 Not found."
	case errors.Is(err, task.ErrInvalidTransition):
		return "⚠️ " + err.Error()
	case errors.Is(err, scheduler.ErrNotRecovered):
		return "⏳ Scheduler is still starting, try again shortly."
	case errors.Is(err, context.DeadlineExceeded):
		return "⏱ Timed out."
	}
	return "💥 Internal error, see logs."
}
