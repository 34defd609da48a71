package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"nightowl/internal/app"
	"nightowl/internal/config"
	"nightowl/internal/notifier"
	"nightowl/internal/task"
	logx "nightowl/pkg/logx"
)

var errUsage = errors.New("usage")

// runCLI executes one command against the database and exits. It never
// dispatches or recovers, so it is safe beside a running daemon.
func runCLI(cfgPath, cmd string, args []string) error {
	cfg, err := config.NewConfigManager(cfgPath).Parse()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	log := logx.Nop()
	if cfg.Logging.Level == "debug" || cfg.Logging.Level == "trace" {
		log = logx.NewWriter(os.Stderr, cfg.Logging.Level)
	}
	core, err := app.OpenCore(ctx, cfg, nil, nil, log)
	if err != nil {
		return err
	}
	defer core.Close()

	c := &cli{core: core, out: os.Stdout}
	switch cmd {
	case "submit":
		return c.submit(ctx, args)
	case "status":
		return c.status(ctx, args)
	case "check":
		return c.check(ctx, args)
	case "cancel":
		return c.cancel(ctx, args)
	case "projects":
		return c.projects(ctx, args)
	case "trash":
		return c.trash(ctx, args)
	case "report":
		rep, err := core.Scheduler.Report(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(c.out, notifier.FormatReport(rep))
		return nil
	default:
		return errUsage
	}
}

type cli struct {
	core *app.Core
	out  io.Writer
}

func (c *cli) submit(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	thought := fs.Bool("thought", false, "queue as a low-priority thought")
	proj := fs.String("project", "", "project name")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	prio := task.PrioritySerious
	if *thought {
		prio = task.PriorityThought
	}
	t, err := c.core.Scheduler.Submit(ctx, strings.Join(fs.Args(), " "), prio, *proj)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "#%d queued as %s", t.ID, t.Priority)
	if t.ProjectID != "" {
		fmt.Fprintf(c.out, " in %s", t.ProjectID)
	}
	fmt.Fprintln(c.out)
	return nil
}

func (c *cli) status(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	asJSON := fs.Bool("json", false, "print the raw snapshot")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	snap, err := c.core.Scheduler.Snapshot(ctx)
	if err != nil {
		return err
	}
	if *asJSON {
		enc := json.NewEncoder(c.out)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	}
	b := snap.Budget
	fmt.Fprintf(c.out, "%s window, next change %s UTC\n", b.Period, b.NextChange.UTC().Format("15:04"))
	fmt.Fprintf(c.out, "pending %d, running %d, completed %d, failed %d, cancelled %d\n",
		snap.Pending, snap.InProgress, snap.Completed, snap.Failed, snap.Cancelled)
	fmt.Fprintf(c.out, "budget %s of %s spent, %s left\n", b.Spent, b.CurrentQuota, b.Remaining)

	pending, err := c.core.Scheduler.List(ctx, task.Filter{Status: task.StatusPending, Limit: 20})
	if err != nil {
		return err
	}
	return c.taskTable(pending)
}

func (c *cli) taskTable(ts []task.Task) error {
	if len(ts) == 0 {
		return nil
	}
	w := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tPRIORITY\tPROJECT\tDESCRIPTION")
	for _, t := range ts {
		desc := t.Description
		if r := []rune(desc); len(r) > 60 {
			desc = string(r[:59]) + "…"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", t.ID, t.Status, t.Priority, t.ProjectID, strings.ReplaceAll(desc, "\n", " "))
	}
	return w.Flush()
}

func (c *cli) check(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(args[0], "#"), 10, 64)
	if err != nil {
		return errUsage
	}
	t, err := c.core.Scheduler.Get(ctx, id)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(t)
}

func (c *cli) cancel(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("cancel", flag.ContinueOnError)
	proj := fs.String("project", "", "trash this project and cancel its pending tasks")
	keep := fs.Bool("keep", false, "leave the project workspace in place")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if *proj != "" {
		res, err := c.core.Scheduler.CancelProject(ctx, *proj, *keep)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "project %s trashed, %d pending task(s) cancelled\n", res.Project.ID, len(res.Cancelled))
		return nil
	}
	if fs.NArg() != 1 {
		return errUsage
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(fs.Arg(0), "#"), 10, 64)
	if err != nil {
		return errUsage
	}
	// A running task is marked cancelled here; the daemon's executor
	// finishes the run and its result is refused.
	t, err := c.core.Scheduler.Cancel(ctx, id)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "#%d cancelled\n", t.ID)
	return nil
}

func (c *cli) projects(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("projects", flag.ContinueOnError)
	trashed := fs.Bool("trashed", false, "include trashed projects")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	ps, err := c.core.Scheduler.Projects(ctx, *trashed)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tTRASHED\tWORKSPACE")
	for _, p := range ps {
		fmt.Fprintf(w, "%s\t%s\t%v\t%s\n", p.ID, p.DisplayName, p.Trashed, p.WorkspacePath)
	}
	return w.Flush()
}

func (c *cli) trash(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errUsage
	}
	switch args[0] {
	case "list":
		entries, err := c.core.Projects.ListTrash()
		if err != nil {
			return err
		}
		for _, e := range entries {
			fmt.Fprintln(c.out, e.Name)
		}
		return nil
	case "restore":
		if len(args) != 2 {
			return errUsage
		}
		p, err := c.core.Scheduler.RestoreProject(ctx, args[1])
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "project %s restored\n", p.ID)
		return nil
	case "empty":
		n, err := c.core.Projects.EmptyTrash()
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "removed %d trashed workspace(s)\n", n)
		return nil
	}
	return errUsage
}
