package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"nightowl/internal/app"
)

const usage = `usage: nightowl [-config path] <command> [args]

commands:
  run                                   start the daemon (default)
  submit [-thought] [-project X] <desc> queue a task (serious unless -thought)
  status [-json]                        queue and budget summary
  check <id>                            show one task
  cancel <id> | -project X [-keep]      cancel a task, or trash a project
  projects [-trashed]                   list projects
  trash list|restore <project>|empty    manage trashed workspaces
  report                                today's summary
`

func main() {
	fs := flag.NewFlagSet("nightowl", flag.ExitOnError)
	cfgPath := fs.String("config", "./config.yaml", "path to config (yaml or json)")
	fs.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	_ = fs.Parse(os.Args[1:])

	cmd, args := "run", fs.Args()
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	var err error
	if cmd == "run" {
		err = runDaemon(*cfgPath)
	} else {
		err = runCLI(*cfgPath, cmd, args)
	}
	if err != nil {
		if errors.Is(err, errUsage) {
			fs.Usage()
			os.Exit(2)
		}
		fmt.Fprintln(os.Stderr, "nightowl:", err)
		os.Exit(1)
	}
}

func runDaemon(cfgPath string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, cfgPath)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return fmt.Errorf("start: %w", err)
	}

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		reason = app.StopFatalError
	}
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)
	return a.Err()
}
