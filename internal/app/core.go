package app

import (
	"context"
	"errors"

	"nightowl/internal/budget"
	"nightowl/internal/clock"
	"nightowl/internal/config"
	"nightowl/internal/eventbus"
	"nightowl/internal/project"
	"nightowl/internal/scheduler"
	"nightowl/internal/storage"
	"nightowl/internal/task"
	"nightowl/internal/usage"
	logx "nightowl/pkg/logx"
)

// Core is the persistent half of the system: the database and everything
// built directly on it. The daemon and the one-shot CLI commands share it.
type Core struct {
	DB        *storage.DB
	Tasks     *task.Store
	Projects  *project.Registry
	Ledger    *usage.Ledger
	Budget    *budget.Manager
	Scheduler *scheduler.Scheduler
}

// ErrNoExecutor is returned by the dispatcher of a CLI-only Core.
var ErrNoExecutor = errors.New("no executor in this process")

type cliDispatcher struct{}

func (cliDispatcher) Dispatch(context.Context, scheduler.Dispatch) error { return ErrNoExecutor }
func (cliDispatcher) Abort(int64) bool                                   { return false }

// OpenCore opens the database and builds the stores and the scheduler. A nil
// disp gives a Core that can submit and inspect but never dispatches; such a
// Core must not Run or Recover while a daemon owns the database.
func OpenCore(ctx context.Context, cfg *config.Config, disp scheduler.Dispatcher, bus eventbus.Bus, log logx.Logger) (*Core, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if disp == nil {
		disp = cliDispatcher{}
	}
	bc, err := budgetConfig(cfg)
	if err != nil {
		return nil, err
	}

	db, err := storage.Open(ctx, storageConfig(cfg), log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	clk := clock.System()
	c := &Core{
		DB:       db,
		Tasks:    task.NewStore(db, taskConfig(cfg), clk, log.With(logx.String("comp", "tasks"))),
		Projects: project.NewRegistry(db, cfg.Workspace.Root, clk, log.With(logx.String("comp", "projects"))),
		Ledger:   usage.NewLedger(db, clk, log.With(logx.String("comp", "usage"))),
	}
	if c.Budget, err = budget.NewManager(bc, c.Ledger); err != nil {
		_ = db.Close()
		return nil, err
	}
	c.Scheduler, err = scheduler.New(schedulerConfig(cfg), scheduler.Deps{
		Tasks:      c.Tasks,
		Projects:   c.Projects,
		Usage:      c.Ledger,
		Budget:     c.Budget,
		Dispatcher: disp,
		Bus:        bus,
		Clock:      clk,
		Log:        log.With(logx.String("comp", "scheduler")),
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return c, nil
}

// Apply pushes the live-reloadable parts of cfg into the core.
func (c *Core) Apply(cfg *config.Config) error {
	bc, err := budgetConfig(cfg)
	if err != nil {
		return err
	}
	if err := c.Budget.Apply(bc); err != nil {
		return err
	}
	c.Tasks.Apply(taskConfig(cfg))
	return c.Scheduler.Apply(schedulerConfig(cfg))
}

func (c *Core) Close() error { return c.DB.Close() }
