// Package scheduler admits pending tasks for execution on a fixed tick,
// bounded by a concurrency ceiling and the daily budget.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"nightowl/internal/budget"
	"nightowl/internal/clock"
	"nightowl/internal/eventbus"
	"nightowl/internal/money"
	"nightowl/internal/project"
	"nightowl/internal/task"
	"nightowl/internal/usage"
	logx "nightowl/pkg/logx"
)

// ErrNotRecovered is returned by Tick before Recover has run.
var ErrNotRecovered = errors.New("scheduler: recovery has not run")

// Config holds the live-applicable scheduling limits.
type Config struct {
	TickInterval       time.Duration
	MaxParallel        int
	MaxTaskDuration    time.Duration // 0 disables the timeout sweep
	EstimatedTaskCost  money.Money
	BudgetWarnInterval time.Duration
	DailyReport        string // cron spec evaluated in UTC; empty disables
	AutoGen            AutoGenConfig
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = 5 * time.Second
	}
	if c.MaxParallel <= 0 {
		c.MaxParallel = 1
	}
	if c.BudgetWarnInterval <= 0 {
		c.BudgetWarnInterval = time.Minute
	}
	c.AutoGen = c.AutoGen.withDefaults()
	return c
}

// Dispatch is one admitted task handed to the executor.
type Dispatch struct {
	TaskID        int64         `json:"task_id"`
	RunID         string        `json:"run_id"`
	Description   string        `json:"description"`
	Priority      task.Priority `json:"priority"`
	ProjectID     string        `json:"project_id,omitempty"`
	WorkspacePath string        `json:"workspace_path"`
	Attempt       int           `json:"attempt"`
}

// Dispatcher runs admitted tasks. Dispatch must not block on execution: the
// executor reports back through Scheduler.Complete from its own goroutine.
type Dispatcher interface {
	Dispatch(ctx context.Context, d Dispatch) error
	// Abort asks a running execution to stop. It reports whether one was found.
	Abort(taskID int64) bool
}

// Deps are the collaborators a Scheduler owns.
type Deps struct {
	Tasks      *task.Store
	Projects   *project.Registry
	Usage      *usage.Ledger
	Budget     *budget.Manager
	Dispatcher Dispatcher
	Bus        eventbus.Bus
	Clock      clock.Clock
	Log        logx.Logger
}

// Scheduler is the admission controller. Tick and Complete are serialized.
type Scheduler struct {
	tasks    *task.Store
	projects *project.Registry
	usage    *usage.Ledger
	budget   *budget.Manager
	disp     Dispatcher
	bus      eventbus.Bus
	clock    clock.Clock
	log      logx.Logger

	mu sync.Mutex // held by Tick and Complete

	cfgMu sync.RWMutex
	cfg   Config

	recovered atomic.Bool
	ticks     atomic.Uint64
	lastTick  atomic.Int64 // unix ms

	// budget pause bookkeeping, guarded by mu
	paused   bool
	lastWarn time.Time

	cronMu sync.Mutex
	cron   *cron.Cron
	runCtx context.Context

	genMu sync.Mutex
	gen   genState
	roll  func(n int) int
}

func New(cfg Config, d Deps) (*Scheduler, error) {
	if d.Tasks == nil || d.Projects == nil || d.Usage == nil || d.Budget == nil {
		return nil, errors.New("scheduler: tasks, projects, usage and budget are required")
	}
	if d.Dispatcher == nil {
		return nil, errors.New("scheduler: dispatcher is required")
	}
	if err := cfg.AutoGen.Validate(); err != nil {
		return nil, err
	}
	if d.Bus == nil {
		d.Bus = eventbus.Nop{}
	}
	if d.Clock == nil {
		d.Clock = clock.System()
	}
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	return &Scheduler{
		tasks:    d.Tasks,
		projects: d.Projects,
		usage:    d.Usage,
		budget:   d.Budget,
		disp:     d.Dispatcher,
		bus:      d.Bus,
		clock:    d.Clock,
		log:      d.Log,
		cfg:      cfg.withDefaults(),
		roll:     defaultRoll,
	}, nil
}

func (s *Scheduler) Config() Config {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg
}

func (s *Scheduler) publish(t eventbus.Type, data any) {
	s.bus.Publish(eventbus.Event{Type: t, Time: s.clock.Now(), Data: data})
}

// Submit stores a new pending task. A non-empty projectName is resolved to
// a project (created on first use); trashed projects are refused.
func (s *Scheduler) Submit(ctx context.Context, description string, priority task.Priority, projectName string) (task.Task, error) {
	var projectID string
	if name := strings.TrimSpace(projectName); name != "" {
		p, err := s.projects.ResolveOrCreate(ctx, name)
		if err != nil {
			return task.Task{}, err
		}
		projectID = p.ID
	}
	t, err := s.tasks.Submit(ctx, task.Submission{Description: description, Priority: priority, ProjectID: projectID})
	if err != nil {
		return task.Task{}, err
	}
	s.log.Info("task submitted",
		logx.Int64("task_id", t.ID),
		logx.String("priority", string(t.Priority)),
		logx.String("project", t.ProjectID),
	)
	s.publish(eventbus.TaskSubmitted, t)
	return t, nil
}

// Recover requeues tasks left in progress by a previous process. It must run
// before the first Tick.
func (s *Scheduler) Recover(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.tasks.RecoverInFlight(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Info("recovered in-flight tasks", logx.Int64("count", n))
	}
	s.recovered.Store(true)
	return n, nil
}

// Complete records one dispatch's result: usage first, then the state
// change. Usage is kept even when the state change is refused (the spend
// happened). When the usage append fails the state change is still applied
// and the updated task is returned with the append error.
func (s *Scheduler) Complete(ctx context.Context, taskID int64, rep task.Report, rec *usage.Record) (task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.log.With(logx.Int64("task_id", taskID))
	var appendErr error
	if rec != nil {
		r := *rec
		r.TaskID = taskID
		saved, err := s.usage.Append(ctx, r)
		if err != nil {
			// The outcome is still applied so the task does not sit in
			// progress until the timeout sweep.
			appendErr = err
			log.Error("usage not recorded", logx.String("run_id", r.RunID), logx.Err(err))
		} else {
			log = log.With(logx.String("run_id", saved.RunID), logx.Stringer("cost", saved.Cost))
		}
	}

	t, err := s.tasks.Complete(ctx, taskID, rep)
	if err != nil {
		if errors.Is(err, task.ErrInvalidTransition) {
			log.Warn("completion refused", logx.Err(err))
		}
		return task.Task{}, errors.Join(appendErr, err)
	}

	switch t.Status {
	case task.StatusCompleted:
		log.Info("task completed")
		s.publish(eventbus.TaskCompleted, t)
	case task.StatusPending:
		log.Info("task requeued for retry", logx.Int("retry_count", t.RetryCount), logx.String("error", rep.Error))
		s.publish(eventbus.TaskRetrying, t)
	default:
		log.Warn("task failed", logx.String("error", t.Error))
		s.publish(eventbus.TaskFailed, t)
	}
	return t, appendErr
}

// Cancel cancels a pending or running task and asks the executor to stop it.
func (s *Scheduler) Cancel(ctx context.Context, taskID int64) (task.Task, error) {
	t, err := s.tasks.Cancel(ctx, taskID)
	if err != nil {
		return task.Task{}, err
	}
	aborted := s.disp.Abort(taskID)
	s.log.Info("task cancelled", logx.Int64("task_id", taskID), logx.Bool("aborted_run", aborted))
	s.publish(eventbus.TaskCancelled, t)
	return t, nil
}

// ProjectCancel is the result of CancelProject.
type ProjectCancel struct {
	Project   project.Project `json:"project"`
	Cancelled []int64         `json:"cancelled"`
	TrashPath string          `json:"trash_path,omitempty"`
}

// CancelProject trashes a project and cancels its pending tasks. Tasks
// already running finish normally.
func (s *Scheduler) CancelProject(ctx context.Context, name string, keepWorkspace bool) (ProjectCancel, error) {
	p, err := s.projects.Lookup(ctx, name)
	if err != nil {
		return ProjectCancel{}, err
	}
	// Trash first so no submission can land between the two steps.
	p, dst, err := s.projects.Trash(ctx, p.ID, keepWorkspace)
	if err != nil {
		return ProjectCancel{}, err
	}
	ids, err := s.tasks.CancelProject(ctx, p.ID)
	if err != nil {
		return ProjectCancel{}, err
	}
	out := ProjectCancel{Project: p, Cancelled: ids, TrashPath: dst}
	s.log.Info("project cancelled",
		logx.String("project", p.ID),
		logx.Int("cancelled", len(ids)),
		logx.String("trash", dst),
	)
	s.publish(eventbus.ProjectTrashed, out)
	return out, nil
}

func (s *Scheduler) RestoreProject(ctx context.Context, name string) (project.Project, error) {
	p, err := s.projects.Lookup(ctx, name)
	if err != nil {
		return project.Project{}, err
	}
	return s.projects.Restore(ctx, p.ID)
}

func (s *Scheduler) UpdatePriority(ctx context.Context, taskID int64, p task.Priority) (task.Task, error) {
	t, err := s.tasks.UpdatePriority(ctx, taskID, p)
	if err != nil {
		return task.Task{}, err
	}
	s.log.Info("task priority changed", logx.Int64("task_id", taskID), logx.String("priority", string(p)))
	return t, nil
}

func (s *Scheduler) Get(ctx context.Context, taskID int64) (task.Task, error) {
	return s.tasks.Get(ctx, taskID)
}

func (s *Scheduler) List(ctx context.Context, f task.Filter) ([]task.Task, error) {
	return s.tasks.List(ctx, f)
}

func (s *Scheduler) Projects(ctx context.Context, includeTrashed bool) ([]project.Project, error) {
	return s.projects.List(ctx, includeTrashed)
}

func (s *Scheduler) Registry() *project.Registry { return s.projects }

// Snapshot is a read-only status view.
type Snapshot struct {
	task.Counts
	MaxParallel int           `json:"max_parallel"`
	Budget      budget.Status `json:"budget"`
	IsNight     bool          `json:"is_night"`
	At          time.Time     `json:"at"`
	Recovered   bool          `json:"recovered"`
	Ticks       uint64        `json:"ticks"`
	LastTick    *time.Time    `json:"last_tick,omitempty"`
	Paused      bool          `json:"budget_paused"`
}

func (s *Scheduler) Snapshot(ctx context.Context) (Snapshot, error) {
	now := s.clock.Now()
	counts, err := s.tasks.CountByStatus(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	st, err := s.budget.Status(ctx, now)
	if err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{
		Counts:      counts,
		MaxParallel: s.Config().MaxParallel,
		Budget:      st,
		IsNight:     st.IsNight,
		At:          now.UTC(),
		Recovered:   s.recovered.Load(),
		Ticks:       s.ticks.Load(),
		Paused:      st.Remaining < s.Config().EstimatedTaskCost,
	}
	if ms := s.lastTick.Load(); ms != 0 {
		t := time.UnixMilli(ms).UTC()
		snap.LastTick = &t
	}
	return snap, nil
}

// Apply swaps the live limits. Changed tick, report or generation schedules
// re-register the running cron jobs.
func (s *Scheduler) Apply(cfg Config) error {
	cfg = cfg.withDefaults()
	if strings.TrimSpace(cfg.DailyReport) != "" {
		if _, err := cron.ParseStandard(cfg.DailyReport); err != nil {
			return fmt.Errorf("scheduler.daily_report: %w", err)
		}
	}
	if err := cfg.AutoGen.Validate(); err != nil {
		return err
	}
	s.cfgMu.Lock()
	old := s.cfg
	s.cfg = cfg
	s.cfgMu.Unlock()

	if old.TickInterval != cfg.TickInterval || old.DailyReport != cfg.DailyReport ||
		old.AutoGen.Enabled != cfg.AutoGen.Enabled || old.AutoGen.CheckInterval != cfg.AutoGen.CheckInterval {
		s.reschedule()
	}
	return nil
}
