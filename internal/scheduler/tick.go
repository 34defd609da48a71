package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"nightowl/internal/eventbus"
	"nightowl/internal/task"
	logx "nightowl/pkg/logx"
)

// Tick runs one admission pass and returns what it dispatched:
//
//  1. fail in-progress tasks older than max_task_duration;
//  2. stop when no execution slot is free;
//  3. stop when the remaining budget is below the estimated task cost;
//  4. claim pending tasks in priority order until the free slots are used;
//  5. hand each claimed task to the dispatcher.
//
// A nil error with no dispatches is the normal "nothing to do" result.
func (s *Scheduler) Tick(ctx context.Context) ([]Dispatch, error) {
	if !s.recovered.Load() {
		return nil, ErrNotRecovered
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	seq := s.ticks.Add(1)
	now := s.clock.Now()
	s.lastTick.Store(now.UnixMilli())
	cfg := s.Config()
	log := s.log.With(logx.Uint64("tick", seq))

	if err := s.sweepTimeouts(ctx, cfg, log); err != nil {
		return nil, err
	}

	inFlight, err := s.tasks.CountInProgress(ctx)
	if err != nil {
		return nil, err
	}
	slots := cfg.MaxParallel - inFlight
	if slots <= 0 {
		log.Debug("no free slots", logx.Int("in_flight", inFlight), logx.Int("max_parallel", cfg.MaxParallel))
		return nil, nil
	}

	ok, err := s.budget.Admit(ctx, now, cfg.EstimatedTaskCost)
	if err != nil {
		return nil, err
	}
	if !ok {
		s.budgetPaused(ctx, now, cfg, log)
		return nil, nil
	}
	if s.paused {
		s.paused = false
		log.Info("scheduling resumed", logx.String("period", s.budget.Config().Window.Classify(now).String()))
		s.publish(eventbus.BudgetResumed, nil)
	}

	claimed, err := s.claim(ctx, slots, log)
	if len(claimed) == 0 {
		return nil, err
	}

	out := make([]Dispatch, 0, len(claimed))
	for _, t := range claimed {
		d, derr := s.handOff(ctx, t, log)
		if derr != nil {
			log.Error("dispatch failed", logx.Int64("task_id", t.ID), logx.Err(derr))
			continue
		}
		out = append(out, d)
	}
	if len(out) > 0 {
		log.Info("tick dispatched", logx.Int("count", len(out)), logx.Int("in_flight", inFlight+len(out)))
	}
	return out, err
}

func (s *Scheduler) sweepTimeouts(ctx context.Context, cfg Config, log logx.Logger) error {
	if cfg.MaxTaskDuration <= 0 {
		return nil
	}
	stale, err := s.tasks.SweepTimeouts(ctx, cfg.MaxTaskDuration)
	if err != nil {
		return err
	}
	for _, t := range stale {
		aborted := s.disp.Abort(t.ID)
		log.Warn("task timed out",
			logx.Int64("task_id", t.ID),
			logx.Duration("limit", cfg.MaxTaskDuration),
			logx.Bool("aborted_run", aborted),
		)
		s.publish(eventbus.TaskTimedOut, t)
	}
	return nil
}

// BudgetPause describes why a tick admitted nothing.
type BudgetPause struct {
	Period    string `json:"period"`
	Remaining string `json:"remaining"`
	Estimated string `json:"estimated"`
}

func (s *Scheduler) budgetPaused(ctx context.Context, now time.Time, cfg Config, log logx.Logger) {
	first := !s.paused
	s.paused = true
	if !first && now.Sub(s.lastWarn) < cfg.BudgetWarnInterval {
		return
	}
	s.lastWarn = now

	rem, err := s.budget.Remaining(ctx, now)
	if err != nil {
		log.Warn("budget exhausted", logx.Err(err))
		return
	}
	info := BudgetPause{
		Period:    s.budget.Config().Window.Classify(now).String(),
		Remaining: rem.String(),
		Estimated: cfg.EstimatedTaskCost.String(),
	}
	log.Warn("budget exhausted, pausing dispatch",
		logx.String("period", info.Period),
		logx.String("remaining", info.Remaining),
		logx.String("estimated", info.Estimated),
	)
	if first {
		s.publish(eventbus.BudgetPaused, info)
	}
}

// claim marks up to slots pending tasks in progress. Tasks lost to a
// concurrent claimer are skipped. Tasks claimed before an error are returned
// with it so they still reach the dispatcher.
func (s *Scheduler) claim(ctx context.Context, slots int, log logx.Logger) ([]task.Task, error) {
	var out []task.Task
	for t, err := range s.tasks.ListPending(ctx) {
		if err != nil {
			return out, err
		}
		claimed, err := s.tasks.MarkDispatched(ctx, t.ID)
		switch {
		case err == nil:
			out = append(out, claimed)
		case errors.Is(err, task.ErrInvalidTransition), errors.Is(err, task.ErrNotFound):
			log.Debug("task already claimed", logx.Int64("task_id", t.ID))
			continue
		default:
			return out, err
		}
		if len(out) >= slots {
			break
		}
	}
	return out, nil
}

func (s *Scheduler) handOff(ctx context.Context, t task.Task, log logx.Logger) (Dispatch, error) {
	d := Dispatch{
		TaskID:      t.ID,
		RunID:       uuid.NewString(),
		Description: t.Description,
		Priority:    t.Priority,
		ProjectID:   t.ProjectID,
		Attempt:     t.RetryCount + 1,
	}

	ws, err := s.workspace(ctx, t)
	if err != nil {
		// No workspace, no run: the task cannot succeed on retry either.
		s.failLocked(ctx, t.ID, task.OutcomeFatal, fmt.Sprintf("workspace: %v", err), log)
		return Dispatch{}, err
	}
	d.WorkspacePath = ws

	if err := s.disp.Dispatch(ctx, d); err != nil {
		// The executor never accepted the run; it goes back to the queue
		// without spending a retry.
		if _, rerr := s.tasks.Release(ctx, t.ID, fmt.Sprintf("dispatch: %v", err)); rerr != nil {
			log.Error("could not release claimed task", logx.Int64("task_id", t.ID), logx.Err(rerr))
		}
		return Dispatch{}, err
	}
	log.Info("task dispatched",
		logx.Int64("task_id", t.ID),
		logx.String("run_id", d.RunID),
		logx.String("priority", string(t.Priority)),
		logx.Int("attempt", d.Attempt),
	)
	s.publish(eventbus.TaskDispatched, d)
	return d, nil
}

func (s *Scheduler) workspace(ctx context.Context, t task.Task) (string, error) {
	if t.ProjectID == "" {
		return s.projects.TaskWorkspace(t.ID)
	}
	p, err := s.projects.ResolveOrCreate(ctx, t.ProjectID)
	if err != nil {
		return "", err
	}
	return p.WorkspacePath, nil
}

// failLocked reports a dispatch that never reached the executor. Caller holds mu.
func (s *Scheduler) failLocked(ctx context.Context, id int64, o task.Outcome, cause string, log logx.Logger) {
	t, err := s.tasks.Complete(ctx, id, task.Report{Outcome: o, Error: cause})
	if err != nil {
		log.Error("could not release claimed task", logx.Int64("task_id", id), logx.Err(err))
		return
	}
	if t.Status == task.StatusFailed {
		s.publish(eventbus.TaskFailed, t)
	} else {
		s.publish(eventbus.TaskRetrying, t)
	}
}
