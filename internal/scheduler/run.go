package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"nightowl/internal/eventbus"
	logx "nightowl/pkg/logx"
)

// Run recovers in-flight tasks, then drives Tick on the configured interval
// (plus the optional daily report and task generation) until ctx is done. Tick errors are logged
// and retried next interval.
func (s *Scheduler) Run(ctx context.Context) error {
	if _, err := s.Recover(ctx); err != nil {
		return fmt.Errorf("recover: %w", err)
	}

	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.Recover(cronLogger{s.log}), cron.SkipIfStillRunning(cronLogger{s.log})),
	)
	s.cronMu.Lock()
	s.cron = c
	s.runCtx = ctx
	s.cronMu.Unlock()
	s.reschedule()

	c.Start()
	s.log.Info("scheduler started",
		logx.Duration("tick_interval", s.Config().TickInterval),
		logx.Int("max_parallel", s.Config().MaxParallel),
	)

	// First admission pass right away rather than one interval late.
	s.runTick(ctx)

	<-ctx.Done()
	<-c.Stop().Done()
	s.cronMu.Lock()
	s.cron = nil
	s.cronMu.Unlock()
	s.log.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) runTick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := s.Tick(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("tick failed", logx.Err(err))
	}
}

// reschedule (re)registers the cron jobs from the current config.
func (s *Scheduler) reschedule() {
	s.cronMu.Lock()
	defer s.cronMu.Unlock()
	if s.cron == nil {
		return
	}
	for _, e := range s.cron.Entries() {
		s.cron.Remove(e.ID)
	}
	ctx := s.runCtx
	cfg := s.Config()

	s.cron.Schedule(cron.Every(cfg.TickInterval), cron.FuncJob(func() { s.runTick(ctx) }))

	if spec := strings.TrimSpace(cfg.DailyReport); spec != "" {
		_, err := s.cron.AddFunc(spec, func() {
			r, err := s.Report(ctx)
			if err != nil {
				s.log.Warn("daily report failed", logx.Err(err))
				return
			}
			s.publish(eventbus.DailyReport, r)
		})
		if err != nil {
			s.log.Warn("invalid daily report schedule", logx.String("spec", spec), logx.Err(err))
		}
	}

	if cfg.AutoGen.Enabled {
		s.cron.Schedule(cron.Every(cfg.AutoGen.CheckInterval), cron.FuncJob(func() {
			if ctx.Err() != nil {
				return
			}
			if _, _, err := s.Generate(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.log.Warn("task generation failed", logx.Err(err))
			}
		}))
	}
}

// cronLogger adapts logx to cron's logger interface.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			k = fmt.Sprint(kv[i])
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
