package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"nightowl/internal/config"
	"nightowl/internal/eventbus"
	"nightowl/internal/executor"
	"nightowl/internal/httpapi"
	"nightowl/internal/notifier"
	rtsup "nightowl/internal/runtime/supervisor"
	kit "nightowl/internal/transport"
	telegram "nightowl/internal/transport/telegram/adapter"
	"nightowl/internal/transport/telegram/router"
	logx "nightowl/pkg/logx"
)

// App is the long-running daemon: core plus executor, chat front end,
// notifier, HTTP API and config hot reload.
type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	core  *Core
	pool  *executor.Pool
	notif *notifier.Service
	http  *httpapi.Server

	// nil when no telegram token is configured
	adapter *telegram.Adapter
	router  *router.Router
	updates chan kit.Update
}

func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	// Chat logging stays off until the adapter and target exist.
	logCfg := logConfig(cfg)
	logCfg.Telegram.Enabled = false
	logSvc, log := logx.New(logCfg)

	bus := eventbus.New()
	runner, err := executor.NewCommandRunner(commandConfig(cfg), log.With(logx.String("comp", "runner")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	pool := executor.New(executorConfig(cfg), runner, log.With(logx.String("comp", "executor")))

	core, err := OpenCore(ctx, cfg, pool, bus, log)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	pool.SetCompleter(core.Scheduler)

	a := &App{
		cfgm:    cfgm,
		log:     log.With(logx.String("comp", "app")),
		logs:    logSvc,
		bus:     bus,
		core:    core,
		pool:    pool,
		updates: make(chan kit.Update, 256),
	}

	notifyChat, _ := cfg.Telegram.NotifyChatID()
	target := kit.ChatTarget{ChatID: notifyChat, ThreadID: cfg.Telegram.NotifyThreadID}
	var sender notifier.Sender
	if strings.TrimSpace(cfg.Telegram.Token) != "" {
		ad, err := telegram.New(telegram.Config{
			Token:       cfg.Telegram.Token,
			PollTimeout: config.Dur(cfg.Telegram.PollTimeout),
		}, log.With(logx.String("comp", "telegram")))
		if err != nil {
			_ = core.Close()
			_ = logSvc.Close()
			return nil, err
		}
		a.adapter = ad
		sender = ad
		a.router = router.New(router.Deps{
			Scheduler: core.Scheduler,
			Trash:     core.Projects,
			Replier:   ad,
			Owners:    cfg.Telegram.OwnerUserIDs,
			Log:       log.With(logx.String("comp", "router")),
		})
		logSvc.SetSender(func(ctx context.Context, chatID int64, threadID int, text string) error {
			_, err := ad.SendText(ctx, kit.ChatTarget{ChatID: chatID, ThreadID: threadID}, text, nil)
			return err
		})
		logSvc.SetTelegramTarget(notifyChat, cfg.Logging.Telegram.ThreadID)
		logSvc.Apply(logConfig(cfg))
	} else {
		a.log.Warn("telegram token empty; chat front end and notifications disabled")
	}
	a.notif = notifier.New(notifierConfig(cfg), sender, target, log.With(logx.String("comp", "notifier")))

	a.http = httpapi.New(httpConfig(cfg), httpapi.Deps{
		Scheduler: core.Scheduler,
		Health:    a.Health,
		Loops:     a.loops,
		Notifier:  a.notif.Stats,
		Runs:      pool.History,
		Log:       log,
	})
	return a, nil
}

// Core exposes the stores for tests and tooling.
func (a *App) Core() *Core { return a.core }

// Done is closed when the app context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal loop error, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Health reports whether the daemon is doing its job: no fatal error and
// the scheduler loop alive.
func (a *App) Health() error {
	if a.sup == nil {
		return errors.New("not started")
	}
	if err := a.sup.Err(); err != nil {
		return err
	}
	for _, l := range a.sup.Snapshot() {
		if l.Name == "scheduler" && !l.Running {
			return errors.New("scheduler loop not running")
		}
	}
	return nil
}

func (a *App) loops() []rtsup.LoopStats {
	if a.sup == nil {
		return nil
	}
	return a.sup.Snapshot()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	run := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := budgetConfig(cfg); err != nil {
			return err
		}
		return autoGenConfig(cfg).Validate()
	})

	if err := a.pool.Start(run); err != nil {
		return err
	}
	// Run recovers in-flight tasks before its first tick.
	a.sup.Go("scheduler", a.core.Scheduler.Run)

	a.notif.Start(run)
	a.sup.Go("notifier.watch", func(c context.Context) error {
		return a.notif.Watch(c, a.bus)
	})

	if a.adapter != nil {
		if err := a.adapter.Start(run, a.updates); err != nil {
			return fmt.Errorf("telegram: %w", err)
		}
		a.sup.Go("router", func(c context.Context) error {
			return a.router.Run(c, a.updates)
		})
		go func() {
			mctx, cancel := context.WithTimeout(run, 10*time.Second)
			defer cancel()
			if err := a.adapter.UpdateMenuCommands(mctx, a.router.Menu()); err != nil {
				a.log.Warn("command menu update failed", logx.Err(err))
			}
		}()
	}

	a.http.Start(run)

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go("systemd.watchdog", func(c context.Context) error {
		return watchdog(c, a.log, a.Health)
	})

	sdNotify(a.log, daemon.SdNotifyReady)
	a.log.Info("nightowl started", logx.Bool("telegram", a.adapter != nil), logx.String("db", a.core.DB.Path()))
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	sdNotify(a.log, daemon.SdNotifyStopping)
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Stop intake first, then execution, then the loops and storage.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		sctx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(sctx)
		}()
		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-sctx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("http", 2*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	if a.adapter != nil {
		step("telegram", 3*time.Second, a.adapter.Stop)
	}
	step("supervisor", 3*time.Second, a.sup.Stop)
	step("executor", 15*time.Second, a.pool.Stop)
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("storage", time.Second, func(context.Context) error { return a.core.Close() })

	a.log.Info("stopped")
	return a.logs.Close()
}
