package app

import (
	"context"
	"strings"

	"nightowl/internal/config"
	kit "nightowl/internal/transport"
	logx "nightowl/pkg/logx"
)

func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: only the newest config matters.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						cfg = newer
					}
				default:
					drained = true
				}
			}
			a.applyConfig(ctx, last, cfg)
			last = cfg
		}
	}
}

// applyConfig pushes every live-reloadable section to its component.
func (a *App) applyConfig(ctx context.Context, prev, cfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, cfg)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.String("sections", strings.Join(restart, ",")))
	}

	notifyChat, _ := cfg.Telegram.NotifyChatID()
	a.logs.SetTelegramTarget(notifyChat, cfg.Logging.Telegram.ThreadID)
	lc := logConfig(cfg)
	if a.adapter == nil {
		lc.Telegram.Enabled = false
	}
	a.logs.Apply(lc)

	if a.router != nil {
		a.router.SetOwners(cfg.Telegram.OwnerUserIDs)
	}
	if err := a.core.Apply(cfg); err != nil {
		a.log.Warn("invalid scheduling config; keeping previous", logx.Err(err))
	}

	ncfg := notifierConfig(cfg)
	a.notif.SetTarget(kit.ChatTarget{ChatID: notifyChat, ThreadID: cfg.Telegram.NotifyThreadID})
	a.notif.Apply(ncfg)
	// Start and Stop are no-ops when already in the requested state.
	if ncfg.Enabled {
		a.notif.Start(a.sup.Context())
	} else {
		a.notif.Stop(ctx)
	}

	a.http.Reconfigure(a.sup.Context(), httpConfig(cfg))

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}
