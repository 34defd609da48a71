package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "nightowl/pkg/logx"
)

// sdNotify reports state to systemd. Outside a notify-type unit it is a no-op.
func sdNotify(log logx.Logger, state string) {
	sent, err := daemon.SdNotify(false, state)
	switch {
	case err != nil:
		log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
	case sent:
		log.Debug("sd_notify", logx.String("state", state))
	}
}

// watchdog pings systemd at half the configured interval while health
// reports no error. It returns at once when no watchdog is configured.
func watchdog(ctx context.Context, log logx.Logger, health func() error) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return nil
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if err := health(); err != nil {
				log.Warn("watchdog ping skipped", logx.Err(err))
				continue
			}
			sdNotify(log, daemon.SdNotifyWatchdog)
		}
	}
}
