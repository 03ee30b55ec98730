package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "jobsched/pkg/logx"
)

// sdNotify is a no-op unless NOTIFY_SOCKET is set.
func (a *App) sdNotify(state string) {
	if !a.cfg.Systemd.Notify {
		return
	}
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		a.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		a.log.Debug("sd_notify", logx.String("state", state))
	}
}

// watchdog pings systemd at half the configured WatchdogSec until ctx is
// done. It returns immediately when the unit has no watchdog.
func (a *App) watchdog(ctx context.Context) error {
	iv, err := daemon.SdWatchdogEnabled(false)
	if err != nil || iv <= 0 {
		return nil
	}
	t := time.NewTicker(iv / 2)
	defer t.Stop()
	a.log.Info("systemd watchdog enabled", logx.Duration("interval", iv))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		}
	}
}
