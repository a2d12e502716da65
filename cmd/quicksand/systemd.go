package main

import (
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"github.com/talismancer/landslide/pkg/lslog"
)

// notifyReady tells systemd the fleet has finished starting up, when
// quicksand runs as a supervised service (NOTIFY_SOCKET set). It is a
// no-op outside systemd.
func notifyReady(log *lslog.Logger) {
	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Warnf("sd_notify ready: %v", err)
	} else if !ok {
		log.Logf(lslog.Dev, "not running under systemd notify socket")
	}
}

// watchdogPinger pings systemd's watchdog at half the configured interval
// for as long as the fleet runs, so a wedged controller gets restarted
// rather than silently hanging forever.
func watchdogPinger(log *lslog.Logger, done <-chan struct{}) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return
	}
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				log.Warnf("sd_notify watchdog: %v", err)
			}
		case <-done:
			return
		}
	}
}
