// Package sdnotify reports readiness, shutdown and liveness to systemd.
// Outside a Type=notify unit every call is a no-op.
package sdnotify

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "tt2tg/pkg/logx"
)

type Notifier struct {
	log logx.Logger
	// notify is daemon.SdNotify; replaced in tests.
	notify func(unsetEnv bool, state string) (bool, error)
	// watchdog is daemon.SdWatchdogEnabled; replaced in tests.
	watchdog func(unsetEnv bool) (time.Duration, error)
}

func New(log logx.Logger) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Notifier{log: log, notify: daemon.SdNotify, watchdog: daemon.SdWatchdogEnabled}
}

func (n *Notifier) send(state string) {
	sent, err := n.notify(false, state)
	if err != nil {
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		n.log.Debug("sd_notify sent", logx.String("state", state))
	}
}

// Ready marks startup as complete.
func (n *Notifier) Ready() { n.send(daemon.SdNotifyReady) }

// Stopping marks the beginning of shutdown.
func (n *Notifier) Stopping() { n.send(daemon.SdNotifyStopping) }

// Status sets the free-form status line shown by systemctl status.
func (n *Notifier) Status(msg string) { n.send("STATUS=" + msg) }

// Watchdog pings systemd at half the configured WatchdogSec until ctx ends.
// It returns at once when the unit has no watchdog.
func (n *Notifier) Watchdog(ctx context.Context) {
	every, err := n.watchdog(false)
	if err != nil {
		n.log.Warn("watchdog config invalid", logx.Err(err))
		return
	}
	if every <= 0 {
		return
	}
	t := time.NewTicker(every / 2)
	defer t.Stop()
	n.log.Info("systemd watchdog enabled", logx.Duration("interval", every))
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n.send(daemon.SdNotifyWatchdog)
		}
	}
}
