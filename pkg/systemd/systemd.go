// Package systemd speaks the sd_notify protocol: readiness, stopping,
// status lines and watchdog keep-alives. Outside systemd (NOTIFY_SOCKET
// unset) every call is a no-op.
package systemd

import (
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

type Notifier struct {
	notify   func(state string) (bool, error)
	watchdog func() (time.Duration, error)
}

func New() *Notifier {
	return &Notifier{
		notify:   func(state string) (bool, error) { return daemon.SdNotify(false, state) },
		watchdog: func() (time.Duration, error) { return daemon.SdWatchdogEnabled(false) },
	}
}

// NewWith builds a Notifier over custom functions, for tests.
func NewWith(notify func(state string) (bool, error), watchdog func() (time.Duration, error)) *Notifier {
	return &Notifier{notify: notify, watchdog: watchdog}
}

// Ready reports whether systemd received READY=1.
func (n *Notifier) Ready() (bool, error) { return n.send(daemon.SdNotifyReady) }

func (n *Notifier) Stopping() (bool, error) { return n.send(daemon.SdNotifyStopping) }

func (n *Notifier) Ping() (bool, error) { return n.send(daemon.SdNotifyWatchdog) }

func (n *Notifier) Status(msg string) (bool, error) {
	return n.send(fmt.Sprintf("STATUS=%s", msg))
}

// WatchdogInterval is WATCHDOG_USEC, or 0 when the watchdog is off.
func (n *Notifier) WatchdogInterval() time.Duration {
	if n == nil || n.watchdog == nil {
		return 0
	}
	d, err := n.watchdog()
	if err != nil {
		return 0
	}
	return d
}

func (n *Notifier) send(state string) (bool, error) {
	if n == nil || n.notify == nil {
		return false, nil
	}
	return n.notify(state)
}
