// Package lifecycle names why the process is shutting down, for logs and
// the systemd status line.
package lifecycle

import (
	"os"
	"syscall"
)

type StopReason string

const (
	StopUnknown    StopReason = "unknown"
	StopSIGINT     StopReason = "sigint"
	StopSIGTERM    StopReason = "sigterm"
	StopFatalError StopReason = "fatal_error"
	StopAppStop    StopReason = "app_stop"
)

// FromSignal maps a shutdown signal to its reason.
func FromSignal(sig os.Signal) StopReason {
	switch sig {
	case os.Interrupt:
		return StopSIGINT
	case syscall.SIGTERM:
		return StopSIGTERM
	default:
		return StopUnknown
	}
}

func (r StopReason) String() string {
	if r == "" {
		return string(StopUnknown)
	}
	return string(r)
}
