package procs

import (
	"errors"
	"syscall"
)

// IsAlive probes pid with signal 0. EPERM means the process exists but
// belongs to someone else, so it counts as alive.
func IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}

// Prober abstracts the liveness check for the tracker's reaper.
type Prober interface {
	Alive(pid int) bool
}

// SignalProber is the real Prober.
type SignalProber struct{}

func (SignalProber) Alive(pid int) bool { return IsAlive(pid) }
