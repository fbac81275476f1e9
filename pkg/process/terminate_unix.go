//go:build !windows

package process

import (
	"fmt"
	"os"
	"syscall"
)

// SupportsSignals reports whether arbitrary signals can be delivered.
func SupportsSignals() bool {
	return true
}

// SignalGroup delivers sig to the process group led by pid.
func SignalGroup(pid int, sig os.Signal) error {
	if pid <= 0 {
		return fmt.Errorf("invalid PID: %d", pid)
	}
	s, ok := sig.(syscall.Signal)
	if !ok {
		return fmt.Errorf("unsupported signal type %T", sig)
	}
	// negative PID addresses the whole group
	return syscall.Kill(-pid, s)
}

// SendTerminationSignal sends SIGTERM to the process group.
func SendTerminationSignal(pid int) error {
	return SignalGroup(pid, syscall.SIGTERM)
}

// ForceKill sends SIGKILL to the process group.
func ForceKill(pid int) error {
	return SignalGroup(pid, syscall.SIGKILL)
}
