//go:build windows

package process

import (
	"fmt"
	"os"
)

// SupportsSignals reports whether arbitrary signals can be delivered. Windows
// only offers termination.
func SupportsSignals() bool {
	return false
}

func SignalGroup(pid int, sig os.Signal) error {
	return fmt.Errorf("signal %v not supported on windows", sig)
}

// SendTerminationSignal has no graceful counterpart for a detached console
// child, so it terminates the process.
func SendTerminationSignal(pid int) error {
	return ForceKill(pid)
}

func ForceKill(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid PID: %d", pid)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Kill()
}
