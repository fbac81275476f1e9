//go:build linux

package process

import (
	"golang.org/x/sys/unix"
)

// RaiseCoreLimit lifts the soft RLIMIT_CORE of a running process to its
// hard limit so a crash can leave a core file behind.
func RaiseCoreLimit(pid int) error {
	var current unix.Rlimit
	if err := unix.Prlimit(pid, unix.RLIMIT_CORE, nil, &current); err != nil {
		return err
	}
	if current.Cur == current.Max {
		return nil
	}
	raised := unix.Rlimit{Cur: current.Max, Max: current.Max}
	return unix.Prlimit(pid, unix.RLIMIT_CORE, &raised, nil)
}
