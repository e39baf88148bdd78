//go:build unix

package lock

import (
	"errors"

	"golang.org/x/sys/unix"
)

// processRunning checks if a process with the given PID exists
func processRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
