//go:build !windows

package patch

import (
	stderrors "errors"
	"syscall"
)

// processAlive reports whether pid names a running process
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || stderrors.Is(err, syscall.EPERM)
}
