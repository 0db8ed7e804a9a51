//go:build !windows

package supervisor

import (
	stderrors "errors"
	"os/exec"
	"syscall"
)

// setProcessGroup starts the child in its own process group so that shell
// wrappers like npm take their children down with them
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func terminate(pid int) error {
	return signalGroup(pid, syscall.SIGTERM)
}

func kill(pid int) error {
	return signalGroup(pid, syscall.SIGKILL)
}

func signalGroup(pid int, sig syscall.Signal) error {
	err := syscall.Kill(-pid, sig)
	if stderrors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}
