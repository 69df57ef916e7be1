//go:build !windows

package dispatch

import (
	"os/exec"
	"syscall"
	"time"
)

const killGrace = 100 * time.Millisecond

// setProcessGroup lets a cancelled task take its child processes down with it.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func terminateProcessGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err != nil {
		_ = cmd.Process.Kill()
		return
	}
	_ = syscall.Kill(-pgid, syscall.SIGTERM)
	time.Sleep(killGrace)
	_ = syscall.Kill(-pgid, syscall.SIGKILL)
}
