//go:build !windows

package blender

import (
	"os/exec"
	"syscall"
)

func configureProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func terminateProcess(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}

	pid := cmd.Process.Pid
	if pid <= 0 {
		return
	}

	if pgid, err := syscall.Getpgid(pid); err == nil && pgid > 0 {
		// Negative pgid targets the host and anything it spawned.
		_ = syscall.Kill(-pgid, syscall.SIGTERM)

		return
	}

	_ = cmd.Process.Signal(syscall.SIGTERM)
}
