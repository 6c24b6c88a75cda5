//go:build !windows

package executor

import (
	"os/exec"
	"syscall"
	"time"
)

// setProcessGroup places the child in its own process group so that
// terminateProcessGroup can signal the whole tree, not just the shell.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// terminateProcessGroup sends SIGTERM to the command's process group and
// escalates to SIGKILL if the group is still alive after grace.
func terminateProcessGroup(cmd *exec.Cmd, grace time.Duration) {
	if cmd.Process == nil {
		return
	}
	pgid := -cmd.Process.Pid
	_ = syscall.Kill(pgid, syscall.SIGTERM)
	time.AfterFunc(grace, func() {
		_ = syscall.Kill(pgid, syscall.SIGKILL)
	})
}
