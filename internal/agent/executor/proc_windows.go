//go:build windows

package executor

import (
	"os/exec"
	"time"
)

// setProcessGroup is a no-op on Windows; process groups as used by the unix
// cancellation path do not exist there.
func setProcessGroup(cmd *exec.Cmd) {}

// terminateProcessGroup kills the process directly. Children spawned by the
// shell are left to the OS; cmd /C exits when its child is killed in the
// common case.
func terminateProcessGroup(cmd *exec.Cmd, grace time.Duration) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
}
