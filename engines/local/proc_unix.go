//go:build unix

package local

import (
	"os/exec"
	"syscall"
)

// killProcessGroup makes cancellation kill everything the step started,
// not just the shell.
func killProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
