//go:build unix

package stage

import (
	"os/exec"
	"syscall"
)

// newShellCommand builds the platform shell invocation for a stage
// command.
func newShellCommand(command string) *exec.Cmd {
	return exec.Command("/bin/sh", "-c", command)
}

// setProcessGroup places the command in its own process group so the
// whole tree can be signalled together.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killProcessGroup terminates the command's process group.
func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}

	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err != nil {
		_ = cmd.Process.Kill()

		return
	}

	_ = syscall.Kill(-pgid, syscall.SIGKILL)
}
