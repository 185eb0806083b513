//go:build windows

package stage

import (
	"os/exec"
)

// newShellCommand builds the platform shell invocation for a stage
// command.
func newShellCommand(command string) *exec.Cmd {
	return exec.Command("cmd", "/C", command)
}

// setProcessGroup is a no-op on Windows; child processes are killed
// individually.
func setProcessGroup(cmd *exec.Cmd) {}

// killProcessGroup terminates the command's process.
func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}

	_ = cmd.Process.Kill()
}
