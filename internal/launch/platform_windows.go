//go:build windows

package launch

import "os/exec"

// getProcessResourceUsage is not supported on Windows.
func getProcessResourceUsage(cmd *exec.Cmd) *ResourceUsage {
	return nil
}

// setupProcessGroup is a no-op on Windows.
func setupProcessGroup(cmd *exec.Cmd) {}

// killProcessGroup kills the main process on Windows.
func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
