//go:build windows

package convert

import "os/exec"

func setProcessGroup(*exec.Cmd) {}

// Windows has no SIGTERM for console processes; Kill is the only stop.
func interruptGroup(cmd *exec.Cmd) error {
	return cmd.Process.Kill()
}

func killGroup(cmd *exec.Cmd) error {
	return cmd.Process.Kill()
}
