//go:build !unix

package ffmpeg

import "os/exec"

func configureProcAttr(*exec.Cmd) {}

// terminateGroup has no graceful variant without process groups.
func terminateGroup(cmd *exec.Cmd) error {
	return killGroup(cmd)
}

func killGroup(cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
