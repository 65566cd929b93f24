//go:build linux

package ffmpeg

import (
	"os/exec"
	"syscall"
)

// configureProcAttr isolates the child in its own process group and has the
// kernel kill it if this process dies.
func configureProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
}
