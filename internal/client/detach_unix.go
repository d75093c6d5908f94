//go:build unix

package client

import (
	"os/exec"
	"syscall"
)

// detach runs the server in its own session so it outlives the build that
// started it and never receives the terminal's signals
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
