//go:build !windows && !linux

package process

import (
	"os/exec"
	"syscall"
)

// configureSysProcAttr starts the child in its own process group. There is no
// parent-death signal outside Linux; the PID file covers crashed runs there.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
