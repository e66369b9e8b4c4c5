package process

import (
	"os/exec"
	"syscall"
)

// configureSysProcAttr starts the child in its own process group, so teardown
// signals reach everything it spawned, and asks the kernel to SIGTERM it if
// the harness itself dies mid-run.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGTERM,
	}
}
