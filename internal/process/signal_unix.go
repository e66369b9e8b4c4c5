//go:build !windows

package process

import (
	"errors"
	"syscall"
)

// signalGroup delivers sig to the process group led by pid, falling back to the
// pid itself when the group is already gone.
func signalGroup(pid int, sig syscall.Signal) error {
	err := syscall.Kill(-pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		err = syscall.Kill(pid, sig)
	}
	return err
}
