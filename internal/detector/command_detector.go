package detector

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
	"time"
)

// shellMeta marks command lines that need /bin/sh to run.
const shellMeta = "|&;<>*?`$\"'(){}[]~"

// CommandDetector runs Command and reports ready on exit status 0. A non-zero
// exit means "not yet"; a command that cannot be started is an error. Env is
// appended to the harness environment.
type CommandDetector struct {
	Command string
	Dir     string
	Env     []string
}

func (d CommandDetector) command(ctx context.Context) *exec.Cmd {
	line := strings.TrimSpace(d.Command)
	var cmd *exec.Cmd
	switch {
	case line == "":
		// #nosec G204
		cmd = exec.CommandContext(ctx, "/bin/true")
	case strings.ContainsAny(line, shellMeta):
		// #nosec G204
		cmd = exec.CommandContext(ctx, "/bin/sh", "-c", line)
	default:
		f := strings.Fields(line)
		// #nosec G204
		cmd = exec.CommandContext(ctx, f[0], f[1:]...)
	}
	cmd.Dir = d.Dir
	if len(d.Env) > 0 {
		cmd.Env = append(os.Environ(), d.Env...)
	}
	// grandchildren holding the pipes must not outlive the attempt timeout
	cmd.WaitDelay = time.Second
	return cmd
}

func (d CommandDetector) Alive(ctx context.Context) (bool, error) {
	err := d.command(ctx).Run()
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return true, nil
	case errors.As(err, &exitErr), ctx.Err() != nil:
		return false, nil
	default:
		return false, err
	}
}

func (d CommandDetector) Describe() string { return "cmd:" + d.Command }
