package process

import (
	"os/exec"
	"strings"
	"time"

	"github.com/alessio/shellescape"

	"github.com/loykin/svcprobe/internal/logger"
)

const (
	DefaultGracePeriod = 5 * time.Second
	DefaultTailLines   = 50
)

// Spec describes the service process to supervise.
type Spec struct {
	Name        string            `json:"name" mapstructure:"name"`
	Command     string            `json:"command" mapstructure:"command"` // shell-aware command line
	Args        []string          `json:"args" mapstructure:"args"`       // when set, Command is the executable and Args its argv
	WorkDir     string            `json:"work_dir" mapstructure:"work_dir"`
	Env         []string          `json:"env" mapstructure:"env"` // complete child environment; empty inherits the harness env
	PIDFile     string            `json:"pid_file" mapstructure:"pid_file"`
	GracePeriod time.Duration     `json:"grace_period" mapstructure:"grace_period"`
	TailLines   int               `json:"tail_lines" mapstructure:"tail_lines"`
	Log         logger.FileConfig `json:"log" mapstructure:"log"`
}

func (s *Spec) grace() time.Duration {
	if s.GracePeriod > 0 {
		return s.GracePeriod
	}
	return DefaultGracePeriod
}

// BuildCommand constructs an *exec.Cmd for the spec.
// A plain command line is split on whitespace; shell syntax goes through /bin/sh -c,
// and an explicit "sh -c '...'" prefix is honored without adding another shell.
func (s *Spec) BuildCommand() *exec.Cmd {
	if len(s.Args) > 0 {
		// #nosec G204
		return exec.Command(s.Command, s.Args...)
	}
	cmdStr := strings.TrimSpace(s.Command)
	if cmdStr == "" {
		// #nosec G204
		return exec.Command("/bin/true")
	}
	if afterC, ok := parseExplicitShell(cmdStr); ok {
		// #nosec G204
		return exec.Command("/bin/sh", "-c", afterC)
	}
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		// #nosec G204
		return exec.Command("/bin/sh", "-c", cmdStr)
	}
	parts := strings.Fields(cmdStr)
	// #nosec G204
	return exec.Command(parts[0], parts[1:]...)
}

// CommandLine renders the command as a copy-pasteable shell line.
func (s *Spec) CommandLine() string {
	if len(s.Args) == 0 {
		return strings.TrimSpace(s.Command)
	}
	quoted := make([]string, 0, len(s.Args)+1)
	quoted = append(quoted, shellescape.Quote(s.Command))
	for _, a := range s.Args {
		quoted = append(quoted, shellescape.Quote(a))
	}
	return strings.Join(quoted, " ")
}

// parseExplicitShell matches "sh -c <ARG>" style prefixes and returns ARG with
// one pair of enclosing quotes stripped.
func parseExplicitShell(cmdStr string) (string, bool) {
	trim := strings.TrimLeft(cmdStr, " \t")
	for _, p := range []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "} {
		if !strings.HasPrefix(trim, p) {
			continue
		}
		after := trim[len(p):]
		if n := len(after); n >= 2 {
			if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
				after = after[1 : n-1]
			}
		}
		return after, true
	}
	return "", false
}
