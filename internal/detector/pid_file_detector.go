//go:build !windows

package detector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// PIDMeta is the optional second line of a PID file written by the supervisor.
type PIDMeta struct {
	StartUnix int64 `json:"start_unix"`
}

// PIDFileDetector detects a process through a PID file. When the file records
// the process start time, a live PID with a different start time is treated as
// reused and reported as not alive.
type PIDFileDetector struct {
	PIDFile string
}

// ReadPID returns the PID and start time recorded in a PID file.
func ReadPID(path string) (int, PIDMeta, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, PIDMeta{}, err
	}
	pidLine, rest, _ := strings.Cut(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(pidLine))
	if err != nil {
		return 0, PIDMeta{}, fmt.Errorf("invalid pid in %s: %w", path, err)
	}
	var meta PIDMeta
	if rest = strings.TrimSpace(rest); rest != "" {
		_ = json.Unmarshal([]byte(rest), &meta)
	}
	return pid, meta, nil
}

func (d PIDFileDetector) Alive(context.Context) (bool, error) {
	pid, meta, err := ReadPID(d.PIDFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if meta.StartUnix > 0 {
		if cur := ProcStartUnix(pid); cur > 0 && cur != meta.StartUnix {
			return false, nil
		}
	}
	return pidAlive(pid), nil
}

func (d PIDFileDetector) Describe() string { return "pidfile:" + d.PIDFile }

// PIDDetector detects by a provided PID number.
type PIDDetector struct{ PID int }

func (d PIDDetector) Alive(context.Context) (bool, error) { return pidAlive(d.PID), nil }
func (d PIDDetector) Describe() string                    { return fmt.Sprintf("pid:%d", d.PID) }

// pidAlive returns true if a process with given pid exists (or EPERM).
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}
