//go:build !windows

package process

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/loykin/svcprobe/internal/detector"
)

// writePIDFile records pid and its start time so a later run can tell a
// leftover child from an unrelated process that reused the PID.
func writePIDFile(path string, pid int) error {
	if path == "" || pid <= 0 {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	meta, err := json.Marshal(detector.PIDMeta{StartUnix: detector.ProcStartUnix(pid)})
	if err != nil {
		return err
	}
	content := strconv.Itoa(pid) + "\n" + string(meta) + "\n"
	return os.WriteFile(path, []byte(content), 0o600)
}

// reapStale terminates a process left behind by an earlier run that recorded
// itself in the PID file, then removes the file.
func (p *Process) reapStale(ctx context.Context) {
	path := p.spec.PIDFile
	alive, err := detector.PIDFileDetector{PIDFile: path}.Alive(ctx)
	if err != nil || !alive {
		_ = os.Remove(path)
		return
	}
	pid, _, err := detector.ReadPID(path)
	if err != nil {
		return
	}
	p.log.Warn("terminating stale process from previous run", "name", p.spec.Name, "pid", pid, "pid_file", path)
	_ = signalGroup(pid, syscall.SIGTERM)
	if !waitGone(ctx, pid, p.spec.grace()) {
		_ = signalGroup(pid, syscall.SIGKILL)
		_ = waitGone(ctx, pid, KillWait)
	}
	_ = os.Remove(path)
}

func waitGone(ctx context.Context, pid int, d time.Duration) bool {
	det := detector.PIDDetector{PID: pid}
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if alive, _ := det.Alive(ctx); !alive {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(20 * time.Millisecond):
		}
	}
	return false
}
