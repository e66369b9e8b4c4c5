//go:build !windows

package process

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/loykin/svcprobe/internal/detector"
	"github.com/loykin/svcprobe/internal/logger"
)

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func waitUntil(timeout, step time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(step)
	}
	return cond()
}

func pidGone(pid int) bool {
	alive, _ := detector.PIDDetector{PID: pid}.Alive(context.Background())
	return !alive
}

func TestStartStopGraceful(t *testing.T) {
	p := New(Spec{Name: "svc", Command: "sleep 30"}, quietLogger())
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	st := p.Snapshot()
	if !st.Running || st.PID <= 0 || st.Name != "svc" {
		t.Fatalf("status after start: %+v", st)
	}
	if err := p.Stop(2 * time.Second); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if p.Running() {
		t.Fatalf("still running after stop")
	}
	if !waitUntil(time.Second, 10*time.Millisecond, func() bool { return pidGone(st.PID) }) {
		t.Fatalf("pid %d still alive", st.PID)
	}
	if p.Snapshot().StoppedAt.IsZero() {
		t.Fatalf("StoppedAt not recorded")
	}
}

func TestStopEscalatesToKill(t *testing.T) {
	p := New(Spec{Name: "stubborn", Command: `sh -c 'trap "" TERM; sleep 30'`}, quietLogger())
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	// give the shell time to install the trap
	time.Sleep(100 * time.Millisecond)
	begin := time.Now()
	if err := p.Stop(200 * time.Millisecond); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if elapsed := time.Since(begin); elapsed < 200*time.Millisecond {
		t.Fatalf("stop returned before grace elapsed: %v", elapsed)
	}
	if p.Running() {
		t.Fatalf("still running after SIGKILL")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	p := New(Spec{Name: "idem", Command: "sleep 30"}, quietLogger())
	if err := p.Stop(time.Second); err != nil {
		t.Fatalf("stop before start: %v", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := p.Stop(time.Second); err != nil {
			t.Fatalf("stop #%d: %v", i, err)
		}
	}
}

func TestStopAfterNaturalExit(t *testing.T) {
	p := New(Spec{Name: "short", Command: "true"}, quietLogger())
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("process did not exit")
	}
	if err := p.Stop(time.Second); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestStartSpawnError(t *testing.T) {
	p := New(Spec{Name: "missing", Command: "/definitely/not/a/binary"}, quietLogger())
	err := p.Start(context.Background())
	var se *SpawnError
	if !errors.As(err, &se) {
		t.Fatalf("expected SpawnError, got %v", err)
	}
	if se.Name != "missing" || !strings.Contains(se.Error(), "/definitely/not/a/binary") {
		t.Fatalf("unexpected error: %v", se)
	}
	if p.Running() {
		t.Fatalf("running after failed spawn")
	}
}

func TestStartCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := New(Spec{Name: "c", Command: "sleep 1"}, quietLogger()).Start(ctx)
	var se *SpawnError
	if !errors.As(err, &se) || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected SpawnError wrapping context.Canceled, got %v", err)
	}
}

func TestStartAlreadyRunning(t *testing.T) {
	p := New(Spec{Name: "dup", Command: "sleep 30"}, quietLogger())
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() { _ = p.Stop(time.Second) }()
	if err := p.Start(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
}

func TestTailAndLogFiles(t *testing.T) {
	logs := t.TempDir()
	p := New(Spec{
		Name:    "chatty",
		Command: "sh -c 'echo out-line; echo err-line 1>&2'",
		Env:     []string{"PATH=" + os.Getenv("PATH")},
		Log:     logger.FileConfig{Dir: logs},
	}, quietLogger())
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("process did not exit")
	}
	if err := p.Stop(time.Second); err != nil {
		t.Fatalf("stop: %v", err)
	}
	tail := strings.Join(p.Tail(), "\n")
	if !strings.Contains(tail, "out-line") || !strings.Contains(tail, "err-line") {
		t.Fatalf("tail missing output: %q", tail)
	}
	ob, err := os.ReadFile(filepath.Join(logs, "chatty.stdout.log"))
	if err != nil || !strings.Contains(string(ob), "out-line") {
		t.Fatalf("stdout log: %v %q", err, string(ob))
	}
	eb, err := os.ReadFile(filepath.Join(logs, "chatty.stderr.log"))
	if err != nil || !strings.Contains(string(eb), "err-line") {
		t.Fatalf("stderr log: %v %q", err, string(eb))
	}
}

func TestWorkDirApplied(t *testing.T) {
	dir := t.TempDir()
	p := New(Spec{Name: "pwd", Command: "pwd", WorkDir: dir}, quietLogger())
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	<-p.Done()
	_ = p.Stop(time.Second)
	got := strings.Join(p.Tail(), "")
	want, _ := filepath.EvalSymlinks(dir)
	if got != dir && got != want {
		t.Fatalf("pwd = %q, want %q", got, dir)
	}
}

func TestPIDFileLifecycle(t *testing.T) {
	pidfile := filepath.Join(t.TempDir(), "run", "svc.pid")
	p := New(Spec{Name: "svc", Command: "sleep 30", PIDFile: pidfile}, quietLogger())
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	pid, meta, err := detector.ReadPID(pidfile)
	if err != nil {
		t.Fatalf("read pid file: %v", err)
	}
	if pid != p.Snapshot().PID {
		t.Fatalf("pid file has %d, want %d", pid, p.Snapshot().PID)
	}
	if start := detector.ProcStartUnix(pid); start > 0 && meta.StartUnix != start {
		t.Fatalf("start time %d, want %d", meta.StartUnix, start)
	}
	if err := p.Stop(time.Second); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, err := os.Stat(pidfile); !os.IsNotExist(err) {
		t.Fatalf("pid file not removed: %v", err)
	}
}

func TestStaleProcessReaped(t *testing.T) {
	pidfile := filepath.Join(t.TempDir(), "svc.pid")
	stale := exec.Command("sleep", "30")
	stale.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := stale.Start(); err != nil {
		t.Fatalf("start stale: %v", err)
	}
	reaped := make(chan struct{})
	go func() {
		_ = stale.Wait()
		close(reaped)
	}()
	if err := writePIDFile(pidfile, stale.Process.Pid); err != nil {
		t.Fatalf("write pid file: %v", err)
	}

	p := New(Spec{Name: "svc", Command: "sleep 30", PIDFile: pidfile, GracePeriod: time.Second}, quietLogger())
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() { _ = p.Stop(time.Second) }()

	select {
	case <-reaped:
	case <-time.After(3 * time.Second):
		_ = stale.Process.Kill()
		t.Fatalf("stale process was not terminated")
	}
	pid, _, err := detector.ReadPID(pidfile)
	if err != nil || pid != p.Snapshot().PID {
		t.Fatalf("pid file should hold the new child: pid=%d err=%v", pid, err)
	}
}

func TestRestartAfterStop(t *testing.T) {
	p := New(Spec{Name: "again", Command: "sleep 30"}, quietLogger())
	for i := 0; i < 2; i++ {
		if err := p.Start(context.Background()); err != nil {
			t.Fatalf("start #%d: %v", i, err)
		}
		if err := p.Stop(time.Second); err != nil {
			t.Fatalf("stop #%d: %v", i, err)
		}
	}
}

func openFDsFor(t *testing.T, path string) int {
	t.Helper()
	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		t.Skipf("no /proc fd listing: %v", err)
	}
	n := 0
	for _, e := range entries {
		target, err := os.Readlink(filepath.Join("/proc/self/fd", e.Name()))
		if err == nil && target == path {
			n++
		}
	}
	return n
}

func TestRestartAfterNaturalExitReleasesLogFiles(t *testing.T) {
	logs, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	p := New(Spec{
		Name:    "oneshot",
		Command: "sh -c 'echo ran'",
		Env:     []string{"PATH=" + os.Getenv("PATH")},
		Log:     logger.FileConfig{Dir: logs},
	}, quietLogger())
	stdoutLog := filepath.Join(logs, "oneshot.stdout.log")
	for i := 0; i < 3; i++ {
		if err := p.Start(context.Background()); err != nil {
			t.Fatalf("start #%d: %v", i, err)
		}
		select {
		case <-p.Done():
		case <-time.After(2 * time.Second):
			t.Fatalf("process #%d did not exit", i)
		}
		if n := openFDsFor(t, stdoutLog); n > 1 {
			t.Fatalf("after start #%d: %d open descriptors for %s", i, n, stdoutLog)
		}
	}
	if err := p.Stop(time.Second); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if n := openFDsFor(t, stdoutLog); n != 0 {
		t.Fatalf("after stop: %d open descriptors for %s", n, stdoutLog)
	}
	b, err := os.ReadFile(stdoutLog)
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.Count(string(b), "ran"); got != 3 {
		t.Fatalf("stdout log has %d runs, want 3: %q", got, string(b))
	}
}
