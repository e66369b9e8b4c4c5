//go:build !windows

package process

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/loykin/svcprobe/internal/metrics"
)

// KillWait bounds how long Stop waits for the child to be reaped after SIGKILL.
var KillWait = 2 * time.Second

// pipeDrainDelay bounds how long Wait keeps copying output once the child has
// exited but a grandchild still holds its stdout/stderr.
const pipeDrainDelay = time.Second

// Process supervises one service child. At most one child is live at a time.
type Process struct {
	spec Spec
	log  *slog.Logger

	ops sync.Mutex // serializes Start and Stop

	mu        sync.Mutex
	cmd       *exec.Cmd
	status    Status
	waitDone  chan struct{} // closed by the waiter once cmd.Wait returns
	tail      *tailBuffer
	outCloser io.WriteCloser
	errCloser io.WriteCloser
}

func New(spec Spec, log *slog.Logger) *Process {
	if log == nil {
		log = slog.Default()
	}
	return &Process{spec: spec, log: log, tail: newTailBuffer(spec.TailLines)}
}

func (p *Process) Spec() Spec { return p.spec }

// Start spawns the child. It returns *SpawnError when the command cannot be
// launched and ErrAlreadyRunning while a previous child is alive.
func (p *Process) Start(ctx context.Context) error {
	p.ops.Lock()
	defer p.ops.Unlock()

	if p.Running() {
		return ErrAlreadyRunning
	}
	if err := ctx.Err(); err != nil {
		return p.spawnErr(err)
	}
	if p.spec.PIDFile != "" {
		p.reapStale(ctx)
	}

	cmd, err := p.configureCmd()
	if err != nil {
		return p.spawnErr(err)
	}
	if err := cmd.Start(); err != nil {
		p.closeWriters()
		return p.spawnErr(err)
	}

	done := make(chan struct{})
	pid := cmd.Process.Pid
	p.mu.Lock()
	p.cmd = cmd
	p.waitDone = done
	p.status = Status{Name: p.spec.Name, Running: true, PID: pid, StartedAt: time.Now()}
	p.mu.Unlock()
	go p.wait(cmd, done)

	if err := writePIDFile(p.spec.PIDFile, pid); err != nil {
		p.log.Warn("write pid file", "name", p.spec.Name, "path", p.spec.PIDFile, "error", err)
	}
	p.log.Info("process started", "name", p.spec.Name, "pid", pid, "cmd", p.spec.CommandLine())
	return nil
}

func (p *Process) spawnErr(err error) error {
	return &SpawnError{Name: p.spec.Name, Command: p.spec.CommandLine(), Err: err}
}

// configureCmd builds the command with workdir, env, process group and output
// capture. Output always feeds the tail buffer and, when configured, rotated files.
func (p *Process) configureCmd() (*exec.Cmd, error) {
	cmd := p.spec.BuildCommand()
	if p.spec.WorkDir != "" {
		cmd.Dir = p.spec.WorkDir
	}
	if len(p.spec.Env) > 0 {
		cmd.Env = p.spec.Env
	}
	configureSysProcAttr(cmd)
	cmd.WaitDelay = pipeDrainDelay

	tail := newTailBuffer(p.spec.TailLines)
	p.mu.Lock()
	p.tail = tail
	p.mu.Unlock()
	var stdout, stderr io.Writer = tail, tail
	// A child that exited on its own leaves its writers open until Stop.
	p.closeWriters()
	if p.spec.Log.Enabled() {
		ow, ew, err := p.spec.Log.ProcessWriters(p.spec.Name)
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.outCloser, p.errCloser = ow, ew
		p.mu.Unlock()
		if ow != nil {
			stdout = io.MultiWriter(ow, tail)
		}
		if ew != nil {
			stderr = io.MultiWriter(ew, tail)
		}
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	return cmd, nil
}

// wait is the only caller of cmd.Wait for a given child.
func (p *Process) wait(cmd *exec.Cmd, done chan struct{}) {
	err := cmd.Wait()
	p.mu.Lock()
	p.status.Running = false
	p.status.StoppedAt = time.Now()
	p.status.ExitErr = err
	p.mu.Unlock()
	close(done)
	p.log.Debug("process exited", "name", p.spec.Name, "pid", cmd.Process.Pid, "error", err)
}

// Done is closed when the current child exits. It is nil before the first Start.
func (p *Process) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitDone
}

// Running reports whether the current child has not been reaped yet.
func (p *Process) Running() bool {
	done := p.Done()
	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

// Snapshot returns a copy of the current status.
func (p *Process) Snapshot() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Tail returns the last captured lines of child output.
func (p *Process) Tail() []string {
	p.mu.Lock()
	tail := p.tail
	p.mu.Unlock()
	return tail.Lines()
}

// Stop terminates the child: SIGTERM to its process group, SIGKILL once grace
// elapses, then a bounded wait for the reap. grace <= 0 uses the spec's grace
// period. Stop is idempotent and returns nil when nothing is running.
// Output writers and the PID file are released on every path.
func (p *Process) Stop(grace time.Duration) error {
	p.ops.Lock()
	defer p.ops.Unlock()

	p.mu.Lock()
	cmd, done := p.cmd, p.waitDone
	p.mu.Unlock()
	if cmd == nil || done == nil {
		return nil
	}
	defer p.release()

	select {
	case <-done:
		return nil
	default:
	}
	if grace <= 0 {
		grace = p.spec.grace()
	}
	pid := cmd.Process.Pid
	p.log.Info("stopping process", "name", p.spec.Name, "pid", pid, "grace", grace)

	_ = signalGroup(pid, syscall.SIGTERM)
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-done:
		// sweep anything left in the group after the leader exited
		_ = syscall.Kill(-pid, syscall.SIGKILL)
		metrics.IncTeardown("graceful")
		return nil
	case <-timer.C:
	}

	p.log.Warn("grace period elapsed, sending SIGKILL", "name", p.spec.Name, "pid", pid)
	_ = signalGroup(pid, syscall.SIGKILL)
	select {
	case <-done:
		metrics.IncTeardown("killed")
		return nil
	case <-time.After(KillWait):
	}
	metrics.IncTeardown("failed")
	return &TeardownError{Name: p.spec.Name, PID: pid, Err: ErrNotReaped}
}

func (p *Process) release() {
	p.closeWriters()
	if p.spec.PIDFile != "" {
		_ = os.Remove(p.spec.PIDFile)
	}
}

func (p *Process) closeWriters() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.outCloser != nil {
		_ = p.outCloser.Close()
		p.outCloser = nil
	}
	if p.errCloser != nil {
		_ = p.errCloser.Close()
		p.errCloser = nil
	}
}
