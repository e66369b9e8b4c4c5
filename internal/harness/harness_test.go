package harness

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/launchdarkly/go-test-helpers/v2/httphelpers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/svcprobe/internal/detector"
	"github.com/loykin/svcprobe/internal/pipeline"
	"github.com/loykin/svcprobe/internal/probe"
	"github.com/loykin/svcprobe/internal/process"
	"github.com/loykin/svcprobe/internal/readiness"
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fakeSupervisor struct {
	mu       sync.Mutex
	startErr error
	stopErr  error
	started  int
	stopped  int
	done     chan struct{}
}

func newFakeSupervisor() *fakeSupervisor { return &fakeSupervisor{done: make(chan struct{})} }

func (f *fakeSupervisor) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started++
	return nil
}

func (f *fakeSupervisor) Stop(time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
	return f.stopErr
}

func (f *fakeSupervisor) Done() <-chan struct{} { return f.done }
func (f *fakeSupervisor) Tail() []string        { return []string{"listening failed"} }

func (f *fakeSupervisor) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started, f.stopped
}

func runnerWith(sup Supervisor) *Runner {
	return &Runner{Logger: quiet(), Spawn: func(process.Spec, *slog.Logger) Supervisor { return sup }}
}

func okStep(name string) pipeline.Step {
	return pipeline.Step{Name: name, Required: true, Run: func(context.Context, *pipeline.Context) pipeline.Verdict {
		return pipeline.Pass(name)
	}}
}

func closedAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestExecuteStopsServiceAfterSuccess(t *testing.T) {
	sup := newFakeSupervisor()
	out := runnerWith(sup).Execute(context.Background(), Config{
		Service:   &process.Spec{Name: "svc"},
		Readiness: readiness.Fixed(0),
		Steps:     []pipeline.Step{okStep("a"), okStep("b")},
	})
	assert.True(t, out.OK())
	assert.Equal(t, 2, out.Executed())
	started, stopped := sup.counts()
	assert.Equal(t, 1, started)
	assert.Equal(t, 1, stopped)
}

func TestExecuteStopsServiceAfterStepFailure(t *testing.T) {
	sup := newFakeSupervisor()
	failing := pipeline.Step{Name: "bad", Required: true, Run: func(context.Context, *pipeline.Context) pipeline.Verdict {
		return pipeline.Fail("nope")
	}}
	out := runnerWith(sup).Execute(context.Background(), Config{
		Service:   &process.Spec{Name: "svc"},
		Readiness: readiness.Fixed(0),
		Steps:     []pipeline.Step{failing, okStep("after")},
	})
	assert.False(t, out.OK())
	assert.Nil(t, out.Infra)
	_, stopped := sup.counts()
	assert.Equal(t, 1, stopped)
}

func TestExecuteSpawnFailure(t *testing.T) {
	sup := newFakeSupervisor()
	sup.startErr = &process.SpawnError{Name: "svc", Command: "nope", Err: errors.New("not found")}
	out := runnerWith(sup).Execute(context.Background(), Config{
		Service:   &process.Spec{Name: "svc"},
		Readiness: readiness.Fixed(0),
		Steps:     []pipeline.Step{okStep("a")},
	})
	var se *process.SpawnError
	require.ErrorAs(t, out.Infra, &se)
	assert.Empty(t, out.Steps)
	assert.False(t, out.OK())
}

func TestExecuteRecoversInternalPanic(t *testing.T) {
	sup := newFakeSupervisor()
	r := runnerWith(sup)
	r.StepLogger = panickyLogger{}
	out := r.Execute(context.Background(), Config{
		Service:   &process.Spec{Name: "svc"},
		Readiness: readiness.Fixed(0),
		Steps:     []pipeline.Step{okStep("a")},
	})
	var ie *InternalError
	require.ErrorAs(t, out.Infra, &ie)
	assert.Equal(t, "logger exploded", ie.Value)
	_, stopped := sup.counts()
	assert.Equal(t, 1, stopped, "teardown runs before the panic is recovered")
}

type panickyLogger struct{}

func (panickyLogger) StepStarted(pipeline.Step)        { panic("logger exploded") }
func (panickyLogger) StepFinished(pipeline.StepResult) {}
func (panickyLogger) StepSkipped(pipeline.StepResult)  {}

func TestTeardownErrorDoesNotChangeVerdict(t *testing.T) {
	sup := newFakeSupervisor()
	sup.stopErr = &process.TeardownError{Name: "svc", PID: 42, Err: process.ErrNotReaped}
	out := runnerWith(sup).Execute(context.Background(), Config{
		Service:   &process.Spec{Name: "svc"},
		Readiness: readiness.Fixed(0),
		Steps:     []pipeline.Step{okStep("a")},
	})
	assert.True(t, out.OK())
	var te *process.TeardownError
	require.ErrorAs(t, out.TeardownErr, &te)
	assert.ErrorIs(t, out.TeardownErr, process.ErrNotReaped)
}

func TestExecuteDeadline(t *testing.T) {
	sup := newFakeSupervisor()
	blocking := pipeline.Step{Name: "slow", Required: true, Run: func(ctx context.Context, _ *pipeline.Context) pipeline.Verdict {
		<-ctx.Done()
		return pipeline.Fail("gave up: %v", ctx.Err())
	}}
	out := runnerWith(sup).Execute(context.Background(), Config{
		Service:   &process.Spec{Name: "svc"},
		Readiness: readiness.Fixed(0),
		Steps:     []pipeline.Step{blocking, okStep("next")},
		Deadline:  50 * time.Millisecond,
	})
	assert.False(t, out.OK())
	assert.Equal(t, pipeline.StatusFailed, out.Steps[0].Status)
	assert.Equal(t, pipeline.StatusNotRun, out.Steps[1].Status)
	_, stopped := sup.counts()
	assert.Equal(t, 1, stopped)
}

func TestExecuteRejectsInvalidSteps(t *testing.T) {
	sup := newFakeSupervisor()
	out := runnerWith(sup).Execute(context.Background(), Config{
		Service: &process.Spec{Name: "svc"},
		Steps:   []pipeline.Step{okStep("a"), okStep("a")},
	})
	assert.ErrorIs(t, out.Infra, ErrInvalidSteps)
	started, _ := sup.counts()
	assert.Equal(t, 0, started)
}

// Scenario C: the service never binds its port.
func TestReadinessTimeoutStopsRealProcess(t *testing.T) {
	var proc *process.Process
	r := &Runner{Logger: quiet(), Spawn: func(spec process.Spec, log *slog.Logger) Supervisor {
		proc = process.New(spec, log)
		return proc
	}}
	executed := false
	step := pipeline.Step{Name: "stats", Required: true, Run: func(context.Context, *pipeline.Context) pipeline.Verdict {
		executed = true
		return pipeline.Pass("")
	}}
	out := r.Execute(context.Background(), Config{
		Service:   &process.Spec{Name: "silent", Command: "sleep 30", GracePeriod: time.Second},
		Readiness: readiness.Poll(detector.TCPDetector{Addr: closedAddr(t)}, 10*time.Millisecond, 5),
		Steps:     []pipeline.Step{step},
	})
	var to *readiness.Timeout
	require.ErrorAs(t, out.Infra, &to)
	assert.Equal(t, 5, to.Attempts)
	assert.False(t, executed)
	assert.Equal(t, 0, out.Executed())
	assert.Empty(t, out.Steps)
	require.NotNil(t, proc)
	assert.False(t, proc.Running(), "teardown must run after a readiness timeout")
}

func TestChildExitAbortsReadiness(t *testing.T) {
	var proc *process.Process
	r := &Runner{Logger: quiet(), Spawn: func(spec process.Spec, log *slog.Logger) Supervisor {
		proc = process.New(spec, log)
		return proc
	}}
	out := r.Execute(context.Background(), Config{
		Service:   &process.Spec{Name: "crash", Command: "sh -c 'echo bind failed >&2; exit 1'"},
		Readiness: readiness.Poll(detector.TCPDetector{Addr: closedAddr(t)}, 20*time.Millisecond, 500),
		Steps:     []pipeline.Step{okStep("a")},
	})
	var to *readiness.Timeout
	require.ErrorAs(t, out.Infra, &to)
	assert.True(t, to.Exited)
	assert.Contains(t, proc.Tail(), "bind failed")
}

func TestRealProcessStoppedAfterRun(t *testing.T) {
	var proc *process.Process
	r := &Runner{Logger: quiet(), Spawn: func(spec process.Spec, log *slog.Logger) Supervisor {
		proc = process.New(spec, log)
		return proc
	}}
	httphelpers.WithServer(httphelpers.HandlerWithStatus(http.StatusOK), func(s *httptest.Server) {
		prober := &probe.Prober{}
		step := pipeline.Step{Name: "ping", Required: true, Run: func(ctx context.Context, _ *pipeline.Context) pipeline.Verdict {
			res := prober.Get(ctx, "ping", s.URL)
			if !res.OK() {
				return pipeline.Fail("ping: %s", res)
			}
			return pipeline.Pass(res.String()).With(res)
		}}
		out := r.Execute(context.Background(), Config{
			Service:   &process.Spec{Name: "svc", Command: "sleep 30"},
			Readiness: readiness.Poll(detector.HTTPDetector{URL: s.URL}, 10*time.Millisecond, 10),
			Steps:     []pipeline.Step{step},
		})
		assert.True(t, out.OK())
	})
	require.NotNil(t, proc)
	assert.False(t, proc.Running())
}

func TestExternalMode(t *testing.T) {
	r := &Runner{Logger: quiet(), Spawn: func(process.Spec, *slog.Logger) Supervisor {
		t.Fatal("external mode must not spawn")
		return nil
	}}
	httphelpers.WithServer(httphelpers.HandlerWithStatus(http.StatusOK), func(s *httptest.Server) {
		out := r.Execute(context.Background(), Config{
			Readiness: readiness.Poll(detector.HTTPDetector{URL: s.URL}, 10*time.Millisecond, 3),
			Steps:     []pipeline.Step{okStep("a")},
		})
		assert.True(t, out.OK())
		assert.Nil(t, out.TeardownErr)
	})
}

func TestExternalModeNotReachable(t *testing.T) {
	out := (&Runner{Logger: quiet()}).Execute(context.Background(), Config{
		Readiness: readiness.Poll(detector.TCPDetector{Addr: closedAddr(t)}, 5*time.Millisecond, 2),
		Steps:     []pipeline.Step{okStep("a")},
	})
	var to *readiness.Timeout
	require.ErrorAs(t, out.Infra, &to)
}
