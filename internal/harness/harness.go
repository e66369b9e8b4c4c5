// Package harness ties supervision, readiness and the verification pipeline
// together and guarantees the service is torn down on every exit path.
package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/loykin/svcprobe/internal/metrics"
	"github.com/loykin/svcprobe/internal/pipeline"
	"github.com/loykin/svcprobe/internal/process"
	"github.com/loykin/svcprobe/internal/readiness"
)

// Supervisor is the part of process.Process the runner depends on.
type Supervisor interface {
	Start(ctx context.Context) error
	Stop(grace time.Duration) error
	Done() <-chan struct{}
	Tail() []string
}

// Config describes one run. A nil Service verifies an already running service.
type Config struct {
	Service   *process.Spec
	Readiness readiness.Policy
	Steps     []pipeline.Step
	Deadline  time.Duration
}

// InternalError records a panic raised outside of step code.
type InternalError struct {
	Value any
	Stack []byte
}

func (e *InternalError) Error() string { return fmt.Sprintf("internal fault: %v", e.Value) }

// ErrInvalidSteps wraps step validation failures.
var ErrInvalidSteps = errors.New("invalid steps")

type Runner struct {
	Logger     *slog.Logger
	StepLogger pipeline.StepLogger
	Filter     pipeline.Filter
	// Spawn builds the supervisor for a run; nil uses process.New.
	Spawn func(spec process.Spec, log *slog.Logger) Supervisor
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

func (r *Runner) spawn(spec process.Spec) Supervisor {
	if r.Spawn != nil {
		return r.Spawn(spec, r.logger())
	}
	return process.New(spec, r.logger())
}

// Execute starts the service, waits for readiness, runs the steps and stops
// the service. Spawn and readiness failures are reported in Outcome.Infra with
// no steps executed. Teardown problems land in Outcome.TeardownErr.
func (r *Runner) Execute(ctx context.Context, cfg Config) (out pipeline.Outcome) {
	log := r.logger()
	started := time.Now()
	defer func() {
		metrics.IncRun(out.OK())
		log.Info("run finished", "ok", out.OK(), "executed", out.Executed(),
			"failures", len(out.Failures()), "warnings", len(out.Warnings()),
			"elapsed", time.Since(started).Round(time.Millisecond))
	}()
	defer func() {
		if rec := recover(); rec != nil {
			out.Infra = &InternalError{Value: rec, Stack: debug.Stack()}
			log.Error("run aborted by internal fault", "error", rec)
		}
	}()

	if err := pipeline.Validate(cfg.Steps); err != nil {
		out.Infra = fmt.Errorf("%w: %w", ErrInvalidSteps, err)
		return out
	}
	if cfg.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Deadline)
		defer cancel()
	}

	if cfg.Service != nil {
		sup := r.spawn(*cfg.Service)
		if err := sup.Start(ctx); err != nil {
			log.Error("service failed to start", "error", err)
			out.Infra = err
			return out
		}
		// registered after recover so it runs first, panics included
		defer func() {
			out.TeardownErr = r.teardown(sup, cfg.Service.GracePeriod)
		}()

		if err := (readiness.Waiter{Logger: log, Exited: sup.Done()}).Wait(ctx, cfg.Readiness); err != nil {
			log.Error("service did not become ready", "error", err)
			for _, line := range sup.Tail() {
				log.Warn("service output", "line", line)
			}
			out.Infra = err
			return out
		}
	} else if cfg.Readiness.Mode == readiness.ModePoll && cfg.Readiness.Check != nil {
		if err := (readiness.Waiter{Logger: log}).Wait(ctx, cfg.Readiness); err != nil {
			log.Error("service did not become ready", "error", err)
			out.Infra = err
			return out
		}
	}

	p := &pipeline.Pipeline{Logger: log, StepLogger: r.StepLogger, Filter: r.Filter}
	out = p.Run(ctx, cfg.Steps, pipeline.NewContext())
	return out
}

func (r *Runner) teardown(sup Supervisor, grace time.Duration) error {
	err := sup.Stop(grace)
	if err != nil {
		r.logger().Error("service teardown failed", "error", err)
	}
	return err
}
