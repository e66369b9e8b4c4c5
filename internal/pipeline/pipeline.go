// Package pipeline runs an ordered list of dependent verification steps.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/loykin/svcprobe/internal/metrics"
)

// Filter decides whether a step is selected for this run.
type Filter func(name string) bool

type Pipeline struct {
	Logger     *slog.Logger
	StepLogger StepLogger
	Filter     Filter
}

// PanicError is recorded for a step whose Run panicked.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string { return fmt.Sprintf("unexpected panic in step: %v", e.Value) }

// Run executes steps in declaration order. A step whose dependencies are not in
// shared is skipped without being invoked. A failed required step halts the
// rest, which are recorded as not-run, as does cancellation of ctx.
func (p *Pipeline) Run(ctx context.Context, steps []Step, shared *Context) Outcome {
	log := p.Logger
	if log == nil {
		log = slog.Default()
	}
	sl := p.StepLogger
	if sl == nil {
		sl = nullStepLogger{}
	}
	if shared == nil {
		shared = NewContext()
	}

	out := Outcome{Steps: make([]StepResult, 0, len(steps))}
	halt := ""
	for _, s := range steps {
		res := StepResult{Name: s.Name, Required: s.Required}

		if halt == "" && ctx.Err() != nil {
			halt = fmt.Sprintf("run aborted: %v", ctx.Err())
		}
		switch {
		case halt != "":
			res.Status, res.Summary = StatusNotRun, halt
		case p.Filter != nil && !p.Filter(s.Name):
			res.Status, res.Summary = StatusSkipped, "excluded by filter parameters"
		default:
			if key, missing := shared.missing(s.Needs); missing {
				res.Status, res.Summary = StatusSkipped, "dependency unmet: "+key
			}
		}
		if res.Status != "" {
			if res.Status == StatusSkipped {
				sl.StepSkipped(res)
			}
			log.Debug("step not executed", "step", s.Name, "status", res.Status, "reason", res.Summary)
			metrics.IncStepResult(s.Name, string(res.Status))
			out.Steps = append(out.Steps, res)
			continue
		}

		sl.StepStarted(s)
		start := time.Now()
		v := runStep(ctx, s, shared)
		res.Elapsed = time.Since(start)
		res.Summary, res.Err, res.Probe = v.Summary, v.Err, v.Probe
		switch {
		case v.Skipped:
			res.Status = StatusSkipped
		case v.Passed:
			res.Status = StatusPassed
			for k, val := range v.Outputs {
				shared.Set(k, val)
			}
		default:
			res.Status = StatusFailed
			if s.Required {
				halt = fmt.Sprintf("halted after required step %s failed", s.Name)
			}
		}
		if res.Status == StatusSkipped {
			sl.StepSkipped(res)
		} else {
			sl.StepFinished(res)
		}
		log.Info("step finished", "step", s.Name, "status", res.Status, "required", s.Required,
			"elapsed", res.Elapsed.Round(time.Millisecond), "summary", res.Summary)
		metrics.IncStepResult(s.Name, string(res.Status))
		out.Steps = append(out.Steps, res)
	}
	return out
}

func runStep(ctx context.Context, s Step, shared *Context) (v Verdict) {
	defer func() {
		if r := recover(); r != nil {
			err := &PanicError{Value: r, Stack: debug.Stack()}
			v = Verdict{Summary: err.Error(), Err: err}
		}
	}()
	if s.Run == nil {
		return Fail("step %q has no run function", s.Name)
	}
	return s.Run(ctx, shared)
}

// Run executes steps with a default Pipeline.
func Run(ctx context.Context, steps []Step, shared *Context) Outcome {
	return (&Pipeline{}).Run(ctx, steps, shared)
}
