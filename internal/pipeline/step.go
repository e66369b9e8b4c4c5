package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/loykin/svcprobe/internal/probe"
)

type Status string

const (
	StatusPassed  Status = "passed"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
	StatusNotRun  Status = "not-run"
)

// Step is one verification. Needs lists context keys that must be present
// before Run is invoked; Produces lists the keys a passing Run publishes.
type Step struct {
	Name     string
	Required bool
	Needs    []string
	Produces []string
	Run      func(ctx context.Context, sc *Context) Verdict
}

// Verdict is what a step reports back.
type Verdict struct {
	Passed  bool
	Skipped bool
	Summary string
	Err     error
	Probe   *probe.Result
	Outputs map[string]any
}

func Pass(summary string) Verdict { return Verdict{Passed: true, Summary: summary} }

func Fail(format string, args ...any) Verdict {
	err := fmt.Errorf(format, args...)
	return Verdict{Summary: err.Error(), Err: err}
}

func Skip(reason string) Verdict { return Verdict{Skipped: true, Summary: reason} }

// With attaches the probe result the verdict was based on.
func (v Verdict) With(r probe.Result) Verdict {
	v.Probe = &r
	return v
}

// Output records a value to publish when the verdict passes.
func (v Verdict) Output(key string, val any) Verdict {
	out := make(map[string]any, len(v.Outputs)+1)
	for k, x := range v.Outputs {
		out[k] = x
	}
	out[key] = val
	v.Outputs = out
	return v
}

// Validate reports duplicate names, missing Run functions and dependencies that
// no earlier step produces. initial lists keys seeded into the context up front.
func Validate(steps []Step, initial ...string) error {
	var errs []error
	seen := map[string]bool{}
	available := map[string]bool{}
	for _, k := range initial {
		available[k] = true
	}
	for i, s := range steps {
		if s.Name == "" {
			errs = append(errs, fmt.Errorf("step #%d has no name", i+1))
		} else if seen[s.Name] {
			errs = append(errs, fmt.Errorf("duplicate step name %q", s.Name))
		}
		seen[s.Name] = true
		if s.Run == nil {
			errs = append(errs, fmt.Errorf("step %q has no run function", s.Name))
		}
		for _, need := range s.Needs {
			if !available[need] {
				errs = append(errs, fmt.Errorf("step %q needs %q which no earlier step produces", s.Name, need))
			}
		}
		for _, p := range s.Produces {
			available[p] = true
		}
	}
	return errors.Join(errs...)
}
