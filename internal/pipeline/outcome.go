package pipeline

import (
	"time"

	"github.com/loykin/svcprobe/internal/probe"
)

type StepResult struct {
	Name     string
	Required bool
	Status   Status
	Summary  string
	Err      error
	Probe    *probe.Result
	Elapsed  time.Duration
}

// Outcome aggregates one run. Infra is set when the run was aborted before or
// outside the steps (spawn failure, readiness timeout, internal fault).
type Outcome struct {
	Steps       []StepResult
	Infra       error
	TeardownErr error
}

// OK is true when there was no infrastructure failure and every required step
// either passed or was skipped for an unmet dependency.
func (o Outcome) OK() bool {
	if o.Infra != nil {
		return false
	}
	return len(o.Failures()) == 0
}

// Failures lists required steps that failed or never ran after a halt.
func (o Outcome) Failures() []StepResult {
	var out []StepResult
	for _, r := range o.Steps {
		if r.Required && (r.Status == StatusFailed || r.Status == StatusNotRun) {
			out = append(out, r)
		}
	}
	return out
}

// Warnings lists optional steps that failed.
func (o Outcome) Warnings() []StepResult {
	var out []StepResult
	for _, r := range o.Steps {
		if !r.Required && r.Status == StatusFailed {
			out = append(out, r)
		}
	}
	return out
}

// Executed counts steps whose Run was invoked.
func (o Outcome) Executed() int {
	n := 0
	for _, r := range o.Steps {
		if r.Status == StatusPassed || r.Status == StatusFailed {
			n++
		}
	}
	return n
}

func (o Outcome) Result(name string) (StepResult, bool) {
	for _, r := range o.Steps {
		if r.Name == name {
			return r, true
		}
	}
	return StepResult{}, false
}

func (o Outcome) Count(s Status) int {
	n := 0
	for _, r := range o.Steps {
		if r.Status == s {
			n++
		}
	}
	return n
}
