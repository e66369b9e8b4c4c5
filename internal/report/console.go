// Package report prints step progress and run summaries to a terminal.
package report

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"

	"github.com/loykin/svcprobe/internal/pipeline"
)

var (
	failColor = color.New(color.FgRed, color.Bold)
	skipColor = color.New(color.FgYellow)
	passColor = color.New(color.FgGreen)
)

// ConsoleLogger implements pipeline.StepLogger.
type ConsoleLogger struct {
	Out        io.Writer
	ShowPassed bool
	ShowProbes bool
	mu         sync.Mutex
}

func (c *ConsoleLogger) out() io.Writer {
	if c.Out != nil {
		return c.Out
	}
	return os.Stdout
}

func (c *ConsoleLogger) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = fmt.Fprintf(c.out(), format, args...)
}

func (c *ConsoleLogger) StepStarted(step pipeline.Step) {
	c.printf("[%s]\n", step.Name)
}

func (c *ConsoleLogger) StepFinished(r pipeline.StepResult) {
	if r.Status == pipeline.StatusFailed {
		label := "FAILED"
		if !r.Required {
			label = "FAILED (optional)"
		}
		c.printf("  %s: %s\n", failColor.Sprint(label), r.Name)
		for _, line := range strings.Split(r.Summary, "\n") {
			c.printf("    %s\n", line)
		}
	} else if c.ShowPassed {
		c.printf("  %s: %s\n", passColor.Sprint("passed"), r.Summary)
	}
	if c.ShowProbes && r.Probe != nil {
		c.printf("    %s\n", r.Probe)
	}
}

func (c *ConsoleLogger) StepSkipped(r pipeline.StepResult) {
	if r.Summary == "" {
		c.printf("  %s: %s\n", skipColor.Sprint("SKIPPED"), r.Name)
	} else {
		c.printf("  %s: %s (%s)\n", skipColor.Sprint("SKIPPED"), r.Name, r.Summary)
	}
}

// PrintOutcome writes the final summary of a run.
func PrintOutcome(w io.Writer, o pipeline.Outcome) {
	_, _ = fmt.Fprintln(w)
	if o.Infra != nil {
		_, _ = fmt.Fprintf(w, "%s %v\n", failColor.Sprint("Run aborted:"), o.Infra)
	}
	if len(o.Steps) > 0 {
		_, _ = fmt.Fprintln(w, "Results:")
		for _, r := range o.Steps {
			kind := "required"
			if !r.Required {
				kind = "optional"
			}
			_, _ = fmt.Fprintf(w, "  %-20s %-8s (%s)", r.Name, statusColor(r.Status).Sprint(r.Status), kind)
			if r.Summary != "" {
				_, _ = fmt.Fprintf(w, " %s", r.Summary)
			}
			_, _ = fmt.Fprintln(w)
		}
	}
	_, _ = fmt.Fprintf(w, "Steps: %d passed, %d failed, %d skipped, %d not run\n",
		o.Count(pipeline.StatusPassed), o.Count(pipeline.StatusFailed),
		o.Count(pipeline.StatusSkipped), o.Count(pipeline.StatusNotRun))
	if ws := o.Warnings(); len(ws) > 0 {
		_, _ = fmt.Fprintf(w, "%s\n", skipColor.Sprint("Warnings:"))
		for _, r := range ws {
			_, _ = fmt.Fprintf(w, "  %s: %s\n", r.Name, r.Summary)
		}
	}
	if fs := o.Failures(); len(fs) > 0 {
		_, _ = fmt.Fprintf(w, "%s\n", failColor.Sprint("Failures:"))
		for _, r := range fs {
			_, _ = fmt.Fprintf(w, "  %s: %s\n", r.Name, r.Summary)
		}
	}
	if o.TeardownErr != nil {
		_, _ = fmt.Fprintf(w, "Teardown: %v\n", o.TeardownErr)
	}
	if o.OK() {
		_, _ = fmt.Fprintln(w, passColor.Sprint("All required steps passed"))
	} else {
		_, _ = fmt.Fprintln(w, failColor.Sprint("Verification failed"))
	}
}

func statusColor(s pipeline.Status) *color.Color {
	switch s {
	case pipeline.StatusPassed:
		return passColor
	case pipeline.StatusFailed:
		return failColor
	default:
		return skipColor
	}
}

// PrintSteps lists the planned steps with their dependencies.
func PrintSteps(w io.Writer, steps []pipeline.Step) {
	for i, s := range steps {
		kind := "required"
		if !s.Required {
			kind = "optional"
		}
		_, _ = fmt.Fprintf(w, "%d. %s (%s)", i+1, s.Name, kind)
		if len(s.Needs) > 0 {
			_, _ = fmt.Fprintf(w, " needs: %s", strings.Join(s.Needs, ", "))
		}
		if len(s.Produces) > 0 {
			_, _ = fmt.Fprintf(w, " produces: %s", strings.Join(s.Produces, ", "))
		}
		_, _ = fmt.Fprintln(w)
	}
}
