// Package svcprobe verifies a running HTTP service from the outside: it starts
// the service, waits until it answers, runs an ordered chain of endpoint
// checks and always stops the service again.
package svcprobe

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	cfg "github.com/loykin/svcprobe/internal/config"
	"github.com/loykin/svcprobe/internal/harness"
	"github.com/loykin/svcprobe/internal/metrics"
	"github.com/loykin/svcprobe/internal/pipeline"
	"github.com/loykin/svcprobe/internal/process"
	"github.com/loykin/svcprobe/internal/readiness"
	"github.com/loykin/svcprobe/internal/report"
	"github.com/loykin/svcprobe/internal/verify"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = cfg.Config

type Spec = process.Spec

type Policy = readiness.Policy

type Step = pipeline.Step

type Verdict = pipeline.Verdict

type Outcome = pipeline.Outcome

type StepResult = pipeline.StepResult

type StepContext = pipeline.Context

// Verdict constructors for custom steps.
var (
	Pass = pipeline.Pass
	Fail = pipeline.Fail
	Skip = pipeline.Skip
)

// ErrInvalidConfig is wrapped by every configuration error.
var ErrInvalidConfig = cfg.ErrInvalid

// LoadConfig reads a TOML or YAML file (optional) plus SVCPROBE_* overrides.
func LoadConfig(path string) (*Config, error) { return cfg.Load(nil, path) }

// Steps returns the inventory verification chain configured by c.
func Steps(c *Config, log *slog.Logger) []Step {
	return verify.Steps(c.Prober(log), c.VerifyOptions())
}

// RunOptions tunes Run. The zero value logs to slog.Default and prints nothing.
type RunOptions struct {
	Logger *slog.Logger
	// Console receives per-step progress; nil disables it.
	Console    io.Writer
	ShowPassed bool
	ShowProbes bool
	// Steps replaces the configured chain when not nil.
	Steps []Step
}

// Run performs one verification run described by c. The returned error only
// reports problems deriving the run from c; verification failures are in the
// Outcome.
func Run(ctx context.Context, c *Config, o RunOptions) (Outcome, error) {
	log := o.Logger
	if log == nil {
		log = slog.Default()
	}
	spec, err := c.ProcessSpec()
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	filters, err := c.Filters()
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	steps := o.Steps
	if steps == nil {
		steps = Steps(c, log)
	}
	if err := filters.Check(steps); err != nil {
		return Outcome{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	r := &harness.Runner{Logger: log, Filter: filters.Filter()}
	if o.Console != nil {
		report.PrintFilterDescription(o.Console, filters)
		r.StepLogger = &report.ConsoleLogger{Out: o.Console, ShowPassed: o.ShowPassed, ShowProbes: o.ShowProbes}
	}
	out := r.Execute(ctx, harness.Config{
		Service:   spec,
		Readiness: c.ReadinessPolicy(),
		Steps:     steps,
		Deadline:  c.Deadline,
	})
	if o.Console != nil {
		report.PrintOutcome(o.Console, out)
	}
	return out, nil
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// ServeMetrics binds addr and serves /metrics from the default registry in the background.
func ServeMetrics(addr string) (*http.Server, error) { return metrics.Serve(addr, nil) }
