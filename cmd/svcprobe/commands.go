package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/loykin/svcprobe"
	"github.com/loykin/svcprobe/internal/logger"
	"github.com/loykin/svcprobe/internal/report"
)

// RunFlags holds flags for the run command that do not map onto config keys.
type RunFlags struct {
	ShowPassed bool
	ShowProbes bool
}

func mustBind(v *viper.Viper, key string, f *pflag.Flag) {
	if err := v.BindPFlag(key, f); err != nil {
		panic(err)
	}
}

// runFlagKeys maps run flags onto the config keys they override.
var runFlagKeys = map[string]string{
	"base-url":           "probe.base_url",
	"command":            "service.command",
	"arg":                "service.args",
	"workdir":            "service.workdir",
	"external":           "service.external",
	"deadline":           "deadline",
	"grace-period":       "service.grace_period",
	"readiness":          "readiness.mode",
	"readiness-delay":    "readiness.delay",
	"readiness-attempts": "readiness.max_attempts",
	"run":                "steps.run",
	"skip":               "steps.skip",
	"metrics-listen":     "metrics.listen",
}

// addRunFlags registers the flags that override config keys.
func addRunFlags(fs *pflag.FlagSet) {
	fs.String("base-url", "", "base URL of the service under test")
	fs.String("command", "", "command that starts the service")
	fs.StringArray("arg", nil, "argument passed to the command, repeatable (disables shell parsing)")
	fs.String("workdir", "", "working directory of the service")
	fs.Bool("external", false, "verify an already running service instead of starting one")
	fs.Duration("deadline", 0, "overall time limit of the run")
	fs.Duration("grace-period", 0, "time between SIGTERM and SIGKILL on teardown")
	fs.String("readiness", "", "readiness mode: fixed or poll")
	fs.Duration("readiness-delay", 0, "delay used by fixed readiness")
	fs.Int("readiness-attempts", 0, "maximum readiness checks in poll mode")
	fs.StringArray("run", nil, "only run steps matching this regex, repeatable")
	fs.StringArray("skip", nil, "skip steps matching this regex, repeatable")
	fs.String("metrics-listen", "", "serve Prometheus metrics on this address, e.g. :9090")
}

// bindRunFlags binds the flags of the executing command. Binding happens at
// execution time because run and check-config define the same flags.
func (c *command) bindRunFlags(fs *pflag.FlagSet) {
	for flag, key := range runFlagKeys {
		mustBind(c.v, key, fs.Lookup(flag))
	}
}

// logger writes the harness log to stderr; stdout carries the report.
func (c *command) logger(sc logger.SlogConfig) *slog.Logger {
	return slog.New(sc.NewHandler(c.stderr))
}

// createRunCommand creates the run subcommand
func createRunCommand(c *command) *cobra.Command {
	flags := &RunFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the service, verify it and stop it",
		Long: `Run starts the configured service (unless --external), waits for it to
become ready, runs the verification steps and stops the service.

Exit status is 0 when every required step passed, 1 when verification
failed or the service could not be started, and 2 on configuration errors.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c.bindRunFlags(cmd.Flags())
			return c.Run(cmd.Context(), *flags)
		},
	}
	addRunFlags(cmd.Flags())
	cmd.Flags().BoolVar(&flags.ShowPassed, "show-passed", false, "print summaries of passed steps")
	cmd.Flags().BoolVar(&flags.ShowProbes, "show-probes", false, "print the HTTP exchange of each step")
	return cmd
}

// Run loads the configuration and performs one verification run.
func (c *command) Run(ctx context.Context, f RunFlags) error {
	cfg, err := c.load()
	if err != nil {
		return err
	}
	log := c.logger(cfg.Log)

	if cfg.Metrics.Listen != "" {
		if err := svcprobe.RegisterMetricsDefault(); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
		srv, err := svcprobe.ServeMetrics(cfg.Metrics.Listen)
		if err != nil {
			return err
		}
		defer func() { _ = srv.Close() }()
		log.Info("metrics listening", "addr", cfg.Metrics.Listen)
	}

	// SIGINT/SIGTERM abort the run; teardown still happens
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	out, err := svcprobe.Run(ctx, cfg, svcprobe.RunOptions{
		Logger:     log,
		Console:    c.stdout,
		ShowPassed: f.ShowPassed,
		ShowProbes: f.ShowProbes,
	})
	if err != nil {
		return err
	}
	if !out.OK() {
		return errVerificationFailed
	}
	return nil
}

// createStepsCommand creates the steps subcommand
func createStepsCommand(c *command) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "steps",
		Short: "List the verification steps and their dependencies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Steps()
		},
	}
	return cmd
}

func (c *command) Steps() error {
	cfg, err := c.load()
	if err != nil {
		return err
	}
	filters, err := cfg.Filters()
	if err != nil {
		return fmt.Errorf("%w: %w", svcprobe.ErrInvalidConfig, err)
	}
	steps := svcprobe.Steps(cfg, c.logger(cfg.Log))
	if err := filters.Check(steps); err != nil {
		return fmt.Errorf("%w: %w", svcprobe.ErrInvalidConfig, err)
	}
	report.PrintFilterDescription(c.stdout, filters)
	report.PrintSteps(c.stdout, steps)
	return nil
}

// createCheckConfigCommand creates the check-config subcommand
func createCheckConfigCommand(c *command) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration and print the resolved run plan",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c.bindRunFlags(cmd.Flags())
			dump, _ := cmd.Flags().GetBool("dump")
			return c.CheckConfig(dump)
		},
	}
	addRunFlags(cmd.Flags())
	cmd.Flags().Bool("dump", false, "also print every resolved setting as YAML")
	return cmd
}

// CheckConfig prints the run plan; dump appends all resolved keys as YAML.
func (c *command) CheckConfig(dump bool) error {
	cfg, err := c.load()
	if err != nil {
		return err
	}
	spec, err := cfg.ProcessSpec()
	if err != nil {
		return fmt.Errorf("%w: %w", svcprobe.ErrInvalidConfig, err)
	}
	filters, err := cfg.Filters()
	if err == nil {
		err = filters.Check(svcprobe.Steps(cfg, c.logger(cfg.Log)))
	}
	if err != nil {
		return fmt.Errorf("%w: %w", svcprobe.ErrInvalidConfig, err)
	}
	w := c.stdout
	if spec == nil {
		_, _ = fmt.Fprintf(w, "service:   external\n")
	} else {
		_, _ = fmt.Fprintf(w, "service:   %s: %s\n", spec.Name, spec.CommandLine())
		_, _ = fmt.Fprintf(w, "grace:     %s\n", cfg.Service.GracePeriod)
	}
	_, _ = fmt.Fprintf(w, "readiness: %s\n", cfg.ReadinessPolicy().Describe())
	_, _ = fmt.Fprintf(w, "base url:  %s\n", cfg.Probe.BaseURL)
	deadline := "none"
	if cfg.Deadline > 0 {
		deadline = cfg.Deadline.Round(time.Millisecond).String()
	}
	_, _ = fmt.Fprintf(w, "deadline:  %s\n", deadline)
	_, _ = fmt.Fprintln(w, "configuration OK")
	if !dump {
		return nil
	}
	out, err := yaml.Marshal(c.v.AllSettings())
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	_, _ = fmt.Fprintf(w, "---\n%s", out)
	return nil
}
