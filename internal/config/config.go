// Package config loads run settings from a TOML or YAML file, SVCPROBE_*
// environment variables and command line flags.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/svcprobe/internal/detector"
	"github.com/loykin/svcprobe/internal/env"
	"github.com/loykin/svcprobe/internal/logger"
	"github.com/loykin/svcprobe/internal/probe"
	"github.com/loykin/svcprobe/internal/process"
	"github.com/loykin/svcprobe/internal/readiness"
	"github.com/loykin/svcprobe/internal/report"
	tlsconf "github.com/loykin/svcprobe/internal/tls"
	"github.com/loykin/svcprobe/internal/verify"
)

const EnvPrefix = "SVCPROBE"

// ErrInvalid marks configuration problems; callers map it to a distinct exit code.
var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	Deadline  time.Duration     `mapstructure:"deadline"`
	EnvFiles  []string          `mapstructure:"env_files"`
	UseOSEnv  bool              `mapstructure:"use_os_env"`
	Service   ServiceConfig     `mapstructure:"service"`
	Readiness ReadinessConfig   `mapstructure:"readiness"`
	Probe     ProbeConfig       `mapstructure:"probe"`
	Steps     StepsConfig       `mapstructure:"steps"`
	Metrics   MetricsConfig     `mapstructure:"metrics"`
	Log       logger.SlogConfig `mapstructure:"log"`
}

type ServiceConfig struct {
	External    bool              `mapstructure:"external"` // verify a service that is already running
	Name        string            `mapstructure:"name"`
	Command     string            `mapstructure:"command"`
	Args        []string          `mapstructure:"args"`
	WorkDir     string            `mapstructure:"workdir"`
	Env         []string          `mapstructure:"env"`
	PIDFile     string            `mapstructure:"pid_file"`
	GracePeriod time.Duration     `mapstructure:"grace_period"`
	TailLines   int               `mapstructure:"tail_lines"`
	Log         logger.FileConfig `mapstructure:"log"`
}

type ReadinessConfig struct {
	Mode           string        `mapstructure:"mode"` // fixed | poll
	Delay          time.Duration `mapstructure:"delay"`
	Interval       time.Duration `mapstructure:"interval"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
	Check          string        `mapstructure:"check"` // http | tcp | command | pidfile
	Path           string        `mapstructure:"path"`
	Addr           string        `mapstructure:"addr"`
	Command        string        `mapstructure:"command"`
	ExpectStatus   int           `mapstructure:"expect_status"`
}

type ProbeConfig struct {
	BaseURL       string        `mapstructure:"base_url"`
	Timeout       time.Duration `mapstructure:"timeout"`
	Retries       int           `mapstructure:"retries"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
	// TLS applies to the probe and to the http readiness check.
	TLS tlsconf.ClientConfig `mapstructure:"tls"`
}

type StepsConfig struct {
	ListLimit           int      `mapstructure:"list_limit"`
	ConfirmLimit        int      `mapstructure:"confirm_limit"`
	VisitNotes          string   `mapstructure:"visit_notes"`
	VisitRating         int      `mapstructure:"visit_rating"`
	MarkVisitedRequired bool     `mapstructure:"mark_visited_required"`
	ConfirmRequired     bool     `mapstructure:"confirm_required"`
	Run                 []string `mapstructure:"run"`
	Skip                []string `mapstructure:"skip"`
}

type MetricsConfig struct {
	Listen string `mapstructure:"listen"`
}

// NewViper returns a viper instance with every default registered, so that
// SVCPROBE_* variables can override any key.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("deadline", 2*time.Minute)
	v.SetDefault("env_files", []string{})
	v.SetDefault("use_os_env", true)

	v.SetDefault("service.external", false)
	v.SetDefault("service.name", "service")
	v.SetDefault("service.command", "")
	v.SetDefault("service.args", []string{})
	v.SetDefault("service.workdir", "")
	v.SetDefault("service.env", []string{})
	v.SetDefault("service.pid_file", "")
	v.SetDefault("service.grace_period", process.DefaultGracePeriod)
	v.SetDefault("service.tail_lines", process.DefaultTailLines)
	v.SetDefault("service.log.dir", "")
	v.SetDefault("service.log.stdout", "")
	v.SetDefault("service.log.stderr", "")
	v.SetDefault("service.log.max_size_mb", 10)
	v.SetDefault("service.log.max_backups", 3)
	v.SetDefault("service.log.max_age_days", 7)
	v.SetDefault("service.log.compress", false)

	v.SetDefault("readiness.mode", string(readiness.ModePoll))
	v.SetDefault("readiness.delay", readiness.DefaultDelay)
	v.SetDefault("readiness.interval", readiness.DefaultInterval)
	v.SetDefault("readiness.max_attempts", readiness.DefaultMaxAttempts)
	v.SetDefault("readiness.attempt_timeout", readiness.DefaultAttemptTimeout)
	v.SetDefault("readiness.check", "http")
	v.SetDefault("readiness.path", "/api/stats")
	v.SetDefault("readiness.addr", "")
	v.SetDefault("readiness.command", "")
	v.SetDefault("readiness.expect_status", 0)

	v.SetDefault("probe.base_url", "http://127.0.0.1:3000")
	v.SetDefault("probe.timeout", 5*time.Second)
	v.SetDefault("probe.retries", 0)
	v.SetDefault("probe.retry_interval", probe.DefaultRetryInterval)
	v.SetDefault("probe.tls.ca_file", "")
	v.SetDefault("probe.tls.insecure_skip_verify", false)
	v.SetDefault("probe.tls.server_name", "")
	v.SetDefault("probe.tls.min_version", "")

	d := verify.DefaultOptions("")
	v.SetDefault("steps.list_limit", d.ListLimit)
	v.SetDefault("steps.confirm_limit", d.ConfirmLimit)
	v.SetDefault("steps.visit_notes", d.VisitNotes)
	v.SetDefault("steps.visit_rating", d.VisitRating)
	v.SetDefault("steps.mark_visited_required", d.MarkVisitedRequired)
	v.SetDefault("steps.confirm_required", d.ConfirmRequired)
	v.SetDefault("steps.run", []string{})
	v.SetDefault("steps.skip", []string{})

	v.SetDefault("metrics.listen", "")

	v.SetDefault("log.level", string(logger.LevelInfo))
	v.SetDefault("log.format", string(logger.FormatText))
	v.SetDefault("log.color", false)
	v.SetDefault("log.timestamps", true)
	v.SetDefault("log.source", false)
	return v
}

// Load reads path (if not empty) into v and decodes and validates the result.
func Load(v *viper.Viper, path string) (*Config, error) {
	if v == nil {
		v = NewViper()
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("%w: read config %s: %w", ErrInvalid, path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("%w: decode: %w", ErrInvalid, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) Validate() error {
	var errs []error
	if !c.Service.External && strings.TrimSpace(c.Service.Command) == "" {
		errs = append(errs, errors.New("service.command is required unless service.external is set"))
	}
	if u, err := url.Parse(c.Probe.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("probe.base_url %q is not an absolute URL", c.Probe.BaseURL))
	}
	switch readiness.Mode(c.Readiness.Mode) {
	case readiness.ModeFixed, readiness.ModePoll:
	default:
		errs = append(errs, fmt.Errorf("readiness.mode %q must be fixed or poll", c.Readiness.Mode))
	}
	if readiness.Mode(c.Readiness.Mode) == readiness.ModePoll {
		switch c.Readiness.Check {
		case "http", "tcp":
		case "command":
			if c.Readiness.Command == "" {
				errs = append(errs, errors.New("readiness.check command requires readiness.command"))
			}
		case "pidfile":
			if c.Service.PIDFile == "" {
				errs = append(errs, errors.New("readiness.check pidfile requires service.pid_file"))
			}
		default:
			errs = append(errs, fmt.Errorf("unknown readiness.check %q", c.Readiness.Check))
		}
	}
	if c.Steps.ListLimit < 1 {
		errs = append(errs, errors.New("steps.list_limit must be at least 1"))
	}
	if c.Steps.ConfirmLimit < 1 {
		errs = append(errs, errors.New("steps.confirm_limit must be at least 1"))
	}
	if _, err := tlsconf.SetupClient(c.Probe.TLS); err != nil {
		errs = append(errs, fmt.Errorf("probe.tls: %w", err))
	}
	if _, err := report.ParseFilters(c.Steps.Run, c.Steps.Skip); err != nil {
		errs = append(errs, fmt.Errorf("steps filters: %w", err))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}

// ProcessSpec builds the supervised process spec, or nil in external mode.
// The child environment is the OS env (when use_os_env), then env_files,
// then service.env.
func (c *Config) ProcessSpec() (*process.Spec, error) {
	if c.Service.External {
		return nil, nil
	}
	e := env.New(c.UseOSEnv)
	for _, f := range c.EnvFiles {
		if err := e.LoadFile(f); err != nil {
			return nil, fmt.Errorf("env file %s: %w", f, err)
		}
	}
	return &process.Spec{
		Name:        c.Service.Name,
		Command:     c.Service.Command,
		Args:        c.Service.Args,
		WorkDir:     c.Service.WorkDir,
		Env:         e.Merge(c.Service.Env),
		PIDFile:     c.Service.PIDFile,
		GracePeriod: c.Service.GracePeriod,
		TailLines:   c.Service.TailLines,
		Log:         c.Service.Log,
	}, nil
}

// ReadinessPolicy builds the readiness policy and its check.
func (c *Config) ReadinessPolicy() readiness.Policy {
	r := c.Readiness
	p := readiness.Policy{
		Mode:           readiness.Mode(r.Mode),
		Delay:          r.Delay,
		Interval:       r.Interval,
		MaxAttempts:    r.MaxAttempts,
		AttemptTimeout: r.AttemptTimeout,
	}
	if p.Mode != readiness.ModePoll {
		return p
	}
	switch r.Check {
	case "http":
		client, _ := c.HTTPClient()
		p.Check = detector.HTTPDetector{URL: probe.JoinURL(c.Probe.BaseURL, nil, r.Path), ExpectStatus: r.ExpectStatus, Client: client}
	case "tcp":
		p.Check = detector.TCPDetector{Addr: c.tcpAddr()}
	case "command":
		p.Check = detector.CommandDetector{
			Command: r.Command,
			Dir:     c.Service.WorkDir,
			Env:     []string{EnvPrefix + "_BASE_URL=" + c.Probe.BaseURL},
		}
	case "pidfile":
		p.Check = detector.PIDFileDetector{PIDFile: c.Service.PIDFile}
	}
	return p
}

// tcpAddr falls back to the host:port of the base URL.
func (c *Config) tcpAddr() string {
	if c.Readiness.Addr != "" {
		return c.Readiness.Addr
	}
	u, err := url.Parse(c.Probe.BaseURL)
	if err != nil {
		return ""
	}
	if u.Port() != "" {
		return u.Host
	}
	port := "80"
	if u.Scheme == "https" {
		port = "443"
	}
	return net.JoinHostPort(u.Hostname(), port)
}

// HTTPClient returns nil (the default client) unless probe.tls is set.
func (c *Config) HTTPClient() (*http.Client, error) {
	tc, err := tlsconf.SetupClient(c.Probe.TLS)
	if err != nil || tc == nil {
		return nil, err
	}
	return &http.Client{Transport: &http.Transport{
		Proxy:           http.ProxyFromEnvironment,
		TLSClientConfig: tc,
	}}, nil
}

// Prober assumes c was validated; a broken probe.tls falls back to the
// default client.
func (c *Config) Prober(log *slog.Logger) *probe.Prober {
	client, _ := c.HTTPClient()
	return &probe.Prober{
		Client:        client,
		Timeout:       c.Probe.Timeout,
		Retries:       c.Probe.Retries,
		RetryInterval: c.Probe.RetryInterval,
		Logger:        log,
	}
}

func (c *Config) VerifyOptions() verify.Options {
	return verify.Options{
		BaseURL:             c.Probe.BaseURL,
		ListLimit:           c.Steps.ListLimit,
		ConfirmLimit:        c.Steps.ConfirmLimit,
		VisitNotes:          c.Steps.VisitNotes,
		VisitRating:         c.Steps.VisitRating,
		MarkVisitedRequired: c.Steps.MarkVisitedRequired,
		ConfirmRequired:     c.Steps.ConfirmRequired,
	}
}

func (c *Config) Filters() (report.RegexFilters, error) {
	return report.ParseFilters(c.Steps.Run, c.Steps.Skip)
}
