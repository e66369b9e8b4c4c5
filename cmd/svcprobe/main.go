package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/loykin/svcprobe"
	"github.com/loykin/svcprobe/internal/config"
)

// Exit codes.
const (
	exitOK     = 0
	exitFailed = 1
	exitConfig = 2
)

// errVerificationFailed is returned by run when the outcome is not OK; the
// report has already been printed.
var errVerificationFailed = errors.New("verification failed")

func main() {
	root := buildRoot(os.Stdout, os.Stderr)
	if err := root.Execute(); err != nil {
		if !errors.Is(err, errVerificationFailed) {
			_, _ = fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, svcprobe.ErrInvalidConfig):
		return exitConfig
	default:
		return exitFailed
	}
}

// GlobalFlags holds persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
}

// command carries what the subcommands share: the viper instance flags are
// bound to and the output streams.
type command struct {
	v      *viper.Viper
	global *GlobalFlags
	stdout io.Writer
	stderr io.Writer
}

func (c *command) load() (*svcprobe.Config, error) {
	return config.Load(c.v, c.global.ConfigPath)
}

// buildRoot creates the root command with its subcommands.
func buildRoot(stdout, stderr io.Writer) *cobra.Command {
	c := &command{v: config.NewViper(), global: &GlobalFlags{}, stdout: stdout, stderr: stderr}

	root := &cobra.Command{
		Use:   "svcprobe",
		Short: "Black-box verification of an HTTP service",
		Long: `svcprobe starts a service, waits until it answers, runs an ordered chain
of endpoint checks against it and stops it again.

Examples:
  svcprobe run --config svcprobe.toml
  svcprobe run --command "./webapp" --base-url http://127.0.0.1:3000
  svcprobe run --external --base-url http://staging:3000 --skip mark
  svcprobe steps
  svcprobe check-config --config svcprobe.toml`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	pf := root.PersistentFlags()
	pf.StringVar(&c.global.ConfigPath, "config", "", "path to TOML or YAML config file (optional)")
	pf.String("log-level", "info", "log level: debug, info, warn, error")
	pf.String("log-format", "text", "log format: text or json")
	pf.Bool("log-color", false, "colorize text logs")
	mustBind(c.v, "log.level", pf.Lookup("log-level"))
	mustBind(c.v, "log.format", pf.Lookup("log-format"))
	mustBind(c.v, "log.color", pf.Lookup("log-color"))

	root.AddCommand(
		createRunCommand(c),
		createStepsCommand(c),
		createCheckConfigCommand(c),
	)
	return root
}
