// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"flag"
	"os"
	"strings"

	"github.com/hashicorp/cli"
	"github.com/hashicorp/gavel/config"
	"github.com/hashicorp/gavel/rpc"
	hclog "github.com/hashicorp/go-hclog"
	colorable "github.com/mattn/go-colorable"
	"github.com/mitchellh/colorstring"
	"github.com/posener/complete"
	"golang.org/x/crypto/ssh/terminal"
)

const (
	// EnvGavelCLINoColor is an env var that toggles colored UI output.
	EnvGavelCLINoColor = `GAVEL_CLI_NO_COLOR`

	// EnvGavelCLIForceColor is an env var that forces colored UI output.
	EnvGavelCLIForceColor = `GAVEL_CLI_FORCE_COLOR`
)

// FlagSetFlags is an enum to define what flags are present in the
// default FlagSet returned by Meta.FlagSet.
type FlagSetFlags uint

const (
	FlagSetNone    FlagSetFlags = 0
	FlagSetClient  FlagSetFlags = 1 << iota
	FlagSetDefault              = FlagSetClient
)

// Meta contains the meta-options and functionality that nearly every
// Gavel command inherits.
type Meta struct {
	Ui cli.Ui

	// These are set by the command line flags.
	configPath string

	// logLevel overrides the configured level when set.
	logLevel string

	// Whether to not-colorize output
	noColor bool

	// Whether to force colorized output
	forceColor bool
}

// FlagSet returns a FlagSet with the common flags that every
// command implements. The exact behavior of FlagSet can be configured
// using the flags as the second parameter.
func (m *Meta) FlagSet(n string, fs FlagSetFlags) *flag.FlagSet {
	f := flag.NewFlagSet(n, flag.ContinueOnError)

	// FlagSetClient is used to enable the settings for reaching the
	// deployment described by the configuration file.
	if fs&FlagSetClient != 0 {
		f.StringVar(&m.configPath, "config", "", "")
		f.StringVar(&m.logLevel, "log-level", "", "")
		f.BoolVar(&m.noColor, "no-color", false, "")
		f.BoolVar(&m.forceColor, "force-color", false, "")
	}

	f.SetOutput(&uiErrorWriter{ui: m.Ui})

	return f
}

// AutocompleteFlags returns a set of flag completions for the given flag set.
func (m *Meta) AutocompleteFlags(fs FlagSetFlags) complete.Flags {
	if fs&FlagSetClient == 0 {
		return nil
	}

	return complete.Flags{
		"-config":      complete.PredictFiles("*.json"),
		"-log-level":   complete.PredictSet("TRACE", "DEBUG", "INFO", "WARN", "ERROR"),
		"-no-color":    complete.PredictNothing,
		"-force-color": complete.PredictNothing,
	}
}

// LoadConfig reads the deployment configuration honoring the -config and
// -log-level flags.
func (m *Meta) LoadConfig() (*config.Config, error) {
	cfg, err := config.Load(m.configPath)
	if err != nil {
		return nil, err
	}
	if m.logLevel != "" {
		cfg.LogLevel = m.logLevel
	}
	return cfg, nil
}

// Dial connects to a service coordinate as a pure client, for the admin
// commands that query a running deployment.
func (m *Meta) Dial(cfg *config.Config, coord rpc.ServiceCoord) (*rpc.Client, error) {
	client := rpc.NewClient(coord, cfg, hclog.NewNullLogger())
	if err := client.TryConnect(); err != nil {
		return nil, err
	}
	return client, nil
}

func (m *Meta) Colorize() *colorstring.Colorize {
	_, coloredUi := m.Ui.(*cli.ColoredUi)

	return &colorstring.Colorize{
		Colors:  colorstring.DefaultColors,
		Disable: !coloredUi,
		Reset:   true,
	}
}

func (m *Meta) SetupUi(args []string) {
	noColor := os.Getenv(EnvGavelCLINoColor) != ""
	forceColor := os.Getenv(EnvGavelCLIForceColor) != ""

	for _, arg := range args {
		// Check if color is set
		if arg == "-no-color" || arg == "--no-color" {
			noColor = true
		} else if arg == "-force-color" || arg == "--force-color" {
			forceColor = true
		}
	}

	m.Ui = &cli.BasicUi{
		Reader:      os.Stdin,
		Writer:      colorable.NewColorableStdout(),
		ErrorWriter: colorable.NewColorableStderr(),
	}

	// Only use colored UI if not disabled and stdout is a tty or colors are
	// forced.
	isTerminal := terminal.IsTerminal(int(os.Stdout.Fd()))
	useColor := !noColor && (isTerminal || forceColor)
	if useColor {
		m.Ui = &cli.ColoredUi{
			ErrorColor: cli.UiColorRed,
			WarnColor:  cli.UiColorYellow,
			InfoColor:  cli.UiColorGreen,
			Ui:         m.Ui,
		}
	}
}

// generalOptionsUsage returns the help string for the global options.
func generalOptionsUsage() string {
	helpText := `
  -config=<path>
    Path to the deployment configuration file. Overrides the GAVEL_CONFIG
    environment variable if set. Without either, the default locations are
    tried in order.

  -log-level=<level>
    Log level the process emits at: TRACE, DEBUG, INFO, WARN or ERROR.
    Overrides the configured level.

  -no-color
    Disables colored command output. Alternatively, GAVEL_CLI_NO_COLOR may be
    set. This option takes precedence over -force-color.

  -force-color
    Forces colored command output. This can be used in cases where the usual
    terminal detection fails. Alternatively, GAVEL_CLI_FORCE_COLOR may be set.
    This option has no effect if -no-color is also used.
`
	return strings.TrimSpace(helpText)
}
