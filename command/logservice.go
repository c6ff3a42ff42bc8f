// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"fmt"
	"strings"

	"github.com/hashicorp/gavel/logservice"
	"github.com/posener/complete"
)

type LogServiceCommand struct {
	Meta
}

func (c *LogServiceCommand) Help() string {
	helpText := `
Usage: gavel logservice [options] <shard>

  Starts the log service: the central sink the other services forward their
  warnings and errors to. It re-emits what it receives on its own output and
  keeps the most recent messages available over the last_messages RPC.

  The shard selects which of the configured log service addresses this
  process binds. It defaults to 0.

General Options:

  ` + generalOptionsUsage() + `
`
	return strings.TrimSpace(helpText)
}

func (c *LogServiceCommand) Synopsis() string {
	return "Runs the central log service"
}

func (c *LogServiceCommand) AutocompleteFlags() complete.Flags {
	return c.Meta.AutocompleteFlags(FlagSetClient)
}

func (c *LogServiceCommand) AutocompleteArgs() complete.Predictor {
	return complete.PredictNothing
}

func (c *LogServiceCommand) Name() string { return "logservice" }

func (c *LogServiceCommand) Run(args []string) int {
	flags := c.Meta.FlagSet(c.Name(), FlagSetClient)
	flags.Usage = func() { c.Ui.Output(c.Help()) }

	if err := flags.Parse(args); err != nil {
		return 1
	}

	shard, err := shardArg(flags.Args())
	if err != nil {
		c.Ui.Error(err.Error())
		c.Ui.Error(commandErrorText(c))
		return 1
	}

	cfg, err := c.LoadConfig()
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Failed loading configuration: %s", err))
		return 1
	}
	logger, err := serviceLogger(cfg)
	if err != nil {
		c.Ui.Error(err.Error())
		return 1
	}
	setupTelemetry(cfg)

	svc, err := logservice.NewService(cfg, shard, logger)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Failed starting the log service: %s", err))
		return 1
	}

	return runService(c.Ui, svc)
}
