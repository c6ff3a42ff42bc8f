// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"fmt"
	"strings"

	"github.com/hashicorp/gavel/worker"
	"github.com/posener/complete"
)

type WorkerCommand struct {
	Meta
}

func (c *WorkerCommand) Help() string {
	helpText := `
Usage: gavel worker [options] <shard>

  Starts a worker: the service that compiles and evaluates one job at a time
  inside a sandbox on behalf of the evaluation service. A deployment runs
  one worker shard per configured address, typically one per machine.

  The shard selects which of the configured worker addresses this process
  binds. It defaults to 0.

General Options:

  ` + generalOptionsUsage() + `
`
	return strings.TrimSpace(helpText)
}

func (c *WorkerCommand) Synopsis() string {
	return "Runs a worker"
}

func (c *WorkerCommand) AutocompleteFlags() complete.Flags {
	return c.Meta.AutocompleteFlags(FlagSetClient)
}

func (c *WorkerCommand) AutocompleteArgs() complete.Predictor {
	return complete.PredictNothing
}

func (c *WorkerCommand) Name() string { return "worker" }

func (c *WorkerCommand) Run(args []string) int {
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

	st, err := openStore(cfg, logger)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Failed connecting to the database: %s", err))
		return 1
	}
	defer st.Close()

	svc, err := worker.NewService(cfg, shard, st, logger)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Failed starting the worker: %s", err))
		return 1
	}
	forwardLogs(logger, cfg, svc.RPC())

	return runService(c.Ui, svc)
}
