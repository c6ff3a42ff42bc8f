// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"fmt"
	"strings"

	"github.com/hashicorp/gavel/evaluation"
	"github.com/posener/complete"
)

type EvaluationCommand struct {
	Meta
}

func (c *EvaluationCommand) Help() string {
	helpText := `
Usage: gavel evaluation [options] <shard>

  Starts the evaluation service: the dispatcher that owns the job queue and
  the worker pool. Submissions and user tests announced by the contest web
  server are compiled and evaluated on workers, and finished submissions are
  handed to the scoring service. The service keeps running until it receives
  an interrupt or a quit RPC.

  The shard selects which of the configured evaluation service addresses
  this process binds. It defaults to 0.

General Options:

  ` + generalOptionsUsage() + `

Evaluation Options:

  -contest=<id|all>
    The contest to grade. The default "all" grades every contest in the
    database.
`
	return strings.TrimSpace(helpText)
}

func (c *EvaluationCommand) Synopsis() string {
	return "Runs the evaluation service"
}

func (c *EvaluationCommand) AutocompleteFlags() complete.Flags {
	return mergeAutocompleteFlags(c.Meta.AutocompleteFlags(FlagSetClient),
		complete.Flags{
			"-contest": complete.PredictAnything,
		})
}

func (c *EvaluationCommand) AutocompleteArgs() complete.Predictor {
	return complete.PredictNothing
}

func (c *EvaluationCommand) Name() string { return "evaluation" }

func (c *EvaluationCommand) Run(args []string) int {
	var contest string

	flags := c.Meta.FlagSet(c.Name(), FlagSetClient)
	flags.Usage = func() { c.Ui.Output(c.Help()) }
	flags.StringVar(&contest, "contest", "all", "")

	if err := flags.Parse(args); err != nil {
		return 1
	}

	shard, err := shardArg(flags.Args())
	if err != nil {
		c.Ui.Error(err.Error())
		c.Ui.Error(commandErrorText(c))
		return 1
	}
	contestID, err := contestArg(contest)
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

	svc, err := evaluation.NewService(cfg, shard, contestID, st, logger)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Failed starting the evaluation service: %s", err))
		return 1
	}
	forwardLogs(logger, cfg, svc.RPC())

	return runService(c.Ui, svc)
}
