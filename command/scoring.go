// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"fmt"
	"strings"

	"github.com/hashicorp/gavel/scoring"
	"github.com/posener/complete"
)

type ScoringCommand struct {
	Meta
}

func (c *ScoringCommand) Help() string {
	helpText := `
Usage: gavel scoring [options] <shard>

  Starts the scoring service. Submission results announced by the evaluation
  service are scored with the task's score type and replicated to the
  configured ranking web servers. A periodic sweep picks up work missed
  while the service was down.

  The shard selects which of the configured scoring service addresses this
  process binds. It defaults to 0.

General Options:

  ` + generalOptionsUsage() + `

Scoring Options:

  -contest=<id|all>
    The contest to score. The default "all" scores every contest in the
    database.
`
	return strings.TrimSpace(helpText)
}

func (c *ScoringCommand) Synopsis() string {
	return "Runs the scoring service"
}

func (c *ScoringCommand) AutocompleteFlags() complete.Flags {
	return mergeAutocompleteFlags(c.Meta.AutocompleteFlags(FlagSetClient),
		complete.Flags{
			"-contest": complete.PredictAnything,
		})
}

func (c *ScoringCommand) AutocompleteArgs() complete.Predictor {
	return complete.PredictNothing
}

func (c *ScoringCommand) Name() string { return "scoring" }

func (c *ScoringCommand) Run(args []string) int {
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

	svc, err := scoring.NewService(cfg, shard, contestID, st, logger)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Failed starting the scoring service: %s", err))
		return 1
	}
	forwardLogs(logger, cfg, svc.RPC())

	return runService(c.Ui, svc)
}
