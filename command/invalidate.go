// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/gavel/rpc"
	"github.com/hashicorp/gavel/structs"
	"github.com/posener/complete"
)

type InvalidateCommand struct {
	Meta
}

func (c *InvalidateCommand) Help() string {
	helpText := `
Usage: gavel invalidate [options]

  Wipes grading state so the selected submissions are graded again. With
  -level=compilation everything is redone from the compile step; the default
  -level=evaluation keeps compiled executables and redoes evaluation and
  scoring. The affected jobs are re-enqueued immediately at high priority.

  At most one of -submission, -user and -task may be given; with none, every
  submission of the contest the evaluation service grades is invalidated.

General Options:

  ` + generalOptionsUsage() + `

Invalidate Options:

  -submission=<id>
    Invalidate a single submission.

  -user=<id>
    Invalidate every submission of one user.

  -task=<id>
    Invalidate every submission on one task.

  -dataset=<id>
    Restrict the wipe to one dataset instead of all datasets under judgment.

  -level=<compilation|evaluation>
    How much state to wipe. Defaults to evaluation.

  -shard=<n>
    The evaluation service shard to send the request to. Defaults to 0.
`
	return strings.TrimSpace(helpText)
}

func (c *InvalidateCommand) Synopsis() string {
	return "Redo grading for a selection of submissions"
}

func (c *InvalidateCommand) AutocompleteFlags() complete.Flags {
	return mergeAutocompleteFlags(c.Meta.AutocompleteFlags(FlagSetClient),
		complete.Flags{
			"-submission": complete.PredictAnything,
			"-user":       complete.PredictAnything,
			"-task":       complete.PredictAnything,
			"-dataset":    complete.PredictAnything,
			"-level":      complete.PredictSet(structs.InvalidationLevelCompilation, structs.InvalidationLevelEvaluation),
			"-shard":      complete.PredictAnything,
		})
}

func (c *InvalidateCommand) AutocompleteArgs() complete.Predictor {
	return complete.PredictNothing
}

func (c *InvalidateCommand) Name() string { return "invalidate" }

func (c *InvalidateCommand) Run(args []string) int {
	var invArgs structs.InvalidateArgs
	var shard int

	flags := c.Meta.FlagSet(c.Name(), FlagSetClient)
	flags.Usage = func() { c.Ui.Output(c.Help()) }
	flags.Int64Var(&invArgs.SubmissionID, "submission", 0, "")
	flags.Int64Var(&invArgs.UserID, "user", 0, "")
	flags.Int64Var(&invArgs.TaskID, "task", 0, "")
	flags.Int64Var(&invArgs.DatasetID, "dataset", 0, "")
	flags.StringVar(&invArgs.Level, "level", structs.InvalidationLevelEvaluation, "")
	flags.IntVar(&shard, "shard", 0, "")

	if err := flags.Parse(args); err != nil {
		return 1
	}
	if len(flags.Args()) > 0 {
		c.Ui.Error("This command takes no arguments")
		c.Ui.Error(commandErrorText(c))
		return 1
	}
	if err := invArgs.Validate(); err != nil {
		c.Ui.Error(err.Error())
		c.Ui.Error(commandErrorText(c))
		return 1
	}

	cfg, err := c.LoadConfig()
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Failed loading configuration: %s", err))
		return 1
	}

	client, err := c.Dial(cfg, rpc.ServiceCoord{Name: structs.ServiceNameEvaluation, Shard: shard})
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error connecting to the evaluation service: %s", err))
		return 1
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	if err := client.Call(ctx, structs.ESMethodInvalidateSubmission, invArgs, nil); err != nil {
		c.Ui.Error(fmt.Sprintf("Error requesting invalidation: %s", err))
		return 1
	}

	c.Ui.Output("Invalidation complete, grading restarted")
	return 0
}
