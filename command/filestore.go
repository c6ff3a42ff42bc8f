// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"fmt"
	"strings"

	"github.com/hashicorp/gavel/filestore"
	"github.com/posener/complete"
)

type FileStoreCommand struct {
	Meta
}

func (c *FileStoreCommand) Help() string {
	helpText := `
Usage: gavel filestore [options] <shard>

  Starts the file store: the content addressed blob service holding
  submission sources, executables, testcase data and outputs. Files are
  stored once per content digest under the configured data directory and
  served to the other services in chunks.

  The shard selects which of the configured file store addresses this
  process binds. It defaults to 0.

General Options:

  ` + generalOptionsUsage() + `
`
	return strings.TrimSpace(helpText)
}

func (c *FileStoreCommand) Synopsis() string {
	return "Runs the file store service"
}

func (c *FileStoreCommand) AutocompleteFlags() complete.Flags {
	return c.Meta.AutocompleteFlags(FlagSetClient)
}

func (c *FileStoreCommand) AutocompleteArgs() complete.Predictor {
	return complete.PredictNothing
}

func (c *FileStoreCommand) Name() string { return "filestore" }

func (c *FileStoreCommand) Run(args []string) int {
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

	svc, err := filestore.NewService(cfg, shard, logger)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Failed starting the file store: %s", err))
		return 1
	}
	forwardLogs(logger, cfg, svc.RPC())

	return runService(c.Ui, svc)
}
