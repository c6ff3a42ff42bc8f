// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/posener/complete"
)

type SetupCommand struct {
	Meta
}

func (c *SetupCommand) Help() string {
	helpText := `
Usage: gavel setup [options]

  Creates the database schema: every table and index the services expect,
  skipping whatever already exists. Run it once against a fresh database
  before starting any service. It is safe to run again after an upgrade.

General Options:

  ` + generalOptionsUsage() + `
`
	return strings.TrimSpace(helpText)
}

func (c *SetupCommand) Synopsis() string {
	return "Create the database schema"
}

func (c *SetupCommand) AutocompleteFlags() complete.Flags {
	return c.Meta.AutocompleteFlags(FlagSetClient)
}

func (c *SetupCommand) AutocompleteArgs() complete.Predictor {
	return complete.PredictNothing
}

func (c *SetupCommand) Name() string { return "setup" }

func (c *SetupCommand) Run(args []string) int {
	flags := c.Meta.FlagSet(c.Name(), FlagSetClient)
	flags.Usage = func() { c.Ui.Output(c.Help()) }

	if err := flags.Parse(args); err != nil {
		return 1
	}
	if len(flags.Args()) > 0 {
		c.Ui.Error("This command takes no arguments")
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

	st, err := openStore(cfg, logger)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Failed connecting to the database: %s", err))
		return 1
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	if err := st.EnsureSchema(ctx); err != nil {
		c.Ui.Error(fmt.Sprintf("Failed creating the schema: %s", err))
		return 1
	}

	c.Ui.Output("Database schema is up to date")
	return 0
}
