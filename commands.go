// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package main

import (
	"os"

	"github.com/hashicorp/cli"
	"github.com/hashicorp/gavel/command"
	"github.com/hashicorp/gavel/version"
)

// Commands returns the mapping of CLI commands for Gavel. The meta
// parameter lets you set meta options for all commands.
func Commands(metaPtr *command.Meta) map[string]cli.CommandFactory {
	if metaPtr == nil {
		metaPtr = new(command.Meta)
	}

	meta := *metaPtr
	if meta.Ui == nil {
		meta.Ui = &cli.BasicUi{
			Reader:      os.Stdin,
			Writer:      os.Stdout,
			ErrorWriter: os.Stderr,
		}
	}

	return map[string]cli.CommandFactory{
		"evaluation": func() (cli.Command, error) {
			return &command.EvaluationCommand{Meta: meta}, nil
		},
		"filestore": func() (cli.Command, error) {
			return &command.FileStoreCommand{Meta: meta}, nil
		},
		"invalidate": func() (cli.Command, error) {
			return &command.InvalidateCommand{Meta: meta}, nil
		},
		"logservice": func() (cli.Command, error) {
			return &command.LogServiceCommand{Meta: meta}, nil
		},
		"scoring": func() (cli.Command, error) {
			return &command.ScoringCommand{Meta: meta}, nil
		},
		"setup": func() (cli.Command, error) {
			return &command.SetupCommand{Meta: meta}, nil
		},
		"status": func() (cli.Command, error) {
			return &command.StatusCommand{Meta: meta}, nil
		},
		"version": func() (cli.Command, error) {
			return &command.VersionCommand{
				Version: version.GetVersion(),
				Ui:      meta.Ui,
			}, nil
		},
		"worker": func() (cli.Command, error) {
			return &command.WorkerCommand{Meta: meta}, nil
		},
	}
}
