// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package main

import (
	"fmt"
	"os"

	"github.com/hashicorp/cli"
	"github.com/hashicorp/gavel/command"
	"github.com/hashicorp/gavel/version"
)

func main() {
	os.Exit(Run(os.Args[1:]))
}

func Run(args []string) int {
	// Shortcut --version and -v to the version command.
	for _, arg := range args {
		if arg == "--" {
			break
		}
		if arg == "-v" || arg == "-version" || arg == "--version" {
			newArgs := make([]string, len(args)+1)
			newArgs[0] = "version"
			copy(newArgs[1:], args)
			args = newArgs
			break
		}
	}

	metaPtr := new(command.Meta)
	metaPtr.SetupUi(args)

	c := cli.NewCLI("gavel", version.GetVersion().FullVersionNumber(true))
	c.Args = args
	c.Commands = Commands(metaPtr)
	c.Autocomplete = true
	c.HelpWriter = os.Stdout

	exitCode, err := c.Run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error executing CLI: %s\n", err.Error())
		return 1
	}

	return exitCode
}
