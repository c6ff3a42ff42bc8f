// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"testing"

	"github.com/hashicorp/cli"
	"github.com/hashicorp/gavel/ci"
	"github.com/hashicorp/gavel/version"
	"github.com/shoenig/test/must"
)

func TestVersionCommand_Implements(t *testing.T) {
	ci.Parallel(t)
	var _ cli.Command = &VersionCommand{}
}

func TestVersionCommand_Run(t *testing.T) {
	ci.Parallel(t)

	ui := cli.NewMockUi()
	cmd := &VersionCommand{Version: version.GetVersion(), Ui: ui}

	code := cmd.Run(nil)
	must.Eq(t, 0, code)
	must.StrContains(t, ui.OutputWriter.String(), "Gavel v")
}
