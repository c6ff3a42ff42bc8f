// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"context"
	"testing"

	"github.com/hashicorp/cli"
	"github.com/hashicorp/gavel/ci"
	"github.com/hashicorp/gavel/rpc"
	"github.com/hashicorp/gavel/structs"
	"github.com/shoenig/test/must"
)

func TestInvalidateCommand_Implements(t *testing.T) {
	ci.Parallel(t)
	var _ cli.Command = &InvalidateCommand{}
}

func TestInvalidateCommand_Run(t *testing.T) {
	ci.Parallel(t)

	cfg, cfgPath := testDeployment(t)
	svc := stubEvaluation(t, cfg)

	got := make(chan structs.InvalidateArgs, 1)
	svc.Register(structs.ESMethodInvalidateSubmission, rpc.FlagCallable, func(_ context.Context, req *rpc.Request) (interface{}, error) {
		var args structs.InvalidateArgs
		if err := req.Decode(&args); err != nil {
			return nil, err
		}
		got <- args
		return nil, nil
	})

	ui := cli.NewMockUi()
	cmd := &InvalidateCommand{Meta: Meta{Ui: ui}}

	code := cmd.Run([]string{"-config", cfgPath, "-submission", "42", "-level", "compilation"})
	must.Eq(t, 0, code, must.Sprint(ui.ErrorWriter.String()))
	must.StrContains(t, ui.OutputWriter.String(), "Invalidation complete")

	args := <-got
	must.Eq(t, int64(42), args.SubmissionID)
	must.Eq(t, structs.InvalidationLevelCompilation, args.Level)
	must.Eq(t, int64(0), args.UserID)
}

func TestInvalidateCommand_Fails(t *testing.T) {
	ci.Parallel(t)

	ui := cli.NewMockUi()
	cmd := &InvalidateCommand{Meta: Meta{Ui: ui}}

	// more than one selector
	code := cmd.Run([]string{"-submission", "3", "-user", "4"})
	must.Eq(t, 1, code)
	must.StrContains(t, ui.ErrorWriter.String(), "at most one of")
	ui.ErrorWriter.Reset()

	// unknown level
	code = cmd.Run([]string{"-level", "everything"})
	must.Eq(t, 1, code)
	must.StrContains(t, ui.ErrorWriter.String(), "unknown invalidation level")
	ui.ErrorWriter.Reset()

	// positional arguments are not accepted
	code = cmd.Run([]string{"17"})
	must.Eq(t, 1, code)
	must.StrContains(t, ui.ErrorWriter.String(), commandErrorText(cmd))
	ui.ErrorWriter.Reset()

	// remote errors surface
	cfg, cfgPath := testDeployment(t)
	svc := stubEvaluation(t, cfg)
	svc.Register(structs.ESMethodInvalidateSubmission, rpc.FlagCallable, func(context.Context, *rpc.Request) (interface{}, error) {
		return nil, structs.ErrNotFound
	})

	code = cmd.Run([]string{"-config", cfgPath, "-submission", "42"})
	must.Eq(t, 1, code)
	must.StrContains(t, ui.ErrorWriter.String(), "Error requesting invalidation")
}
