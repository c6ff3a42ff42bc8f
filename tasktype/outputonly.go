// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package tasktype

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hashicorp/gavel/structs"
)

// userOutputTemplate names the submitted answer file of one testcase.
const userOutputTemplate = "output_%s.txt"

// OutputOnly grades tasks whose contestants compute answers offline and
// submit one output file per testcase. Nothing runs on the worker except
// the optional checker; a missing file scores zero since partial
// submissions are allowed.
type OutputOnly struct {
	outputEval string
}

// NewOutputOnly parses dataset parameters of the shape
// ["diff"|"comparator"].
func NewOutputOnly(params json.RawMessage) (*OutputOnly, error) {
	var raw []string
	if err := json.Unmarshal(params, &raw); err != nil {
		return nil, fmt.Errorf("output only parameters: %w", err)
	}
	if len(raw) != 1 {
		return nil, fmt.Errorf("output only parameters: want 1 entry, got %d", len(raw))
	}
	switch raw[0] {
	case outputEvalDiff, outputEvalComparator:
	default:
		return nil, fmt.Errorf("output only evaluation parameter %q", raw[0])
	}
	return &OutputOnly{outputEval: raw[0]}, nil
}

func (o *OutputOnly) Name() string { return TaskTypeOutputOnly }

func (o *OutputOnly) usesChecker() bool { return o.outputEval == outputEvalComparator }

func (o *OutputOnly) UserManagers() []string        { return nil }
func (o *OutputOnly) Testable() bool                { return false }
func (o *OutputOnly) AllowPartialSubmission() bool  { return true }
func (o *OutputOnly) ReusePreviousSubmission() bool { return true }

// Compile reports success immediately, there is nothing to build.
func (o *OutputOnly) Compile(ctx context.Context, job *CompileJob, env *Env) (*structs.CompilationResult, error) {
	return &structs.CompilationResult{
		Outcome: structs.CompilationOutcomeOK,
		Text:    textNoCompilationNeeded,
	}, nil
}

// Evaluate grades the answer file the contestant submitted for the
// testcase.
func (o *OutputOnly) Evaluate(ctx context.Context, job *EvaluateJob, env *Env) (*structs.EvaluationResult, error) {
	name := fmt.Sprintf(userOutputTemplate, job.TestcaseCodename)
	digest, ok := job.Files[name]
	if !ok {
		return &structs.EvaluationResult{
			Outcome: "0.0",
			Text:    textFileNotSubmitted,
		}, nil
	}

	var checkerDigest string
	if o.usesChecker() {
		d, ok := job.Managers[checkerFilename]
		if !ok {
			return nil, fmt.Errorf("dataset is missing manager %q", checkerFilename)
		}
		checkerDigest = d
	}

	produced, err := env.Cacher.GetFile(ctx, digest)
	if err != nil {
		return nil, fmt.Errorf("fetching submitted output: %w", err)
	}
	defer produced.Close()

	outcome, text, err := gradeOutput(ctx, env, checkerDigest,
		job.InputDigest, job.OutputDigest, produced)
	if err != nil {
		return nil, err
	}
	return &structs.EvaluationResult{Outcome: outcome, Text: text}, nil
}
