// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package worker

import (
	"context"
	"fmt"
	"maps"
	"strings"

	"github.com/hashicorp/gavel/structs"
	"github.com/hashicorp/gavel/tasktype"
)

// compileSubmission compiles a submission's sources against the dataset's
// managers.
func (s *Service) compileSubmission(ctx context.Context, job structs.Job, dataset *structs.Dataset, tt tasktype.TaskType, env *tasktype.Env) (*structs.CompilationResult, error) {
	sub, err := s.store.GetSubmission(ctx, job.EntityID)
	if err != nil {
		return nil, fmt.Errorf("cannot load submission %d: %w", job.EntityID, err)
	}
	cj := &tasktype.CompileJob{
		Language: sub.Language,
		Files:    sub.Files,
		Managers: dataset.Managers,
		Info:     fmt.Sprintf("compile submission %d", sub.ID),
	}
	return tt.Compile(ctx, cj, env)
}

// evaluateSubmission grades one testcase run of a compiled submission.
func (s *Service) evaluateSubmission(ctx context.Context, job structs.Job, dataset *structs.Dataset, tt tasktype.TaskType, env *tasktype.Env) (*structs.EvaluationResult, error) {
	sub, err := s.store.GetSubmission(ctx, job.EntityID)
	if err != nil {
		return nil, fmt.Errorf("cannot load submission %d: %w", job.EntityID, err)
	}

	tc := dataset.Testcase(job.TestcaseCodename)
	if tc == nil {
		// The cached descriptor may predate a testcase addition; reload
		// once before giving up.
		s.datasets.Remove(dataset.ID)
		dataset, err = s.loadDataset(ctx, dataset.ID)
		if err != nil {
			return nil, fmt.Errorf("cannot reload dataset %d: %w", job.DatasetID, err)
		}
		if tc = dataset.Testcase(job.TestcaseCodename); tc == nil {
			return nil, fmt.Errorf("dataset %d has no testcase %q", dataset.ID, job.TestcaseCodename)
		}
	}

	execs, err := s.store.Executables(ctx, sub.ID, dataset.ID)
	if err != nil {
		return nil, fmt.Errorf("cannot load executables of submission %d: %w", sub.ID, err)
	}

	ej := &tasktype.EvaluateJob{
		Language:         sub.Language,
		Files:            sub.Files,
		Managers:         dataset.Managers,
		Executables:      execs,
		InputDigest:      tc.InputDigest,
		OutputDigest:     tc.OutputDigest,
		TimeLimit:        dataset.TimeLimit,
		MemoryLimit:      dataset.MemoryLimit,
		TestcaseCodename: tc.Codename,
		Info:             fmt.Sprintf("evaluate submission %d on testcase %s", sub.ID, tc.Codename),
	}
	return tt.Evaluate(ctx, ej, env)
}

// compileUserTest compiles a user test. Contestants bring their own
// managers (a grader, for task types that use one); the dataset contributes
// only the header files their sources may include.
func (s *Service) compileUserTest(ctx context.Context, job structs.Job, dataset *structs.Dataset, tt tasktype.TaskType, env *tasktype.Env) (*structs.CompilationResult, error) {
	if !tt.Testable() {
		return nil, fmt.Errorf("task type %s does not support user tests", tt.Name())
	}
	ut, err := s.store.GetUserTest(ctx, job.EntityID)
	if err != nil {
		return nil, fmt.Errorf("cannot load user test %d: %w", job.EntityID, err)
	}
	cj := &tasktype.CompileJob{
		Language: ut.Language,
		Files:    ut.Files,
		Managers: userTestCompileManagers(ut, dataset),
		Info:     fmt.Sprintf("compile user test %d", ut.ID),
	}
	return tt.Compile(ctx, cj, env)
}

// evaluateUserTest runs a compiled user test on the contestant's own input.
// The run is not graded: the produced output is stored for the contestant
// to inspect.
func (s *Service) evaluateUserTest(ctx context.Context, job structs.Job, dataset *structs.Dataset, tt tasktype.TaskType, env *tasktype.Env) (*structs.EvaluationResult, error) {
	if !tt.Testable() {
		return nil, fmt.Errorf("task type %s does not support user tests", tt.Name())
	}
	ut, err := s.store.GetUserTest(ctx, job.EntityID)
	if err != nil {
		return nil, fmt.Errorf("cannot load user test %d: %w", job.EntityID, err)
	}
	r, err := s.store.GetUserTestResult(ctx, ut.ID, dataset.ID)
	if err != nil {
		return nil, fmt.Errorf("cannot load result of user test %d: %w", ut.ID, err)
	}

	ej := &tasktype.EvaluateJob{
		Language:      ut.Language,
		Files:         ut.Files,
		Managers:      maps.Clone(ut.Managers),
		Executables:   r.Executables,
		InputDigest:   ut.InputDigest,
		TimeLimit:     dataset.TimeLimit,
		MemoryLimit:   dataset.MemoryLimit,
		OnlyExecution: true,
		GetOutput:     true,
		Info:          fmt.Sprintf("evaluate user test %d", ut.ID),
	}
	res, err := tt.Evaluate(ctx, ej, env)
	if err != nil {
		return nil, err
	}

	// A user test that ran to completion is evaluated whatever the run's
	// verdict was; the text tells the contestant what happened.
	res.Outcome = structs.EvaluationOutcomeOK
	return res, nil
}

// userTestCompileManagers merges the contestant's managers with the
// dataset's header files for the user test's language. Everything else a
// user test runs against must come from the contestant.
func userTestCompileManagers(ut *structs.UserTest, dataset *structs.Dataset) map[string]string {
	managers := make(map[string]string, len(ut.Managers))
	maps.Copy(managers, ut.Managers)

	lang, err := tasktype.LanguageByName(ut.Language)
	if err != nil {
		return managers
	}
	for name, digest := range dataset.Managers {
		for _, ext := range lang.HeaderExtensions() {
			if strings.HasSuffix(name, ext) {
				managers[name] = digest
				break
			}
		}
	}
	return managers
}
