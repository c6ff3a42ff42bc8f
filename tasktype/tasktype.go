// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package tasktype implements the grading logic of the supported task
// types. A task type turns compile and evaluate jobs into sandbox runs:
// Batch compiles one source file, optionally against a grader, and grades
// one run per testcase; OutputOnly grades contestant supplied output
// files directly.
//
// Task types form a closed set resolved by the name stored on the
// dataset. Errors returned by Compile and Evaluate mean the
// infrastructure failed (box, storage, broken dataset); a rejected
// source or a wrong answer is a regular result with a nil error.
package tasktype

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/hashicorp/go-hclog"

	"github.com/hashicorp/gavel/filestore"
	"github.com/hashicorp/gavel/sandbox"
	"github.com/hashicorp/gavel/structs"
)

// Registry names.
const (
	TaskTypeBatch      = "Batch"
	TaskTypeOutputOnly = "OutputOnly"
)

// New builds the named task type from its dataset parameters.
func New(name string, params json.RawMessage) (TaskType, error) {
	switch name {
	case TaskTypeBatch:
		return NewBatch(params)
	case TaskTypeOutputOnly:
		return NewOutputOnly(params)
	default:
		return nil, fmt.Errorf("unknown task type %q", name)
	}
}

// TaskType is the capability surface a task type implements. One value
// grades any number of jobs; implementations hold only parsed dataset
// parameters and are safe to share.
type TaskType interface {
	// Name returns the registry key.
	Name() string

	// Compile turns the submitted sources into executables.
	Compile(ctx context.Context, job *CompileJob, env *Env) (*structs.CompilationResult, error)

	// Evaluate grades one testcase run, or the single run of a user test.
	Evaluate(ctx context.Context, job *EvaluateJob, env *Env) (*structs.EvaluationResult, error)

	// UserManagers lists the manager filename patterns contestants must
	// provide with user tests, ".%l" placeholders included.
	UserManagers() []string

	// Testable reports whether user tests make sense for this task type.
	Testable() bool

	// AllowPartialSubmission reports whether a submission may omit files
	// of the submission format.
	AllowPartialSubmission() bool

	// ReusePreviousSubmission reports whether files missing from a
	// submission fall back to the contestant's previous one.
	ReusePreviousSubmission() bool
}

// Env carries the worker facilities task types grade with.
type Env struct {
	Cacher *filestore.Cacher
	Boxes  sandbox.Factory
	Logger hclog.Logger
}

// CompileJob describes one compilation.
type CompileJob struct {
	// Language names an entry of the language registry.
	Language string

	// Files maps submission-format filenames, ".%l" placeholder kept, to
	// digests.
	Files map[string]string

	// Managers maps dataset manager filenames to digests.
	Managers map[string]string

	// Info tags log lines and artifact descriptions.
	Info string
}

// EvaluateJob describes one evaluation run.
type EvaluateJob struct {
	Language    string
	Files       map[string]string
	Managers    map[string]string
	Executables map[string]string

	InputDigest  string
	OutputDigest string

	TimeLimit   float64 // seconds, 0 = unlimited
	MemoryLimit int64   // bytes, 0 = unlimited

	TestcaseCodename string

	// OnlyExecution runs the program without grading its output. Set for
	// user tests.
	OnlyExecution bool

	// GetOutput stores the produced output as a contestant visible
	// artifact. Set for user tests.
	GetOutput bool

	Info string
}

// executableFilename derives the name of the produced executable from
// the submission format: the sorted filenames joined by underscores with
// the language placeholders stripped.
func executableFilename(format []string) string {
	sorted := slices.Sorted(slices.Values(format))
	return strings.ReplaceAll(strings.Join(sorted, "_"), ".%l", "")
}

// stage copies a stored file into the box under name.
func stage(ctx context.Context, env *Env, box sandbox.Box, name, digest string, executable bool) error {
	f, err := env.Cacher.GetFile(ctx, digest)
	if err != nil {
		return fmt.Errorf("fetching %s: %w", name, err)
	}
	defer f.Close()
	if err := box.CreateFile(name, f, executable); err != nil {
		return fmt.Errorf("staging %s: %w", name, err)
	}
	return nil
}

// releaseBox removes the box after a clean run. When the run failed the
// tree stays on disk for inspection.
func releaseBox(env *Env, box sandbox.Box, ran bool) {
	if !ran {
		env.Logger.Warn("keeping box of failed operation", "path", box.Path())
		return
	}
	if err := box.Cleanup(); err != nil {
		env.Logger.Error("removing box failed", "path", box.Path(), "error", err)
	}
}
