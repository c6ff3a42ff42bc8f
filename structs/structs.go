// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package structs holds the domain types shared by the grading services:
// job identities, worker results, the rows of the contest data model, and
// the wire contracts of every RPC surface.
package structs

import (
	"fmt"
	"time"
)

const (
	// ServiceNameEvaluation through ServiceNameResource are the well known
	// service names used in ServiceCoord addressing. The names are part of
	// the deployment contract: configuration files key the address map by
	// them.
	ServiceNameEvaluation = "EvaluationService"
	ServiceNameScoring    = "ScoringService"
	ServiceNameWorker     = "Worker"
	ServiceNameFileStore  = "FileStore"
	ServiceNameLog        = "LogService"
	ServiceNameResource   = "ResourceService"
)

// Priority orders queued jobs; a lower value is more urgent. The five levels
// are fixed and their integer values are part of the queue status wire
// format.
type Priority int

const (
	PriorityExtraHigh Priority = iota
	PriorityHigh
	PriorityMedium
	PriorityLow
	PriorityExtraLow
)

func (p Priority) String() string {
	switch p {
	case PriorityExtraHigh:
		return "extra-high"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	case PriorityExtraLow:
		return "extra-low"
	default:
		return fmt.Sprintf("priority-%d", int(p))
	}
}

const (
	// MaxCompilationTries bounds the total number of compilation attempts
	// for a submission result. The comparison is strict: once the tries
	// counter reaches the bound the unit is abandoned.
	MaxCompilationTries = 3

	// MaxEvaluationTries bounds the total evaluation attempts per testcase.
	MaxEvaluationTries = 3

	// MaxTestCompilationTries and MaxTestEvaluationTries are the user test
	// equivalents.
	MaxTestCompilationTries = 3
	MaxTestEvaluationTries  = 3

	// WorkerTimeout is how long a worker may hold a job before the
	// dispatcher considers it stale, disables it and requeues the job.
	WorkerTimeout = 10 * time.Minute
)

const (
	// JobCompile and friends are the job kinds. The strings are the wire
	// encoding used in execute_job payloads and queue status output.
	JobCompile      = "compile"
	JobEvaluate     = "evaluate"
	JobTestCompile  = "compile_test"
	JobTestEvaluate = "evaluate_test"
)

// Job is the identity of one unit of worker work. Jobs are comparable;
// two jobs are the same unit iff all fields match. TestcaseCodename is only
// set for JobEvaluate: submission evaluation is per testcase while user test
// evaluation is a single run.
type Job struct {
	Kind             string `json:"type"`
	EntityID         int64  `json:"object_id"`
	DatasetID        int64  `json:"dataset_id"`
	TestcaseCodename string `json:"testcase_codename,omitempty"`
}

// ForSubmission returns whether the job grades a submission as opposed to a
// user test.
func (j Job) ForSubmission() bool {
	return j.Kind == JobCompile || j.Kind == JobEvaluate
}

// IsCompile returns whether the job is a compilation of either flavor.
func (j Job) IsCompile() bool {
	return j.Kind == JobCompile || j.Kind == JobTestCompile
}

// Validate checks the job identity is well formed.
func (j Job) Validate() error {
	switch j.Kind {
	case JobCompile, JobTestCompile, JobTestEvaluate:
		if j.TestcaseCodename != "" {
			return fmt.Errorf("job kind %q does not take a testcase", j.Kind)
		}
	case JobEvaluate:
		if j.TestcaseCodename == "" {
			return fmt.Errorf("job kind %q requires a testcase", j.Kind)
		}
	default:
		return fmt.Errorf("unknown job kind %q", j.Kind)
	}
	if j.EntityID <= 0 || j.DatasetID <= 0 {
		return fmt.Errorf("job %s has unset ids", j)
	}
	return nil
}

func (j Job) String() string {
	if j.TestcaseCodename != "" {
		return fmt.Sprintf("%s(%d, %d, %s)", j.Kind, j.EntityID, j.DatasetID, j.TestcaseCodename)
	}
	return fmt.Sprintf("%s(%d, %d)", j.Kind, j.EntityID, j.DatasetID)
}

const (
	// CompilationOutcomeOK means the compiler produced the executables.
	CompilationOutcomeOK = "ok"

	// CompilationOutcomeFail means the contestant's source failed to
	// compile. This is a user visible verdict, not an infrastructure
	// failure: no evaluation follows and the submission scores zero.
	CompilationOutcomeFail = "fail"

	// EvaluationOutcomeOK means every testcase of the dataset has an
	// evaluation row.
	EvaluationOutcomeOK = "ok"
)

// CompilationResult is the worker's report for a compile job.
type CompilationResult struct {
	Outcome       string            `json:"outcome"`
	Text          string            `json:"text"`
	Stdout        string            `json:"stdout"`
	Stderr        string            `json:"stderr"`
	Time          float64           `json:"time"`
	WallClockTime float64           `json:"wall_clock_time"`
	Memory        int64             `json:"memory"`
	Executables   map[string]string `json:"executables,omitempty"`
}

// EvaluationResult is the worker's report for an evaluate job: the graded
// outcome of a single testcase run, or of the single run of a user test.
type EvaluationResult struct {
	Outcome       string  `json:"outcome"`
	Text          string  `json:"text"`
	Time          float64 `json:"time"`
	WallClockTime float64 `json:"wall_clock_time"`
	Memory        int64   `json:"memory"`

	// UserOutputDigest is set for user test evaluations only: the digest of
	// the captured stdout, stored through the worker's cacher.
	UserOutputDigest string `json:"user_output_digest,omitempty"`
}

// JobResult is the reply payload of execute_job. Success reports whether the
// infrastructure ran the job at all; a compiler rejecting the source is
// still Success=true with a fail outcome inside. When Success is false Text
// carries the diagnostic and the dispatcher decides whether to retry.
type JobResult struct {
	Job         Job                `json:"job"`
	Success     bool               `json:"success"`
	Text        string             `json:"text,omitempty"`
	Compilation *CompilationResult `json:"compilation,omitempty"`
	Evaluation  *EvaluationResult  `json:"evaluation,omitempty"`
}
