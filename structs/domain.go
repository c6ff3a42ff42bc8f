// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"encoding/json"
	"time"
)

// Contest groups tasks and participants inside a time window. The grading
// core only reads contests; the ranking relay additionally replicates the
// fields below to ranking servers.
type Contest struct {
	ID          int64
	Name        string
	Description string
	Start       time.Time
	Stop        time.Time

	// ScorePrecision is the number of decimal digits rankings display.
	ScorePrecision int
}

// Participation associates a user with a contest. Hidden participations are
// excluded from ranking replication. The user's identity is denormalized
// onto the row because every reader wants it.
type Participation struct {
	ID        int64
	ContestID int64
	UserID    int64
	Hidden    bool
	Username  string
	FirstName string
	LastName  string
}

// Task is one problem of a contest. Grading configuration (limits, task
// type, score type) lives on its datasets so a task can be regraded under
// different settings; exactly one dataset is active and feeds rankings.
type Task struct {
	ID               int64
	ContestID        int64
	Num              int
	Name             string
	Title            string
	SubmissionFormat []string
	ActiveDatasetID  int64
	ScorePrecision   int
}

// Dataset is the immutable description of how to grade a task: resource
// limits, the task type and its parameters, the score type and its
// parameters, auxiliary manager files and the ordered testcases.
type Dataset struct {
	ID          int64
	TaskID      int64
	Description string
	Autojudge   bool

	TimeLimit   float64 // seconds, 0 = unlimited
	MemoryLimit int64   // bytes, 0 = unlimited

	TaskType            string
	TaskTypeParameters  json.RawMessage
	ScoreType           string
	ScoreTypeParameters json.RawMessage

	// Managers maps filename to digest (checkers, graders, stubs).
	Managers map[string]string

	// Testcases are ordered by codename.
	Testcases []Testcase
}

// Testcase returns the testcase with the given codename, or nil.
func (d *Dataset) Testcase(codename string) *Testcase {
	for i := range d.Testcases {
		if d.Testcases[i].Codename == codename {
			return &d.Testcases[i]
		}
	}
	return nil
}

// Testcase is a single input/output pair of a dataset.
type Testcase struct {
	ID           int64
	DatasetID    int64
	Codename     string
	Public       bool
	InputDigest  string
	OutputDigest string
}

// Submission is a contestant's attempt at a task. Immutable after creation;
// the contest web server is the sole writer.
type Submission struct {
	ID              int64
	ParticipationID int64
	TaskID          int64
	Timestamp       time.Time
	Language        string
	Comment         string
	Official        bool

	// Files maps submission-format filename (keeping the ".%l" language
	// placeholder) to digest. Task types resolve the placeholder against
	// the submission language when staging sources.
	Files map[string]string

	// TokenTimestamp is the play time of the token used on this submission,
	// nil when no token was used.
	TokenTimestamp *time.Time
}

// Tokened returns whether a token has been used on the submission.
func (s *Submission) Tokened() bool {
	return s.TokenTimestamp != nil
}

// SubmissionResult is the grading state of one (submission, dataset) pair.
// The evaluation service owns the compilation and evaluation columns, the
// scoring service owns the score columns.
type SubmissionResult struct {
	SubmissionID int64
	DatasetID    int64

	// Compilation state. Outcome is "" until decided, then "ok" or "fail".
	CompilationOutcome       string
	CompilationText          string
	CompilationTries         int
	CompilationStdout        string
	CompilationStderr        string
	CompilationTime          float64
	CompilationWallClockTime float64
	CompilationMemory        int64
	CompilationShard         int

	// Executables maps filename to digest, produced by a successful
	// compilation.
	Executables map[string]string

	// Evaluation state. Outcome is "" until every testcase has an
	// evaluation row, then "ok".
	EvaluationOutcome string
	EvaluationTries   int

	// Score state. A nil Score means not scored yet. The details fields
	// hold scorer produced JSON text; RankingScoreDetails is the JSON
	// array of per subtask strings the ranking relay sends as the
	// submission's extra columns.
	Score               *float64
	PublicScore         *float64
	ScoreDetails        string
	PublicScoreDetails  string
	RankingScoreDetails string
}

// Compiled returns whether compilation has been decided either way.
func (r *SubmissionResult) Compiled() bool {
	return r.CompilationOutcome != ""
}

// CompilationFailed returns whether the contestant's source was rejected.
// A failed compilation terminates grading: the submission is scorable with
// no evaluations.
func (r *SubmissionResult) CompilationFailed() bool {
	return r.CompilationOutcome == CompilationOutcomeFail
}

// CompilationSucceeded returns whether executables were produced.
func (r *SubmissionResult) CompilationSucceeded() bool {
	return r.CompilationOutcome == CompilationOutcomeOK
}

// Evaluated returns whether every testcase has been graded.
func (r *SubmissionResult) Evaluated() bool {
	return r.EvaluationOutcome == EvaluationOutcomeOK
}

// Scored returns whether the scorer has assigned a score.
func (r *SubmissionResult) Scored() bool {
	return r.Score != nil
}

// NeedsCompilation returns whether a compile job may still be useful: not
// yet decided and below the try cap.
func (r *SubmissionResult) NeedsCompilation() bool {
	return !r.Compiled() && r.CompilationTries < MaxCompilationTries
}

// NeedsEvaluation returns whether evaluate jobs may still be useful.
func (r *SubmissionResult) NeedsEvaluation() bool {
	return r.CompilationSucceeded() && !r.Evaluated() &&
		r.EvaluationTries < MaxEvaluationTries
}

// InvalidateCompilation resets the result to the freshly created state.
// Compilation implies evaluation and score invalidation.
func (r *SubmissionResult) InvalidateCompilation() {
	r.CompilationOutcome = ""
	r.CompilationText = ""
	r.CompilationTries = 0
	r.CompilationStdout = ""
	r.CompilationStderr = ""
	r.CompilationTime = 0
	r.CompilationWallClockTime = 0
	r.CompilationMemory = 0
	r.CompilationShard = 0
	r.Executables = nil
	r.InvalidateEvaluation()
}

// InvalidateEvaluation drops all evaluation state. Evaluation implies score
// invalidation; the evaluation rows themselves are deleted by the store.
func (r *SubmissionResult) InvalidateEvaluation() {
	r.EvaluationOutcome = ""
	r.EvaluationTries = 0
	r.InvalidateScore()
}

// InvalidateScore drops the scorer's output.
func (r *SubmissionResult) InvalidateScore() {
	r.Score = nil
	r.PublicScore = nil
	r.ScoreDetails = ""
	r.PublicScoreDetails = ""
	r.RankingScoreDetails = ""
}

// Evaluation is the graded outcome of one (submission result, testcase)
// run. Outcome is a decimal rendered as a string, as the scorers consume
// it.
type Evaluation struct {
	SubmissionID     int64
	DatasetID        int64
	TestcaseID       int64
	TestcaseCodename string
	Outcome          string
	Text             string
	ExecutionTime    float64
	WallClockTime    float64
	Memory           int64
	EvaluationShard  int
}

// UserTest is a contestant supplied test run: like a submission but with
// the contestant's own input and optionally their own managers.
type UserTest struct {
	ID              int64
	ParticipationID int64
	TaskID          int64
	Timestamp       time.Time
	Language        string
	InputDigest     string

	Files    map[string]string
	Managers map[string]string
}

// UserTestResult is the grading state of one (user test, dataset) pair.
// Unlike submissions there is a single evaluation run whose stdout becomes
// the output artifact shown to the contestant.
type UserTestResult struct {
	UserTestID int64
	DatasetID  int64

	CompilationOutcome       string
	CompilationText          string
	CompilationTries         int
	CompilationStdout        string
	CompilationStderr        string
	CompilationTime          float64
	CompilationWallClockTime float64
	CompilationMemory        int64
	CompilationShard         int
	Executables              map[string]string

	EvaluationOutcome string
	EvaluationTries   int
	EvaluationText    string
	OutputDigest      string
	ExecutionTime     float64
	Memory            int64
	EvaluationShard   int
}

// Compiled returns whether compilation has been decided either way.
func (r *UserTestResult) Compiled() bool {
	return r.CompilationOutcome != ""
}

// CompilationFailed returns whether the contestant's source was rejected.
func (r *UserTestResult) CompilationFailed() bool {
	return r.CompilationOutcome == CompilationOutcomeFail
}

// CompilationSucceeded returns whether executables were produced.
func (r *UserTestResult) CompilationSucceeded() bool {
	return r.CompilationOutcome == CompilationOutcomeOK
}

// Evaluated returns whether the single run has been graded.
func (r *UserTestResult) Evaluated() bool {
	return r.EvaluationOutcome != ""
}

// NeedsCompilation returns whether a compile job may still be useful.
func (r *UserTestResult) NeedsCompilation() bool {
	return !r.Compiled() && r.CompilationTries < MaxTestCompilationTries
}

// NeedsEvaluation returns whether an evaluate job may still be useful.
func (r *UserTestResult) NeedsEvaluation() bool {
	return r.CompilationSucceeded() && !r.Evaluated() &&
		r.EvaluationTries < MaxTestEvaluationTries
}

// Token marks a submission the contestant chose to make visible. Using a
// token promotes the submission's evaluation priority and is replicated to
// rankings.
type Token struct {
	SubmissionID int64
	Timestamp    time.Time
}
