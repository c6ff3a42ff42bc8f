// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package evaluation

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	metrics "github.com/hashicorp/go-metrics"

	"github.com/hashicorp/gavel/store"
	"github.com/hashicorp/gavel/structs"
)

// Store is the slice of the data layer the dispatcher needs. *store.Store
// implements it; tests substitute an in-memory fake.
type Store interface {
	GetSubmission(ctx context.Context, id int64) (*structs.Submission, error)
	GetSubmissionOwner(ctx context.Context, submissionID int64) (*store.SubmissionOwner, error)
	GetUserTest(ctx context.Context, id int64) (*structs.UserTest, error)
	GetTask(ctx context.Context, id int64) (*structs.Task, error)
	GetDataset(ctx context.Context, id int64) (*structs.Dataset, error)
	DatasetsToJudge(ctx context.Context, task *structs.Task) ([]int64, error)

	EnsureSubmissionResult(ctx context.Context, submissionID, datasetID int64) (*structs.SubmissionResult, error)
	SetCompilationResult(ctx context.Context, r *structs.SubmissionResult) error
	IncrementCompilationTries(ctx context.Context, submissionID, datasetID int64) (int, error)
	IncrementEvaluationTries(ctx context.Context, submissionID, datasetID int64) (int, error)
	StoreEvaluation(ctx context.Context, ev *structs.Evaluation) error
	EvaluatedCodenames(ctx context.Context, submissionID, datasetID int64) (map[string]bool, error)
	SetEvaluationOutcome(ctx context.Context, submissionID, datasetID int64, outcome string) error

	EnsureUserTestResult(ctx context.Context, userTestID, datasetID int64) (*structs.UserTestResult, error)
	SetUserTestCompilation(ctx context.Context, r *structs.UserTestResult) error
	SetUserTestEvaluation(ctx context.Context, r *structs.UserTestResult) error
	IncrementUserTestCompilationTries(ctx context.Context, userTestID, datasetID int64) (int, error)
	IncrementUserTestEvaluationTries(ctx context.Context, userTestID, datasetID int64) (int, error)

	UnfinishedSubmissionIDs(ctx context.Context, contestID int64) ([]int64, error)
	UnfinishedUserTestIDs(ctx context.Context, contestID int64) ([]int64, error)

	ResultsForInvalidation(ctx context.Context, contestID int64, args *structs.InvalidateArgs) ([]store.ResultRef, error)
	ResetCompilation(ctx context.Context, ref store.ResultRef) error
	ResetEvaluation(ctx context.Context, ref store.ResultRef) error

	SubmissionsStatus(ctx context.Context, contestID int64) (*structs.SubmissionsStatusReply, error)
}

// compilePriority places a compile job: first tries of active datasets come
// before everything but invalidation recovery, retries yield to fresh work,
// and background datasets never compete with the contest.
func compilePriority(active bool, tries int) structs.Priority {
	switch {
	case !active:
		return structs.PriorityExtraLow
	case tries > 0:
		return structs.PriorityMedium
	default:
		return structs.PriorityHigh
	}
}

// evaluatePriority places a submission evaluate job. A played token means
// the contestant is waiting on the verdict, so the first round jumps ahead
// of untokened work.
func evaluatePriority(active bool, tries int, tokened bool) structs.Priority {
	switch {
	case !active:
		return structs.PriorityExtraLow
	case tries > 0:
		return structs.PriorityLow
	case tokened:
		return structs.PriorityMedium
	default:
		return structs.PriorityLow
	}
}

// testEvaluatePriority places a user test evaluate job. User tests have no
// tokens; their single run starts at Medium because a contestant is
// actively waiting on the output.
func testEvaluatePriority(active bool, tries int) structs.Priority {
	switch {
	case !active:
		return structs.PriorityExtraLow
	case tries > 0:
		return structs.PriorityLow
	default:
		return structs.PriorityMedium
	}
}

// enqueue pushes a job unless it is already queued or running. Returns
// whether the job was actually added.
func (s *Service) enqueue(job structs.Job, prio structs.Priority, ts time.Time) bool {
	if s.pool.Running(job) {
		s.logger.Debug("job already running, not queued", "job", job)
		return false
	}
	if err := s.queue.Push(job, prio, ts); err != nil {
		s.logger.Debug("job already queued", "job", job)
		return false
	}
	s.logger.Debug("job queued", "job", job, "priority", prio, "timestamp", ts)
	return true
}

// requeue puts an assignment handed back by the pool at its original queue
// position.
func (s *Service) requeue(a Assignment) {
	if err := s.queue.Push(a.Job, a.Priority, a.Timestamp); err != nil {
		s.logger.Debug("requeued job already queued", "job", a.Job)
		return
	}
	s.logger.Info("job requeued", "job", a.Job, "priority", a.Priority)
}

// loadDataset returns a dataset, serving repeats from the LRU. Dataset rows
// are immutable, but invalidation purges the cache in case testcases were
// added before a regrade.
func (s *Service) loadDataset(ctx context.Context, id int64) (*structs.Dataset, error) {
	if d, ok := s.datasets.Get(id); ok {
		return d, nil
	}
	d, err := s.store.GetDataset(ctx, id)
	if err != nil {
		return nil, err
	}
	s.datasets.Add(id, d)
	return d, nil
}

// enqueueSubmissionOps computes every job the submission still needs and
// pushes the ones that are neither queued nor running. It converges when
// called repeatedly, which is what new_submission, the outcome handlers,
// the sweep and invalidation all rely on. Callers hold opLock.
func (s *Service) enqueueSubmissionOps(ctx context.Context, sub *structs.Submission) {
	defer metrics.MeasureSince([]string{"gavel", "evaluation", "enqueue_ops"}, time.Now())

	task, err := s.store.GetTask(ctx, sub.TaskID)
	if err != nil {
		s.logger.Error("cannot load task, submission not scheduled", "submission", sub.ID, "error", err)
		return
	}
	datasetIDs, err := s.store.DatasetsToJudge(ctx, task)
	if err != nil {
		s.logger.Error("cannot list datasets to judge", "task", task.ID, "error", err)
		return
	}

	for _, datasetID := range datasetIDs {
		active := datasetID == task.ActiveDatasetID
		r, err := s.store.EnsureSubmissionResult(ctx, sub.ID, datasetID)
		if err != nil {
			s.logger.Error("cannot ensure result row",
				"submission", sub.ID, "dataset", datasetID, "error", err)
			continue
		}

		switch {
		case r.NeedsCompilation():
			job := structs.Job{Kind: structs.JobCompile, EntityID: sub.ID, DatasetID: datasetID}
			s.enqueue(job, compilePriority(active, r.CompilationTries), sub.Timestamp)
		case r.NeedsEvaluation():
			s.enqueueEvaluations(ctx, sub, r, active)
		}
	}
}

// enqueueEvaluations pushes evaluate jobs for the testcases a result is
// still missing. The per-result tries counter counts evaluation rounds: it
// is charged only when a round starts, that is when no evaluate job of this
// result is queued or running. Re-entrant calls mid-round only top up
// missing testcases without charging.
func (s *Service) enqueueEvaluations(ctx context.Context, sub *structs.Submission, r *structs.SubmissionResult, active bool) {
	dataset, err := s.loadDataset(ctx, r.DatasetID)
	if err != nil {
		s.logger.Error("cannot load dataset", "dataset", r.DatasetID, "error", err)
		return
	}
	done, err := s.store.EvaluatedCodenames(ctx, sub.ID, r.DatasetID)
	if err != nil {
		s.logger.Error("cannot list evaluated testcases",
			"submission", sub.ID, "dataset", r.DatasetID, "error", err)
		return
	}

	var missing []string
	for _, tc := range dataset.Testcases {
		job := structs.Job{
			Kind:             structs.JobEvaluate,
			EntityID:         sub.ID,
			DatasetID:        r.DatasetID,
			TestcaseCodename: tc.Codename,
		}
		if done[tc.Codename] || s.queue.Contains(job) || s.pool.Running(job) {
			continue
		}
		missing = append(missing, tc.Codename)
	}
	if len(missing) == 0 {
		return
	}

	// Priority is decided before the round is charged so the first round
	// keeps its first-try placement.
	prio := evaluatePriority(active, r.EvaluationTries, sub.Tokened())

	ofResult := func(j structs.Job) bool {
		return j.Kind == structs.JobEvaluate && j.EntityID == sub.ID && j.DatasetID == r.DatasetID
	}
	if !s.queue.ContainsWhere(ofResult) && !s.pool.RunningWhere(ofResult) {
		if _, err := s.store.IncrementEvaluationTries(ctx, sub.ID, r.DatasetID); err != nil {
			s.logger.Error("cannot charge evaluation round",
				"submission", sub.ID, "dataset", r.DatasetID, "error", err)
			return
		}
	}

	for _, codename := range missing {
		job := structs.Job{
			Kind:             structs.JobEvaluate,
			EntityID:         sub.ID,
			DatasetID:        r.DatasetID,
			TestcaseCodename: codename,
		}
		s.enqueue(job, prio, sub.Timestamp)
	}
}

// enqueueUserTestOps is the user test counterpart of enqueueSubmissionOps:
// one compile then one evaluate run per judged dataset. Callers hold
// opLock.
func (s *Service) enqueueUserTestOps(ctx context.Context, ut *structs.UserTest) {
	task, err := s.store.GetTask(ctx, ut.TaskID)
	if err != nil {
		s.logger.Error("cannot load task, user test not scheduled", "user_test", ut.ID, "error", err)
		return
	}
	datasetIDs, err := s.store.DatasetsToJudge(ctx, task)
	if err != nil {
		s.logger.Error("cannot list datasets to judge", "task", task.ID, "error", err)
		return
	}

	for _, datasetID := range datasetIDs {
		active := datasetID == task.ActiveDatasetID
		r, err := s.store.EnsureUserTestResult(ctx, ut.ID, datasetID)
		if err != nil {
			s.logger.Error("cannot ensure user test result row",
				"user_test", ut.ID, "dataset", datasetID, "error", err)
			continue
		}

		switch {
		case r.NeedsCompilation():
			job := structs.Job{Kind: structs.JobTestCompile, EntityID: ut.ID, DatasetID: datasetID}
			s.enqueue(job, compilePriority(active, r.CompilationTries), ut.Timestamp)
		case r.NeedsEvaluation():
			job := structs.Job{Kind: structs.JobTestEvaluate, EntityID: ut.ID, DatasetID: datasetID}
			s.enqueue(job, testEvaluatePriority(active, r.EvaluationTries), ut.Timestamp)
		}
	}
}

// failText extracts the worker's diagnostic from a failed job result.
func failText(res *structs.JobResult) string {
	if res == nil {
		return "no result"
	}
	return res.Text
}

// compilationEnded charges the attempt, records a delivered verdict and
// schedules whatever the submission needs next. A fail outcome is final:
// the scoring service is told right away so the zero lands on rankings.
// Callers hold opLock.
func (s *Service) compilationEnded(ctx context.Context, job structs.Job, shard int, res *structs.JobResult) {
	tries, err := s.store.IncrementCompilationTries(ctx, job.EntityID, job.DatasetID)
	if err != nil {
		s.logger.Error("cannot charge compilation attempt", "job", job, "error", err)
		return
	}

	if res != nil && res.Success && res.Compilation != nil {
		c := res.Compilation
		r := &structs.SubmissionResult{
			SubmissionID:             job.EntityID,
			DatasetID:                job.DatasetID,
			CompilationOutcome:       c.Outcome,
			CompilationText:          c.Text,
			CompilationStdout:        c.Stdout,
			CompilationStderr:        c.Stderr,
			CompilationTime:          c.Time,
			CompilationWallClockTime: c.WallClockTime,
			CompilationMemory:        c.Memory,
			CompilationShard:         shard,
			Executables:              c.Executables,
		}
		if err := s.store.SetCompilationResult(ctx, r); err != nil {
			s.logger.Error("cannot store compilation result", "job", job, "error", err)
			return
		}

		switch c.Outcome {
		case structs.CompilationOutcomeOK:
			s.logger.Info("compilation succeeded",
				"submission", job.EntityID, "dataset", job.DatasetID, "worker", shard)
		case structs.CompilationOutcomeFail:
			s.logger.Info("compilation failed",
				"submission", job.EntityID, "dataset", job.DatasetID, "worker", shard)
			s.notifyScoring(job.EntityID)
		default:
			s.logger.Error("worker returned an unknown compilation outcome",
				"job", job, "outcome", c.Outcome)
		}
	} else {
		s.logger.Warn("compilation attempt failed",
			"job", job, "worker", shard, "tries", tries, "text", failText(res))
		if tries >= structs.MaxCompilationTries {
			s.logger.Error("maximum compilation tries reached, giving up",
				"submission", job.EntityID, "dataset", job.DatasetID, "tries", tries)
		}
	}

	sub, err := s.store.GetSubmission(ctx, job.EntityID)
	if err != nil {
		s.logger.Error("cannot reload submission", "submission", job.EntityID, "error", err)
		return
	}
	s.enqueueSubmissionOps(ctx, sub)
}

// evaluationEnded records one graded testcase, closes the evaluation phase
// when the last row lands (notifying the scoring service exactly once) and
// schedules whatever remains. Callers hold opLock.
func (s *Service) evaluationEnded(ctx context.Context, job structs.Job, shard int, res *structs.JobResult) {
	if res != nil && res.Success && res.Evaluation != nil {
		dataset, err := s.loadDataset(ctx, job.DatasetID)
		if err != nil {
			s.logger.Error("cannot load dataset for writeback", "job", job, "error", err)
			return
		}
		tc := dataset.Testcase(job.TestcaseCodename)
		if tc == nil {
			s.logger.Error("graded testcase no longer part of its dataset", "job", job)
		} else {
			e := res.Evaluation
			ev := &structs.Evaluation{
				SubmissionID:     job.EntityID,
				DatasetID:        job.DatasetID,
				TestcaseID:       tc.ID,
				TestcaseCodename: tc.Codename,
				Outcome:          e.Outcome,
				Text:             e.Text,
				ExecutionTime:    e.Time,
				WallClockTime:    e.WallClockTime,
				Memory:           e.Memory,
				EvaluationShard:  shard,
			}
			if err := s.store.StoreEvaluation(ctx, ev); err != nil {
				s.logger.Error("cannot store evaluation", "job", job, "error", err)
				return
			}
			s.logger.Debug("evaluation stored", "job", job, "outcome", e.Outcome)
		}
	} else {
		s.logger.Warn("evaluation attempt failed",
			"job", job, "worker", shard, "text", failText(res))
	}

	sub, err := s.store.GetSubmission(ctx, job.EntityID)
	if err != nil {
		s.logger.Error("cannot reload submission", "submission", job.EntityID, "error", err)
		return
	}
	s.closeEvaluationPhase(ctx, sub, job.DatasetID)
	s.enqueueSubmissionOps(ctx, sub)
}

// closeEvaluationPhase marks the result evaluated once every testcase has a
// row. The transition happens exactly once per (submission, dataset) and
// carries the scoring notification with it.
func (s *Service) closeEvaluationPhase(ctx context.Context, sub *structs.Submission, datasetID int64) {
	r, err := s.store.EnsureSubmissionResult(ctx, sub.ID, datasetID)
	if err != nil {
		s.logger.Error("cannot reload result", "submission", sub.ID, "dataset", datasetID, "error", err)
		return
	}
	if r.Evaluated() || !r.CompilationSucceeded() {
		return
	}

	dataset, err := s.loadDataset(ctx, datasetID)
	if err != nil {
		s.logger.Error("cannot load dataset", "dataset", datasetID, "error", err)
		return
	}
	done, err := s.store.EvaluatedCodenames(ctx, sub.ID, datasetID)
	if err != nil {
		s.logger.Error("cannot list evaluated testcases",
			"submission", sub.ID, "dataset", datasetID, "error", err)
		return
	}
	for _, tc := range dataset.Testcases {
		if !done[tc.Codename] {
			return
		}
	}

	if err := s.store.SetEvaluationOutcome(ctx, sub.ID, datasetID, structs.EvaluationOutcomeOK); err != nil {
		s.logger.Error("cannot close evaluation phase",
			"submission", sub.ID, "dataset", datasetID, "error", err)
		return
	}
	s.logger.Info("submission fully evaluated", "submission", sub.ID, "dataset", datasetID)
	metrics.IncrCounter([]string{"gavel", "evaluation", "evaluated"}, 1)
	s.notifyScoring(sub.ID)
}

// userTestCompilationEnded is the user test twin of compilationEnded. No
// scoring service is involved: the verdict is shown to the contestant
// directly.
func (s *Service) userTestCompilationEnded(ctx context.Context, job structs.Job, shard int, res *structs.JobResult) {
	tries, err := s.store.IncrementUserTestCompilationTries(ctx, job.EntityID, job.DatasetID)
	if err != nil {
		s.logger.Error("cannot charge user test compilation attempt", "job", job, "error", err)
		return
	}

	if res != nil && res.Success && res.Compilation != nil {
		c := res.Compilation
		r := &structs.UserTestResult{
			UserTestID:               job.EntityID,
			DatasetID:                job.DatasetID,
			CompilationOutcome:       c.Outcome,
			CompilationText:          c.Text,
			CompilationStdout:        c.Stdout,
			CompilationStderr:        c.Stderr,
			CompilationTime:          c.Time,
			CompilationWallClockTime: c.WallClockTime,
			CompilationMemory:        c.Memory,
			CompilationShard:         shard,
			Executables:              c.Executables,
		}
		if err := s.store.SetUserTestCompilation(ctx, r); err != nil {
			s.logger.Error("cannot store user test compilation", "job", job, "error", err)
			return
		}
	} else {
		s.logger.Warn("user test compilation attempt failed",
			"job", job, "worker", shard, "text", failText(res))
		if tries >= structs.MaxTestCompilationTries {
			s.logger.Error("maximum user test compilation tries reached, giving up",
				"user_test", job.EntityID, "dataset", job.DatasetID, "tries", tries)
		}
	}

	ut, err := s.store.GetUserTest(ctx, job.EntityID)
	if err != nil {
		s.logger.Error("cannot reload user test", "user_test", job.EntityID, "error", err)
		return
	}
	s.enqueueUserTestOps(ctx, ut)
}

// userTestEvaluationEnded records the single run of a user test.
func (s *Service) userTestEvaluationEnded(ctx context.Context, job structs.Job, shard int, res *structs.JobResult) {
	tries, err := s.store.IncrementUserTestEvaluationTries(ctx, job.EntityID, job.DatasetID)
	if err != nil {
		s.logger.Error("cannot charge user test evaluation attempt", "job", job, "error", err)
		return
	}

	if res != nil && res.Success && res.Evaluation != nil {
		e := res.Evaluation
		r := &structs.UserTestResult{
			UserTestID:        job.EntityID,
			DatasetID:         job.DatasetID,
			EvaluationOutcome: e.Outcome,
			EvaluationText:    e.Text,
			OutputDigest:      e.UserOutputDigest,
			ExecutionTime:     e.Time,
			Memory:            e.Memory,
			EvaluationShard:   shard,
		}
		if err := s.store.SetUserTestEvaluation(ctx, r); err != nil {
			s.logger.Error("cannot store user test evaluation", "job", job, "error", err)
			return
		}
		s.logger.Info("user test evaluated", "user_test", job.EntityID, "dataset", job.DatasetID)
	} else {
		s.logger.Warn("user test evaluation attempt failed",
			"job", job, "worker", shard, "text", failText(res))
		if tries >= structs.MaxTestEvaluationTries {
			s.logger.Error("maximum user test evaluation tries reached, giving up",
				"user_test", job.EntityID, "dataset", job.DatasetID, "tries", tries)
		}
	}

	ut, err := s.store.GetUserTest(ctx, job.EntityID)
	if err != nil {
		s.logger.Error("cannot reload user test", "user_test", job.EntityID, "error", err)
		return
	}
	s.enqueueUserTestOps(ctx, ut)
}

// notifyScoring tells the scoring service a submission's grading reached a
// scorable point. Best effort: the scoring sweep picks up anything a lost
// notification leaves behind.
func (s *Service) notifyScoring(submissionID int64) {
	s.scoring.Notify(structs.SSMethodNewEvaluation,
		structs.NewEvaluationArgs{SubmissionID: submissionID})
}

// localBackup is the on-disk shape of a submission backup.
type localBackup struct {
	ContestID int64             `json:"contest_id"`
	UserID    int64             `json:"user_id"`
	TaskID    int64             `json:"task_id"`
	Files     map[string]string `json:"files"`
}

// writeLocalBackup stores a copy of the submission's metadata under
// DataDir/submissions, indexed by username and timestamp. Best effort:
// failures are logged, never fatal to grading.
func (s *Service) writeLocalBackup(ctx context.Context, sub *structs.Submission) {
	owner, err := s.store.GetSubmissionOwner(ctx, sub.ID)
	if err != nil {
		s.logger.Error("local backup: cannot resolve owner", "submission", sub.ID, "error", err)
		return
	}

	dir := filepath.Join(s.cfg.DataDir, "submissions", owner.Username)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.logger.Error("local backup: cannot create directory", "dir", dir, "error", err)
		return
	}

	payload, err := json.MarshalIndent(localBackup{
		ContestID: owner.ContestID,
		UserID:    owner.UserID,
		TaskID:    sub.TaskID,
		Files:     sub.Files,
	}, "", "  ")
	if err != nil {
		s.logger.Error("local backup: cannot encode", "submission", sub.ID, "error", err)
		return
	}

	name := fmt.Sprintf("%d-%s.json", sub.ID, sub.Timestamp.UTC().Format("20060102T150405"))
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		s.logger.Error("local backup: cannot write", "path", path, "error", err)
		return
	}
	s.logger.Debug("local submission backup stored", "submission", sub.ID, "path", path)
}
