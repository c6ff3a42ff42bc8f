// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	metrics "github.com/hashicorp/go-metrics"
	"github.com/jackc/pgx/v5"

	"github.com/hashicorp/gavel/structs"
)

// GetSubmission loads a submission with its files and token state.
func (s *Store) GetSubmission(ctx context.Context, id int64) (*structs.Submission, error) {
	defer metrics.MeasureSince([]string{"gavel", "store", "get_submission"}, time.Now())

	q := `SELECT s.id, s.participation_id, s.task_id, s.timestamp, s.language,
			s.comment, s.official, tk.timestamp
		FROM submissions s
		LEFT JOIN tokens tk ON tk.submission_id = s.id
		WHERE s.id = $1`
	var sub structs.Submission
	err := s.pool.QueryRow(ctx, q, id).Scan(
		&sub.ID, &sub.ParticipationID, &sub.TaskID, &sub.Timestamp,
		&sub.Language, &sub.Comment, &sub.Official, &sub.TokenTimestamp)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("submission %d: %w", id, structs.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading submission %d: %w", id, err)
	}

	sub.Files, err = s.fileMap(ctx,
		`SELECT filename, digest FROM submission_files WHERE submission_id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("loading files of submission %d: %w", id, err)
	}
	return &sub, nil
}

// SubmissionOwner is who a submission belongs to. It indexes local backups
// and gates ranking replication: hidden participations never reach the
// rankings.
type SubmissionOwner struct {
	ContestID int64
	UserID    int64
	Username  string
	Hidden    bool
}

// GetSubmissionOwner resolves who a submission belongs to.
func (s *Store) GetSubmissionOwner(ctx context.Context, submissionID int64) (*SubmissionOwner, error) {
	q := `SELECT p.contest_id, p.user_id, u.username, p.hidden
		FROM submissions s
		JOIN participations p ON p.id = s.participation_id
		JOIN users u ON u.id = p.user_id
		WHERE s.id = $1`
	var o SubmissionOwner
	err := s.pool.QueryRow(ctx, q, submissionID).Scan(&o.ContestID, &o.UserID, &o.Username, &o.Hidden)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("submission %d: %w", submissionID, structs.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("resolving owner of submission %d: %w", submissionID, err)
	}
	return &o, nil
}

// TokenForSubmission loads the token played on a submission.
func (s *Store) TokenForSubmission(ctx context.Context, submissionID int64) (*structs.Token, error) {
	q := `SELECT submission_id, timestamp FROM tokens WHERE submission_id = $1`
	var tk structs.Token
	err := s.pool.QueryRow(ctx, q, submissionID).Scan(&tk.SubmissionID, &tk.Timestamp)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("token for submission %d: %w", submissionID, structs.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &tk, nil
}

// EnsureSubmissionResult returns the grading state of the (submission,
// dataset) pair, creating the fresh row if this is the first time the pair
// is graded.
func (s *Store) EnsureSubmissionResult(ctx context.Context, submissionID, datasetID int64) (*structs.SubmissionResult, error) {
	q := `INSERT INTO submission_results (submission_id, dataset_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING`
	if _, err := s.pool.Exec(ctx, q, submissionID, datasetID); err != nil {
		return nil, fmt.Errorf("creating result %d/%d: %w", submissionID, datasetID, err)
	}
	return s.GetSubmissionResult(ctx, submissionID, datasetID)
}

// GetSubmissionResult loads the grading state of one (submission, dataset)
// pair, including its executables.
func (s *Store) GetSubmissionResult(ctx context.Context, submissionID, datasetID int64) (*structs.SubmissionResult, error) {
	q := `SELECT submission_id, dataset_id,
			compilation_outcome, compilation_text, compilation_tries,
			compilation_stdout, compilation_stderr, compilation_time,
			compilation_wall_clock_time, compilation_memory, compilation_shard,
			evaluation_outcome, evaluation_tries,
			score, public_score, score_details, public_score_details,
			ranking_score_details
		FROM submission_results WHERE submission_id = $1 AND dataset_id = $2`
	var r structs.SubmissionResult
	err := s.pool.QueryRow(ctx, q, submissionID, datasetID).Scan(
		&r.SubmissionID, &r.DatasetID,
		&r.CompilationOutcome, &r.CompilationText, &r.CompilationTries,
		&r.CompilationStdout, &r.CompilationStderr, &r.CompilationTime,
		&r.CompilationWallClockTime, &r.CompilationMemory, &r.CompilationShard,
		&r.EvaluationOutcome, &r.EvaluationTries,
		&r.Score, &r.PublicScore, &r.ScoreDetails, &r.PublicScoreDetails,
		&r.RankingScoreDetails)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("result %d/%d: %w", submissionID, datasetID, structs.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading result %d/%d: %w", submissionID, datasetID, err)
	}

	r.Executables, err = s.fileMap(ctx,
		`SELECT filename, digest FROM executables WHERE submission_id = $1 AND dataset_id = $2`,
		submissionID, datasetID)
	if err != nil {
		return nil, fmt.Errorf("loading executables %d/%d: %w", submissionID, datasetID, err)
	}
	return &r, nil
}

// Executables returns the compiled artifacts of a result, filename to
// digest.
func (s *Store) Executables(ctx context.Context, submissionID, datasetID int64) (map[string]string, error) {
	return s.fileMap(ctx,
		`SELECT filename, digest FROM executables WHERE submission_id = $1 AND dataset_id = $2`,
		submissionID, datasetID)
}

// SetCompilationResult writes a completed compilation attempt: the outcome
// columns and the produced executables, atomically.
func (s *Store) SetCompilationResult(ctx context.Context, r *structs.SubmissionResult) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	q := `UPDATE submission_results SET
			compilation_outcome = $3, compilation_text = $4,
			compilation_stdout = $5, compilation_stderr = $6,
			compilation_time = $7, compilation_wall_clock_time = $8,
			compilation_memory = $9, compilation_shard = $10
		WHERE submission_id = $1 AND dataset_id = $2`
	if _, err := tx.Exec(ctx, q, r.SubmissionID, r.DatasetID,
		r.CompilationOutcome, r.CompilationText,
		r.CompilationStdout, r.CompilationStderr,
		r.CompilationTime, r.CompilationWallClockTime,
		r.CompilationMemory, r.CompilationShard); err != nil {
		return fmt.Errorf("writing compilation %d/%d: %w", r.SubmissionID, r.DatasetID, err)
	}

	if _, err := tx.Exec(ctx,
		`DELETE FROM executables WHERE submission_id = $1 AND dataset_id = $2`,
		r.SubmissionID, r.DatasetID); err != nil {
		return err
	}
	for filename, digest := range r.Executables {
		if _, err := tx.Exec(ctx,
			`INSERT INTO executables (submission_id, dataset_id, filename, digest) VALUES ($1, $2, $3, $4)`,
			r.SubmissionID, r.DatasetID, filename, digest); err != nil {
			return fmt.Errorf("writing executable %s: %w", filename, err)
		}
	}
	return tx.Commit(ctx)
}

// IncrementCompilationTries charges one compilation attempt and returns the
// new count.
func (s *Store) IncrementCompilationTries(ctx context.Context, submissionID, datasetID int64) (int, error) {
	q := `UPDATE submission_results SET compilation_tries = compilation_tries + 1
		WHERE submission_id = $1 AND dataset_id = $2 RETURNING compilation_tries`
	var tries int
	err := s.pool.QueryRow(ctx, q, submissionID, datasetID).Scan(&tries)
	if err == pgx.ErrNoRows {
		return 0, fmt.Errorf("result %d/%d: %w", submissionID, datasetID, structs.ErrNotFound)
	}
	return tries, err
}

// IncrementEvaluationTries charges one evaluation attempt and returns the
// new count.
func (s *Store) IncrementEvaluationTries(ctx context.Context, submissionID, datasetID int64) (int, error) {
	q := `UPDATE submission_results SET evaluation_tries = evaluation_tries + 1
		WHERE submission_id = $1 AND dataset_id = $2 RETURNING evaluation_tries`
	var tries int
	err := s.pool.QueryRow(ctx, q, submissionID, datasetID).Scan(&tries)
	if err == pgx.ErrNoRows {
		return 0, fmt.Errorf("result %d/%d: %w", submissionID, datasetID, structs.ErrNotFound)
	}
	return tries, err
}

// StoreEvaluation upserts one graded testcase run. Re-evaluations of the
// same testcase overwrite the previous row.
func (s *Store) StoreEvaluation(ctx context.Context, ev *structs.Evaluation) error {
	q := `INSERT INTO evaluations (submission_id, dataset_id, testcase_id, outcome, text,
			execution_time, execution_wall_clock_time, execution_memory, evaluation_shard)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (submission_id, dataset_id, testcase_id) DO UPDATE SET
			outcome = EXCLUDED.outcome, text = EXCLUDED.text,
			execution_time = EXCLUDED.execution_time,
			execution_wall_clock_time = EXCLUDED.execution_wall_clock_time,
			execution_memory = EXCLUDED.execution_memory,
			evaluation_shard = EXCLUDED.evaluation_shard`
	_, err := s.pool.Exec(ctx, q, ev.SubmissionID, ev.DatasetID, ev.TestcaseID,
		ev.Outcome, ev.Text, ev.ExecutionTime, ev.WallClockTime, ev.Memory, ev.EvaluationShard)
	if err != nil {
		return fmt.Errorf("writing evaluation %d/%d/%s: %w",
			ev.SubmissionID, ev.DatasetID, ev.TestcaseCodename, err)
	}
	return nil
}

// Evaluations loads every graded testcase run of a result, ordered by
// codename as the scorers consume them.
func (s *Store) Evaluations(ctx context.Context, submissionID, datasetID int64) ([]*structs.Evaluation, error) {
	q := `SELECT e.submission_id, e.dataset_id, e.testcase_id, tc.codename,
			e.outcome, e.text, e.execution_time, e.execution_wall_clock_time,
			e.execution_memory, e.evaluation_shard
		FROM evaluations e JOIN testcases tc ON tc.id = e.testcase_id
		WHERE e.submission_id = $1 AND e.dataset_id = $2
		ORDER BY tc.codename`
	rows, err := s.pool.Query(ctx, q, submissionID, datasetID)
	if err != nil {
		return nil, fmt.Errorf("loading evaluations %d/%d: %w", submissionID, datasetID, err)
	}
	defer rows.Close()

	var evs []*structs.Evaluation
	for rows.Next() {
		var ev structs.Evaluation
		if err := rows.Scan(&ev.SubmissionID, &ev.DatasetID, &ev.TestcaseID,
			&ev.TestcaseCodename, &ev.Outcome, &ev.Text, &ev.ExecutionTime,
			&ev.WallClockTime, &ev.Memory, &ev.EvaluationShard); err != nil {
			return nil, err
		}
		evs = append(evs, &ev)
	}
	return evs, rows.Err()
}

// EvaluatedCodenames returns the set of testcase codenames a result already
// has evaluations for.
func (s *Store) EvaluatedCodenames(ctx context.Context, submissionID, datasetID int64) (map[string]bool, error) {
	q := `SELECT tc.codename FROM evaluations e JOIN testcases tc ON tc.id = e.testcase_id
		WHERE e.submission_id = $1 AND e.dataset_id = $2`
	rows, err := s.pool.Query(ctx, q, submissionID, datasetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	done := make(map[string]bool)
	for rows.Next() {
		var codename string
		if err := rows.Scan(&codename); err != nil {
			return nil, err
		}
		done[codename] = true
	}
	return done, rows.Err()
}

// SetEvaluationOutcome marks a result's evaluation phase decided.
func (s *Store) SetEvaluationOutcome(ctx context.Context, submissionID, datasetID int64, outcome string) error {
	q := `UPDATE submission_results SET evaluation_outcome = $3
		WHERE submission_id = $1 AND dataset_id = $2`
	_, err := s.pool.Exec(ctx, q, submissionID, datasetID, outcome)
	return err
}

// SetScore writes the scorer's verdict on a result: the score columns of r.
func (s *Store) SetScore(ctx context.Context, r *structs.SubmissionResult) error {
	q := `UPDATE submission_results SET
			score = $3, public_score = $4, score_details = $5,
			public_score_details = $6, ranking_score_details = $7
		WHERE submission_id = $1 AND dataset_id = $2`
	_, err := s.pool.Exec(ctx, q, r.SubmissionID, r.DatasetID,
		r.Score, r.PublicScore, r.ScoreDetails, r.PublicScoreDetails, r.RankingScoreDetails)
	if err != nil {
		return fmt.Errorf("writing score %d/%d: %w", r.SubmissionID, r.DatasetID, err)
	}
	return nil
}

// UnfinishedSubmissionIDs returns submissions that may still need grading
// work on some judged dataset: a missing result row, an undecided
// compilation below the try cap, or an undecided evaluation below the cap.
// The dispatcher's sweep walks these and re-creates any jobs that fell
// through the cracks. contestID 0 selects every contest.
func (s *Store) UnfinishedSubmissionIDs(ctx context.Context, contestID int64) ([]int64, error) {
	q := `SELECT DISTINCT s.id
		FROM submissions s
		JOIN tasks t ON t.id = s.task_id
		JOIN datasets d ON d.task_id = t.id AND (d.id = t.active_dataset_id OR d.autojudge)
		LEFT JOIN submission_results sr
			ON sr.submission_id = s.id AND sr.dataset_id = d.id
		WHERE ($1 = 0 OR t.contest_id = $1)
			AND (sr.submission_id IS NULL
				OR (sr.compilation_outcome = '' AND sr.compilation_tries < $2)
				OR (sr.compilation_outcome = $3 AND sr.evaluation_outcome = ''
					AND sr.evaluation_tries < $4))
		ORDER BY s.id`
	return s.queryIDs(ctx, q, contestID,
		structs.MaxCompilationTries, structs.CompilationOutcomeOK, structs.MaxEvaluationTries)
}

// ResultRef names one (submission, dataset) grading state row.
type ResultRef struct {
	SubmissionID int64
	DatasetID    int64
}

// ResultsForInvalidation resolves an invalidation request to the affected
// result rows. Selector semantics follow InvalidateArgs: at most one of
// submission, user, task; zero values select the whole contest. DatasetID
// narrows any selector.
func (s *Store) ResultsForInvalidation(ctx context.Context, contestID int64, args *structs.InvalidateArgs) ([]ResultRef, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT sr.submission_id, sr.dataset_id
		FROM submission_results sr
		JOIN submissions s ON s.id = sr.submission_id
		JOIN participations p ON p.id = s.participation_id
		JOIN tasks t ON t.id = s.task_id
		WHERE ($1 = 0 OR t.contest_id = $1)`)
	qargs := []interface{}{contestID}

	add := func(clause string, v int64) {
		qargs = append(qargs, v)
		fmt.Fprintf(&sb, " AND %s = $%d", clause, len(qargs))
	}
	switch {
	case args.SubmissionID != 0:
		add("s.id", args.SubmissionID)
	case args.UserID != 0:
		add("p.user_id", args.UserID)
	case args.TaskID != 0:
		add("s.task_id", args.TaskID)
	}
	if args.DatasetID != 0 {
		add("sr.dataset_id", args.DatasetID)
	}

	rows, err := s.pool.Query(ctx, sb.String(), qargs...)
	if err != nil {
		return nil, fmt.Errorf("selecting results to invalidate: %w", err)
	}
	defer rows.Close()

	var refs []ResultRef
	for rows.Next() {
		var ref ResultRef
		if err := rows.Scan(&ref.SubmissionID, &ref.DatasetID); err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// ResetCompilation wipes a result back to the freshly created state:
// compilation, evaluation and score columns, executables and evaluation
// rows.
func (s *Store) ResetCompilation(ctx context.Context, ref ResultRef) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	q := `UPDATE submission_results SET
			compilation_outcome = '', compilation_text = '', compilation_tries = 0,
			compilation_stdout = '', compilation_stderr = '',
			compilation_time = 0, compilation_wall_clock_time = 0,
			compilation_memory = 0, compilation_shard = 0,
			evaluation_outcome = '', evaluation_tries = 0,
			score = NULL, public_score = NULL,
			score_details = '', public_score_details = '', ranking_score_details = ''
		WHERE submission_id = $1 AND dataset_id = $2`
	if _, err := tx.Exec(ctx, q, ref.SubmissionID, ref.DatasetID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM executables WHERE submission_id = $1 AND dataset_id = $2`,
		ref.SubmissionID, ref.DatasetID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM evaluations WHERE submission_id = $1 AND dataset_id = $2`,
		ref.SubmissionID, ref.DatasetID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ResetEvaluation wipes evaluation and score state, keeping the compilation.
func (s *Store) ResetEvaluation(ctx context.Context, ref ResultRef) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	q := `UPDATE submission_results SET
			evaluation_outcome = '', evaluation_tries = 0,
			score = NULL, public_score = NULL,
			score_details = '', public_score_details = '', ranking_score_details = ''
		WHERE submission_id = $1 AND dataset_id = $2`
	if _, err := tx.Exec(ctx, q, ref.SubmissionID, ref.DatasetID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM evaluations WHERE submission_id = $1 AND dataset_id = $2`,
		ref.SubmissionID, ref.DatasetID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ScoredSubmission pairs a submission with its scored result on the task's
// active dataset, plus the names the ranking relay addresses it by.
type ScoredSubmission struct {
	Submission *structs.Submission
	Result     *structs.SubmissionResult
	Username   string
	TaskName   string
}

// ScoredSubmissions returns every scored official submission on active
// datasets, excluding hidden participations. The relay sweep walks these to
// re-announce scores the rankings have not acknowledged. contestID 0
// selects every contest.
func (s *Store) ScoredSubmissions(ctx context.Context, contestID int64) ([]ScoredSubmission, error) {
	q := `SELECT s.id, s.participation_id, s.task_id, s.timestamp, s.language, s.official,
			sr.dataset_id, sr.score, sr.public_score, sr.score_details,
			sr.public_score_details, sr.ranking_score_details,
			u.username, t.name
		FROM submissions s
		JOIN participations p ON p.id = s.participation_id
		JOIN users u ON u.id = p.user_id
		JOIN tasks t ON t.id = s.task_id
		JOIN submission_results sr
			ON sr.submission_id = s.id AND sr.dataset_id = t.active_dataset_id
		WHERE ($1 = 0 OR t.contest_id = $1)
			AND sr.score IS NOT NULL AND s.official AND NOT p.hidden
		ORDER BY s.timestamp, s.id`
	rows, err := s.pool.Query(ctx, q, contestID)
	if err != nil {
		return nil, fmt.Errorf("loading scored submissions of contest %d: %w", contestID, err)
	}
	defer rows.Close()

	var out []ScoredSubmission
	for rows.Next() {
		sub := &structs.Submission{}
		res := &structs.SubmissionResult{}
		var ss ScoredSubmission
		if err := rows.Scan(&sub.ID, &sub.ParticipationID, &sub.TaskID, &sub.Timestamp,
			&sub.Language, &sub.Official,
			&res.DatasetID, &res.Score, &res.PublicScore,
			&res.ScoreDetails, &res.PublicScoreDetails, &res.RankingScoreDetails,
			&ss.Username, &ss.TaskName); err != nil {
			return nil, err
		}
		res.SubmissionID = sub.ID
		ss.Submission, ss.Result = sub, res
		out = append(out, ss)
	}
	return out, rows.Err()
}

// UnscoredSubmissionIDs returns submissions whose active dataset result is
// ready for the scorer (evaluated, or terminally failed compilation) but has
// no score yet. The scoring sweep walks these.
func (s *Store) UnscoredSubmissionIDs(ctx context.Context, contestID int64) ([]int64, error) {
	q := `SELECT s.id
		FROM submissions s
		JOIN tasks t ON t.id = s.task_id
		JOIN submission_results sr
			ON sr.submission_id = s.id AND sr.dataset_id = t.active_dataset_id
		WHERE ($1 = 0 OR t.contest_id = $1) AND sr.score IS NULL
			AND (sr.evaluation_outcome = $2 OR sr.compilation_outcome = $3)
		ORDER BY s.timestamp, s.id`
	return s.queryIDs(ctx, q, contestID, structs.EvaluationOutcomeOK, structs.CompilationOutcomeFail)
}

// SubmissionsStatus folds contest wide grading progress into counters. A
// submission missing its active dataset result counts as compiling, since
// the dispatcher has yet to reach it.
func (s *Store) SubmissionsStatus(ctx context.Context, contestID int64) (*structs.SubmissionsStatusReply, error) {
	q := `SELECT COALESCE(sr.compilation_outcome, ''), COALESCE(sr.evaluation_outcome, ''),
			sr.score IS NOT NULL, COALESCE(sr.compilation_tries, 0), COALESCE(sr.evaluation_tries, 0)
		FROM submissions s
		JOIN tasks t ON t.id = s.task_id
		LEFT JOIN submission_results sr
			ON sr.submission_id = s.id AND sr.dataset_id = t.active_dataset_id
		WHERE ($1 = 0 OR t.contest_id = $1)`
	rows, err := s.pool.Query(ctx, q, contestID)
	if err != nil {
		return nil, fmt.Errorf("loading submission status of contest %d: %w", contestID, err)
	}
	defer rows.Close()

	var reply structs.SubmissionsStatusReply
	for rows.Next() {
		var compOutcome, evalOutcome string
		var scored bool
		var compTries, evalTries int
		if err := rows.Scan(&compOutcome, &evalOutcome, &scored, &compTries, &evalTries); err != nil {
			return nil, err
		}

		reply.Total++
		switch {
		case scored:
			reply.Scored++
		case compOutcome == structs.CompilationOutcomeFail:
			reply.CompilationFailed++
		case compOutcome == "":
			if compTries >= structs.MaxCompilationTries {
				reply.Stalled++
			} else {
				reply.Compiling++
			}
		case evalOutcome != structs.EvaluationOutcomeOK:
			if evalTries >= structs.MaxEvaluationTries {
				reply.Stalled++
			} else {
				reply.Evaluating++
			}
		default:
			reply.Scoring++
		}
	}
	return &reply, rows.Err()
}
