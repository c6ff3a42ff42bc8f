// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/hashicorp/gavel/structs"
)

// GetUserTest loads a user test with its files and user supplied managers.
func (s *Store) GetUserTest(ctx context.Context, id int64) (*structs.UserTest, error) {
	q := `SELECT id, participation_id, task_id, timestamp, language, input_digest
		FROM user_tests WHERE id = $1`
	var ut structs.UserTest
	err := s.pool.QueryRow(ctx, q, id).Scan(
		&ut.ID, &ut.ParticipationID, &ut.TaskID, &ut.Timestamp, &ut.Language, &ut.InputDigest)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("user test %d: %w", id, structs.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading user test %d: %w", id, err)
	}

	ut.Files, err = s.fileMap(ctx,
		`SELECT filename, digest FROM user_test_files WHERE user_test_id = $1`, id)
	if err != nil {
		return nil, err
	}
	ut.Managers, err = s.fileMap(ctx,
		`SELECT filename, digest FROM user_test_managers WHERE user_test_id = $1`, id)
	if err != nil {
		return nil, err
	}
	return &ut, nil
}

// UnfinishedUserTestIDs returns user tests that may still need grading work
// on some judged dataset, the user test counterpart of
// UnfinishedSubmissionIDs. contestID 0 selects every contest.
func (s *Store) UnfinishedUserTestIDs(ctx context.Context, contestID int64) ([]int64, error) {
	q := `SELECT DISTINCT ut.id
		FROM user_tests ut
		JOIN tasks t ON t.id = ut.task_id
		JOIN datasets d ON d.task_id = t.id AND (d.id = t.active_dataset_id OR d.autojudge)
		LEFT JOIN user_test_results utr
			ON utr.user_test_id = ut.id AND utr.dataset_id = d.id
		WHERE ($1 = 0 OR t.contest_id = $1)
			AND (utr.user_test_id IS NULL
				OR (utr.compilation_outcome = '' AND utr.compilation_tries < $2)
				OR (utr.compilation_outcome = $3 AND utr.evaluation_outcome = ''
					AND utr.evaluation_tries < $4))
		ORDER BY ut.id`
	return s.queryIDs(ctx, q, contestID,
		structs.MaxTestCompilationTries, structs.CompilationOutcomeOK, structs.MaxTestEvaluationTries)
}

// EnsureUserTestResult returns the grading state of the (user test, dataset)
// pair, creating the fresh row on first touch.
func (s *Store) EnsureUserTestResult(ctx context.Context, userTestID, datasetID int64) (*structs.UserTestResult, error) {
	q := `INSERT INTO user_test_results (user_test_id, dataset_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING`
	if _, err := s.pool.Exec(ctx, q, userTestID, datasetID); err != nil {
		return nil, fmt.Errorf("creating user test result %d/%d: %w", userTestID, datasetID, err)
	}
	return s.GetUserTestResult(ctx, userTestID, datasetID)
}

// GetUserTestResult loads the grading state of one (user test, dataset)
// pair.
func (s *Store) GetUserTestResult(ctx context.Context, userTestID, datasetID int64) (*structs.UserTestResult, error) {
	q := `SELECT user_test_id, dataset_id,
			compilation_outcome, compilation_text, compilation_tries,
			compilation_stdout, compilation_stderr, compilation_time,
			compilation_wall_clock_time, compilation_memory, compilation_shard,
			evaluation_outcome, evaluation_tries, evaluation_text,
			output_digest, execution_time, execution_memory, evaluation_shard
		FROM user_test_results WHERE user_test_id = $1 AND dataset_id = $2`
	var r structs.UserTestResult
	err := s.pool.QueryRow(ctx, q, userTestID, datasetID).Scan(
		&r.UserTestID, &r.DatasetID,
		&r.CompilationOutcome, &r.CompilationText, &r.CompilationTries,
		&r.CompilationStdout, &r.CompilationStderr, &r.CompilationTime,
		&r.CompilationWallClockTime, &r.CompilationMemory, &r.CompilationShard,
		&r.EvaluationOutcome, &r.EvaluationTries, &r.EvaluationText,
		&r.OutputDigest, &r.ExecutionTime, &r.Memory, &r.EvaluationShard)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("user test result %d/%d: %w", userTestID, datasetID, structs.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading user test result %d/%d: %w", userTestID, datasetID, err)
	}

	r.Executables, err = s.fileMap(ctx,
		`SELECT filename, digest FROM user_test_executables WHERE user_test_id = $1 AND dataset_id = $2`,
		userTestID, datasetID)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// SetUserTestCompilation writes a completed compilation attempt and its
// executables.
func (s *Store) SetUserTestCompilation(ctx context.Context, r *structs.UserTestResult) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	q := `UPDATE user_test_results SET
			compilation_outcome = $3, compilation_text = $4,
			compilation_stdout = $5, compilation_stderr = $6,
			compilation_time = $7, compilation_wall_clock_time = $8,
			compilation_memory = $9, compilation_shard = $10
		WHERE user_test_id = $1 AND dataset_id = $2`
	if _, err := tx.Exec(ctx, q, r.UserTestID, r.DatasetID,
		r.CompilationOutcome, r.CompilationText,
		r.CompilationStdout, r.CompilationStderr,
		r.CompilationTime, r.CompilationWallClockTime,
		r.CompilationMemory, r.CompilationShard); err != nil {
		return fmt.Errorf("writing user test compilation %d/%d: %w", r.UserTestID, r.DatasetID, err)
	}

	if _, err := tx.Exec(ctx,
		`DELETE FROM user_test_executables WHERE user_test_id = $1 AND dataset_id = $2`,
		r.UserTestID, r.DatasetID); err != nil {
		return err
	}
	for filename, digest := range r.Executables {
		if _, err := tx.Exec(ctx,
			`INSERT INTO user_test_executables (user_test_id, dataset_id, filename, digest) VALUES ($1, $2, $3, $4)`,
			r.UserTestID, r.DatasetID, filename, digest); err != nil {
			return fmt.Errorf("writing user test executable %s: %w", filename, err)
		}
	}
	return tx.Commit(ctx)
}

// SetUserTestEvaluation writes the single graded run of a user test.
func (s *Store) SetUserTestEvaluation(ctx context.Context, r *structs.UserTestResult) error {
	q := `UPDATE user_test_results SET
			evaluation_outcome = $3, evaluation_text = $4, output_digest = $5,
			execution_time = $6, execution_memory = $7, evaluation_shard = $8
		WHERE user_test_id = $1 AND dataset_id = $2`
	_, err := s.pool.Exec(ctx, q, r.UserTestID, r.DatasetID,
		r.EvaluationOutcome, r.EvaluationText, r.OutputDigest,
		r.ExecutionTime, r.Memory, r.EvaluationShard)
	if err != nil {
		return fmt.Errorf("writing user test evaluation %d/%d: %w", r.UserTestID, r.DatasetID, err)
	}
	return nil
}

// IncrementUserTestCompilationTries charges one compilation attempt.
func (s *Store) IncrementUserTestCompilationTries(ctx context.Context, userTestID, datasetID int64) (int, error) {
	q := `UPDATE user_test_results SET compilation_tries = compilation_tries + 1
		WHERE user_test_id = $1 AND dataset_id = $2 RETURNING compilation_tries`
	var tries int
	err := s.pool.QueryRow(ctx, q, userTestID, datasetID).Scan(&tries)
	if err == pgx.ErrNoRows {
		return 0, fmt.Errorf("user test result %d/%d: %w", userTestID, datasetID, structs.ErrNotFound)
	}
	return tries, err
}

// IncrementUserTestEvaluationTries charges one evaluation attempt.
func (s *Store) IncrementUserTestEvaluationTries(ctx context.Context, userTestID, datasetID int64) (int, error) {
	q := `UPDATE user_test_results SET evaluation_tries = evaluation_tries + 1
		WHERE user_test_id = $1 AND dataset_id = $2 RETURNING evaluation_tries`
	var tries int
	err := s.pool.QueryRow(ctx, q, userTestID, datasetID).Scan(&tries)
	if err == pgx.ErrNoRows {
		return 0, fmt.Errorf("user test result %d/%d: %w", userTestID, datasetID, structs.ErrNotFound)
	}
	return tries, err
}
