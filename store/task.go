// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package store

import (
	"context"
	"fmt"
	"time"

	metrics "github.com/hashicorp/go-metrics"
	"github.com/jackc/pgx/v5"

	"github.com/hashicorp/gavel/structs"
)

// GetTask loads one task row.
func (s *Store) GetTask(ctx context.Context, id int64) (*structs.Task, error) {
	q := `SELECT id, COALESCE(contest_id, 0), num, name, title, submission_format,
			COALESCE(active_dataset_id, 0), score_precision
		FROM tasks WHERE id = $1`
	var t structs.Task
	err := s.pool.QueryRow(ctx, q, id).Scan(
		&t.ID, &t.ContestID, &t.Num, &t.Name, &t.Title,
		&t.SubmissionFormat, &t.ActiveDatasetID, &t.ScorePrecision)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("task %d: %w", id, structs.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading task %d: %w", id, err)
	}
	return &t, nil
}

// GetDataset loads a dataset with its managers and testcases. This is the
// hot loader on the grading path, so it is measured.
func (s *Store) GetDataset(ctx context.Context, id int64) (*structs.Dataset, error) {
	defer metrics.MeasureSince([]string{"gavel", "store", "get_dataset"}, time.Now())

	q := `SELECT id, task_id, description, autojudge, time_limit, memory_limit,
			task_type, task_type_parameters, score_type, score_type_parameters
		FROM datasets WHERE id = $1`
	var d structs.Dataset
	err := s.pool.QueryRow(ctx, q, id).Scan(
		&d.ID, &d.TaskID, &d.Description, &d.Autojudge, &d.TimeLimit, &d.MemoryLimit,
		&d.TaskType, &d.TaskTypeParameters, &d.ScoreType, &d.ScoreTypeParameters)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("dataset %d: %w", id, structs.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading dataset %d: %w", id, err)
	}

	d.Managers, err = s.fileMap(ctx, `SELECT filename, digest FROM managers WHERE dataset_id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("loading managers of dataset %d: %w", id, err)
	}

	tq := `SELECT id, dataset_id, codename, public, input_digest, output_digest
		FROM testcases WHERE dataset_id = $1 ORDER BY codename`
	rows, err := s.pool.Query(ctx, tq, id)
	if err != nil {
		return nil, fmt.Errorf("loading testcases of dataset %d: %w", id, err)
	}
	defer rows.Close()
	for rows.Next() {
		var tc structs.Testcase
		if err := rows.Scan(&tc.ID, &tc.DatasetID, &tc.Codename, &tc.Public,
			&tc.InputDigest, &tc.OutputDigest); err != nil {
			return nil, err
		}
		d.Testcases = append(d.Testcases, tc)
	}
	return &d, rows.Err()
}

// DatasetsToJudge returns the dataset ids a task is graded under: the active
// dataset plus any flagged for autojudging.
func (s *Store) DatasetsToJudge(ctx context.Context, task *structs.Task) ([]int64, error) {
	q := `SELECT id FROM datasets WHERE task_id = $1 AND (id = $2 OR autojudge) ORDER BY id`
	return s.queryIDs(ctx, q, task.ID, task.ActiveDatasetID)
}

// fileMap collects (filename, digest) rows into a map.
func (s *Store) fileMap(ctx context.Context, q string, args ...interface{}) (map[string]string, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	m := make(map[string]string)
	for rows.Next() {
		var filename, digest string
		if err := rows.Scan(&filename, &digest); err != nil {
			return nil, err
		}
		m[filename] = digest
	}
	return m, rows.Err()
}
