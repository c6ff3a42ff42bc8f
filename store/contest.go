// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/hashicorp/gavel/structs"
)

// GetContest loads one contest row.
func (s *Store) GetContest(ctx context.Context, id int64) (*structs.Contest, error) {
	q := `SELECT id, name, description, start_time, stop_time, score_precision
		FROM contests WHERE id = $1`
	var c structs.Contest
	err := s.pool.QueryRow(ctx, q, id).Scan(
		&c.ID, &c.Name, &c.Description, &c.Start, &c.Stop, &c.ScorePrecision)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("contest %d: %w", id, structs.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading contest %d: %w", id, err)
	}
	return &c, nil
}

// Contests lists every contest in the store. Services started with contest
// 0 use this to cover them all.
func (s *Store) Contests(ctx context.Context) ([]*structs.Contest, error) {
	q := `SELECT id, name, description, start_time, stop_time, score_precision
		FROM contests ORDER BY id`
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("listing contests: %w", err)
	}
	defer rows.Close()

	var contests []*structs.Contest
	for rows.Next() {
		var c structs.Contest
		if err := rows.Scan(&c.ID, &c.Name, &c.Description,
			&c.Start, &c.Stop, &c.ScorePrecision); err != nil {
			return nil, err
		}
		contests = append(contests, &c)
	}
	return contests, rows.Err()
}

// ContestTasks loads the contest's tasks ordered by their position.
func (s *Store) ContestTasks(ctx context.Context, contestID int64) ([]*structs.Task, error) {
	q := `SELECT id, contest_id, num, name, title, submission_format,
			COALESCE(active_dataset_id, 0), score_precision
		FROM tasks WHERE contest_id = $1 ORDER BY num`
	rows, err := s.pool.Query(ctx, q, contestID)
	if err != nil {
		return nil, fmt.Errorf("loading tasks of contest %d: %w", contestID, err)
	}
	defer rows.Close()

	var tasks []*structs.Task
	for rows.Next() {
		var t structs.Task
		if err := rows.Scan(&t.ID, &t.ContestID, &t.Num, &t.Name, &t.Title,
			&t.SubmissionFormat, &t.ActiveDatasetID, &t.ScorePrecision); err != nil {
			return nil, err
		}
		tasks = append(tasks, &t)
	}
	return tasks, rows.Err()
}

// ContestParticipations loads the contest's participations with user
// identities resolved.
func (s *Store) ContestParticipations(ctx context.Context, contestID int64) ([]*structs.Participation, error) {
	q := `SELECT p.id, p.contest_id, p.user_id, p.hidden,
			u.username, u.first_name, u.last_name
		FROM participations p JOIN users u ON u.id = p.user_id
		WHERE p.contest_id = $1 ORDER BY p.id`
	rows, err := s.pool.Query(ctx, q, contestID)
	if err != nil {
		return nil, fmt.Errorf("loading participations of contest %d: %w", contestID, err)
	}
	defer rows.Close()

	var parts []*structs.Participation
	for rows.Next() {
		var p structs.Participation
		if err := rows.Scan(&p.ID, &p.ContestID, &p.UserID, &p.Hidden,
			&p.Username, &p.FirstName, &p.LastName); err != nil {
			return nil, err
		}
		parts = append(parts, &p)
	}
	return parts, rows.Err()
}

// ContestTokens returns every token played in the contest, oldest first.
// contestID 0 selects every contest.
func (s *Store) ContestTokens(ctx context.Context, contestID int64) ([]structs.Token, error) {
	q := `SELECT tk.submission_id, tk.timestamp
		FROM tokens tk
		JOIN submissions s ON s.id = tk.submission_id
		JOIN tasks t ON t.id = s.task_id
		WHERE ($1 = 0 OR t.contest_id = $1) ORDER BY tk.timestamp`
	rows, err := s.pool.Query(ctx, q, contestID)
	if err != nil {
		return nil, fmt.Errorf("loading tokens of contest %d: %w", contestID, err)
	}
	defer rows.Close()

	var tokens []structs.Token
	for rows.Next() {
		var tk structs.Token
		if err := rows.Scan(&tk.SubmissionID, &tk.Timestamp); err != nil {
			return nil, err
		}
		tokens = append(tokens, tk)
	}
	return tokens, rows.Err()
}

// ContestFileDigests returns every file digest the contest references:
// dataset managers, testcase inputs and outputs, and submitted files.
// Workers warm their caches from this set. contestID 0 selects every
// contest.
func (s *Store) ContestFileDigests(ctx context.Context, contestID int64) ([]string, error) {
	q := `SELECT m.digest FROM managers m
			JOIN datasets d ON d.id = m.dataset_id
			JOIN tasks t ON t.id = d.task_id WHERE ($1 = 0 OR t.contest_id = $1)
		UNION
		SELECT tc.input_digest FROM testcases tc
			JOIN datasets d ON d.id = tc.dataset_id
			JOIN tasks t ON t.id = d.task_id WHERE ($1 = 0 OR t.contest_id = $1)
		UNION
		SELECT tc.output_digest FROM testcases tc
			JOIN datasets d ON d.id = tc.dataset_id
			JOIN tasks t ON t.id = d.task_id WHERE ($1 = 0 OR t.contest_id = $1)
		UNION
		SELECT sf.digest FROM submission_files sf
			JOIN submissions s ON s.id = sf.submission_id
			JOIN tasks t ON t.id = s.task_id WHERE ($1 = 0 OR t.contest_id = $1)`
	rows, err := s.pool.Query(ctx, q, contestID)
	if err != nil {
		return nil, fmt.Errorf("loading file digests of contest %d: %w", contestID, err)
	}
	defer rows.Close()

	var digests []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		digests = append(digests, d)
	}
	return digests, rows.Err()
}

func (s *Store) queryIDs(ctx context.Context, q string, args ...interface{}) ([]int64, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
