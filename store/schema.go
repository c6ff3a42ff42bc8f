// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package store

import (
	"context"
	"fmt"
)

// schema is the full data model, one statement per table. Every statement is
// idempotent so EnsureSchema can run on every service start.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS contests (
		id BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		description TEXT NOT NULL DEFAULT '',
		start_time TIMESTAMPTZ NOT NULL,
		stop_time TIMESTAMPTZ NOT NULL,
		score_precision INT NOT NULL DEFAULT 0
	)`,

	`CREATE TABLE IF NOT EXISTS users (
		id BIGSERIAL PRIMARY KEY,
		username TEXT NOT NULL UNIQUE,
		first_name TEXT NOT NULL DEFAULT '',
		last_name TEXT NOT NULL DEFAULT ''
	)`,

	`CREATE TABLE IF NOT EXISTS participations (
		id BIGSERIAL PRIMARY KEY,
		contest_id BIGINT NOT NULL REFERENCES contests(id),
		user_id BIGINT NOT NULL REFERENCES users(id),
		hidden BOOLEAN NOT NULL DEFAULT FALSE,
		UNIQUE (contest_id, user_id)
	)`,

	`CREATE TABLE IF NOT EXISTS tasks (
		id BIGSERIAL PRIMARY KEY,
		contest_id BIGINT REFERENCES contests(id),
		num INT NOT NULL DEFAULT 0,
		name TEXT NOT NULL UNIQUE,
		title TEXT NOT NULL DEFAULT '',
		submission_format JSONB NOT NULL DEFAULT '[]',
		active_dataset_id BIGINT,
		score_precision INT NOT NULL DEFAULT 0
	)`,

	`CREATE TABLE IF NOT EXISTS datasets (
		id BIGSERIAL PRIMARY KEY,
		task_id BIGINT NOT NULL REFERENCES tasks(id),
		description TEXT NOT NULL DEFAULT '',
		autojudge BOOLEAN NOT NULL DEFAULT FALSE,
		time_limit DOUBLE PRECISION NOT NULL DEFAULT 0,
		memory_limit BIGINT NOT NULL DEFAULT 0,
		task_type TEXT NOT NULL,
		task_type_parameters JSONB NOT NULL DEFAULT '[]',
		score_type TEXT NOT NULL,
		score_type_parameters JSONB NOT NULL DEFAULT '[]'
	)`,

	`CREATE TABLE IF NOT EXISTS managers (
		dataset_id BIGINT NOT NULL REFERENCES datasets(id) ON DELETE CASCADE,
		filename TEXT NOT NULL,
		digest CHAR(40) NOT NULL,
		PRIMARY KEY (dataset_id, filename)
	)`,

	`CREATE TABLE IF NOT EXISTS testcases (
		id BIGSERIAL PRIMARY KEY,
		dataset_id BIGINT NOT NULL REFERENCES datasets(id) ON DELETE CASCADE,
		codename TEXT NOT NULL,
		public BOOLEAN NOT NULL DEFAULT FALSE,
		input_digest CHAR(40) NOT NULL,
		output_digest CHAR(40) NOT NULL,
		UNIQUE (dataset_id, codename)
	)`,

	`CREATE TABLE IF NOT EXISTS submissions (
		id BIGSERIAL PRIMARY KEY,
		participation_id BIGINT NOT NULL REFERENCES participations(id),
		task_id BIGINT NOT NULL REFERENCES tasks(id),
		timestamp TIMESTAMPTZ NOT NULL,
		language TEXT NOT NULL DEFAULT '',
		comment TEXT NOT NULL DEFAULT '',
		official BOOLEAN NOT NULL DEFAULT TRUE
	)`,

	`CREATE TABLE IF NOT EXISTS submission_files (
		submission_id BIGINT NOT NULL REFERENCES submissions(id) ON DELETE CASCADE,
		filename TEXT NOT NULL,
		digest CHAR(40) NOT NULL,
		PRIMARY KEY (submission_id, filename)
	)`,

	`CREATE TABLE IF NOT EXISTS tokens (
		submission_id BIGINT PRIMARY KEY REFERENCES submissions(id) ON DELETE CASCADE,
		timestamp TIMESTAMPTZ NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS submission_results (
		submission_id BIGINT NOT NULL REFERENCES submissions(id) ON DELETE CASCADE,
		dataset_id BIGINT NOT NULL REFERENCES datasets(id) ON DELETE CASCADE,
		compilation_outcome TEXT NOT NULL DEFAULT '',
		compilation_text TEXT NOT NULL DEFAULT '',
		compilation_tries INT NOT NULL DEFAULT 0,
		compilation_stdout TEXT NOT NULL DEFAULT '',
		compilation_stderr TEXT NOT NULL DEFAULT '',
		compilation_time DOUBLE PRECISION NOT NULL DEFAULT 0,
		compilation_wall_clock_time DOUBLE PRECISION NOT NULL DEFAULT 0,
		compilation_memory BIGINT NOT NULL DEFAULT 0,
		compilation_shard INT NOT NULL DEFAULT 0,
		evaluation_outcome TEXT NOT NULL DEFAULT '',
		evaluation_tries INT NOT NULL DEFAULT 0,
		score DOUBLE PRECISION,
		public_score DOUBLE PRECISION,
		score_details TEXT NOT NULL DEFAULT '',
		public_score_details TEXT NOT NULL DEFAULT '',
		ranking_score_details TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (submission_id, dataset_id)
	)`,

	`CREATE TABLE IF NOT EXISTS executables (
		submission_id BIGINT NOT NULL,
		dataset_id BIGINT NOT NULL,
		filename TEXT NOT NULL,
		digest CHAR(40) NOT NULL,
		PRIMARY KEY (submission_id, dataset_id, filename),
		FOREIGN KEY (submission_id, dataset_id)
			REFERENCES submission_results(submission_id, dataset_id) ON DELETE CASCADE
	)`,

	`CREATE TABLE IF NOT EXISTS evaluations (
		submission_id BIGINT NOT NULL,
		dataset_id BIGINT NOT NULL,
		testcase_id BIGINT NOT NULL REFERENCES testcases(id) ON DELETE CASCADE,
		outcome TEXT NOT NULL DEFAULT '',
		text TEXT NOT NULL DEFAULT '',
		execution_time DOUBLE PRECISION NOT NULL DEFAULT 0,
		execution_wall_clock_time DOUBLE PRECISION NOT NULL DEFAULT 0,
		execution_memory BIGINT NOT NULL DEFAULT 0,
		evaluation_shard INT NOT NULL DEFAULT 0,
		PRIMARY KEY (submission_id, dataset_id, testcase_id),
		FOREIGN KEY (submission_id, dataset_id)
			REFERENCES submission_results(submission_id, dataset_id) ON DELETE CASCADE
	)`,

	`CREATE TABLE IF NOT EXISTS user_tests (
		id BIGSERIAL PRIMARY KEY,
		participation_id BIGINT NOT NULL REFERENCES participations(id),
		task_id BIGINT NOT NULL REFERENCES tasks(id),
		timestamp TIMESTAMPTZ NOT NULL,
		language TEXT NOT NULL DEFAULT '',
		input_digest CHAR(40) NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS user_test_files (
		user_test_id BIGINT NOT NULL REFERENCES user_tests(id) ON DELETE CASCADE,
		filename TEXT NOT NULL,
		digest CHAR(40) NOT NULL,
		PRIMARY KEY (user_test_id, filename)
	)`,

	`CREATE TABLE IF NOT EXISTS user_test_managers (
		user_test_id BIGINT NOT NULL REFERENCES user_tests(id) ON DELETE CASCADE,
		filename TEXT NOT NULL,
		digest CHAR(40) NOT NULL,
		PRIMARY KEY (user_test_id, filename)
	)`,

	`CREATE TABLE IF NOT EXISTS user_test_results (
		user_test_id BIGINT NOT NULL REFERENCES user_tests(id) ON DELETE CASCADE,
		dataset_id BIGINT NOT NULL REFERENCES datasets(id) ON DELETE CASCADE,
		compilation_outcome TEXT NOT NULL DEFAULT '',
		compilation_text TEXT NOT NULL DEFAULT '',
		compilation_tries INT NOT NULL DEFAULT 0,
		compilation_stdout TEXT NOT NULL DEFAULT '',
		compilation_stderr TEXT NOT NULL DEFAULT '',
		compilation_time DOUBLE PRECISION NOT NULL DEFAULT 0,
		compilation_wall_clock_time DOUBLE PRECISION NOT NULL DEFAULT 0,
		compilation_memory BIGINT NOT NULL DEFAULT 0,
		compilation_shard INT NOT NULL DEFAULT 0,
		evaluation_outcome TEXT NOT NULL DEFAULT '',
		evaluation_tries INT NOT NULL DEFAULT 0,
		evaluation_text TEXT NOT NULL DEFAULT '',
		output_digest CHAR(40) NOT NULL DEFAULT '',
		execution_time DOUBLE PRECISION NOT NULL DEFAULT 0,
		execution_memory BIGINT NOT NULL DEFAULT 0,
		evaluation_shard INT NOT NULL DEFAULT 0,
		PRIMARY KEY (user_test_id, dataset_id)
	)`,

	`CREATE TABLE IF NOT EXISTS user_test_executables (
		user_test_id BIGINT NOT NULL,
		dataset_id BIGINT NOT NULL,
		filename TEXT NOT NULL,
		digest CHAR(40) NOT NULL,
		PRIMARY KEY (user_test_id, dataset_id, filename),
		FOREIGN KEY (user_test_id, dataset_id)
			REFERENCES user_test_results(user_test_id, dataset_id) ON DELETE CASCADE
	)`,

	`CREATE INDEX IF NOT EXISTS idx_submissions_task ON submissions (task_id)`,
	`CREATE INDEX IF NOT EXISTS idx_submissions_participation ON submissions (participation_id)`,
	`CREATE INDEX IF NOT EXISTS idx_datasets_task ON datasets (task_id)`,
	`CREATE INDEX IF NOT EXISTS idx_evaluations_result ON evaluations (submission_id, dataset_id)`,
}

// EnsureSchema creates any missing tables and indexes.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("applying schema: %w", err)
		}
	}
	s.logger.Debug("schema ensured", "statements", len(schema))
	return nil
}
