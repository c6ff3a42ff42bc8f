// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package store is the Postgres data layer. It owns the contest data model:
// read only contest structure written by the contest web server, grading
// state written by the evaluation service, and scores written by the scoring
// service.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store wraps a pgx connection pool. All methods are safe for concurrent
// use.
type Store struct {
	pool   *pgxpool.Pool
	logger hclog.Logger
}

// New connects to Postgres and verifies the connection with a ping.
func New(ctx context.Context, dsn string, logger hclog.Logger) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return &Store{
		pool:   pool,
		logger: logger.Named("store"),
	}, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}
