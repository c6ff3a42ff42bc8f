// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package evaluation

import (
	"context"
	"time"

	metrics "github.com/hashicorp/go-metrics"

	"github.com/hashicorp/gavel/rpc"
	"github.com/hashicorp/gavel/store"
	"github.com/hashicorp/gavel/structs"
)

// handleInvalidate wipes grading state for the selected submissions and
// schedules the grading anew. Registered threaded because the database work
// for a whole contest can take a while.
func (s *Service) handleInvalidate(ctx context.Context, req *rpc.Request) (interface{}, error) {
	var args structs.InvalidateArgs
	if err := req.Decode(&args); err != nil {
		return nil, err
	}
	if err := args.Validate(); err != nil {
		return nil, err
	}
	return nil, s.invalidate(ctx, &args)
}

func (s *Service) invalidate(ctx context.Context, args *structs.InvalidateArgs) error {
	defer metrics.MeasureSince([]string{"gavel", "evaluation", "invalidate"}, time.Now())

	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	s.opLock.Lock()
	defer s.opLock.Unlock()

	// Dataset descriptors may have been edited before the invalidation was
	// requested. Drop them all rather than track which ones.
	s.datasets.Purge()

	refs, err := s.store.ResultsForInvalidation(opCtx, s.contestID, args)
	if err != nil {
		s.logger.Error("cannot resolve invalidation target", "error", err)
		return err
	}
	if len(refs) == 0 {
		s.logger.Info("invalidation matched no results", "level", args.Level)
		return nil
	}

	byResult := make(map[store.ResultRef]struct{}, len(refs))
	for _, ref := range refs {
		byResult[ref] = struct{}{}
	}

	// An evaluation level invalidation keeps compilations, queued compile
	// jobs included.
	match := func(job structs.Job) bool {
		if !job.ForSubmission() {
			return false
		}
		if args.Level == structs.InvalidationLevelEvaluation && job.IsCompile() {
			return false
		}
		_, ok := byResult[store.ResultRef{SubmissionID: job.EntityID, DatasetID: job.DatasetID}]
		return ok
	}

	dropped := len(s.queue.RemoveWhere(match))

	ignored := 0
	for shard, ws := range s.pool.Status() {
		if ws.Job == nil || !match(*ws.Job) {
			continue
		}
		if s.pool.Ignore(*ws.Job) {
			ignored++
			s.logger.Debug("running job invalidated", "job", *ws.Job, "worker", shard)
		}
	}

	subIDs := make(map[int64]struct{})
	for _, ref := range refs {
		subIDs[ref.SubmissionID] = struct{}{}
		switch args.Level {
		case structs.InvalidationLevelCompilation:
			err = s.store.ResetCompilation(opCtx, ref)
		case structs.InvalidationLevelEvaluation:
			err = s.store.ResetEvaluation(opCtx, ref)
		}
		if err != nil {
			s.logger.Error("cannot reset result",
				"submission", ref.SubmissionID, "dataset", ref.DatasetID, "error", err)
			return err
		}
	}

	s.logger.Info("invalidation applied", "level", args.Level,
		"results", len(refs), "dequeued", dropped, "interrupted", ignored)
	metrics.IncrCounter([]string{"gavel", "evaluation", "invalidated"}, float32(len(refs)))

	for id := range subIDs {
		sub, err := s.store.GetSubmission(opCtx, id)
		if err != nil {
			s.logger.Error("cannot reload invalidated submission",
				"submission", id, "error", err)
			continue
		}
		s.enqueueSubmissionOps(opCtx, sub)
	}
	return nil
}
