// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package worker implements the grading muscle of the cluster: a service
// that accepts one compile or evaluate job at a time, stages its files into
// sandboxes through the file cacher, runs the task type's grading logic and
// replies with the outcome. Workers are stateless between jobs; everything
// they need is loaded from the store and the file store on demand.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
	multierror "github.com/hashicorp/go-multierror"
	"github.com/hashicorp/go-set/v3"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/hashicorp/gavel/config"
	"github.com/hashicorp/gavel/filestore"
	"github.com/hashicorp/gavel/rpc"
	"github.com/hashicorp/gavel/sandbox"
	"github.com/hashicorp/gavel/structs"
	"github.com/hashicorp/gavel/tasktype"
)

// datasetCacheSize is how many immutable dataset descriptors are kept in
// memory. Reloads are cheap, so this only needs to cover the datasets in
// active rotation.
const datasetCacheSize = 64

// Store is the slice of the data layer the worker needs. *store.Store
// implements it; tests substitute an in-memory fake.
type Store interface {
	GetSubmission(ctx context.Context, id int64) (*structs.Submission, error)
	GetUserTest(ctx context.Context, id int64) (*structs.UserTest, error)
	GetDataset(ctx context.Context, id int64) (*structs.Dataset, error)
	Executables(ctx context.Context, submissionID, datasetID int64) (map[string]string, error)
	GetUserTestResult(ctx context.Context, userTestID, datasetID int64) (*structs.UserTestResult, error)
	ContestFileDigests(ctx context.Context, contestID int64) ([]string, error)
}

// Service is one worker shard. It runs at most one job at a time: the
// dispatcher relies on the busy reply to keep its assignment view honest,
// and sandbox runs are resource measurements that must not share a host
// core with another run.
type Service struct {
	svc    *rpc.Service
	cfg    *config.Config
	logger hclog.Logger
	shard  int

	store    Store
	cacher   *filestore.Cacher
	datasets *lru.Cache[int64, *structs.Dataset]

	// slotLock guards the single job slot: the busy flag, the identity of
	// the running job and its cancel function.
	slotLock sync.Mutex
	busy     bool
	current  structs.Job
	cancel   context.CancelFunc

	// precaching collapses concurrent precache requests into one pass.
	precacheLock sync.Mutex
	precaching   bool
}

// NewService starts a worker shard. Files are pulled from file store shard 0
// through a local cache, so repeated jobs on the same dataset touch the
// network once per file.
func NewService(cfg *config.Config, shard int, st Store, logger hclog.Logger) (*Service, error) {
	logger = logger.Named("worker")

	coord := rpc.ServiceCoord{Name: structs.ServiceNameWorker, Shard: shard}
	base, err := rpc.NewService(coord, cfg, logger)
	if err != nil {
		return nil, err
	}

	fileStore := base.Connect(rpc.ServiceCoord{Name: structs.ServiceNameFileStore, Shard: 0})
	cacher, err := filestore.NewCacher(filestore.NewRemoteBackend(fileStore), cfg.CacheDir, coord, logger)
	if err != nil {
		base.Shutdown()
		return nil, err
	}

	datasets, err := lru.New[int64, *structs.Dataset](datasetCacheSize)
	if err != nil {
		base.Shutdown()
		return nil, err
	}

	s := &Service{
		svc:      base,
		cfg:      cfg,
		logger:   logger,
		shard:    shard,
		store:    st,
		cacher:   cacher,
		datasets: datasets,
	}

	base.Register(structs.WorkerMethodExecuteJob, rpc.FlagCallable|rpc.FlagThreaded, s.handleExecuteJob)
	base.Register(structs.WorkerMethodPrecacheFiles, rpc.FlagCallable|rpc.FlagThreaded, s.handlePrecacheFiles)
	base.Register(structs.WorkerMethodIgnoreJob, rpc.FlagCallable, s.handleIgnoreJob)

	logger.Info("worker ready", "shard", shard, "temp_dir", cfg.TempDir)
	return s, nil
}

// Run blocks until the service shuts down.
func (s *Service) Run() { s.svc.Run() }

// Shutdown tears the service down. A running job is cancelled through its
// context and stops at its next sandbox boundary.
func (s *Service) Shutdown() { s.svc.Shutdown() }

// RPC exposes the underlying service runtime.
func (s *Service) RPC() *rpc.Service { return s.svc }

// acquireSlot claims the job slot and returns the context the job runs
// under. ErrWorkerBusy when another job holds it.
func (s *Service) acquireSlot(ctx context.Context, job structs.Job) (context.Context, error) {
	s.slotLock.Lock()
	defer s.slotLock.Unlock()
	if s.busy {
		metrics.IncrCounter([]string{"gavel", "worker", "busy_refused"}, 1)
		s.logger.Info("refusing job while busy", "running", s.current, "refused", job)
		return nil, structs.ErrWorkerBusy
	}
	jobCtx, cancel := context.WithCancel(ctx)
	s.busy = true
	s.current = job
	s.cancel = cancel
	return jobCtx, nil
}

// releaseSlot frees the job slot.
func (s *Service) releaseSlot() {
	s.slotLock.Lock()
	defer s.slotLock.Unlock()
	s.cancel()
	s.busy = false
	s.current = structs.Job{}
	s.cancel = nil
}

// handleExecuteJob runs one grading job start to finish. Infrastructure
// problems after this point are reported inside the result with
// Success=false, keeping the diagnostic attached to the job; only a busy
// slot or a malformed request raise an RPC error.
func (s *Service) handleExecuteJob(ctx context.Context, req *rpc.Request) (interface{}, error) {
	var job structs.Job
	if err := req.Decode(&job); err != nil {
		return nil, err
	}
	if err := job.Validate(); err != nil {
		return nil, err
	}

	jobCtx, err := s.acquireSlot(ctx, job)
	if err != nil {
		return nil, err
	}
	defer s.releaseSlot()

	s.logger.Info("job started", "job", job)
	start := time.Now()
	result := s.execute(jobCtx, job)
	metrics.MeasureSince([]string{"gavel", "worker", "job", job.Kind}, start)

	if result.Success {
		metrics.IncrCounter([]string{"gavel", "worker", "job_success"}, 1)
		s.logger.Info("job finished", "job", job, "elapsed", time.Since(start))
	} else {
		metrics.IncrCounter([]string{"gavel", "worker", "job_failure"}, 1)
		s.logger.Error("job failed", "job", job, "text", result.Text)
	}
	return result, nil
}

// handleIgnoreJob cancels the running job. The job stops at its next
// sandbox boundary and its outcome, whatever it ends up being, is discarded
// by the dispatcher.
func (s *Service) handleIgnoreJob(_ context.Context, _ *rpc.Request) (interface{}, error) {
	s.slotLock.Lock()
	defer s.slotLock.Unlock()
	if !s.busy {
		s.logger.Debug("ignore request with no job running")
		return nil, nil
	}
	s.logger.Info("cancelling current job on request", "job", s.current)
	metrics.IncrCounter([]string{"gavel", "worker", "ignored"}, 1)
	s.cancel()
	return nil, nil
}

// handlePrecacheFiles pulls every file the contest references through the
// cacher, so the first job on each dataset does not pay the transfer cost.
// Failures are collected rather than aborting: a file that cannot be
// fetched now will be fetched again when a job actually needs it.
func (s *Service) handlePrecacheFiles(ctx context.Context, req *rpc.Request) (interface{}, error) {
	var args structs.PrecacheArgs
	if err := req.Decode(&args); err != nil {
		return nil, err
	}

	s.precacheLock.Lock()
	if s.precaching {
		s.precacheLock.Unlock()
		s.logger.Info("precache already in progress, skipping", "contest", args.ContestID)
		return nil, nil
	}
	s.precaching = true
	s.precacheLock.Unlock()
	defer func() {
		s.precacheLock.Lock()
		s.precaching = false
		s.precacheLock.Unlock()
	}()

	start := time.Now()
	defer metrics.MeasureSince([]string{"gavel", "worker", "precache"}, start)

	digests, err := s.store.ContestFileDigests(ctx, args.ContestID)
	if err != nil {
		return nil, fmt.Errorf("cannot list contest files: %w", err)
	}
	wanted := set.From(digests)

	var mErr *multierror.Error
	fetched := 0
	for digest := range wanted.Items() {
		if ctx.Err() != nil {
			mErr = multierror.Append(mErr, ctx.Err())
			break
		}
		f, err := s.cacher.GetFile(ctx, digest)
		if err != nil {
			mErr = multierror.Append(mErr, fmt.Errorf("file %s: %w", digest, err))
			continue
		}
		f.Close()
		fetched++
	}

	s.logger.Info("file precache finished", "contest", args.ContestID,
		"files", wanted.Size(), "fetched", fetched, "elapsed", time.Since(start))
	return nil, mErr.ErrorOrNil()
}

// boxes returns the factory task types draw their sandboxes from.
func (s *Service) boxes() sandbox.Factory {
	return func(name string) (sandbox.Box, error) {
		return sandbox.NewSubprocess(s.cfg.TempDir, name, s.logger)
	}
}

// loadDataset returns a dataset, serving repeats from the LRU.
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

// execute runs the job against the store rows it names.
func (s *Service) execute(ctx context.Context, job structs.Job) *structs.JobResult {
	result := &structs.JobResult{Job: job}
	fail := func(err error) *structs.JobResult {
		result.Text = err.Error()
		return result
	}

	dataset, err := s.loadDataset(ctx, job.DatasetID)
	if err != nil {
		return fail(fmt.Errorf("cannot load dataset %d: %w", job.DatasetID, err))
	}
	tt, err := tasktype.New(dataset.TaskType, dataset.TaskTypeParameters)
	if err != nil {
		return fail(fmt.Errorf("dataset %d: %w", dataset.ID, err))
	}

	env := &tasktype.Env{
		Cacher: s.cacher,
		Boxes:  s.boxes(),
		Logger: s.logger,
	}

	switch job.Kind {
	case structs.JobCompile:
		c, err := s.compileSubmission(ctx, job, dataset, tt, env)
		if err != nil {
			return fail(err)
		}
		result.Compilation = c
	case structs.JobEvaluate:
		e, err := s.evaluateSubmission(ctx, job, dataset, tt, env)
		if err != nil {
			return fail(err)
		}
		result.Evaluation = e
	case structs.JobTestCompile:
		c, err := s.compileUserTest(ctx, job, dataset, tt, env)
		if err != nil {
			return fail(err)
		}
		result.Compilation = c
	case structs.JobTestEvaluate:
		e, err := s.evaluateUserTest(ctx, job, dataset, tt, env)
		if err != nil {
			return fail(err)
		}
		result.Evaluation = e
	}

	result.Success = true
	return result
}
