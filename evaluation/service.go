// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package evaluation

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/hashicorp/gavel/config"
	"github.com/hashicorp/gavel/rpc"
	"github.com/hashicorp/gavel/structs"
)

const (
	// dispatchPeriod is how often queued jobs are matched to idle workers.
	dispatchPeriod = 2 * time.Second

	// timeoutCheckPeriod is how often workers holding a job too long are
	// given up on.
	timeoutCheckPeriod = 5 * time.Minute

	// connectionCheckPeriod is how often jobs held by disconnected workers
	// are recovered.
	connectionCheckPeriod = 10 * time.Second

	// sweepPeriod is how often the database is scanned for grading work
	// that is not represented in the queue or the pool.
	sweepPeriod = 2 * time.Minute

	// opTimeout bounds the database work of a single state transition.
	opTimeout = 30 * time.Second

	// datasetCacheSize is how many immutable dataset descriptors are kept
	// in memory.
	datasetCacheSize = 64
)

// Service is the evaluation dispatcher: it owns the job queue and the
// worker pool, reacts to submission events, writes grading outcomes to the
// store and keeps the scoring service informed.
type Service struct {
	svc    *rpc.Service
	cfg    *config.Config
	logger hclog.Logger

	store     Store
	contestID int64

	queue *Queue
	pool  *Pool

	scoring  *rpc.Client
	datasets *lru.Cache[int64, *structs.Dataset]

	// opLock serializes grading state transitions: enqueue decisions,
	// outcome writebacks and invalidation all read and modify the same
	// store rows and queue entries, so they run one at a time, the way the
	// original single event loop did.
	opLock sync.Mutex
}

// NewService starts the evaluation service for one contest (contestID 0
// grades every contest in the store). The worker fleet is dialed
// immediately; workers that are down are picked up by the reconnect timer.
func NewService(cfg *config.Config, shard int, contestID int64, st Store, logger hclog.Logger) (*Service, error) {
	logger = logger.Named("evaluation")

	coord := rpc.ServiceCoord{Name: structs.ServiceNameEvaluation, Shard: shard}
	base, err := rpc.NewService(coord, cfg, logger)
	if err != nil {
		return nil, err
	}

	datasets, err := lru.New[int64, *structs.Dataset](datasetCacheSize)
	if err != nil {
		base.Shutdown()
		return nil, err
	}

	s := &Service{
		svc:       base,
		cfg:       cfg,
		logger:    logger,
		store:     st,
		contestID: contestID,
		queue:     NewQueue(),
		datasets:  datasets,
	}
	s.pool = NewPool(base, cfg, cfg.WorkerTimeout(structs.WorkerTimeout), s.jobFinished, logger)
	s.pool.OnWorkerConnect(s.workerConnected)
	s.scoring = base.Connect(rpc.ServiceCoord{Name: structs.ServiceNameScoring, Shard: 0})

	base.Register(structs.ESMethodNewSubmission, rpc.FlagCallable, s.handleNewSubmission)
	base.Register(structs.ESMethodNewUserTest, rpc.FlagCallable, s.handleNewUserTest)
	base.Register(structs.ESMethodSubmissionTokened, rpc.FlagCallable, s.handleSubmissionTokened)
	base.Register(structs.ESMethodInvalidateSubmission, rpc.FlagCallable|rpc.FlagThreaded, s.handleInvalidate)
	base.Register(structs.ESMethodDisableWorker, rpc.FlagCallable, s.handleDisableWorker)
	base.Register(structs.ESMethodEnableWorker, rpc.FlagCallable, s.handleEnableWorker)
	base.Register(structs.ESMethodWorkersStatus, rpc.FlagCallable, s.handleWorkersStatus)
	base.Register(structs.ESMethodQueueStatus, rpc.FlagCallable, s.handleQueueStatus)
	base.Register(structs.ESMethodSubmissionsStatus, rpc.FlagCallable, s.handleSubmissionsStatus)

	base.AddTimer("dispatch", dispatchPeriod, true, s.dispatch)
	base.AddTimer("worker-timeouts", timeoutCheckPeriod, false, s.checkTimeouts)
	base.AddTimer("worker-connections", connectionCheckPeriod, false, s.checkConnections)
	base.AddTimer("sweep", sweepPeriod, true, s.sweep)

	go s.queue.EmitStats(cfg.MetricsInterval(), base.ShutdownCh())

	logger.Info("evaluation service ready",
		"shard", shard, "contest", contestID, "workers", s.pool.Size())
	return s, nil
}

// Run blocks until the service shuts down.
func (s *Service) Run() { s.svc.Run() }

// Shutdown tears the service down.
func (s *Service) Shutdown() { s.svc.Shutdown() }

// RPC exposes the underlying service runtime.
func (s *Service) RPC() *rpc.Service { return s.svc }

// dispatch drains the queue onto idle workers. Runs on the wheel.
func (s *Service) dispatch() bool {
	s.opLock.Lock()
	defer s.opLock.Unlock()

	for {
		e, ok := s.queue.Pop()
		if !ok {
			return true
		}
		if _, ok := s.pool.Assign(e.Job, e.Priority, e.Timestamp); !ok {
			// Every worker busy, disabled or down: put it back and wait
			// for the next tick.
			if err := s.queue.Push(e.Job, e.Priority, e.Timestamp); err != nil {
				s.logger.Error("cannot requeue undispatched job", "job", e.Job, "error", err)
			}
			return true
		}
		metrics.IncrCounter([]string{"gavel", "evaluation", "dispatched"}, 1)
	}
}

// checkTimeouts recovers jobs from workers that went silent. Runs on the
// wheel.
func (s *Service) checkTimeouts() bool {
	for _, a := range s.pool.CheckTimeouts() {
		s.requeue(a)
	}
	return true
}

// checkConnections recovers jobs from workers whose connection dropped.
// Runs on the wheel.
func (s *Service) checkConnections() bool {
	for _, a := range s.pool.CheckConnections() {
		s.requeue(a)
	}
	return true
}

// sweep re-creates any grading work the queue and pool lost track of:
// submissions and user tests with unfinished phases and remaining try
// budget. This is what makes a dispatcher restart lose no work. Runs on
// the wheel.
func (s *Service) sweep() bool {
	defer metrics.MeasureSince([]string{"gavel", "evaluation", "sweep"}, time.Now())

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	s.opLock.Lock()
	defer s.opLock.Unlock()

	subIDs, err := s.store.UnfinishedSubmissionIDs(ctx, s.contestID)
	if err != nil {
		s.logger.Error("sweep: cannot list unfinished submissions", "error", err)
		return true
	}
	for _, id := range subIDs {
		sub, err := s.store.GetSubmission(ctx, id)
		if err != nil {
			s.logger.Error("sweep: cannot load submission", "submission", id, "error", err)
			continue
		}
		s.enqueueSubmissionOps(ctx, sub)
	}

	utIDs, err := s.store.UnfinishedUserTestIDs(ctx, s.contestID)
	if err != nil {
		s.logger.Error("sweep: cannot list unfinished user tests", "error", err)
		return true
	}
	for _, id := range utIDs {
		ut, err := s.store.GetUserTest(ctx, id)
		if err != nil {
			s.logger.Error("sweep: cannot load user test", "user_test", id, "error", err)
			continue
		}
		s.enqueueUserTestOps(ctx, ut)
	}

	if n := len(subIDs) + len(utIDs); n > 0 {
		s.logger.Debug("sweep pass complete", "unfinished", n, "queued", s.queue.Len())
	}
	return true
}

// workerConnected fires on every worker (re)connect and asks it to warm its
// file cache with the contest's files.
func (s *Service) workerConnected(shard int) {
	s.logger.Info("worker connected, sending precache request",
		"worker", shard, "contest", s.contestID)
	worker := s.svc.Connect(rpc.ServiceCoord{Name: structs.ServiceNameWorker, Shard: shard})
	worker.Notify(structs.WorkerMethodPrecacheFiles,
		structs.PrecacheArgs{ContestID: s.contestID})
}

// jobFinished is the pool's outcome callback. Transport level failures
// requeue without charging the attempt; everything else is a completed
// attempt handled by the matching phase transition.
func (s *Service) jobFinished(shard int, a Assignment, result *structs.JobResult, err error, ignored bool) {
	if ignored {
		s.logger.Debug("discarding ignored job outcome",
			"job", a.Job, "worker", shard, "error", err)
		return
	}

	if err != nil {
		if structs.IsErrWorkerBusy(err) {
			// The worker was already occupied. Not an attempt.
			s.logger.Debug("worker busy, requeueing", "job", a.Job, "worker", shard)
			metrics.IncrCounter([]string{"gavel", "evaluation", "worker_busy"}, 1)
			s.requeue(a)
			return
		}
		if _, remote := rpc.IsRemoteError(err); !remote {
			// The call never completed: connection loss, shutdown, or the
			// frame never decoded into a reply. The job may not have run
			// at all, so it goes back unchanged.
			s.logger.Warn("job lost in transit, requeueing",
				"job", a.Job, "worker", shard, "error", err)
			s.requeue(a)
			return
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	s.opLock.Lock()
	defer s.opLock.Unlock()

	if err != nil {
		// The worker raised instead of replying: a completed, failed
		// attempt.
		s.logger.Error("job failed on worker", "job", a.Job, "worker", shard, "error", err)
		result = nil
	}

	switch a.Job.Kind {
	case structs.JobCompile:
		s.compilationEnded(ctx, a.Job, shard, result)
	case structs.JobEvaluate:
		s.evaluationEnded(ctx, a.Job, shard, result)
	case structs.JobTestCompile:
		s.userTestCompilationEnded(ctx, a.Job, shard, result)
	case structs.JobTestEvaluate:
		s.userTestEvaluationEnded(ctx, a.Job, shard, result)
	default:
		s.logger.Error("finished job has unknown kind", "job", a.Job)
	}
}

func (s *Service) handleNewSubmission(ctx context.Context, req *rpc.Request) (interface{}, error) {
	var args structs.NewSubmissionArgs
	if err := req.Decode(&args); err != nil {
		return nil, err
	}
	metrics.IncrCounter([]string{"gavel", "evaluation", "new_submission"}, 1)
	s.logger.Info("new submission", "submission", args.SubmissionID)

	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	s.opLock.Lock()
	defer s.opLock.Unlock()

	sub, err := s.store.GetSubmission(opCtx, args.SubmissionID)
	if err != nil {
		s.logger.Error("announced submission cannot be loaded",
			"submission", args.SubmissionID, "error", err)
		return nil, err
	}
	if s.cfg.SubmitLocalCopy {
		s.writeLocalBackup(opCtx, sub)
	}
	s.enqueueSubmissionOps(opCtx, sub)
	return nil, nil
}

func (s *Service) handleNewUserTest(ctx context.Context, req *rpc.Request) (interface{}, error) {
	var args structs.NewUserTestArgs
	if err := req.Decode(&args); err != nil {
		return nil, err
	}
	metrics.IncrCounter([]string{"gavel", "evaluation", "new_user_test"}, 1)
	s.logger.Info("new user test", "user_test", args.UserTestID)

	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	s.opLock.Lock()
	defer s.opLock.Unlock()

	ut, err := s.store.GetUserTest(opCtx, args.UserTestID)
	if err != nil {
		s.logger.Error("announced user test cannot be loaded",
			"user_test", args.UserTestID, "error", err)
		return nil, err
	}
	s.enqueueUserTestOps(opCtx, ut)
	return nil, nil
}

// handleSubmissionTokened promotes the submission's queued evaluate jobs
// and passes the token event on to the scoring service, which relays it to
// rankings.
func (s *Service) handleSubmissionTokened(_ context.Context, req *rpc.Request) (interface{}, error) {
	var args structs.SubmissionTokenedArgs
	if err := req.Decode(&args); err != nil {
		return nil, err
	}
	s.logger.Info("submission tokened", "submission", args.SubmissionID)

	s.opLock.Lock()
	promoted := 0
	for _, item := range s.queue.Status() {
		if item.Job.Kind != structs.JobEvaluate || item.Job.EntityID != args.SubmissionID {
			continue
		}
		if err := s.queue.SetPriority(item.Job, structs.PriorityMedium); err == nil {
			promoted++
		}
	}
	s.opLock.Unlock()

	if promoted > 0 {
		s.logger.Info("queued evaluations promoted",
			"submission", args.SubmissionID, "jobs", promoted)
	}
	s.scoring.Notify(structs.SSMethodSubmissionTokened, args)
	return nil, nil
}

func (s *Service) handleDisableWorker(_ context.Context, req *rpc.Request) (interface{}, error) {
	var args structs.WorkerShardArgs
	if err := req.Decode(&args); err != nil {
		return nil, err
	}
	a, requeue, err := s.pool.Disable(args.Shard)
	if err != nil {
		return nil, err
	}
	if requeue {
		s.requeue(a)
	}
	return nil, nil
}

func (s *Service) handleEnableWorker(_ context.Context, req *rpc.Request) (interface{}, error) {
	var args structs.WorkerShardArgs
	if err := req.Decode(&args); err != nil {
		return nil, err
	}
	return nil, s.pool.Enable(args.Shard)
}

func (s *Service) handleWorkersStatus(context.Context, *rpc.Request) (interface{}, error) {
	return s.pool.Status(), nil
}

func (s *Service) handleQueueStatus(context.Context, *rpc.Request) (interface{}, error) {
	return s.queue.Status(), nil
}

func (s *Service) handleSubmissionsStatus(ctx context.Context, _ *rpc.Request) (interface{}, error) {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return s.store.SubmissionsStatus(opCtx, s.contestID)
}
