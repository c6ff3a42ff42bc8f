// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package scoring

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/hashicorp/gavel/config"
	"github.com/hashicorp/gavel/helper/pointer"
	"github.com/hashicorp/gavel/rpc"
	"github.com/hashicorp/gavel/store"
	"github.com/hashicorp/gavel/structs"
)

const (
	// drainPeriod is how often queued ranking operations are pushed out.
	drainPeriod = 5 * time.Second

	// sweepPeriod is how often the database is scanned for submissions
	// the scorer or the rankings have not seen. Prime, so it stays out of
	// phase with the other services' timers.
	sweepPeriod = 347 * time.Second

	// opTimeout bounds the database work of a single scoring pass.
	opTimeout = 30 * time.Second

	// scorerCacheSize is how many per dataset scorers are kept alive.
	scorerCacheSize = 64
)

// Store is the slice of the data layer the scoring service needs.
// *store.Store satisfies it.
type Store interface {
	Contests(ctx context.Context) ([]*structs.Contest, error)
	GetContest(ctx context.Context, id int64) (*structs.Contest, error)
	ContestTasks(ctx context.Context, contestID int64) ([]*structs.Task, error)
	ContestParticipations(ctx context.Context, contestID int64) ([]*structs.Participation, error)
	ContestTokens(ctx context.Context, contestID int64) ([]structs.Token, error)

	GetSubmission(ctx context.Context, id int64) (*structs.Submission, error)
	GetSubmissionOwner(ctx context.Context, submissionID int64) (*store.SubmissionOwner, error)
	GetTask(ctx context.Context, id int64) (*structs.Task, error)
	GetDataset(ctx context.Context, id int64) (*structs.Dataset, error)

	GetSubmissionResult(ctx context.Context, submissionID, datasetID int64) (*structs.SubmissionResult, error)
	Evaluations(ctx context.Context, submissionID, datasetID int64) ([]*structs.Evaluation, error)
	SetScore(ctx context.Context, r *structs.SubmissionResult) error
	TokenForSubmission(ctx context.Context, submissionID int64) (*structs.Token, error)

	UnscoredSubmissionIDs(ctx context.Context, contestID int64) ([]int64, error)
	ScoredSubmissions(ctx context.Context, contestID int64) ([]store.ScoredSubmission, error)
}

// Service is the scoring service. The evaluation service announces results
// that reached a scorable state; scores are computed on the task's active
// dataset, written back, and replicated to rankings through the relay. A
// periodic sweep makes both halves restart safe.
type Service struct {
	svc    *rpc.Service
	cfg    *config.Config
	logger hclog.Logger

	store     Store
	contestID int64

	relay   *Relay
	scorers *lru.Cache[int64, Scorer]

	// opLock serializes scoring passes. Scorers may keep state across
	// submissions of a dataset, so two passes never interleave.
	opLock      sync.Mutex
	initialized bool
}

// NewService starts the scoring service for one contest (contestID 0
// scores every contest in the store).
func NewService(cfg *config.Config, shard int, contestID int64, st Store, logger hclog.Logger) (*Service, error) {
	logger = logger.Named("scoring")

	coord := rpc.ServiceCoord{Name: structs.ServiceNameScoring, Shard: shard}
	base, err := rpc.NewService(coord, cfg, logger)
	if err != nil {
		return nil, err
	}

	scorers, err := lru.New[int64, Scorer](scorerCacheSize)
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
		relay:     NewRelay(cfg.Rankings, logger),
		scorers:   scorers,
	}

	base.Register(structs.SSMethodNewEvaluation, rpc.FlagCallable, s.handleNewEvaluation)
	base.Register(structs.SSMethodSubmissionTokened, rpc.FlagCallable, s.handleSubmissionTokened)

	base.AddTimer("sweep", sweepPeriod, true, s.sweep)
	base.AddTimer("relay-drain", drainPeriod, false, s.drain)

	logger.Info("scoring service ready",
		"shard", shard, "contest", contestID, "rankings", len(cfg.Rankings))
	return s, nil
}

// Run blocks until the service shuts down.
func (s *Service) Run() { s.svc.Run() }

// Shutdown tears the service down.
func (s *Service) Shutdown() { s.svc.Shutdown() }

// RPC exposes the underlying service runtime.
func (s *Service) RPC() *rpc.Service { return s.svc }

func (s *Service) handleNewEvaluation(ctx context.Context, req *rpc.Request) (interface{}, error) {
	var args structs.NewEvaluationArgs
	if err := req.Decode(&args); err != nil {
		return nil, err
	}
	metrics.IncrCounter([]string{"gavel", "scoring", "new_evaluation"}, 1)

	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	s.opLock.Lock()
	defer s.opLock.Unlock()

	if err := s.scoreSubmission(opCtx, args.SubmissionID); err != nil {
		s.logger.Error("cannot score announced submission",
			"submission", args.SubmissionID, "error", err)
		return nil, err
	}
	return nil, nil
}

// handleSubmissionTokened relays a token play to the rankings. A zero
// timestamp means the caller does not know when the token was played, so
// the token row decides.
func (s *Service) handleSubmissionTokened(ctx context.Context, req *rpc.Request) (interface{}, error) {
	var args structs.SubmissionTokenedArgs
	if err := req.Decode(&args); err != nil {
		return nil, err
	}
	metrics.IncrCounter([]string{"gavel", "scoring", "submission_tokened"}, 1)

	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	s.opLock.Lock()
	defer s.opLock.Unlock()

	if err := s.relayToken(opCtx, args.SubmissionID, args.Timestamp); err != nil {
		s.logger.Error("cannot relay token",
			"submission", args.SubmissionID, "error", err)
		return nil, err
	}
	return nil, nil
}

// scoreSubmission scores one submission on its task's active dataset and
// queues the result for the rankings. An already scored result only gets
// the relay step, so re-announcing a submission rebuilds a lost relay
// queue without recomputing anything.
func (s *Service) scoreSubmission(ctx context.Context, submissionID int64) error {
	sub, err := s.store.GetSubmission(ctx, submissionID)
	if err != nil {
		return fmt.Errorf("cannot load submission: %w", err)
	}
	owner, err := s.store.GetSubmissionOwner(ctx, submissionID)
	if err != nil {
		return fmt.Errorf("cannot resolve owner: %w", err)
	}
	task, err := s.store.GetTask(ctx, sub.TaskID)
	if err != nil {
		return fmt.Errorf("cannot load task %d: %w", sub.TaskID, err)
	}
	ds, err := s.store.GetDataset(ctx, task.ActiveDatasetID)
	if err != nil {
		return fmt.Errorf("cannot load active dataset of task %d: %w", task.ID, err)
	}
	res, err := s.store.GetSubmissionResult(ctx, sub.ID, ds.ID)
	if err != nil {
		return fmt.Errorf("cannot load result: %w", err)
	}

	if !res.Scored() {
		if !res.Evaluated() && !res.CompilationFailed() {
			return fmt.Errorf("submission %d is not ready for scoring on dataset %d", sub.ID, ds.ID)
		}
		scorer, err := s.scorerFor(ds)
		if err != nil {
			return err
		}

		outcomes := make(map[string]float64)
		if res.Evaluated() {
			evs, err := s.store.Evaluations(ctx, sub.ID, ds.ID)
			if err != nil {
				return fmt.Errorf("cannot load evaluations: %w", err)
			}
			for _, ev := range evs {
				val, err := strconv.ParseFloat(ev.Outcome, 64)
				if err != nil {
					return fmt.Errorf("testcase %s has malformed outcome %q: %w",
						ev.TestcaseCodename, ev.Outcome, err)
				}
				outcomes[ev.TestcaseCodename] = val
			}
		}

		info, err := scorer.AddSubmission(sub.ID, sub.Timestamp, owner.Username, outcomes, sub.Tokened())
		if err != nil {
			return fmt.Errorf("scoring submission %d on dataset %d: %w", sub.ID, ds.ID, err)
		}

		res.Score = pointer.Of(info.Score)
		res.PublicScore = pointer.Of(info.PublicScore)
		res.ScoreDetails = marshalDetails(info.Details)
		res.PublicScoreDetails = marshalDetails(info.PublicDetails)
		res.RankingScoreDetails = marshalDetails(info.RankingDetails)
		if err := s.store.SetScore(ctx, res); err != nil {
			return err
		}
		metrics.IncrCounter([]string{"gavel", "scoring", "scored"}, 1)
		s.logger.Info("submission scored", "submission", sub.ID, "dataset", ds.ID,
			"score", info.Score, "public_score", info.PublicScore)
	}

	s.relayScore(sub, owner, task, res)
	return nil
}

// relayScore queues a scored submission for the rankings unless something
// rules it out: no endpoints, rankings not seeded yet, already queued, a
// hidden participation or an unofficial submission.
func (s *Service) relayScore(sub *structs.Submission, owner *store.SubmissionOwner,
	task *structs.Task, res *structs.SubmissionResult) {
	if !s.relay.Active() || !s.initialized || s.relay.ScoreSent(sub.ID) {
		return
	}
	if owner.Hidden || !sub.Official {
		return
	}
	s.relay.EnqueueScore(sub, owner.Username, task.Name,
		*res.Score, unmarshalDetails(res.RankingScoreDetails))
}

// relayToken queues a token play for the rankings, under the same rules as
// relayScore.
func (s *Service) relayToken(ctx context.Context, submissionID int64, playedAt time.Time) error {
	if !s.relay.Active() || !s.initialized || s.relay.TokenSent(submissionID) {
		return nil
	}
	if playedAt.IsZero() {
		tk, err := s.store.TokenForSubmission(ctx, submissionID)
		if err != nil {
			return fmt.Errorf("cannot load token: %w", err)
		}
		playedAt = tk.Timestamp
	}
	sub, err := s.store.GetSubmission(ctx, submissionID)
	if err != nil {
		return fmt.Errorf("cannot load submission: %w", err)
	}
	owner, err := s.store.GetSubmissionOwner(ctx, submissionID)
	if err != nil {
		return fmt.Errorf("cannot resolve owner: %w", err)
	}
	if owner.Hidden || !sub.Official {
		return nil
	}
	task, err := s.store.GetTask(ctx, sub.TaskID)
	if err != nil {
		return fmt.Errorf("cannot load task %d: %w", sub.TaskID, err)
	}
	s.relay.EnqueueToken(sub, owner.Username, task.Name, playedAt)
	return nil
}

// initializeRankings queues the structure of every covered contest for the
// rankings: the contest row, its visible users and its tasks. Task worth
// and subtask headers come from the active dataset's scorer.
func (s *Service) initializeRankings(ctx context.Context) error {
	var contests []*structs.Contest
	if s.contestID == 0 {
		var err error
		if contests, err = s.store.Contests(ctx); err != nil {
			return err
		}
	} else {
		c, err := s.store.GetContest(ctx, s.contestID)
		if err != nil {
			return err
		}
		contests = []*structs.Contest{c}
	}

	for _, contest := range contests {
		parts, err := s.store.ContestParticipations(ctx, contest.ID)
		if err != nil {
			return err
		}
		tasks, err := s.store.ContestTasks(ctx, contest.ID)
		if err != nil {
			return err
		}

		infos := make([]TaskInfo, 0, len(tasks))
		for _, task := range tasks {
			ds, err := s.store.GetDataset(ctx, task.ActiveDatasetID)
			if err != nil {
				return fmt.Errorf("task %s: %w", task.Name, err)
			}
			scorer, err := s.scorerFor(ds)
			if err != nil {
				return fmt.Errorf("task %s: %w", task.Name, err)
			}
			info := TaskInfo{Task: task}
			info.MaxScore, _, info.Headers = scorer.MaxScore()
			infos = append(infos, info)
		}

		s.relay.EnqueueInit(contest, parts, infos)
		s.logger.Info("contest queued for rankings",
			"contest", contest.ID, "users", len(parts), "tasks", len(infos))
	}
	return nil
}

// sweep is the safety net that makes a scoring restart lose nothing: it
// seeds the rankings if that has not succeeded yet, scores submissions
// whose announcements were lost, and re-queues scores and token plays the
// rankings never saw. Runs on the wheel.
func (s *Service) sweep() bool {
	defer metrics.MeasureSince([]string{"gavel", "scoring", "sweep"}, time.Now())

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	s.opLock.Lock()
	defer s.opLock.Unlock()

	if s.relay.Active() && !s.initialized {
		if err := s.initializeRankings(ctx); err != nil {
			s.logger.Error("cannot seed rankings, will retry", "error", err)
			return true
		}
		s.initialized = true
	}

	ids, err := s.store.UnscoredSubmissionIDs(ctx, s.contestID)
	if err != nil {
		s.logger.Error("sweep: cannot list unscored submissions", "error", err)
		return true
	}
	for _, id := range ids {
		if err := s.scoreSubmission(ctx, id); err != nil {
			s.logger.Error("sweep: cannot score submission", "submission", id, "error", err)
		}
	}

	if !s.relay.Active() {
		return true
	}

	scored, err := s.store.ScoredSubmissions(ctx, s.contestID)
	if err != nil {
		s.logger.Error("sweep: cannot list scored submissions", "error", err)
		return true
	}
	for _, ss := range scored {
		if ss.Result.Score == nil || s.relay.ScoreSent(ss.Submission.ID) {
			continue
		}
		s.relay.EnqueueScore(ss.Submission, ss.Username, ss.TaskName,
			*ss.Result.Score, unmarshalDetails(ss.Result.RankingScoreDetails))
	}

	tokens, err := s.store.ContestTokens(ctx, s.contestID)
	if err != nil {
		s.logger.Error("sweep: cannot list tokens", "error", err)
		return true
	}
	for _, tk := range tokens {
		if s.relay.TokenSent(tk.SubmissionID) {
			continue
		}
		if err := s.relayToken(ctx, tk.SubmissionID, tk.Timestamp); err != nil {
			s.logger.Error("sweep: cannot relay token",
				"submission", tk.SubmissionID, "error", err)
		}
	}
	return true
}

// drain pushes queued ranking operations out. Runs on the wheel.
func (s *Service) drain() bool {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	s.relay.Drain(ctx)
	return true
}

// scorerFor returns the cached scorer of a dataset, building it on first
// use. Regrades go through fresh datasets, so entries never go stale.
func (s *Service) scorerFor(ds *structs.Dataset) (Scorer, error) {
	if sc, ok := s.scorers.Get(ds.ID); ok {
		return sc, nil
	}
	sc, err := NewScorer(ds)
	if err != nil {
		return nil, err
	}
	s.scorers.Add(ds.ID, sc)
	return sc, nil
}

// marshalDetails encodes scorer detail strings as the JSON text stored on
// result rows.
func marshalDetails(details []string) string {
	buf, _ := json.Marshal(details)
	return string(buf)
}

// unmarshalDetails is the reverse; malformed text degrades to no details.
func unmarshalDetails(text string) []string {
	var details []string
	if err := json.Unmarshal([]byte(text), &details); err != nil {
		return nil
	}
	return details
}
