// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package evaluation

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/hashicorp/gavel/rpc"
	"github.com/hashicorp/gavel/structs"
)

// Assignment records what a worker was handed: the job plus the queue
// position it was popped from, so a failed assignment can be requeued
// unchanged.
type Assignment struct {
	Job       structs.Job
	Priority  structs.Priority
	Timestamp time.Time
}

// FinishedFunc receives the outcome of every execute_job call the pool
// issues. result is nil when err is set. ignored means the outcome must be
// discarded: the job was requeued or invalidated while the worker ran it.
// The pool has already released the worker when the callback runs, so the
// callback may assign new work.
type FinishedFunc func(shard int, a Assignment, result *structs.JobResult, err error, ignored bool)

// slot tracks one worker shard.
type slot struct {
	client *rpc.Client

	job       *structs.Job
	priority  structs.Priority
	timestamp time.Time
	startedAt time.Time

	// disabled workers take no assignments. scheduledDisable marks a busy
	// worker to become disabled once its current job is released.
	disabled         bool
	scheduledDisable bool

	// ignoring marks the in-flight job's outcome as to-be-discarded.
	ignoring bool
}

func (s *slot) busy() bool { return s.job != nil }

// Pool tracks the worker fleet: which shard runs which job, which shards
// are disabled, and which in-flight outcomes must be ignored. One pool is
// owned by one dispatcher.
type Pool struct {
	logger  hclog.Logger
	timeout time.Duration

	onFinished FinishedFunc

	mu    sync.Mutex
	slots map[int]*slot
	byJob map[structs.Job]int
}

// NewPool connects to every configured worker shard through svc and reports
// job outcomes to onFinished. timeout bounds how long a worker may hold a
// job before CheckTimeouts gives up on it.
func NewPool(svc *rpc.Service, book rpc.AddressBook, timeout time.Duration, onFinished FinishedFunc, logger hclog.Logger) *Pool {
	p := &Pool{
		logger:     logger.Named("pool"),
		timeout:    timeout,
		onFinished: onFinished,
		slots:      make(map[int]*slot),
		byJob:      make(map[structs.Job]int),
	}
	for shard := 0; shard < book.Shards(structs.ServiceNameWorker); shard++ {
		client := svc.Connect(rpc.ServiceCoord{Name: structs.ServiceNameWorker, Shard: shard})
		p.slots[shard] = &slot{client: client}
	}
	return p
}

// Size returns how many worker shards the pool tracks.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots)
}

// OnWorkerConnect registers a hook fired whenever a worker shard's
// connection comes up, including reconnects. Hooks run on the dialing
// goroutine and must not block for long.
func (p *Pool) OnWorkerConnect(fn func(shard int)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for shard, s := range p.slots {
		shard := shard
		s.client.OnConnect(func(rpc.ServiceCoord) { fn(shard) })
	}
}

// Assign hands job to a uniformly random idle worker and returns its shard.
// ok is false when every worker is busy, disabled or disconnected.
func (p *Pool) Assign(job structs.Job, prio structs.Priority, ts time.Time) (int, bool) {
	p.mu.Lock()
	idle := make([]int, 0, len(p.slots))
	for shard, s := range p.slots {
		if !s.busy() && !s.disabled && s.client.Connected() {
			idle = append(idle, shard)
		}
	}
	if len(idle) == 0 {
		p.mu.Unlock()
		return 0, false
	}
	shard := idle[rand.Intn(len(idle))]
	s := p.slots[shard]
	j := job
	s.job = &j
	s.priority = prio
	s.timestamp = ts
	s.startedAt = time.Now()
	s.ignoring = false
	p.byJob[job] = shard
	client := s.client
	p.mu.Unlock()

	metrics.IncrCounter([]string{"gavel", "pool", "assigned"}, 1)
	p.logger.Info("job assigned", "job", job, "worker", shard)

	go p.execute(shard, client, Assignment{Job: job, Priority: prio, Timestamp: ts})
	return shard, true
}

func (p *Pool) execute(shard int, client *rpc.Client, a Assignment) {
	var result structs.JobResult
	err := client.Call(context.Background(), structs.WorkerMethodExecuteJob, a.Job, &result)
	res := &result
	if err != nil {
		res = nil
	}
	p.finish(shard, a, res, err)
}

// finish releases the slot and reports the outcome. A slot released earlier
// by a sweep makes the late outcome ignored, so it is never acted on twice.
func (p *Pool) finish(shard int, a Assignment, result *structs.JobResult, err error) {
	p.mu.Lock()
	s := p.slots[shard]
	var ignored bool
	if s.busy() && *s.job == a.Job {
		ignored = s.ignoring
		p.releaseLocked(shard, s)
	} else {
		ignored = true
	}
	p.mu.Unlock()

	if err != nil {
		metrics.IncrCounter([]string{"gavel", "pool", "errored"}, 1)
	}
	if ignored {
		metrics.IncrCounter([]string{"gavel", "pool", "ignored"}, 1)
	}
	p.onFinished(shard, a, result, err, ignored)
}

// releaseLocked clears the slot and completes a scheduled disable. The
// caller holds p.mu. A requeued job may already run on another shard, so
// the reverse mapping is only dropped when it still points here.
func (p *Pool) releaseLocked(shard int, s *slot) {
	if cur, ok := p.byJob[*s.job]; ok && cur == shard {
		delete(p.byJob, *s.job)
	}
	s.job = nil
	s.ignoring = false
	s.startedAt = time.Time{}
	if s.scheduledDisable {
		s.disabled = true
		s.scheduledDisable = false
		p.logger.Info("worker released and disabled", "worker", shard)
	} else {
		p.logger.Debug("worker released", "worker", shard)
	}
}

// Disable takes a worker out of the assignable set. A busy worker keeps
// running but its outcome is ignored, its assignment is returned for
// requeueing and the disable completes on release.
func (p *Pool) Disable(shard int) (Assignment, bool, error) {
	p.mu.Lock()
	s, ok := p.slots[shard]
	if !ok {
		p.mu.Unlock()
		return Assignment{}, false, fmt.Errorf("no worker shard %d", shard)
	}
	if !s.busy() {
		s.disabled = true
		s.scheduledDisable = false
		p.mu.Unlock()
		p.logger.Info("worker disabled", "worker", shard)
		return Assignment{}, false, nil
	}
	a := Assignment{Job: *s.job, Priority: s.priority, Timestamp: s.timestamp}
	s.scheduledDisable = true
	s.ignoring = true
	client := s.client
	p.mu.Unlock()

	p.logger.Info("worker disable scheduled, ignoring its job", "worker", shard, "job", a.Job)
	client.Notify(structs.WorkerMethodIgnoreJob, nil)
	return a, true, nil
}

// Enable returns a disabled worker to the assignable set.
func (p *Pool) Enable(shard int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.slots[shard]
	if !ok {
		return fmt.Errorf("no worker shard %d", shard)
	}
	s.disabled = false
	s.scheduledDisable = false
	p.logger.Info("worker enabled", "worker", shard)
	return nil
}

// Ignore marks a running job's outcome as to-be-discarded and asks the
// worker to stop early. It reports whether the job was running at all.
func (p *Pool) Ignore(job structs.Job) bool {
	p.mu.Lock()
	shard, ok := p.byJob[job]
	if !ok {
		p.mu.Unlock()
		return false
	}
	s := p.slots[shard]
	s.ignoring = true
	client := s.client
	p.mu.Unlock()

	p.logger.Info("ignoring running job", "job", job, "worker", shard)
	client.Notify(structs.WorkerMethodIgnoreJob, nil)
	return true
}

// Running reports whether any worker currently executes job.
func (p *Pool) Running(job structs.Job) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.byJob[job]
	return ok
}

// RunningWhere reports whether any worker currently executes a job matching
// the predicate.
func (p *Pool) RunningWhere(match func(structs.Job) bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for job := range p.byJob {
		if match(job) {
			return true
		}
	}
	return false
}

// CheckTimeouts disables workers that held a job longer than the pool
// timeout, asks them to quit and returns their assignments for requeueing.
// The slot is released right away. A stale outcome, should it ever arrive,
// no longer matches the slot and is reported as ignored.
func (p *Pool) CheckTimeouts() []Assignment {
	now := time.Now()
	var lost []Assignment
	var quit []*rpc.Client
	var reasons []string

	p.mu.Lock()
	for shard, s := range p.slots {
		if !s.busy() || now.Sub(s.startedAt) <= p.timeout {
			continue
		}
		activeFor := now.Sub(s.startedAt)
		p.logger.Error("disabling and shutting down worker with no response",
			"worker", shard, "job", *s.job, "active_for", activeFor)
		if !s.ignoring {
			lost = append(lost, Assignment{Job: *s.job, Priority: s.priority, Timestamp: s.timestamp})
		}
		s.scheduledDisable = true
		p.releaseLocked(shard, s)
		quit = append(quit, s.client)
		reasons = append(reasons, fmt.Sprintf("no response in %s", activeFor))
	}
	p.mu.Unlock()

	for i, client := range quit {
		client.Notify(structs.MethodQuit, structs.QuitArgs{Reason: reasons[i]})
	}
	if len(lost) > 0 {
		metrics.IncrCounter([]string{"gavel", "pool", "timeouts"}, float32(len(lost)))
	}
	return lost
}

// CheckConnections requeues jobs held by workers whose connection dropped
// before the execute_job call could fail. The slot is released; the shard
// becomes assignable again once it reconnects.
func (p *Pool) CheckConnections() []Assignment {
	var lost []Assignment

	p.mu.Lock()
	for shard, s := range p.slots {
		if !s.busy() || s.client.Connected() {
			continue
		}
		if s.ignoring {
			p.logger.Warn("disconnected worker held an ignored job", "worker", shard, "job", *s.job)
			p.releaseLocked(shard, s)
			continue
		}
		p.logger.Error("worker connection lost, requeueing its job", "worker", shard, "job", *s.job)
		lost = append(lost, Assignment{Job: *s.job, Priority: s.priority, Timestamp: s.timestamp})
		p.releaseLocked(shard, s)
	}
	p.mu.Unlock()

	if len(lost) > 0 {
		metrics.IncrCounter([]string{"gavel", "pool", "lost_connections"}, float32(len(lost)))
	}
	return lost
}

// Status reports one entry per worker shard.
func (p *Pool) Status() structs.WorkersStatusReply {
	p.mu.Lock()
	defer p.mu.Unlock()
	reply := make(structs.WorkersStatusReply, len(p.slots))
	for shard, s := range p.slots {
		ws := structs.WorkerStatus{
			Connected: s.client.Connected(),
			Disabled:  s.disabled,
			Ignoring:  s.ignoring,
		}
		if s.busy() {
			job := *s.job
			started := s.startedAt
			ws.Job = &job
			ws.StartedAt = &started
		}
		reply[shard] = ws
	}
	return reply
}
