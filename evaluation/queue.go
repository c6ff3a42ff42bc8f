// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package evaluation implements the evaluation service: the prioritized job
// queue, the worker pool, and the dispatcher that drives submissions from
// received to evaluated.
package evaluation

import (
	"container/heap"
	"sort"
	"sync"
	"time"

	metrics "github.com/hashicorp/go-metrics"

	"github.com/hashicorp/gavel/structs"
)

// Entry is one queued job with its scheduling metadata.
type Entry struct {
	Job       structs.Job
	Priority  structs.Priority
	Timestamp time.Time
}

// queuedJob wraps an Entry with its heap bookkeeping.
type queuedJob struct {
	Entry
	seq   uint64
	index int
}

// Queue is an indexed priority queue of grading jobs. Urgency is (priority,
// timestamp, insertion order): a lower priority value wins, ties go to the
// older unit of work. The index makes duplicate detection, removal and
// reprioritization cheap, which invalidation and token promotion rely on.
type Queue struct {
	mu      sync.Mutex
	heap    jobHeap
	index   map[structs.Job]*queuedJob
	nextSeq uint64
}

// NewQueue returns an empty job queue.
func NewQueue() *Queue {
	return &Queue{
		index: make(map[structs.Job]*queuedJob),
	}
}

// Push adds a job. Pushing a job that is already queued returns
// ErrDuplicateJob and leaves the queued entry untouched.
func (q *Queue) Push(job structs.Job, priority structs.Priority, timestamp time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.index[job]; ok {
		return structs.ErrDuplicateJob
	}
	qj := &queuedJob{
		Entry: Entry{Job: job, Priority: priority, Timestamp: timestamp},
		seq:   q.nextSeq,
	}
	q.nextSeq++
	q.index[job] = qj
	heap.Push(&q.heap, qj)
	return nil
}

// Top returns the most urgent entry without removing it.
func (q *Queue) Top() (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.heap) == 0 {
		return Entry{}, false
	}
	return q.heap[0].Entry, true
}

// Pop removes and returns the most urgent entry.
func (q *Queue) Pop() (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.heap) == 0 {
		return Entry{}, false
	}
	qj := heap.Pop(&q.heap).(*queuedJob)
	delete(q.index, qj.Job)
	return qj.Entry, true
}

// Remove takes a specific job out of the queue, returning its entry.
func (q *Queue) Remove(job structs.Job) (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	qj, ok := q.index[job]
	if !ok {
		return Entry{}, false
	}
	heap.Remove(&q.heap, qj.index)
	delete(q.index, job)
	return qj.Entry, true
}

// RemoveWhere takes out every queued job the predicate matches and returns
// the removed entries, in no particular order.
func (q *Queue) RemoveWhere(match func(structs.Job) bool) []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	var removed []Entry
	for job, qj := range q.index {
		if !match(job) {
			continue
		}
		heap.Remove(&q.heap, qj.index)
		delete(q.index, job)
		removed = append(removed, qj.Entry)
	}
	return removed
}

// SetPriority changes the priority of a queued job in place.
func (q *Queue) SetPriority(job structs.Job, priority structs.Priority) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	qj, ok := q.index[job]
	if !ok {
		return structs.ErrJobNotPresent
	}
	qj.Priority = priority
	heap.Fix(&q.heap, qj.index)
	return nil
}

// Contains reports whether the job is queued.
func (q *Queue) Contains(job structs.Job) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.index[job]
	return ok
}

// ContainsWhere reports whether any queued job matches the predicate.
func (q *Queue) ContainsWhere(match func(structs.Job) bool) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for job := range q.index {
		if match(job) {
			return true
		}
	}
	return false
}

// Len returns the number of queued jobs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// Status returns a snapshot of the queue ordered most urgent first.
func (q *Queue) Status() structs.QueueStatusReply {
	q.mu.Lock()
	snap := make([]queuedJob, len(q.heap))
	for i, qj := range q.heap {
		snap[i] = *qj
	}
	q.mu.Unlock()

	sort.Slice(snap, func(i, j int) bool {
		a, b := snap[i], snap[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		return a.seq < b.seq
	})

	reply := make(structs.QueueStatusReply, 0, len(snap))
	for _, qj := range snap {
		reply = append(reply, structs.QueueItemStatus{
			Priority:  int(qj.Priority),
			Timestamp: qj.Timestamp,
			Job:       qj.Job,
		})
	}
	return reply
}

// QueueStats returns all the stats about the job queue.
type QueueStats struct {
	// TotalQueued is the number of jobs waiting for a worker.
	TotalQueued int

	// ByPriority counts queued jobs per priority level.
	ByPriority map[structs.Priority]int
}

// Stats is used to query the state of the queue.
func (q *Queue) Stats() *QueueStats {
	stats := &QueueStats{ByPriority: make(map[structs.Priority]int)}

	q.mu.Lock()
	defer q.mu.Unlock()

	stats.TotalQueued = len(q.heap)
	for _, qj := range q.heap {
		stats.ByPriority[qj.Priority]++
	}
	return stats
}

// EmitStats is used to export metrics about the queue while the service
// runs.
func (q *Queue) EmitStats(period time.Duration, stopCh <-chan struct{}) {
	for {
		select {
		case <-time.After(period):
			stats := q.Stats()
			metrics.SetGauge([]string{"gavel", "queue", "total_queued"}, float32(stats.TotalQueued))
			for prio, n := range stats.ByPriority {
				metrics.SetGauge([]string{"gavel", "queue", prio.String()}, float32(n))
			}
		case <-stopCh:
			return
		}
	}
}

// jobHeap orders by (priority, timestamp, seq).
type jobHeap []*queuedJob

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	return a.seq < b.seq
}

func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *jobHeap) Push(x interface{}) {
	qj := x.(*queuedJob)
	qj.index = len(*h)
	*h = append(*h, qj)
}

func (h *jobHeap) Pop() interface{} {
	old := *h
	n := len(old)
	qj := old[n-1]
	qj.index = -1 // for safety
	*h = old[:n-1]
	return qj
}
