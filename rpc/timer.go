// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package rpc

import (
	"container/heap"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
)

// maxTimerWait caps how long the wheel sleeps between checks so newly added
// timers and shutdown are observed promptly even with far-off deadlines.
const maxTimerWait = time.Second

// TimerWheel schedules the periodic work of a service: a min-heap of
// deadlines driven by a single goroutine, so all timer callbacks of one
// service are serialized with respect to each other. A callback returning
// true re-arms itself one period ahead; returning false de-arms it.
type TimerWheel struct {
	logger hclog.Logger

	mu     sync.Mutex
	timers timerHeap
	wake   chan struct{}

	stopCh   chan struct{}
	stopOnce sync.Once
}

type timerEntry struct {
	name     string
	nextFire time.Time
	period   time.Duration
	fn       func() bool
	index    int
}

// NewTimerWheel creates a wheel and starts its goroutine.
func NewTimerWheel(logger hclog.Logger) *TimerWheel {
	w := &TimerWheel{
		logger: logger.Named("timer"),
		wake:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
	}
	go w.run()
	return w
}

// Add schedules fn to run every period. With immediately set the first fire
// happens right away instead of one period from now.
func (w *TimerWheel) Add(name string, period time.Duration, immediately bool, fn func() bool) {
	next := time.Now().Add(period)
	if immediately {
		next = time.Now()
	}
	w.mu.Lock()
	heap.Push(&w.timers, &timerEntry{
		name:     name,
		nextFire: next,
		period:   period,
		fn:       fn,
	})
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Stop tears the wheel down. In-flight callbacks finish; no further ones
// start.
func (w *TimerWheel) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

func (w *TimerWheel) run() {
	for {
		w.fireDue()

		wait := w.untilNext()
		if wait > maxTimerWait {
			wait = maxTimerWait
		}
		t := time.NewTimer(wait)
		select {
		case <-w.stopCh:
			t.Stop()
			return
		case <-w.wake:
			t.Stop()
		case <-t.C:
		}
	}
}

// fireDue pops and runs every expired timer. Callbacks run outside the lock
// so they may add timers themselves.
func (w *TimerWheel) fireDue() {
	for {
		w.mu.Lock()
		if len(w.timers) == 0 || w.timers[0].nextFire.After(time.Now()) {
			w.mu.Unlock()
			return
		}
		entry := heap.Pop(&w.timers).(*timerEntry)
		w.mu.Unlock()

		if w.runTimer(entry) {
			entry.nextFire = time.Now().Add(entry.period)
			w.mu.Lock()
			heap.Push(&w.timers, entry)
			w.mu.Unlock()
		}
	}
}

// runTimer invokes one callback, turning a panic into an error log plus
// de-arming rather than a dead service.
func (w *TimerWheel) runTimer(entry *timerEntry) (rearm bool) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("timer callback panicked", "timer", entry.name, "panic", r)
			rearm = false
		}
	}()
	return entry.fn()
}

func (w *TimerWheel) untilNext() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.timers) == 0 {
		return maxTimerWait
	}
	return time.Until(w.timers[0].nextFire)
}

// timerHeap orders entries by next fire time.
type timerHeap []*timerEntry

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	return h[i].nextFire.Before(h[j].nextFire)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x interface{}) {
	entry := x.(*timerEntry)
	entry.index = len(*h)
	*h = append(*h, entry)
}

func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	entry.index = -1
	*h = old[:n-1]
	return entry
}
