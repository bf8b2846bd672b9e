// Package runqueue implements the per-CPU local task queue: a binomial-
// heap-backed priority queue with cached best and second-best keys, an
// explicit lock for the double-lock migration discipline, and an overloaded
// flag CPUs hand to the root domain when they carry more than one runnable
// task.
package runqueue

import (
	"fmt"
	"sync"

	"github.com/pippolo84/practise/pkg/binheap"
	"github.com/pippolo84/practise/pkg/key"
	"github.com/pippolo84/practise/pkg/task"
)

// RQ is one CPU's local runqueue.
type RQ struct {
	cpu  int
	mode key.Mode
	less key.Less // local ordering: ExtractMin always yields the most urgent task

	mu   sync.Mutex
	heap *binheap.Heap[*task.Task]

	// cache mirrors heap.Min()/heap.SecondMin() so readers that only need
	// the key (the migration hot path) never have to touch the heap.
	key     uint64
	hasKey  bool
	nextKey uint64
	hasNext bool
}

// New returns an empty runqueue for cpu, ordered by mode's local urgency
// (earlier deadline or higher RT priority extracts first).
func New(cpu int, mode key.Mode) *RQ {
	localLess := func(a, b uint64) bool { return key.Urgent(mode, a, b) }
	return &RQ{cpu: cpu, mode: mode, less: localLess, heap: binheap.New[*task.Task](localLess)}
}

// CPU returns the runqueue's owning CPU index.
func (rq *RQ) CPU() int { return rq.cpu }

// Lock acquires the runqueue's lock. Callers locking two runqueues must
// always do so in ascending CPU-index order to avoid deadlock.
func (rq *RQ) Lock() { rq.mu.Lock() }

// Unlock releases the runqueue's lock.
func (rq *RQ) Unlock() { rq.mu.Unlock() }

// TryLock attempts to acquire the runqueue's lock without blocking and
// reports whether it succeeded. The double-lock path does not use it; it
// always blocks on Lock.
func (rq *RQ) TryLock() bool { return rq.mu.TryLock() }

// refreshCache recomputes the cached best and second-best keys from the
// heap. Callers must hold rq.mu.
func (rq *RQ) refreshCache() {
	if k, _, ok := rq.heap.Min(); ok {
		rq.key, rq.hasKey = k, true
	} else {
		rq.hasKey = false
	}
	if k, _, ok := rq.heap.SecondMin(); ok {
		rq.nextKey, rq.hasNext = k, true
	} else {
		rq.hasNext = false
	}
}

// Len returns the number of tasks currently queued. Callers must hold
// rq.mu, or accept a stale read.
func (rq *RQ) Len() int { return rq.heap.Len() }

// Overloaded reports whether this runqueue currently holds more than one
// task - the condition that makes it eligible as a pull donor and that the
// caller mirrors into the root domain's overload mask.
func (rq *RQ) Overloaded() bool { return rq.heap.Len() > 1 }

// Peek returns the current best (running) key without removing its task,
// using the cache rather than touching the heap.
func (rq *RQ) Peek() (k uint64, ok bool) { return rq.key, rq.hasKey }

// PeekNext returns the second-best key without removing its task.
func (rq *RQ) PeekNext() (k uint64, ok bool) { return rq.nextKey, rq.hasNext }

// PeekTask returns the current most urgent task without removing it, or nil
// if the queue is empty. Callers must hold rq.mu.
func (rq *RQ) PeekTask() *task.Task {
	_, t, ok := rq.heap.Min()
	if !ok {
		return nil
	}
	return t
}

// PeekNextTask returns the second most urgent task without removing it, or
// nil if fewer than two tasks are queued. Callers must hold rq.mu.
func (rq *RQ) PeekNextTask() *task.Task {
	_, t, ok := rq.heap.SecondMin()
	if !ok {
		return nil
	}
	return t
}

// Add inserts t and refreshes the cache. Callers must hold rq.mu.
func (rq *RQ) Add(t *task.Task) {
	rq.heap.Insert(t.Key, t)
	rq.refreshCache()
}

// Take extracts and returns the current most urgent task. Callers must
// hold rq.mu. Taking from an empty queue returns ok=false; callers for
// whom that is impossible treat it as a fatal invariant violation.
func (rq *RQ) Take() (*task.Task, bool) {
	_, t, ok := rq.heap.ExtractMin()
	rq.refreshCache()
	if !ok {
		return nil, false
	}
	return t, true
}

// TakeNext extracts and returns the second most urgent task, leaving the
// most urgent task in place - the donor side of a migration always keeps
// its own best task and hands over the next-best. Callers must hold rq.mu
// and must have verified the queue is overloaded.
func (rq *RQ) TakeNext() (*task.Task, bool) {
	_, t, ok := rq.heap.ExtractSecondMin()
	rq.refreshCache()
	if !ok {
		return nil, false
	}
	return t, true
}

// CheckInvariants validates the runqueue's internal consistency: the heap
// is structurally sound, both cached keys match the heap's first two
// elements (or are invalid on an empty heap), and the second-best key is
// never more urgent than the best. Callers must hold rq.mu.
func (rq *RQ) CheckInvariants() error {
	if err := rq.heap.Validate(); err != nil {
		return fmt.Errorf("rq %d: %w", rq.cpu, err)
	}
	k, _, ok := rq.heap.Min()
	if ok != rq.hasKey || (ok && k != rq.key) {
		return fmt.Errorf("rq %d: cached best key (%d, %v) does not match heap (%d, %v)",
			rq.cpu, rq.key, rq.hasKey, k, ok)
	}
	nk, _, nok := rq.heap.SecondMin()
	if nok != rq.hasNext || (nok && nk != rq.nextKey) {
		return fmt.Errorf("rq %d: cached next key (%d, %v) does not match heap (%d, %v)",
			rq.cpu, rq.nextKey, rq.hasNext, nk, nok)
	}
	if rq.hasKey && rq.hasNext && rq.less(rq.nextKey, rq.key) {
		return fmt.Errorf("rq %d: next key %d more urgent than best key %d", rq.cpu, rq.nextKey, rq.key)
	}
	if rq.heap.Len() == 0 && (rq.hasKey || rq.hasNext) {
		return fmt.Errorf("rq %d: empty heap with valid cached keys", rq.cpu)
	}
	return nil
}
