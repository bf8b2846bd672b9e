// Package migration implements the push and pull task-migration protocols
// that keep work balanced across per-CPU runqueues: push moves a CPU's
// excess, not-yet-running task onto a less busy CPU; pull lets an idle or
// under-loaded CPU take work from whichever CPU is carrying the most
// urgent backlog. Both protocols lock two runqueues at once and must never
// do so in conflicting order, on pain of deadlock - doubleLock below
// mirrors the kernel scheduler's double_lock_balance: always relock in
// ascending CPU order, dropping and reacquiring the lock already held if
// that means releasing it first, and telling the caller so it can
// revalidate whatever made it want the second lock in the first place.
package migration

import (
	"time"

	"github.com/pippolo84/practise/pkg/index"
	"github.com/pippolo84/practise/pkg/key"
	"github.com/pippolo84/practise/pkg/rootdomain"
	"github.com/pippolo84/practise/pkg/runqueue"
)

// Probes are optional measurement callbacks the harness installs to sample
// hot-path latencies without the migrator knowing about ring buffers or
// Prometheus. Nil funcs are skipped.
type Probes struct {
	FindLatency func(cpu int, orient key.Orientation, d time.Duration)
	LockWait    func(cpu int, d time.Duration)
}

// Migrator coordinates push/pull migration across every CPU's runqueue,
// the push and pull global indexes, and (RT mode only) the root domain's
// overload state and priority vectors.
type Migrator struct {
	rqs      []*runqueue.RQ
	mode     key.Mode
	pushIdx  index.Index        // tracks each CPU's running key; push target = least urgent
	pullIdx  index.Index        // tracks each CPU's best queued key; pull source = most urgent
	domain    *rootdomain.Domain // nil in EDF mode
	pushTries int
	pullTries int
	probes    Probes
}

// New returns a Migrator over rqs, driven by pushIdx/pullIdx. domain may be
// nil (EDF mode never populates it). pushTries and pullTries bound the
// respective retry loops so a persistently racing migration gives up
// instead of livelocking.
func New(rqs []*runqueue.RQ, mode key.Mode, pushIdx, pullIdx index.Index, domain *rootdomain.Domain, pushTries, pullTries int) *Migrator {
	return &Migrator{rqs: rqs, mode: mode, pushIdx: pushIdx, pullIdx: pullIdx, domain: domain, pushTries: pushTries, pullTries: pullTries}
}

// SetProbes installs measurement callbacks. Call before the workers start.
func (m *Migrator) SetProbes(p Probes) { m.probes = p }

// PushIndex returns the push-oriented global index.
func (m *Migrator) PushIndex() index.Index { return m.pushIdx }

// PullIndex returns the pull-oriented global index.
func (m *Migrator) PullIndex() index.Index { return m.pullIdx }

// Publish refreshes every global structure's view of cpu from its runqueue:
// the running (best) key into the push index, the best queued key into the
// pull index, and in RT mode the running priority slot and overload bit
// into the root domain. Callers MUST hold cpu's runqueue lock - publishing
// under the lock, after the runqueue change, is the ordering rule that lets
// the checker freeze a consistent world.
func (m *Migrator) Publish(cpu int) {
	rq := m.rqs[cpu]
	running, hasRunning := rq.Peek()
	if hasRunning {
		m.pushIdx.Preempt(cpu, running)
	} else {
		m.pushIdx.Remove(cpu)
	}
	if next, ok := rq.PeekNext(); ok {
		m.pullIdx.Preempt(cpu, next)
	} else {
		m.pullIdx.Remove(cpu)
	}
	if m.domain != nil {
		slot := key.RTIdleSlot
		if hasRunning {
			slot = int(running)
		}
		m.domain.SetSlot(cpu, slot)
		if rq.Overloaded() {
			m.domain.SetOverload(cpu)
		} else {
			m.domain.ClearOverload(cpu)
		}
	}
}

// Detach removes cpu from both global indexes and, in RT mode, parks it at
// the idle slot - the departure handshake a CPU performs after draining its
// runqueue at the end of its simulation. Callers must hold cpu's runqueue
// lock.
func (m *Migrator) Detach(cpu int) {
	m.pushIdx.Remove(cpu)
	m.pullIdx.Remove(cpu)
	if m.domain != nil {
		m.domain.SetSlot(cpu, key.RTIdleSlot)
		m.domain.ClearOverload(cpu)
	}
}

// doubleLock locks other while this is already held, maintaining ascending
// CPU-index lock order. If this.CPU() > other.CPU(), it must release this
// first; it returns dropped=true in that case so the caller knows it must
// revalidate any state it read from this's runqueue before the call.
func doubleLock(this, other *runqueue.RQ) (dropped bool) {
	if this.CPU() == other.CPU() {
		return false
	}
	if this.CPU() < other.CPU() {
		other.Lock()
		return false
	}
	this.Unlock()
	other.Lock()
	this.Lock()
	return true
}

func doubleUnlock(this, other *runqueue.RQ) {
	if this.CPU() != other.CPU() {
		other.Unlock()
	}
}

// Push attempts to move src's excess (second-most-urgent) task onto a CPU
// currently running less urgent work. Each attempt re-selects a target, so
// a transiently raced migration retries against fresh state, bounded by
// pushTries. It returns true if a task was relocated.
func (m *Migrator) Push(src int) bool {
	for try := 0; try < m.pushTries; try++ {
		if m.pushOnce(src) {
			return true
		}
	}
	return false
}

// findPushTarget picks the destination CPU for src's excess task while
// src's runqueue lock is held: the root-domain priority vectors in RT mode
// (any CPU running strictly below the task's priority, respecting its
// permitted-CPU mask), the push index's least urgent runner otherwise.
func (m *Migrator) findPushTarget(src int, srcRQ *runqueue.RQ) int {
	start := time.Now()
	defer func() {
		if m.probes.FindLatency != nil {
			m.probes.FindLatency(src, key.OrientPush, time.Since(start))
		}
	}()
	if m.domain != nil {
		t := srcRQ.PeekNextTask()
		if t == nil {
			return index.NoCPU
		}
		cpu, ok := m.domain.FindLowest(int(t.Key), t.CPUMask)
		if !ok {
			return index.NoCPU
		}
		return cpu
	}
	return m.pushIdx.Find()
}

func (m *Migrator) pushOnce(src int) bool {
	srcRQ := m.rqs[src]
	srcRQ.Lock()
	defer srcRQ.Unlock()
	if srcRQ.Len() < 2 {
		return false
	}

	dstCPU := m.findPushTarget(src, srcRQ)
	if dstCPU == index.NoCPU || dstCPU == src {
		return false
	}
	dstRQ := m.rqs[dstCPU]
	excessBefore := srcRQ.PeekNextTask()

	lockStart := time.Now()
	dropped := doubleLock(srcRQ, dstRQ)
	if m.probes.LockWait != nil {
		m.probes.LockWait(src, time.Since(lockStart))
	}
	defer doubleUnlock(srcRQ, dstRQ)

	// Revalidate everything read before the lock gap: the pushable task
	// must still be the same one, and the destination must still be worth
	// pushing onto - its running task, if any, must yield to ours.
	if srcRQ.Len() < 2 {
		return false
	}
	excess := srcRQ.PeekNextTask()
	if dropped && excess != excessBefore {
		return false
	}
	if prevRunning, hasRunning := dstRQ.Peek(); hasRunning && !key.Urgent(m.mode, excess.Key, prevRunning) {
		return false
	}

	t, ok := srcRQ.TakeNext()
	if !ok {
		return false
	}
	dstRQ.Add(t)
	m.Publish(src)
	m.Publish(dstCPU)
	return true
}

// Pull attempts to move the most urgent queued-but-not-running task found
// anywhere in the system onto dst, one task per invocation. It returns
// true if a task was relocated.
func (m *Migrator) Pull(dst int) bool {
	for try := 0; try < m.pullTries; try++ {
		if m.pullOnce(dst) {
			return true
		}
	}
	return false
}

func (m *Migrator) pullOnce(dst int) bool {
	start := time.Now()
	srcCPU := m.pullIdx.Find()
	if m.probes.FindLatency != nil {
		m.probes.FindLatency(dst, key.OrientPull, time.Since(start))
	}
	if srcCPU == index.NoCPU || srcCPU == dst {
		return false
	}
	return m.pullFrom(dst, srcCPU)
}

// pullFrom double-locks dst and src and migrates src's best queued task to
// dst if, under both locks, src is still overloaded and that task would
// still run ahead of everything dst holds.
func (m *Migrator) pullFrom(dst, srcCPU int) bool {
	dstRQ := m.rqs[dst]
	srcRQ := m.rqs[srcCPU]

	dstRQ.Lock()
	defer dstRQ.Unlock()
	lockStart := time.Now()
	doubleLock(dstRQ, srcRQ)
	if m.probes.LockWait != nil {
		m.probes.LockWait(dst, time.Since(lockStart))
	}
	defer doubleUnlock(dstRQ, srcRQ)

	if srcRQ.Len() < 2 {
		return false
	}
	srcNext, ok := srcRQ.PeekNext()
	if !ok {
		return false
	}
	if dstBest, has := dstRQ.Peek(); has && !key.Urgent(m.mode, srcNext, dstBest) {
		return false
	}

	t, ok := srcRQ.TakeNext()
	if !ok {
		return false
	}
	dstRQ.Add(t)
	m.Publish(srcCPU)
	m.Publish(dst)
	return true
}

// PullRT is the RT-specific pull variant: there is no global pull index to
// consult, so it walks the root domain's overload mask, skipping any donor
// whose advertised best queued task could not preempt dst's running task
// (the early-exit filter that avoids a pointless double-lock), and migrates
// from the first donor that survives revalidation under both locks.
func (m *Migrator) PullRT(dst int) bool {
	if m.domain == nil || !m.domain.Overloaded() {
		return false
	}
	dstRQ := m.rqs[dst]
	pulled := false
	m.domain.OverloadedCPUs().Iter(func(src int) bool {
		if src == dst {
			return true
		}
		srcRQ := m.rqs[src]
		srcRQ.Lock()
		srcNext, ok := srcRQ.PeekNext()
		srcRQ.Unlock()
		if !ok {
			return true
		}
		dstRQ.Lock()
		dstBest, has := dstRQ.Peek()
		dstRQ.Unlock()
		if has && !key.Urgent(m.mode, srcNext, dstBest) {
			return true
		}
		if m.pullFrom(dst, src) {
			pulled = true
			return false
		}
		return true
	})
	return pulled
}
