// Package checker implements the concurrent invariant checker: on a timer,
// it freezes the world by taking every runqueue lock in ascending CPU
// order, validates each runqueue's own invariants, compares the
// authoritative per-CPU state against what the push/pull global indexes and
// the RT root domain believe, and records any mismatch. Because this runs
// alongside an otherwise lock-light harness, its own logging goes through
// zerolog rather than the heavier logrus used for lifecycle events.
package checker

import (
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/pippolo84/practise/pkg/index"
	"github.com/pippolo84/practise/pkg/key"
	"github.com/pippolo84/practise/pkg/rootdomain"
	"github.com/pippolo84/practise/pkg/runqueue"
	"github.com/rs/zerolog"
)

// Checker periodically freezes every runqueue and validates the push/pull
// indexes and (RT mode) root domain against them.
type Checker struct {
	rqs      []*runqueue.RQ
	mode     key.Mode
	pushIdx  index.Index
	pullIdx  index.Index
	pushLess key.Less
	pullLess key.Less
	domain   *rootdomain.Domain

	exitOnError bool
	log         zerolog.Logger

	runs   atomic.Uint64
	errors atomic.Uint64
}

// New returns a Checker over rqs, validating pushIdx/pullIdx (and domain,
// which may be nil outside RT mode) every time Run is invoked. Findings are
// written to w as structured, one-line-per-event JSON - the error_log.txt
// stream.
func New(rqs []*runqueue.RQ, mode key.Mode, pushIdx, pullIdx index.Index, domain *rootdomain.Domain, w io.Writer, exitOnError bool) *Checker {
	return &Checker{
		rqs:         rqs,
		mode:        mode,
		pushIdx:     pushIdx,
		pullIdx:     pullIdx,
		pushLess:    key.LessFor(mode, key.OrientPush),
		pullLess:    key.LessFor(mode, key.OrientPull),
		domain:      domain,
		exitOnError: exitOnError,
		log:         zerolog.New(w).With().Timestamp().Logger(),
	}
}

// Runs returns how many times Run has executed.
func (c *Checker) Runs() uint64 { return c.runs.Load() }

// Errors returns how many invariant violations have been recorded so far.
func (c *Checker) Errors() uint64 { return c.errors.Load() }

// Run freezes the world, validates invariants, and returns the first error
// found if exitOnError is set. When exitOnError is false every violation is
// still logged and counted, but the caller keeps running.
func (c *Checker) Run() error {
	c.runs.Add(1)

	for _, rq := range c.rqs {
		rq.Lock()
	}
	defer func() {
		for _, rq := range c.rqs {
			rq.Unlock()
		}
	}()

	var firstErr error
	record := func(stage string, err error) {
		if err == nil {
			return
		}
		c.errors.Add(1)
		c.log.Error().Str("stage", stage).Err(err).Uint64("run", c.runs.Load()).Msg("invariant violation")
		if firstErr == nil {
			firstErr = err
		}
	}

	n := len(c.rqs)
	push := make([]index.CPUState, n)
	pull := make([]index.CPUState, n)
	slots := make([]int, n)
	overloaded := make([]bool, n)
	for cpu, rq := range c.rqs {
		record("runqueue", rq.CheckInvariants())
		slots[cpu] = key.RTIdleSlot
		if k, ok := rq.Peek(); ok {
			push[cpu] = index.CPUState{Key: k, Present: true}
			slots[cpu] = int(k)
		}
		if k, ok := rq.PeekNext(); ok {
			pull[cpu] = index.CPUState{Key: k, Present: true}
		}
		overloaded[cpu] = rq.Overloaded()
	}

	record("push-index", c.pushIdx.Check(n))
	record("pull-index", c.pullIdx.Check(n))
	for cpu := 0; cpu < n; cpu++ {
		record("push-index", c.pushIdx.CheckCPU(cpu, push[cpu]))
		record("pull-index", c.pullIdx.CheckCPU(cpu, pull[cpu]))
	}
	record("push-find", checkFind(c.pushIdx, push, c.pushLess))
	record("pull-find", checkFind(c.pullIdx, pull, c.pullLess))
	if c.domain != nil {
		record("root-domain", c.domain.Check(slots, overloaded))
	}

	if firstErr != nil && c.exitOnError {
		return firstErr
	}
	return nil
}

// checkFind compares ix.Find() against a reference scan over the frozen
// authoritative state. Ties are any-of: the returned CPU must merely hold
// a key no worse than the reference best, not be a specific index.
func checkFind(ix index.Index, want []index.CPUState, less key.Less) error {
	best := index.NoCPU
	for cpu, w := range want {
		if !w.Present {
			continue
		}
		if best == index.NoCPU || less(w.Key, want[best].Key) {
			best = cpu
		}
	}
	got := ix.Find()
	if (got == index.NoCPU) != (best == index.NoCPU) {
		return fmt.Errorf("find: got cpu %d, want presence %v", got, best != index.NoCPU)
	}
	if got == index.NoCPU {
		return nil
	}
	if !want[got].Present {
		return fmt.Errorf("find: returned cpu %d which has no present entry", got)
	}
	if less(want[best].Key, want[got].Key) {
		return fmt.Errorf("find: returned cpu %d with key %d, but cpu %d holds better key %d",
			got, want[got].Key, best, want[best].Key)
	}
	return nil
}

// RunLoop calls Run every interval until stop is closed, returning the
// first error encountered if exitOnError is set.
func (c *Checker) RunLoop(interval time.Duration, stop <-chan struct{}) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return nil
		case <-ticker.C:
			if err := c.Run(); err != nil {
				return err
			}
		}
	}
}
