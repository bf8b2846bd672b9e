// Package bmfcskiplist implements the global index as a bitmap-topped
// flat-combining structure, specialized for a small, dense key domain
// (RT priority slots): a bitmap marks which slots currently have at least
// one present CPU, and per-slot CPU cohorts live below it, so Find reduces
// to a bit scan plus a cohort lookup instead of a list or tree descent -
// the same trick the kernel's CPU priority vectors use. Writes go through
// the same publish/combine flat-combining discipline as fcskiplist, since
// a handful of shared bitmap words is exactly the kind of small hot state
// flat combining is meant to protect from lock contention.
package bmfcskiplist

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pippolo84/practise/pkg/cpumask"
	"github.com/pippolo84/practise/pkg/index"
	"github.com/pippolo84/practise/pkg/key"
)

// nSlots covers every RT priority slot (0..key.RTMaxSlot inclusive) with
// headroom; this variant is only meaningful when keys fit this range.
const nSlots = 128

const (
	startingBackoff = 50 * time.Microsecond
	maxBackoff      = 500 * time.Microsecond
	backoffFactor   = 2
)

type opKind int32

const (
	opNone opKind = iota
	opPreempt
	opRemove
)

type record struct {
	op      atomic.Int32
	key     atomic.Uint64
	seq     atomic.Uint64
	applied atomic.Uint64
	_       [32]byte // pad to a 64-byte cache line
}

// Index is the bitmap-flat-combining-backed global index.
type Index struct {
	combining atomic.Bool
	records   []record

	mu       sync.RWMutex
	occupied *cpumask.Set // bit i set iff slot i has >=1 present CPU
	cohort   [nSlots]*cpumask.Set
	count    [nSlots]int
	slotOf   []int // cpu -> slot, or -1 if absent
	less     key.Less
	scanHigh bool // true if the Less-minimal slot is the numerically highest
}

var _ index.Index = (*Index)(nil)

// New returns an uninitialized Index.
func New() *Index { return &Index{} }

// Init implements index.Index.
func (ix *Index) Init(nCPUs int, less key.Less) error {
	if nCPUs <= 0 {
		return fmt.Errorf("bmfcskiplist: nCPUs must be positive, got %d", nCPUs)
	}
	ix.less = less
	ix.occupied = cpumask.New(nSlots)
	for i := range ix.cohort {
		ix.cohort[i] = cpumask.New(nCPUs)
	}
	ix.slotOf = make([]int, nCPUs)
	for i := range ix.slotOf {
		ix.slotOf[i] = -1
	}
	ix.records = make([]record, nCPUs)
	// less(a, b) picks the Less-minimal slot as the winner; determine
	// whether that is the lowest or highest slot number by probing the two
	// ends of the domain.
	ix.scanHigh = less(nSlots-1, 0)
	return nil
}

func (ix *Index) applyLocked(cpu int, op opKind, k uint64) {
	newSlot := -1
	if op == opPreempt {
		newSlot = int(k)
		if newSlot >= nSlots {
			newSlot = nSlots - 1
		}
	}
	old := ix.slotOf[cpu]
	if old == newSlot {
		return
	}
	if old >= 0 {
		ix.count[old]--
		ix.cohort[old].Clear(cpu)
		if ix.count[old] == 0 {
			ix.occupied.Clear(old)
		}
		ix.slotOf[cpu] = -1
	}
	if newSlot >= 0 {
		ix.count[newSlot]++
		ix.cohort[newSlot].Set(cpu)
		ix.occupied.Set(newSlot)
		ix.slotOf[cpu] = newSlot
	}
}

func (ix *Index) combine() {
	for cpu := range ix.records {
		rec := &ix.records[cpu]
		seq := rec.seq.Load()
		if seq == rec.applied.Load() {
			continue
		}
		ix.applyLocked(cpu, opKind(rec.op.Load()), rec.key.Load())
		rec.applied.Store(seq)
	}
}

func (ix *Index) publish(cpu int, op opKind, k uint64) {
	rec := &ix.records[cpu]
	rec.key.Store(k)
	rec.op.Store(int32(op))
	mySeq := rec.seq.Add(1)

	backoff := startingBackoff
	for rec.applied.Load() < mySeq {
		if ix.combining.CompareAndSwap(false, true) {
			ix.mu.Lock()
			ix.combine()
			ix.mu.Unlock()
			ix.combining.Store(false)
			return
		}
		time.Sleep(backoff)
		backoff *= backoffFactor
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// Preempt implements index.Index. newKey must be in [0, nSlots); larger
// keys are clamped to the top slot, since this variant is only ever driven
// by priority-slot keys.
func (ix *Index) Preempt(cpu int, newKey uint64) {
	ix.publish(cpu, opPreempt, newKey)
}

// Remove implements index.Index.
func (ix *Index) Remove(cpu int) {
	ix.publish(cpu, opRemove, 0)
}

// bestSlot scans the occupied bitmap in the direction that yields the
// Less-minimal slot, returning -1 if nothing is occupied.
func (ix *Index) bestSlot() int {
	if !ix.scanHigh {
		return ix.occupied.FirstSet()
	}
	best := -1
	ix.occupied.Iter(func(slot int) bool {
		best = slot
		return true
	})
	return best
}

// Find implements index.Index.
func (ix *Index) Find() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	slot := ix.bestSlot()
	if slot < 0 {
		return index.NoCPU
	}
	if cpu := ix.cohort[slot].FirstSet(); cpu >= 0 {
		return cpu
	}
	return index.NoCPU
}

// Check implements index.Index. As with fcskiplist, the caller must have
// quiesced every publisher first, so a pending record is a violation.
func (ix *Index) Check(nCPUs int) error {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if len(ix.slotOf) != nCPUs {
		return fmt.Errorf("bmfcskiplist: sized for %d CPUs, checked against %d", len(ix.slotOf), nCPUs)
	}
	for cpu := range ix.records {
		rec := &ix.records[cpu]
		if rec.seq.Load() != rec.applied.Load() {
			return fmt.Errorf("bmfcskiplist: cpu %d has a pending publication record in a frozen world", cpu)
		}
	}
	for s := 0; s < nSlots; s++ {
		occupants := 0
		for cpu, slot := range ix.slotOf {
			at := slot == s
			if at {
				occupants++
			}
			if at != ix.cohort[s].Test(cpu) {
				return fmt.Errorf("bmfcskiplist: slot %d cohort bit for cpu %d is %v, want %v", s, cpu, !at, at)
			}
		}
		if occupants != ix.count[s] {
			return fmt.Errorf("bmfcskiplist: slot %d count=%d, want %d", s, ix.count[s], occupants)
		}
		if occupied := ix.occupied.Test(s); occupied != (occupants > 0) {
			return fmt.Errorf("bmfcskiplist: slot %d occupied bit %v with %d occupants", s, occupied, occupants)
		}
	}
	return nil
}

// CheckCPU implements index.Index.
func (ix *Index) CheckCPU(cpu int, want index.CPUState) error {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	slot := ix.slotOf[cpu]
	present := slot >= 0
	if present != want.Present {
		return fmt.Errorf("bmfcskiplist: cpu %d present=%v want=%v", cpu, present, want.Present)
	}
	if present && uint64(slot) != want.Key {
		return fmt.Errorf("bmfcskiplist: cpu %d slot=%d want=%d", cpu, slot, want.Key)
	}
	return nil
}

// Snapshot implements index.Index.
func (ix *Index) Snapshot() []index.CPUState {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make([]index.CPUState, len(ix.slotOf))
	for cpu, slot := range ix.slotOf {
		if slot >= 0 {
			out[cpu] = index.CPUState{Key: uint64(slot), Present: true}
		}
	}
	return out
}

// Cleanup implements index.Index; publication records hold no external
// resources to release.
func (ix *Index) Cleanup() {}
