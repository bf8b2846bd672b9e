// Package fcskiplist implements the global index as a flat-combined skip
// list: instead of every CPU taking a shared lock to mutate the list
// directly, each CPU publishes its request in a per-CPU record and at most
// one CPU at a time - the elected combiner - drains every pending record
// and applies them to the list serially, left to right, which also keeps a
// single publisher's successive requests in order. Combiner election and
// the exponential backoff losers use while waiting are grounded on the
// CAS-plus-backoff discipline of a flat-combining lock.
package fcskiplist

import (
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pippolo84/practise/pkg/index"
	"github.com/pippolo84/practise/pkg/key"
)

const (
	maxLevel        = 32
	p               = 0.25
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

// record is a single CPU's publication slot. seq is bumped by the owning
// CPU when it publishes a new request; the combiner copies seq into applied
// once that request has been performed, and the owner spins until applied
// catches up to its own seq. pad keeps records on separate cache lines so
// publishers do not false-share.
type record struct {
	op      atomic.Int32 // opKind
	key     atomic.Uint64
	seq     atomic.Uint64
	applied atomic.Uint64
	_       [32]byte // pad to a 64-byte cache line
}

type node struct {
	cpu     int
	key     uint64
	forward []*node
}

// Index is the flat-combining-skip-list-backed global index.
type Index struct {
	combining atomic.Bool
	records   []record
	head      *node
	level     int
	byCPU     []*node
	size      int
	less      key.Less
	rng       *rand.Rand
	// mu serializes the combine phase itself against Check/Find readers;
	// publication stays lock-free on the submitting side.
	mu sync.RWMutex
}

var _ index.Index = (*Index)(nil)

// New returns an uninitialized Index.
func New() *Index { return &Index{} }

// Init implements index.Index.
func (ix *Index) Init(nCPUs int, less key.Less) error {
	if nCPUs <= 0 {
		return fmt.Errorf("fcskiplist: nCPUs must be positive, got %d", nCPUs)
	}
	ix.less = less
	ix.head = &node{cpu: -1, forward: make([]*node, maxLevel)}
	ix.level = 1
	ix.byCPU = make([]*node, nCPUs)
	ix.rng = rand.New(rand.NewSource(1))
	ix.records = make([]record, nCPUs)
	return nil
}

func (ix *Index) randomLevel() int {
	lvl := 1
	for lvl < maxLevel && ix.rng.Float64() < p {
		lvl++
	}
	return lvl
}

func (ix *Index) before(keyA uint64, cpuA int, keyB uint64, cpuB int) bool {
	if keyA != keyB {
		return ix.less(keyA, keyB)
	}
	return cpuA < cpuB
}

func (ix *Index) search(k uint64, cpu int) (update [maxLevel]*node, found *node) {
	cur := ix.head
	for lvl := ix.level - 1; lvl >= 0; lvl-- {
		for cur.forward[lvl] != nil && ix.before(cur.forward[lvl].key, cur.forward[lvl].cpu, k, cpu) {
			cur = cur.forward[lvl]
		}
		update[lvl] = cur
	}
	if cand := cur.forward[0]; cand != nil && cand.cpu == cpu && cand.key == k {
		found = cand
	}
	return update, found
}

func (ix *Index) insertLocked(k uint64, cpu int) {
	update, _ := ix.search(k, cpu)
	lvl := ix.randomLevel()
	if lvl > ix.level {
		for i := ix.level; i < lvl; i++ {
			update[i] = ix.head
		}
		ix.level = lvl
	}
	n := &node{cpu: cpu, key: k, forward: make([]*node, lvl)}
	for i := 0; i < lvl; i++ {
		n.forward[i] = update[i].forward[i]
		update[i].forward[i] = n
	}
	ix.byCPU[cpu] = n
	ix.size++
}

func (ix *Index) removeLocked(n *node) {
	update, found := ix.search(n.key, n.cpu)
	if found != n {
		return
	}
	for i := 0; i < len(n.forward); i++ {
		if update[i].forward[i] != n {
			break
		}
		update[i].forward[i] = n.forward[i]
	}
	for ix.level > 1 && ix.head.forward[ix.level-1] == nil {
		ix.level--
	}
	ix.byCPU[n.cpu] = nil
	ix.size--
}

func (ix *Index) applyLocked(cpu int, op opKind, k uint64) {
	if n := ix.byCPU[cpu]; n != nil {
		if op == opPreempt && n.key == k {
			return
		}
		ix.removeLocked(n)
	}
	if op == opPreempt {
		ix.insertLocked(k, cpu)
	}
}

// combine drains every pending record once, applying each to the list in
// publication-array order. Caller must hold ix.mu for writing and must
// currently be the elected combiner.
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

// publish posts an op to cpu's record and drives combining until it has
// been applied, either by winning the combiner election itself or by
// backing off while whichever CPU currently holds the role works through
// the publication array.
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

// Preempt implements index.Index.
func (ix *Index) Preempt(cpu int, newKey uint64) {
	ix.publish(cpu, opPreempt, newKey)
}

// Remove implements index.Index.
func (ix *Index) Remove(cpu int) {
	ix.publish(cpu, opRemove, 0)
}

// Find implements index.Index.
func (ix *Index) Find() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if n := ix.head.forward[0]; n != nil {
		return n.cpu
	}
	return index.NoCPU
}

// Check implements index.Index. The caller must have quiesced every
// publisher first (the checker holds every runqueue lock, and publication
// only ever happens under a runqueue lock), so a still-pending record is
// itself a violation.
func (ix *Index) Check(nCPUs int) error {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if len(ix.byCPU) != nCPUs {
		return fmt.Errorf("fcskiplist: sized for %d CPUs, checked against %d", len(ix.byCPU), nCPUs)
	}
	for cpu := range ix.records {
		rec := &ix.records[cpu]
		if rec.seq.Load() != rec.applied.Load() {
			return fmt.Errorf("fcskiplist: cpu %d has a pending publication record in a frozen world", cpu)
		}
	}
	count := 0
	var prev *node
	for n := ix.head.forward[0]; n != nil; n = n.forward[0] {
		count++
		if prev != nil && !ix.before(prev.key, prev.cpu, n.key, n.cpu) {
			return fmt.Errorf("fcskiplist: level-0 order violated at cpu %d (key %d after key %d)",
				n.cpu, n.key, prev.key)
		}
		if ix.byCPU[n.cpu] != n {
			return fmt.Errorf("fcskiplist: side array for cpu %d does not point at its node", n.cpu)
		}
		prev = n
	}
	if count != ix.size {
		return fmt.Errorf("fcskiplist: traversal found %d nodes, size field says %d", count, ix.size)
	}
	present := 0
	for _, n := range ix.byCPU {
		if n != nil {
			present++
		}
	}
	if present != ix.size {
		return fmt.Errorf("fcskiplist: %d present CPUs but size field says %d", present, ix.size)
	}
	return nil
}

// CheckCPU implements index.Index.
func (ix *Index) CheckCPU(cpu int, want index.CPUState) error {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	n := ix.byCPU[cpu]
	present := n != nil
	if present != want.Present {
		return fmt.Errorf("fcskiplist: cpu %d present=%v want=%v", cpu, present, want.Present)
	}
	if present && n.key != want.Key {
		return fmt.Errorf("fcskiplist: cpu %d key=%d want=%d", cpu, n.key, want.Key)
	}
	return nil
}

// Snapshot implements index.Index.
func (ix *Index) Snapshot() []index.CPUState {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make([]index.CPUState, len(ix.byCPU))
	for cpu, n := range ix.byCPU {
		if n != nil {
			out[cpu] = index.CPUState{Key: n.key, Present: true}
		}
	}
	return out
}

// Cleanup implements index.Index; publication records hold no external
// resources to release.
func (ix *Index) Cleanup() {}
