// Package skiplist implements the global index as a doubly-linked skip
// list guarded by a single sync.RWMutex, grounded on the classic
// probabilistic skip-list structure: header sentinel, randomized level
// count, forward pointer arrays searched level-by-level. Preempt and
// Remove take the writer lock; Find takes the reader lock and returns the
// first level-0 forward pointer, which by construction holds the best key.
package skiplist

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/pippolo84/practise/pkg/index"
	"github.com/pippolo84/practise/pkg/key"
)

const (
	maxLevel = 32
	p        = 0.25
)

// node is ordered primarily by key and, to keep a deterministic total order
// across CPUs that share a key, secondarily by cpu.
type node struct {
	cpu     int
	key     uint64
	forward []*node
	back    *node // doubly-linked at level 0, for O(1) predecessor walks
}

// Index is the skip-list-backed global index.
type Index struct {
	mu    sync.RWMutex
	head  *node
	level int
	byCPU []*node
	less  key.Less
	rng   *rand.Rand
	size  int
}

var _ index.Index = (*Index)(nil)

// New returns an uninitialized Index.
func New() *Index { return &Index{} }

// Init implements index.Index.
func (ix *Index) Init(nCPUs int, less key.Less) error {
	if nCPUs <= 0 {
		return fmt.Errorf("skiplist: nCPUs must be positive, got %d", nCPUs)
	}
	ix.less = less
	ix.head = &node{cpu: -1, forward: make([]*node, maxLevel)}
	ix.level = 1
	ix.byCPU = make([]*node, nCPUs)
	ix.rng = rand.New(rand.NewSource(1))
	return nil
}

func (ix *Index) randomLevel() int {
	lvl := 1
	for lvl < maxLevel && ix.rng.Float64() < p {
		lvl++
	}
	return lvl
}

// before reports whether (keyA, cpuA) sorts strictly before (keyB, cpuB).
func (ix *Index) before(keyA uint64, cpuA int, keyB uint64, cpuB int) bool {
	if keyA != keyB {
		return ix.less(keyA, keyB)
	}
	return cpuA < cpuB
}

// search returns, for every level, the rightmost node strictly before the
// target (key, cpu), along with the node at (key, cpu) itself if present.
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
	n.back = update[0]
	if n.forward[0] != nil {
		n.forward[0].back = n
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
	if n.forward[0] != nil {
		n.forward[0].back = n.back
	}
	for ix.level > 1 && ix.head.forward[ix.level-1] == nil {
		ix.level--
	}
	ix.byCPU[n.cpu] = nil
	ix.size--
}

// Preempt implements index.Index.
func (ix *Index) Preempt(cpu int, newKey uint64) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if n := ix.byCPU[cpu]; n != nil {
		if n.key == newKey {
			return
		}
		ix.removeLocked(n)
	}
	ix.insertLocked(newKey, cpu)
}

// Remove implements index.Index.
func (ix *Index) Remove(cpu int) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if n := ix.byCPU[cpu]; n != nil {
		ix.removeLocked(n)
	}
}

// Find implements index.Index.
func (ix *Index) Find() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if first := ix.head.forward[0]; first != nil {
		return first.cpu
	}
	return index.NoCPU
}

// Check implements index.Index.
func (ix *Index) Check(nCPUs int) error {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if len(ix.byCPU) != nCPUs {
		return fmt.Errorf("skiplist: sized for %d CPUs, checked against %d", len(ix.byCPU), nCPUs)
	}
	count := 0
	prev := ix.head
	for n := ix.head.forward[0]; n != nil; n = n.forward[0] {
		count++
		if prev != ix.head && !ix.before(prev.key, prev.cpu, n.key, n.cpu) {
			return fmt.Errorf("skiplist: level-0 order violated at cpu %d (key %d after key %d)",
				n.cpu, n.key, prev.key)
		}
		if n.back != prev {
			return fmt.Errorf("skiplist: broken back link at cpu %d", n.cpu)
		}
		if ix.byCPU[n.cpu] != n {
			return fmt.Errorf("skiplist: side array for cpu %d does not point at its node", n.cpu)
		}
		prev = n
	}
	if count != ix.size {
		return fmt.Errorf("skiplist: traversal found %d nodes, size field says %d", count, ix.size)
	}
	for lvl := 1; lvl < ix.level; lvl++ {
		for n := ix.head.forward[lvl]; n != nil && n.forward[lvl] != nil; n = n.forward[lvl] {
			next := n.forward[lvl]
			if !ix.before(n.key, n.cpu, next.key, next.cpu) {
				return fmt.Errorf("skiplist: level-%d order violated at cpu %d", lvl, next.cpu)
			}
		}
	}
	present := 0
	for _, n := range ix.byCPU {
		if n != nil {
			present++
		}
	}
	if present != ix.size {
		return fmt.Errorf("skiplist: %d present CPUs but size field says %d", present, ix.size)
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
		return fmt.Errorf("skiplist: cpu %d present=%v want=%v", cpu, present, want.Present)
	}
	if present && n.key != want.Key {
		return fmt.Errorf("skiplist: cpu %d key=%d want=%d", cpu, n.key, want.Key)
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

// Cleanup implements index.Index; the skip list holds no external resources.
func (ix *Index) Cleanup() {}
