// Package arrayheap implements the global index as an array-backed binary
// heap, using container/heap with an auxiliary cpu->slot table for
// O(log n) update-in-place - the same shape as the worker-selection heap in
// a load-balancing scheduler, just keyed on scheduling keys instead of
// worker load scores. A coarse mutex covers every operation.
package arrayheap

import (
	"container/heap"
	"fmt"
	"sync"

	"github.com/pippolo84/practise/pkg/index"
	"github.com/pippolo84/practise/pkg/key"
)

type entry struct {
	cpu int
	key uint64
}

// slotHeap is the container/heap.Interface implementation; entries holds
// only present CPUs, heap-ordered by less.
type slotHeap struct {
	entries []entry
	slot    []int // cpu -> index into entries, or -1 if absent
	less    key.Less
}

func (h *slotHeap) Len() int { return len(h.entries) }
func (h *slotHeap) Less(i, j int) bool {
	return h.less(h.entries[i].key, h.entries[j].key)
}
func (h *slotHeap) Swap(i, j int) {
	h.entries[i], h.entries[j] = h.entries[j], h.entries[i]
	h.slot[h.entries[i].cpu] = i
	h.slot[h.entries[j].cpu] = j
}
func (h *slotHeap) Push(x any) {
	e := x.(entry)
	h.slot[e.cpu] = len(h.entries)
	h.entries = append(h.entries, e)
}
func (h *slotHeap) Pop() any {
	n := len(h.entries)
	e := h.entries[n-1]
	h.entries = h.entries[:n-1]
	h.slot[e.cpu] = -1
	return e
}

// Index is the array-heap-backed global index.
type Index struct {
	mu sync.Mutex
	h  *slotHeap
}

var _ index.Index = (*Index)(nil)

// New returns an uninitialized Index.
func New() *Index { return &Index{} }

// Init implements index.Index.
func (ix *Index) Init(nCPUs int, less key.Less) error {
	if nCPUs <= 0 {
		return fmt.Errorf("arrayheap: nCPUs must be positive, got %d", nCPUs)
	}
	slot := make([]int, nCPUs)
	for i := range slot {
		slot[i] = -1
	}
	ix.h = &slotHeap{slot: slot, less: less}
	return nil
}

// Preempt implements index.Index.
func (ix *Index) Preempt(cpu int, newKey uint64) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if s := ix.h.slot[cpu]; s >= 0 {
		ix.h.entries[s].key = newKey
		heap.Fix(ix.h, s)
		return
	}
	heap.Push(ix.h, entry{cpu: cpu, key: newKey})
}

// Remove implements index.Index.
func (ix *Index) Remove(cpu int) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	s := ix.h.slot[cpu]
	if s < 0 {
		return
	}
	heap.Remove(ix.h, s)
}

// Find implements index.Index.
func (ix *Index) Find() int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.h.Len() == 0 {
		return index.NoCPU
	}
	return ix.h.entries[0].cpu
}

// Check implements index.Index.
func (ix *Index) Check(nCPUs int) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if len(ix.h.slot) != nCPUs {
		return fmt.Errorf("arrayheap: sized for %d CPUs, checked against %d", len(ix.h.slot), nCPUs)
	}
	present := 0
	for cpu, s := range ix.h.slot {
		if s < 0 {
			continue
		}
		present++
		if s >= len(ix.h.entries) || ix.h.entries[s].cpu != cpu {
			return fmt.Errorf("arrayheap: slot table for cpu %d is stale", cpu)
		}
	}
	if present != len(ix.h.entries) {
		return fmt.Errorf("arrayheap: %d present CPUs but %d heap entries", present, len(ix.h.entries))
	}
	for i := 1; i < len(ix.h.entries); i++ {
		parent := (i - 1) / 2
		if ix.h.less(ix.h.entries[i].key, ix.h.entries[parent].key) {
			return fmt.Errorf("arrayheap: heap order violated at slot %d (key %d under key %d)",
				i, ix.h.entries[i].key, ix.h.entries[parent].key)
		}
	}
	return nil
}

// CheckCPU implements index.Index.
func (ix *Index) CheckCPU(cpu int, want index.CPUState) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	s := ix.h.slot[cpu]
	present := s >= 0
	if present != want.Present {
		return fmt.Errorf("arrayheap: cpu %d present=%v want=%v", cpu, present, want.Present)
	}
	if present && ix.h.entries[s].key != want.Key {
		return fmt.Errorf("arrayheap: cpu %d key=%d want=%d", cpu, ix.h.entries[s].key, want.Key)
	}
	return nil
}

// Snapshot implements index.Index.
func (ix *Index) Snapshot() []index.CPUState {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	out := make([]index.CPUState, len(ix.h.slot))
	for cpu, s := range ix.h.slot {
		if s >= 0 {
			out[cpu] = index.CPUState{Key: ix.h.entries[s].key, Present: true}
		}
	}
	return out
}

// Cleanup implements index.Index; the array heap holds no external resources.
func (ix *Index) Cleanup() {}
