// Package heapindex implements the global index as a single binomial heap
// with a per-CPU side array of *Node handles, giving O(log n) Preempt and
// Remove and O(log n) Find via a scan of the heap's root list. A single mutex serializes
// mutators and Find readers alike.
package heapindex

import (
	"fmt"
	"sync"

	"github.com/pippolo84/practise/pkg/binheap"
	"github.com/pippolo84/practise/pkg/index"
	"github.com/pippolo84/practise/pkg/key"
)

// Index is the binomial-heap-backed global index. The zero value is not
// usable; call Init first.
type Index struct {
	mu    sync.Mutex
	heap  *binheap.Heap[int] // value is the owning cpu
	byCPU []*binheap.Node[int]
	less  key.Less
}

var _ index.Index = (*Index)(nil)

// New returns an uninitialized Index.
func New() *Index { return &Index{} }

// Init implements index.Index.
func (ix *Index) Init(nCPUs int, less key.Less) error {
	if nCPUs <= 0 {
		return fmt.Errorf("heapindex: nCPUs must be positive, got %d", nCPUs)
	}
	ix.less = less
	ix.heap = binheap.New[int](less)
	ix.byCPU = make([]*binheap.Node[int], nCPUs)
	// OnMove fires after the two nodes' contents have been exchanged, so
	// each node now holds exactly the CPU its Value reports.
	ix.heap.OnMove = func(a, b *binheap.Node[int]) {
		ix.byCPU[a.Value()] = a
		ix.byCPU[b.Value()] = b
	}
	return nil
}

// Preempt implements index.Index.
func (ix *Index) Preempt(cpu int, newKey uint64) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if n := ix.byCPU[cpu]; n != nil {
		ix.heap.Update(n, newKey)
		return
	}
	ix.byCPU[cpu] = ix.heap.Insert(newKey, cpu)
}

// Remove implements index.Index.
func (ix *Index) Remove(cpu int) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	n := ix.byCPU[cpu]
	if n == nil {
		return
	}
	ix.heap.Remove(n)
	ix.byCPU[cpu] = nil
}

// Find implements index.Index.
func (ix *Index) Find() int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	_, cpu, ok := ix.heap.Min()
	if !ok {
		return index.NoCPU
	}
	return cpu
}

// Check implements index.Index.
func (ix *Index) Check(nCPUs int) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if len(ix.byCPU) != nCPUs {
		return fmt.Errorf("heapindex: sized for %d CPUs, checked against %d", len(ix.byCPU), nCPUs)
	}
	if err := ix.heap.Validate(); err != nil {
		return fmt.Errorf("heapindex: %w", err)
	}
	present := 0
	for cpu, n := range ix.byCPU {
		if n == nil {
			continue
		}
		present++
		if n.Value() != cpu {
			return fmt.Errorf("heapindex: side array for cpu %d points at node owned by cpu %d", cpu, n.Value())
		}
	}
	if got := ix.heap.Len(); got != present {
		return fmt.Errorf("heapindex: heap size %d, want %d present entries", got, present)
	}
	return nil
}

// CheckCPU implements index.Index.
func (ix *Index) CheckCPU(cpu int, want index.CPUState) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	n := ix.byCPU[cpu]
	present := n != nil
	if present != want.Present {
		return fmt.Errorf("heapindex: cpu %d present=%v want=%v", cpu, present, want.Present)
	}
	if present && n.Key() != want.Key {
		return fmt.Errorf("heapindex: cpu %d key=%d want=%d", cpu, n.Key(), want.Key)
	}
	return nil
}

// Snapshot implements index.Index.
func (ix *Index) Snapshot() []index.CPUState {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	out := make([]index.CPUState, len(ix.byCPU))
	for cpu, n := range ix.byCPU {
		if n != nil {
			out[cpu] = index.CPUState{Key: n.Key(), Present: true}
		}
	}
	return out
}

// Cleanup implements index.Index; the heap holds no external resources.
func (ix *Index) Cleanup() {}
