// Package binheap implements a binomial heap, generic over an arbitrary
// payload type. It backs both the per-CPU runqueue's local priority
// structure and the global Binomial Heap index variant.
//
// Binomial heaps give O(log n) insert/extract-min and, via the decrease/
// increase-key operations below, O(log n) update-in-place for a node whose
// identity (its *Node pointer) the caller already holds - exactly what the
// global index variant needs to update a single CPU's entry without
// rebuilding the structure.
package binheap

import "fmt"

// Node is an element of the heap. Callers that need update-in-place (the
// global index variants) keep the *Node returned by Insert and pass it back
// to Update/Remove; the pointer identity never changes even though the
// (key, value) contents can move between nodes during sift operations.
type Node[T any] struct {
	key     uint64
	value   T
	degree  int
	parent  *Node[T]
	child   *Node[T]
	sibling *Node[T]
}

// Key returns the node's current key.
func (n *Node[T]) Key() uint64 { return n.key }

// Value returns the node's current payload.
func (n *Node[T]) Value() T { return n.value }

// Heap is a binomial heap ordered by the supplied Less function: the root
// returned by Min/ExtractMin is always the Less-minimal element.
type Heap[T any] struct {
	roots *Node[T] // singly-linked root list, kept sorted by ascending degree
	less  func(a, b uint64) bool
	size  int

	// OnMove, if set, is invoked whenever the contents of two nodes are
	// swapped during a sift operation, so a caller-maintained external
	// index (e.g. cpu -> *Node) can be kept in sync.
	OnMove func(a, b *Node[T])
}

// New returns an empty heap ordered by less.
func New[T any](less func(a, b uint64) bool) *Heap[T] {
	return &Heap[T]{less: less}
}

// Len returns the number of elements in the heap.
func (h *Heap[T]) Len() int { return h.size }

func (h *Heap[T]) swap(a, b *Node[T]) {
	a.key, b.key = b.key, a.key
	a.value, b.value = b.value, a.value
	if h.OnMove != nil {
		h.OnMove(a, b)
	}
}

// mergeRootLists merges two degree-sorted root lists into one degree-sorted
// list, without combining equal-degree trees (that is consolidate's job).
func mergeRootLists[T any](a, b *Node[T]) *Node[T] {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	}
	var head, tail *Node[T]
	for a != nil && b != nil {
		var next *Node[T]
		if a.degree <= b.degree {
			next, a = a, a.sibling
		} else {
			next, b = b, b.sibling
		}
		if head == nil {
			head = next
		} else {
			tail.sibling = next
		}
		tail = next
	}
	if a != nil {
		tail.sibling = a
	} else {
		tail.sibling = b
	}
	return head
}

// link makes z a child of y; y must be Less-or-equal to z.
func link[T any](y, z *Node[T]) {
	z.parent = y
	z.sibling = y.child
	y.child = z
	y.degree++
}

// consolidate walks a degree-sorted root list combining adjacent equal-
// degree trees until all remaining roots have distinct degrees.
func (h *Heap[T]) consolidate(list *Node[T]) *Node[T] {
	if list == nil {
		return nil
	}
	var prev, cur, next *Node[T]
	cur = list
	next = cur.sibling
	for next != nil {
		if cur.degree != next.degree || (next.sibling != nil && next.sibling.degree == cur.degree) {
			prev, cur = cur, next
		} else if h.less(cur.key, next.key) {
			cur.sibling = next.sibling
			link(cur, next)
		} else {
			if prev == nil {
				list = next
			} else {
				prev.sibling = next
			}
			link(next, cur)
			cur = next
		}
		next = cur.sibling
	}
	return list
}

func (h *Heap[T]) union(other *Node[T]) {
	h.roots = h.consolidate(mergeRootLists(h.roots, other))
}

// Insert adds (key, value) to the heap and returns a handle for later
// Update/Remove calls.
func (h *Heap[T]) Insert(key uint64, value T) *Node[T] {
	n := &Node[T]{key: key, value: value}
	h.union(n)
	h.size++
	return n
}

func (h *Heap[T]) findMin() (min, prev *Node[T]) {
	if h.roots == nil {
		return nil, nil
	}
	min = h.roots
	var minPrev *Node[T]
	p := h.roots
	for cur := h.roots.sibling; cur != nil; cur = cur.sibling {
		if h.less(cur.key, min.key) {
			min, minPrev = cur, p
		}
		p = cur
	}
	return min, minPrev
}

// Min returns the Less-minimal (key, value) without removing it.
func (h *Heap[T]) Min() (key uint64, value T, ok bool) {
	min, _ := h.findMin()
	if min == nil {
		var zero T
		return 0, zero, false
	}
	return min.key, min.value, true
}

// reverseChildren detaches n's children, clears their parent pointers, and
// returns them as a root list in ascending-degree order.
func reverseChildren[T any](n *Node[T]) *Node[T] {
	var head *Node[T]
	for c := n.child; c != nil; {
		next := c.sibling
		c.parent = nil
		c.sibling = head
		head = c
		c = next
	}
	return head
}

// removeRoot splices n out of the root list, given the node preceding it
// (nil if n is currently the head), and folds its children back in.
func (h *Heap[T]) removeRoot(n, prev *Node[T]) {
	if prev == nil {
		h.roots = n.sibling
	} else {
		prev.sibling = n.sibling
	}
	n.sibling = nil
	h.union(reverseChildren(n))
	h.size--
}

// ExtractMin removes and returns the Less-minimal element.
func (h *Heap[T]) ExtractMin() (key uint64, value T, ok bool) {
	min, prev := h.findMin()
	if min == nil {
		var zero T
		return 0, zero, false
	}
	key, value = min.key, min.value
	h.removeRoot(min, prev)
	return key, value, true
}

// SecondMin returns the second Less-minimal (key, value), without mutating
// the heap. Used by the runqueue's `next` cache: the second-best
// element is always either another root, or a child of the min root.
func (h *Heap[T]) SecondMin() (key uint64, value T, ok bool) {
	if h.size < 2 {
		var zero T
		return 0, zero, false
	}
	min, _ := h.findMin()
	found := false
	var bestKey uint64
	var bestVal T
	consider := func(n *Node[T]) {
		if n == min {
			return
		}
		if !found || h.less(n.key, bestKey) {
			bestKey, bestVal, found = n.key, n.value, true
		}
	}
	for r := h.roots; r != nil; r = r.sibling {
		consider(r)
	}
	for c := min.child; c != nil; c = c.sibling {
		consider(c)
	}
	return bestKey, bestVal, found
}

// ExtractSecondMin removes and returns the second Less-minimal element,
// implemented by the standard two-extract trick: after removing the global
// minimum, the new minimum is exactly the old second-minimum, so we pop
// once to get it and reinsert the original minimum afterward.
func (h *Heap[T]) ExtractSecondMin() (key uint64, value T, ok bool) {
	if h.size < 2 {
		var zero T
		return 0, zero, false
	}
	minKey, minVal, _ := h.ExtractMin()
	key, value, ok = h.ExtractMin()
	h.Insert(minKey, minVal)
	return key, value, ok
}

// siftUp repeatedly compares n against its parent under cmp, swapping
// contents (never pointers, so tree shape and every live *Node handle stay
// valid) and moving focus to the parent slot until cmp says stop or n is a
// root. Used both for ordinary decrease-key and, with an override
// comparator, to force a specific node up to the root for removal.
func (h *Heap[T]) siftUp(n *Node[T], cmp func(child, parent *Node[T]) bool) *Node[T] {
	for n.parent != nil && cmp(n, n.parent) {
		h.swap(n, n.parent)
		n = n.parent
	}
	return n
}

// siftDown repeatedly compares n against its Less-best child, swapping
// contents and moving focus to that child, until no child violates order.
func (h *Heap[T]) siftDown(n *Node[T]) {
	for {
		var best *Node[T]
		for c := n.child; c != nil; c = c.sibling {
			if best == nil || h.less(c.key, best.key) {
				best = c
			}
		}
		if best == nil || !h.less(best.key, n.key) {
			return
		}
		h.swap(n, best)
		n = best
	}
}

// Update changes n's key in place, re-establishing heap order in O(log n)
// by sifting up (decrease) or down (increase) as needed. It is idempotent:
// calling Update with n's current key is a no-op.
func (h *Heap[T]) Update(n *Node[T], newKey uint64) {
	old := n.key
	n.key = newKey
	switch {
	case h.less(newKey, old):
		h.siftUp(n, func(child, parent *Node[T]) bool { return h.less(child.key, parent.key) })
	case h.less(old, newKey):
		h.siftDown(n)
	}
}

// Validate walks the whole forest checking the binomial heap's structural
// invariants: root degrees strictly ascending along the root list, every
// tree a well-formed binomial tree of its degree, heap order between every
// parent and child, and the size field matching the actual node count. It
// exists for the checker's structural pass and for tests; a non-nil error
// names the first violation found.
func (h *Heap[T]) Validate() error {
	counted := 0
	prevDegree := -1
	for r := h.roots; r != nil; r = r.sibling {
		if r.parent != nil {
			return fmt.Errorf("binheap: root with key %d has a parent", r.key)
		}
		if r.degree <= prevDegree {
			return fmt.Errorf("binheap: root degrees not strictly ascending (%d after %d)", r.degree, prevDegree)
		}
		prevDegree = r.degree
		n, err := h.validateTree(r)
		if err != nil {
			return err
		}
		counted += n
	}
	if counted != h.size {
		return fmt.Errorf("binheap: counted %d nodes, size field says %d", counted, h.size)
	}
	return nil
}

// validateTree checks one binomial tree rooted at n and returns its node
// count: children carry strictly descending degrees degree-1..0, each child
// is itself well formed, and no child sorts before its parent.
func (h *Heap[T]) validateTree(n *Node[T]) (int, error) {
	count := 1
	wantDegree := n.degree - 1
	for c := n.child; c != nil; c = c.sibling {
		if c.parent != n {
			return 0, fmt.Errorf("binheap: node with key %d has a broken parent link", c.key)
		}
		if c.degree != wantDegree {
			return 0, fmt.Errorf("binheap: child degree %d under degree-%d node, want %d", c.degree, n.degree, wantDegree)
		}
		if h.less(c.key, n.key) {
			return 0, fmt.Errorf("binheap: heap order violated, child key %d sorts before parent key %d", c.key, n.key)
		}
		sub, err := h.validateTree(c)
		if err != nil {
			return 0, err
		}
		count += sub
		wantDegree--
	}
	if wantDegree != -1 {
		return 0, fmt.Errorf("binheap: degree-%d node has too few children", n.degree)
	}
	return count, nil
}

// Remove deletes n from the heap in O(log n): n is forced to the root via
// an override comparator that always reports it as smaller than its
// parent, then spliced out of the root list like ExtractMin.
func (h *Heap[T]) Remove(n *Node[T]) {
	n = h.siftUp(n, func(child, parent *Node[T]) bool { return child.parent != nil })
	// n is now a root; find its predecessor in the root list to splice it out.
	var prev *Node[T]
	for r := h.roots; r != nil && r != n; r = r.sibling {
		prev = r
	}
	h.removeRoot(n, prev)
}
