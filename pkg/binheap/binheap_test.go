package binheap

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lessUint64(a, b uint64) bool { return a < b }

func TestInsertExtractMinOrdered(t *testing.T) {
	h := New[int](lessUint64)
	keys := []uint64{5, 3, 8, 1, 9, 2, 7, 4, 6, 0}
	for _, k := range keys {
		h.Insert(k, int(k))
	}
	require.Equal(t, len(keys), h.Len())

	var got []uint64
	for h.Len() > 0 {
		k, v, ok := h.ExtractMin()
		require.True(t, ok)
		require.Equal(t, int(k), v)
		got = append(got, k)
	}
	for i := 1; i < len(got); i++ {
		assert.LessOrEqual(t, got[i-1], got[i])
	}
}

func TestSecondMin(t *testing.T) {
	h := New[int](lessUint64)
	_, ok := func() (uint64, bool) { _, _, ok := h.SecondMin(); return 0, ok }()
	assert.False(t, ok)

	h.Insert(10, 10)
	_, _, ok = h.SecondMin()
	assert.False(t, ok)

	h.Insert(20, 20)
	h.Insert(5, 5)
	k, v, ok := h.SecondMin()
	require.True(t, ok)
	assert.Equal(t, uint64(10), k)
	assert.Equal(t, 10, v)
}

func TestExtractSecondMinPreservesMin(t *testing.T) {
	h := New[int](lessUint64)
	for _, k := range []uint64{10, 20, 5, 30, 2} {
		h.Insert(k, int(k))
	}
	before, _, _ := h.Min()
	second, _, ok := h.ExtractSecondMin()
	require.True(t, ok)
	assert.Equal(t, uint64(5), second)

	after, _, ok := h.Min()
	require.True(t, ok)
	assert.Equal(t, before, after)
	assert.Equal(t, 4, h.Len())
}

func TestUpdateDecreaseKeyMaintainsOrder(t *testing.T) {
	h := New[int](lessUint64)
	nodes := make(map[uint64]*Node[int])
	for _, k := range []uint64{50, 40, 30, 20, 10} {
		nodes[k] = h.Insert(k, int(k))
	}
	h.Update(nodes[40], 1)
	k, v, ok := h.Min()
	require.True(t, ok)
	assert.Equal(t, uint64(1), k)
	assert.Equal(t, 40, v)
}

func TestUpdateIncreaseKeyMaintainsOrder(t *testing.T) {
	h := New[int](lessUint64)
	nodes := make(map[uint64]*Node[int])
	for _, k := range []uint64{1, 2, 3, 4, 5, 6, 7} {
		nodes[k] = h.Insert(k, int(k))
	}
	h.Update(nodes[1], 100)

	var got []uint64
	for h.Len() > 0 {
		k, _, _ := h.ExtractMin()
		got = append(got, k)
	}
	for i := 1; i < len(got); i++ {
		assert.LessOrEqual(t, got[i-1], got[i])
	}
	assert.Equal(t, uint64(100), got[len(got)-1])
}

func TestRemoveArbitraryNode(t *testing.T) {
	h := New[int](lessUint64)
	nodes := make(map[uint64]*Node[int])
	for _, k := range []uint64{9, 3, 7, 1, 8, 2, 6, 4, 5} {
		nodes[k] = h.Insert(k, int(k))
	}
	h.Remove(nodes[1])
	require.Equal(t, 8, h.Len())

	var got []uint64
	for h.Len() > 0 {
		k, _, _ := h.ExtractMin()
		got = append(got, k)
	}
	assert.NotContains(t, got, uint64(1))
	for i := 1; i < len(got); i++ {
		assert.LessOrEqual(t, got[i-1], got[i])
	}
}

func TestOnMoveHookTracksExternalIndex(t *testing.T) {
	h := New[int](lessUint64)
	index := make(map[int]*Node[int])
	h.OnMove = func(a, b *Node[int]) {
		for cpu, n := range index {
			if n == a {
				index[cpu] = b
			} else if n == b {
				index[cpu] = a
			}
		}
	}

	for cpu, k := range []uint64{50, 40, 30, 20, 10} {
		index[cpu] = h.Insert(k, cpu)
	}
	h.Update(index[1], 1) // cpu 1 held key 40, drop it to the new minimum

	for cpu, n := range index {
		assert.Equal(t, cpu, n.Value(), "external index for cpu %d points at stale node", cpu)
	}
	k, v, ok := h.Min()
	require.True(t, ok)
	assert.Equal(t, uint64(1), k)
	assert.Equal(t, 1, v)
}

// TestValidateCleanAcrossRandomOperations hammers every mutation path and
// asserts the structural validator stays clean. Handles are tracked through
// OnMove exactly the way the global heap index tracks its cpu -> node
// array, since content swaps migrate a logical element between nodes.
func TestValidateCleanAcrossRandomOperations(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	h := New[int](lessUint64)
	handles := make(map[int]*Node[int]) // logical id -> current node
	h.OnMove = func(a, b *Node[int]) {
		for id, n := range handles {
			if n == a {
				handles[id] = b
			} else if n == b {
				handles[id] = a
			}
		}
	}
	anyID := func() int {
		for id := range handles {
			return id
		}
		return -1
	}
	nextID := 0

	for i := 0; i < 1500; i++ {
		switch op := rng.Intn(4); {
		case op == 0 && len(handles) > 0:
			id := anyID()
			h.Remove(handles[id])
			delete(handles, id)
		case op == 1 && len(handles) > 0:
			h.Update(handles[anyID()], uint64(rng.Intn(1000)))
		case op == 2 && h.Len() > 0:
			_, id, ok := h.ExtractMin()
			require.True(t, ok)
			delete(handles, id)
		default:
			handles[nextID] = h.Insert(uint64(rng.Intn(1000)), nextID)
			nextID++
		}
		require.NoError(t, h.Validate())
		require.Equal(t, len(handles), h.Len())
	}
}

func TestRandomizedAgainstReference(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	h := New[int](lessUint64)
	var ref []uint64

	for i := 0; i < 500; i++ {
		k := uint64(rng.Intn(1000))
		h.Insert(k, int(k))
		ref = append(ref, k)
	}

	for len(ref) > 0 {
		minIdx := 0
		for i, v := range ref {
			if v < ref[minIdx] {
				minIdx = i
			}
		}
		want := ref[minIdx]
		ref = append(ref[:minIdx], ref[minIdx+1:]...)

		got, _, ok := h.ExtractMin()
		require.True(t, ok)
		assert.Equal(t, want, got)
	}
	_, _, ok := h.ExtractMin()
	assert.False(t, ok)
}
