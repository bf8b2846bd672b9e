package index_test

import (
	"math/rand"
	"testing"

	"github.com/pippolo84/practise/pkg/index"
	"github.com/pippolo84/practise/pkg/index/arrayheap"
	"github.com/pippolo84/practise/pkg/index/bmfcskiplist"
	"github.com/pippolo84/practise/pkg/index/fcskiplist"
	"github.com/pippolo84/practise/pkg/index/heapindex"
	"github.com/pippolo84/practise/pkg/index/skiplist"
	"github.com/pippolo84/practise/pkg/key"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// variants exercises every index.Index implementation identically, since
// the five global index variants must be interchangeable. bmfcskiplist is
// listed separately where a test's key domain exceeds priority slots.
func variants() map[string]func() index.Index {
	return map[string]func() index.Index{
		"heap":        func() index.Index { return heapindex.New() },
		"array-heap":  func() index.Index { return arrayheap.New() },
		"skiplist":    func() index.Index { return skiplist.New() },
		"fc-skiplist": func() index.Index { return fcskiplist.New() },
	}
}

func allVariants() map[string]func() index.Index {
	vs := variants()
	vs["bmfc-skiplist"] = func() index.Index { return bmfcskiplist.New() }
	return vs
}

func TestPreemptFindRemoveAcrossVariants(t *testing.T) {
	for name, factory := range variants() {
		t.Run(name, func(t *testing.T) {
			ix := factory()
			less := key.LessFor(key.ModeDeadline, key.OrientPull) // earliest deadline wins
			require.NoError(t, ix.Init(4, less))
			defer ix.Cleanup()

			assert.Equal(t, index.NoCPU, ix.Find())

			ix.Preempt(0, 100)
			ix.Preempt(1, 50)
			ix.Preempt(2, 200)
			assert.Equal(t, 1, ix.Find())

			ix.Preempt(1, 300) // cpu 1 no longer the earliest
			assert.Equal(t, 0, ix.Find())

			ix.Remove(0)
			assert.Equal(t, 2, ix.Find())

			ix.Remove(1)
			ix.Remove(2)
			assert.Equal(t, index.NoCPU, ix.Find())
			assert.NoError(t, ix.Check(4))
		})
	}
}

func TestCheckCPUDetectsMismatch(t *testing.T) {
	for name, factory := range allVariants() {
		t.Run(name, func(t *testing.T) {
			ix := factory()
			less := key.LessFor(key.ModeRT, key.OrientPull)
			require.NoError(t, ix.Init(3, less))
			defer ix.Cleanup()

			ix.Preempt(0, 10)
			ix.Preempt(1, 20)

			assert.NoError(t, ix.Check(3))
			assert.NoError(t, ix.CheckCPU(0, index.CPUState{Key: 10, Present: true}))
			assert.NoError(t, ix.CheckCPU(1, index.CPUState{Key: 20, Present: true}))
			assert.NoError(t, ix.CheckCPU(2, index.CPUState{Present: false}))

			assert.Error(t, ix.CheckCPU(1, index.CPUState{Key: 99, Present: true}))
			assert.Error(t, ix.CheckCPU(2, index.CPUState{Key: 20, Present: true}))
		})
	}
}

// TestPreemptIdempotent covers the no-op contract: republishing a CPU's
// current key changes nothing observable.
func TestPreemptIdempotent(t *testing.T) {
	for name, factory := range allVariants() {
		t.Run(name, func(t *testing.T) {
			ix := factory()
			less := key.LessFor(key.ModeRT, key.OrientPush)
			require.NoError(t, ix.Init(2, less))
			defer ix.Cleanup()

			ix.Preempt(0, 100)
			ix.Preempt(0, 100)
			ix.Preempt(0, 100)

			assert.Equal(t, 0, ix.Find())
			assert.NoError(t, ix.Check(2))
			assert.NoError(t, ix.CheckCPU(0, index.CPUState{Key: 100, Present: true}))
		})
	}
}

// TestRoundTripObservationallyEqual covers present -> absent -> present
// with the same key landing back in an observationally identical state.
func TestRoundTripObservationallyEqual(t *testing.T) {
	for name, factory := range allVariants() {
		t.Run(name, func(t *testing.T) {
			ix := factory()
			less := key.LessFor(key.ModeRT, key.OrientPull)
			require.NoError(t, ix.Init(3, less))
			defer ix.Cleanup()

			ix.Preempt(0, 40)
			ix.Preempt(1, 70)
			before := ix.Snapshot()
			firstFind := ix.Find()

			ix.Remove(1)
			ix.Preempt(1, 70)

			assert.Equal(t, before, ix.Snapshot())
			assert.Equal(t, firstFind, ix.Find())
			assert.NoError(t, ix.Check(3))
		})
	}
}

// TestDepartureCleanup covers a CPU detaching at end of simulation: after
// removing itself from the index, no Find ever names it again.
func TestDepartureCleanup(t *testing.T) {
	for name, factory := range allVariants() {
		t.Run(name, func(t *testing.T) {
			ix := factory()
			less := key.LessFor(key.ModeRT, key.OrientPull)
			require.NoError(t, ix.Init(3, less))
			defer ix.Cleanup()

			ix.Preempt(0, 90)
			ix.Preempt(1, 50)
			require.Equal(t, 0, ix.Find())

			ix.Remove(0)
			ix.Remove(0) // second removal is a no-op

			for i := 0; i < 5; i++ {
				assert.NotEqual(t, 0, ix.Find())
			}
			assert.NoError(t, ix.CheckCPU(0, index.CPUState{Present: false}))
		})
	}
}

// TestVariantEquivalenceOnScriptedTrace feeds the same scripted operation
// sequence to all five variants and a reference map. At every checkpoint
// each variant's Find must return a CPU holding the reference-best key
// (ties are any-of), and its structural and per-CPU checks must pass.
func TestVariantEquivalenceOnScriptedTrace(t *testing.T) {
	const (
		nCPUs = 8
		steps = 10000
	)
	less := key.LessFor(key.ModeRT, key.OrientPull) // highest slot wins

	type state struct {
		key     uint64
		present bool
	}

	ixs := map[string]index.Index{}
	for name, factory := range allVariants() {
		ix := factory()
		require.NoError(t, ix.Init(nCPUs, less))
		defer ix.Cleanup()
		ixs[name] = ix
	}

	ref := make([]state, nCPUs)
	rng := rand.New(rand.NewSource(42))

	bestKey := func() (uint64, bool) {
		var bk uint64
		found := false
		for _, s := range ref {
			if !s.present {
				continue
			}
			if !found || less(s.key, bk) {
				bk = s.key
				found = true
			}
		}
		return bk, found
	}

	for step := 0; step < steps; step++ {
		cpu := rng.Intn(nCPUs)
		if ref[cpu].present && rng.Float64() < 0.3 {
			ref[cpu] = state{}
			for _, ix := range ixs {
				ix.Remove(cpu)
			}
		} else {
			k := uint64(1 + rng.Intn(key.RTMaxSlot))
			ref[cpu] = state{key: k, present: true}
			for _, ix := range ixs {
				ix.Preempt(cpu, k)
			}
		}

		if step%500 != 0 && step != steps-1 {
			continue
		}
		wantKey, wantFound := bestKey()
		for name, ix := range ixs {
			got := ix.Find()
			if !wantFound {
				assert.Equal(t, index.NoCPU, got, "%s at step %d", name, step)
				continue
			}
			require.NotEqual(t, index.NoCPU, got, "%s at step %d", name, step)
			assert.True(t, ref[got].present, "%s at step %d returned absent cpu %d", name, step, got)
			assert.Equal(t, wantKey, ref[got].key, "%s at step %d", name, step)
			require.NoError(t, ix.Check(nCPUs), "%s at step %d", name, step)
			for c := 0; c < nCPUs; c++ {
				require.NoError(t, ix.CheckCPU(c, index.CPUState{Key: ref[c].key, Present: ref[c].present}),
					"%s at step %d", name, step)
			}
		}
	}
}

func TestBMFCSkipListRTSlots(t *testing.T) {
	ix := bmfcskiplist.New()
	less := key.LessFor(key.ModeRT, key.OrientPull) // highest slot wins
	require.NoError(t, ix.Init(4, less))
	defer ix.Cleanup()

	ix.Preempt(0, 10)
	ix.Preempt(1, 90)
	ix.Preempt(2, 50)
	assert.Equal(t, 1, ix.Find())

	ix.Remove(1)
	assert.Equal(t, 2, ix.Find())

	assert.NoError(t, ix.Check(4))
	assert.NoError(t, ix.CheckCPU(0, index.CPUState{Key: 10, Present: true}))
	assert.NoError(t, ix.CheckCPU(1, index.CPUState{Present: false}))
}

// TestBMFCSkipListSharedSlotCohort pins the bitmap variant's cohort
// behavior: several CPUs at one slot, removals peel them off one by one.
func TestBMFCSkipListSharedSlotCohort(t *testing.T) {
	ix := bmfcskiplist.New()
	less := key.LessFor(key.ModeRT, key.OrientPush) // lowest slot wins
	require.NoError(t, ix.Init(4, less))
	defer ix.Cleanup()

	ix.Preempt(0, 30)
	ix.Preempt(1, 30)
	ix.Preempt(2, 30)
	ix.Preempt(3, 10)

	assert.Equal(t, 3, ix.Find())
	ix.Remove(3)

	got := ix.Find()
	assert.Contains(t, []int{0, 1, 2}, got)
	ix.Remove(got)
	assert.Contains(t, []int{0, 1, 2}, ix.Find())
	assert.NoError(t, ix.Check(4))
}
