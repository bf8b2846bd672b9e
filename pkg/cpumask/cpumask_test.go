package cpumask

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetClearTest(t *testing.T) {
	s := New(70) // spans two words
	assert.True(t, s.Empty())

	s.Set(3)
	s.Set(65)
	assert.True(t, s.Test(3))
	assert.True(t, s.Test(65))
	assert.False(t, s.Test(4))
	assert.Equal(t, 2, s.Count())
	assert.False(t, s.Empty())

	s.Clear(3)
	assert.False(t, s.Test(3))
	assert.Equal(t, 1, s.Count())
}

func TestFirstSet(t *testing.T) {
	s := New(128)
	assert.Equal(t, -1, s.FirstSet())
	s.Set(90)
	s.Set(10)
	assert.Equal(t, 10, s.FirstSet())
}

func TestIterVisitsAscendingAndStopsEarly(t *testing.T) {
	s := New(128)
	for _, cpu := range []int{5, 64, 70, 127} {
		s.Set(cpu)
	}
	var got []int
	s.Iter(func(cpu int) bool {
		got = append(got, cpu)
		return cpu != 70
	})
	assert.Equal(t, []int{5, 64, 70}, got)
}

func TestCloneIsIndependent(t *testing.T) {
	s := New(8)
	s.Set(1)
	clone := s.Clone()
	clone.Set(2)
	assert.False(t, s.Test(2))
	assert.True(t, clone.Test(2))
}

func TestUnionAndAnd(t *testing.T) {
	a := New(8)
	a.Set(1)
	b := New(8)
	b.Set(1)
	b.Set(2)

	union := a.Union(b)
	assert.True(t, union.Test(1))
	assert.True(t, union.Test(2))

	and := a.And(b)
	assert.True(t, and.Test(1))
	assert.False(t, and.Test(2))
}

func TestAtomicOpsMatchPlainOps(t *testing.T) {
	s := New(130)
	s.SetAtomic(0)
	s.SetAtomic(64)
	s.SetAtomic(129)
	assert.True(t, s.TestAtomic(0))
	assert.True(t, s.Test(64))
	assert.True(t, s.TestAtomic(129))
	assert.Equal(t, 3, s.Count())

	s.ClearAtomic(64)
	assert.False(t, s.TestAtomic(64))

	snap := s.CloneAtomic()
	assert.True(t, snap.Test(0))
	assert.True(t, snap.Test(129))
	snap.Clear(0)
	assert.True(t, s.Test(0), "snapshot is independent")
}

func TestSetAll(t *testing.T) {
	s := New(10)
	s.SetAll()
	require.Equal(t, 10, s.Count())
}
