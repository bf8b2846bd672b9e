package rootdomain

import (
	"testing"

	"github.com/pippolo84/practise/pkg/cpumask"
	"github.com/pippolo84/practise/pkg/key"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOverloadTransitions(t *testing.T) {
	d := New(4)
	assert.False(t, d.Overloaded())

	d.SetOverload(1)
	assert.True(t, d.Overloaded())
	assert.True(t, d.OverloadedCPUs().Test(1))

	d.SetOverload(1) // idempotent
	assert.True(t, d.Overloaded())

	d.ClearOverload(1)
	assert.False(t, d.Overloaded())
	d.ClearOverload(1) // idempotent
	assert.False(t, d.Overloaded())
}

func TestNewParksEveryCPUAtIdle(t *testing.T) {
	d := New(4)
	for cpu := 0; cpu < 4; cpu++ {
		assert.Equal(t, key.RTIdleSlot, d.Slot(cpu))
		assert.True(t, d.SlotCPUs(key.RTIdleSlot).Test(cpu))
	}
	_, _, ok := d.HighestPopulated()
	assert.False(t, ok)
}

func TestSetSlotMovesExactlyOneMembership(t *testing.T) {
	d := New(4)
	d.SetSlot(0, 50)
	d.SetSlot(2, 50)

	slot, cpus, ok := d.HighestPopulated()
	require.True(t, ok)
	assert.Equal(t, 50, slot)
	assert.True(t, cpus.Test(0))
	assert.True(t, cpus.Test(2))

	d.SetSlot(0, 80)
	assert.Equal(t, 80, d.Slot(0))
	assert.False(t, d.SlotCPUs(50).Test(0))
	assert.True(t, d.SlotCPUs(50).Test(2))
	assert.True(t, d.SlotCPUs(80).Test(0))

	d.SetSlot(0, key.RTIdleSlot)
	d.SetSlot(2, key.RTIdleSlot)
	_, _, ok = d.HighestPopulated()
	assert.False(t, ok)
}

func TestSetSlotSameSlotIsNoOp(t *testing.T) {
	d := New(2)
	d.SetSlot(0, 40)
	d.SetSlot(0, 40)
	assert.NoError(t, d.Check([]int{40, key.RTIdleSlot}, []bool{false, false}))
}

func TestFindLowestPrefersLowestPrioritySlot(t *testing.T) {
	d := New(4)
	d.SetSlot(0, 90)
	d.SetSlot(1, 20)
	d.SetSlot(2, 55)
	d.SetSlot(3, 95)

	// An incoming slot-60 task preempts the idle-free world's lowest
	// runner below 60, which is cpu 1 at slot 20.
	cpu, ok := d.FindLowest(60, nil)
	require.True(t, ok)
	assert.Equal(t, 1, cpu)

	// Nothing runs below slot 20 once cpu 1 climbs.
	d.SetSlot(1, 70)
	_, ok = d.FindLowest(20, nil)
	assert.False(t, ok)
}

func TestFindLowestPrefersIdleCPUs(t *testing.T) {
	d := New(3)
	d.SetSlot(0, 30)
	// cpus 1 and 2 stay idle; any task should land on one of them first.
	cpu, ok := d.FindLowest(10, nil)
	require.True(t, ok)
	assert.Contains(t, []int{1, 2}, cpu)
}

func TestFindLowestHonorsPermittedMask(t *testing.T) {
	d := New(4)
	d.SetSlot(0, 10)
	d.SetSlot(1, 20)
	d.SetSlot(2, 90)
	d.SetSlot(3, 90)

	permitted := cpumask.New(4)
	permitted.Set(1)
	permitted.Set(2)

	cpu, ok := d.FindLowest(80, permitted)
	require.True(t, ok)
	assert.Equal(t, 1, cpu, "cpu 0 runs lower but is not permitted")

	permitted = cpumask.New(4)
	permitted.Set(3)
	_, ok = d.FindLowest(80, permitted)
	assert.False(t, ok)
}

func TestCheckDetectsInconsistencies(t *testing.T) {
	d := New(3)
	d.SetSlot(0, 50)
	d.SetOverload(0)

	want := []int{50, key.RTIdleSlot, key.RTIdleSlot}
	over := []bool{true, false, false}
	assert.NoError(t, d.Check(want, over))

	assert.Error(t, d.Check([]int{60, key.RTIdleSlot, key.RTIdleSlot}, over))
	assert.Error(t, d.Check(want, []bool{false, false, false}))
}
