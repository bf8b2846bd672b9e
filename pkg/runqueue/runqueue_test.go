package runqueue

import (
	"testing"

	"github.com/pippolo84/practise/pkg/key"
	"github.com/pippolo84/practise/pkg/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddTakeOrdering(t *testing.T) {
	rq := New(0, key.ModeDeadline)
	rq.Lock()
	defer rq.Unlock()

	rq.Add(task.New(30))
	rq.Add(task.New(10))
	rq.Add(task.New(20))

	k, ok := rq.Peek()
	require.True(t, ok)
	assert.Equal(t, uint64(10), k)

	nk, ok := rq.PeekNext()
	require.True(t, ok)
	assert.Equal(t, uint64(20), nk)

	got, ok := rq.Take()
	require.True(t, ok)
	assert.Equal(t, uint64(10), got.Key)

	k, ok = rq.Peek()
	require.True(t, ok)
	assert.Equal(t, uint64(20), k)
}

func TestTakeNextKeepsBest(t *testing.T) {
	rq := New(0, key.ModeDeadline)
	rq.Lock()
	defer rq.Unlock()

	rq.Add(task.New(10))
	rq.Add(task.New(20))
	rq.Add(task.New(30))

	donated, ok := rq.TakeNext()
	require.True(t, ok)
	assert.Equal(t, uint64(20), donated.Key)

	best, ok := rq.Peek()
	require.True(t, ok)
	assert.Equal(t, uint64(10), best)
	assert.Equal(t, 2, rq.Len())
}

func TestOverloaded(t *testing.T) {
	rq := New(0, key.ModeRT)
	rq.Lock()
	defer rq.Unlock()

	assert.False(t, rq.Overloaded())
	rq.Add(task.New(uint64(key.RTMaxSlot)))
	assert.False(t, rq.Overloaded())
	rq.Add(task.New(uint64(key.RTMaxSlot - 1)))
	assert.True(t, rq.Overloaded())
}

func TestRTOrderingHigherSlotFirst(t *testing.T) {
	rq := New(0, key.ModeRT)
	rq.Lock()
	defer rq.Unlock()

	rq.Add(task.New(5))
	rq.Add(task.New(50))
	rq.Add(task.New(20))

	got, ok := rq.Take()
	require.True(t, ok)
	assert.Equal(t, uint64(50), got.Key)
}

func TestPeekTaskMatchesPeekKey(t *testing.T) {
	rq := New(0, key.ModeDeadline)
	rq.Lock()
	defer rq.Unlock()

	assert.Nil(t, rq.PeekTask())
	assert.Nil(t, rq.PeekNextTask())

	rq.Add(task.New(30))
	rq.Add(task.New(10))

	best := rq.PeekTask()
	require.NotNil(t, best)
	assert.Equal(t, uint64(10), best.Key)

	next := rq.PeekNextTask()
	require.NotNil(t, next)
	assert.Equal(t, uint64(30), next.Key)
}

func TestCheckInvariantsPassesThroughOperations(t *testing.T) {
	rq := New(0, key.ModeRT)
	rq.Lock()
	defer rq.Unlock()

	require.NoError(t, rq.CheckInvariants())
	for _, k := range []uint64{40, 90, 10, 90, 55} {
		rq.Add(task.New(k))
		require.NoError(t, rq.CheckInvariants())
	}
	for rq.Len() > 0 {
		_, ok := rq.Take()
		require.True(t, ok)
		require.NoError(t, rq.CheckInvariants())
	}
}

func TestEmptyRunqueuePeekIsFalse(t *testing.T) {
	rq := New(0, key.ModeDeadline)
	rq.Lock()
	defer rq.Unlock()
	_, ok := rq.Peek()
	assert.False(t, ok)
	_, ok = rq.Take()
	assert.False(t, ok)
}
