package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewAssignsUniqueIncreasingIDs(t *testing.T) {
	a := New(10)
	b := New(20)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Less(t, a.ID, b.ID)
	assert.Equal(t, uint64(10), a.Key)
	assert.False(t, a.Arrival.IsZero())
}
