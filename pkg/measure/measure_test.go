package measure

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingOverwritesOldestWhenFull(t *testing.T) {
	r := NewRing(3)
	r.Add(1 * time.Millisecond)
	r.Add(2 * time.Millisecond)
	r.Add(3 * time.Millisecond)
	r.Add(4 * time.Millisecond) // overwrites the 1ms sample

	got := r.Snapshot()
	require.Len(t, got, 3)
	assert.Equal(t, []time.Duration{2 * time.Millisecond, 3 * time.Millisecond, 4 * time.Millisecond}, got)

	count, mean, max := r.Stats()
	assert.Equal(t, 3, count)
	assert.Equal(t, 3*time.Millisecond, mean)
	assert.Equal(t, 4*time.Millisecond, max)
}

func TestSetDumpFormat(t *testing.T) {
	s := NewSet("find_latency", 2, 8)
	s.Rings[0].Add(5 * time.Millisecond)
	s.Rings[1].Add(10 * time.Millisecond)

	var buf bytes.Buffer
	require.NoError(t, s.Dump(&buf))

	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "CPUs number: 2\n"))
	assert.Contains(t, out, "cpu 0: samples 1 mean_ns 5000000 max_ns 5000000")
	assert.Contains(t, out, "cpu 1: samples 1 mean_ns 10000000 max_ns 10000000")
}

func TestEmptyRingStats(t *testing.T) {
	r := NewRing(4)
	count, mean, max := r.Stats()
	assert.Equal(t, 0, count)
	assert.Equal(t, time.Duration(0), mean)
	assert.Equal(t, time.Duration(0), max)
}
