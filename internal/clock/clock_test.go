package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNowIsMonotonicallyIncreasing(t *testing.T) {
	c := New()
	first := c.Now()
	time.Sleep(time.Millisecond)
	second := c.Now()
	assert.Greater(t, second, first)
}

func TestMeasureReportsElapsedTime(t *testing.T) {
	c := New()
	d := c.Measure(func() { time.Sleep(2 * time.Millisecond) })
	assert.GreaterOrEqual(t, d, 2*time.Millisecond)
}
