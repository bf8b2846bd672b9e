// Package task defines the unit of work migrated between runqueues.
package task

import (
	"sync/atomic"
	"time"

	"github.com/pippolo84/practise/pkg/cpumask"
)

var nextID atomic.Uint64

// NextID returns a fresh, process-wide monotonically increasing task id.
func NextID() uint64 {
	return nextID.Add(1)
}

// Task is the unit migrated between runqueues by pointer, never copied.
type Task struct {
	ID  uint64
	Key uint64 // absolute deadline (EDF) or priority slot (RT)

	// Runtime is the remaining execution budget; the simulation completes
	// the task once its CPU has charged this much simulated time to it.
	Runtime time.Duration

	// CPUMask restricts which CPUs may run the task. nil means any. Only
	// RT migration consults it.
	CPUMask *cpumask.Set

	Arrival time.Time
}

// New allocates a task with a fresh id and the given key.
func New(key uint64) *Task {
	return &Task{ID: NextID(), Key: key, Arrival: time.Now()}
}
