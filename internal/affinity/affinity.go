// Package affinity wraps the Linux-specific calls the harness uses to pin
// worker goroutines to CPUs and lock its memory against paging, mirroring
// the classic sched_setaffinity/mlockall setup of a latency-sensitive
// evaluation loop.
package affinity

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"
)

// PinCurrentThread locks the calling goroutine to its current OS thread and
// restricts that thread's scheduling affinity to exactly cpu. Affinity is a
// thread property, so the goroutine stays locked to that thread until the
// caller calls runtime.UnlockOSThread.
func PinCurrentThread(cpu int) error {
	runtime.LockOSThread()
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return fmt.Errorf("affinity: SchedSetaffinity(cpu=%d): %w", cpu, err)
	}
	return nil
}

// LockProcessMemory locks the whole process's memory into RAM, preventing
// the scheduler-latency-sensitive hot path from ever taking a page fault.
func LockProcessMemory() error {
	if err := unix.Mlockall(unix.MCL_CURRENT | unix.MCL_FUTURE); err != nil {
		return fmt.Errorf("affinity: Mlockall: %w", err)
	}
	return nil
}

// NumCPU returns the number of logical CPUs the runtime reports; the harness
// maps a simulated CPU index onto a real one modulo this count when pinning.
func NumCPU() int { return runtime.NumCPU() }
