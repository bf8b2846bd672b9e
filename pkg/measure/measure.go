// Package measure implements the per-CPU sample collection behind the
// out_<name> files: each measured quantity (find()
// latency, double-lock wait time, migration counts, ...) is collected into
// a fixed-size ring buffer per CPU during the run and flushed to a text
// file with a CPU-count header followed by one block per CPU.
package measure

import (
	"bufio"
	"fmt"
	"io"
	"sync"
	"time"
)

// Ring is a fixed-capacity ring buffer of time.Duration samples for one CPU.
// Once full, the oldest sample is overwritten - the harness favors a
// bounded memory footprint over keeping every sample from a long run.
type Ring struct {
	mu      sync.Mutex
	buf     []time.Duration
	next    int
	count   int
	total   time.Duration
	maxSeen time.Duration
}

// NewRing returns an empty ring of the given capacity.
func NewRing(capacity int) *Ring {
	return &Ring{buf: make([]time.Duration, capacity)}
}

// Add records a sample, overwriting the oldest one if the ring is full.
func (r *Ring) Add(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.count < len(r.buf) {
		r.count++
	} else {
		r.total -= r.buf[r.next]
	}
	r.buf[r.next] = d
	r.total += d
	if d > r.maxSeen {
		r.maxSeen = d
	}
	r.next = (r.next + 1) % len(r.buf)
}

// Snapshot returns the currently retained samples, oldest first.
func (r *Ring) Snapshot() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]time.Duration, r.count)
	start := (r.next - r.count + len(r.buf)) % len(r.buf)
	for i := 0; i < r.count; i++ {
		out[i] = r.buf[(start+i)%len(r.buf)]
	}
	return out
}

// Stats returns the count and mean of the retained samples, and the largest
// sample ever added, including samples the ring has since overwritten.
func (r *Ring) Stats() (count int, mean, max time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.count == 0 {
		return 0, 0, 0
	}
	return r.count, r.total / time.Duration(r.count), r.maxSeen
}

// Set is a collection of per-CPU Rings for a single named measured
// quantity (one MEASURE_* counter in the original harness).
type Set struct {
	Name  string
	Rings []*Ring
}

// NewSet returns a Set with one Ring of the given capacity per CPU.
func NewSet(name string, nCPUs, capacity int) *Set {
	s := &Set{Name: name, Rings: make([]*Ring, nCPUs)}
	for i := range s.Rings {
		s.Rings[i] = NewRing(capacity)
	}
	return s
}

// Dump writes the out_<name> format: a CPU-count header, then one block
// per CPU listing its retained samples in nanoseconds, one per line.
func (s *Set) Dump(w io.Writer) error {
	bw := bufio.NewWriter(w)
	if _, err := fmt.Fprintf(bw, "CPUs number: %d\n", len(s.Rings)); err != nil {
		return err
	}
	for cpu, r := range s.Rings {
		count, mean, max := r.Stats()
		if _, err := fmt.Fprintf(bw, "cpu %d: samples %d mean_ns %d max_ns %d\n",
			cpu, count, mean.Nanoseconds(), max.Nanoseconds()); err != nil {
			return err
		}
		for _, d := range r.Snapshot() {
			if _, err := fmt.Fprintf(bw, "%d\n", d.Nanoseconds()); err != nil {
				return err
			}
		}
	}
	return bw.Flush()
}
