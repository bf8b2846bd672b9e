// Package index declares the uniform contract every global push/pull index
// variant satisfies: a binomial heap, an array-backed indexed heap, a
// doubly-linked skip-list, a flat-combining skip-list, and a bitmap
// flat-combining skip-list. The harness drives whichever variant it was
// built with purely through this interface, so swapping variants never
// touches runqueue, migration, or checker code.
package index

import "github.com/pippolo84/practise/pkg/key"

// NoCPU is the Find sentinel meaning no CPU currently holds a present entry.
const NoCPU = -1

// Index tracks one key per CPU (either the push key: the CPU's currently
// running task, or the pull key: the CPU's best queued task) and answers
// "which CPU has the Less-minimal present key" in better than O(n).
//
// A CPU's entry is either present (it holds a key) or absent (e.g. the CPU
// is idle, for a push index, or holds a single task, for a pull index).
// Implementations are free to represent absence however suits their
// structure (omission from a skip-list, a sentinel key plus a side bitmap);
// callers only ever see the present/absent behavior documented here.
type Index interface {
	// Init prepares the index for nCPUs CPUs, ordered by less. It must be
	// called exactly once before any other method.
	Init(nCPUs int, less key.Less) error

	// Preempt sets cpu's key, inserting the entry if it was absent. It is
	// idempotent: repeating a call with cpu's current key changes nothing
	// observable. Task completion publishes through the same path, so there
	// is no separate finish operation.
	Preempt(cpu int, newKey uint64)

	// Remove marks cpu absent. It is a no-op if cpu was already absent.
	// A CPU leaving the simulation calls this on both indexes to detach.
	Remove(cpu int)

	// Find returns the CPU with the Less-minimal present entry, or NoCPU if
	// every CPU is absent. Ties may resolve to any best-keyed CPU.
	Find() int

	// Check validates the variant's own structural invariants (ordering,
	// size bookkeeping, side-table consistency) for an index initialized
	// with nCPUs CPUs. The checker calls it with the world frozen; a
	// non-nil error names the first inconsistency found.
	Check(nCPUs int) error

	// CheckCPU cross-checks the index's view of one CPU against the
	// authoritative (key, present) pair read from that CPU's runqueue
	// under lock.
	CheckCPU(cpu int, want CPUState) error

	// Snapshot returns every CPU's current (key, present) pair, indexed by
	// CPU. Used for the end-of-run and signal-triggered index dumps.
	Snapshot() []CPUState

	// Cleanup releases any resources Init acquired. It is safe to call on
	// a zero-value, never-Init'd Index.
	Cleanup()
}

// CPUState is one CPU's (key, present) pair, as used by CheckCPU and
// Snapshot.
type CPUState struct {
	Key     uint64
	Present bool
}
