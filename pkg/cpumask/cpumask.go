// Package cpumask implements the bitmap helpers the harness needs for the
// RT root domain's overload mask and per-task permitted-CPU masks. It is
// deliberately minimal: only what the overload mask, the priority
// vectors, and per-task CPU affinity actually use.
package cpumask

import (
	"math/bits"
	"sync/atomic"
)

const wordBits = 64

// Set is a fixed-size bitmap over CPU indices [0, n).
type Set struct {
	words []uint64
	n     int
}

// New returns an empty Set sized for n CPUs.
func New(n int) *Set {
	return &Set{words: make([]uint64, (n+wordBits-1)/wordBits), n: n}
}

// Len reports the number of CPUs this set is sized for.
func (s *Set) Len() int { return s.n }

func (s *Set) wordIndex(cpu int) (int, uint64) {
	return cpu / wordBits, uint64(1) << uint(cpu%wordBits)
}

// Set marks cpu as present.
func (s *Set) Set(cpu int) {
	w, bit := s.wordIndex(cpu)
	s.words[w] |= bit
}

// Clear marks cpu as absent.
func (s *Set) Clear(cpu int) {
	w, bit := s.wordIndex(cpu)
	s.words[w] &^= bit
}

// Test reports whether cpu is present.
func (s *Set) Test(cpu int) bool {
	w, bit := s.wordIndex(cpu)
	return s.words[w]&bit != 0
}

// SetAtomic marks cpu as present with an atomic read-modify-write, for
// masks shared between CPUs without a lock (the root domain's overload
// mask and priority vectors). Each CPU only ever flips its own bit, but
// bits of different CPUs share words, so the update compare-and-swaps the
// whole word until it lands.
func (s *Set) SetAtomic(cpu int) {
	w, bit := s.wordIndex(cpu)
	for {
		old := atomic.LoadUint64(&s.words[w])
		if old&bit != 0 || atomic.CompareAndSwapUint64(&s.words[w], old, old|bit) {
			return
		}
	}
}

// ClearAtomic marks cpu as absent with an atomic read-modify-write.
func (s *Set) ClearAtomic(cpu int) {
	w, bit := s.wordIndex(cpu)
	for {
		old := atomic.LoadUint64(&s.words[w])
		if old&bit == 0 || atomic.CompareAndSwapUint64(&s.words[w], old, old&^bit) {
			return
		}
	}
}

// TestAtomic reports whether cpu is present, reading the word atomically.
func (s *Set) TestAtomic(cpu int) bool {
	w, bit := s.wordIndex(cpu)
	return atomic.LoadUint64(&s.words[w])&bit != 0
}

// CloneAtomic returns an independent copy of s, loading each word
// atomically. The copy is a consistent-per-word snapshot, not a consistent
// snapshot of the whole mask; callers iterating it must revalidate under
// the appropriate lock, the way the migration retry loops do.
func (s *Set) CloneAtomic() *Set {
	c := &Set{words: make([]uint64, len(s.words)), n: s.n}
	for i := range s.words {
		c.words[i] = atomic.LoadUint64(&s.words[i])
	}
	return c
}

// Count returns the number of set bits.
func (s *Set) Count() int {
	n := 0
	for _, w := range s.words {
		n += bits.OnesCount64(w)
	}
	return n
}

// Empty reports whether no bit is set.
func (s *Set) Empty() bool {
	for _, w := range s.words {
		if w != 0 {
			return false
		}
	}
	return true
}

// FirstSet returns the lowest-numbered set CPU, or -1 if none.
func (s *Set) FirstSet() int {
	for i, w := range s.words {
		if w == 0 {
			continue
		}
		return i*wordBits + bits.TrailingZeros64(w)
	}
	return -1
}

// Iter calls fn for every set CPU in ascending order, stopping early if fn
// returns false.
func (s *Set) Iter(fn func(cpu int) bool) {
	for i, w := range s.words {
		for w != 0 {
			b := bits.TrailingZeros64(w)
			if !fn(i*wordBits + b) {
				return
			}
			w &^= uint64(1) << uint(b)
		}
	}
}

// Clone returns an independent copy of s.
func (s *Set) Clone() *Set {
	c := &Set{words: make([]uint64, len(s.words)), n: s.n}
	copy(c.words, s.words)
	return c
}

// Union returns a new Set containing the bits set in either s or other.
func (s *Set) Union(other *Set) *Set {
	c := s.Clone()
	for i := range c.words {
		c.words[i] |= other.words[i]
	}
	return c
}

// And returns a new Set containing the bits set in both s and other.
func (s *Set) And(other *Set) *Set {
	c := s.Clone()
	for i := range c.words {
		c.words[i] &= other.words[i]
	}
	return c
}

// SetAll marks every CPU present.
func (s *Set) SetAll() {
	for cpu := 0; cpu < s.n; cpu++ {
		s.Set(cpu)
	}
}
