// Package rootdomain implements the RT scheduling domain's shared overload
// state: which CPUs currently have more than one runnable
// RT task (the "overloaded" set, mirroring the kernel's rto_mask/rto_count)
// and a CPU-priority index recording, for every priority slot, which CPUs
// are currently running at that slot - the structure RT push walks to find
// the lowest-priority destination for a migrating task.
package rootdomain

import (
	"fmt"
	"sync/atomic"

	"github.com/pippolo84/practise/pkg/cpumask"
	"github.com/pippolo84/practise/pkg/key"
)

// slot tracks, for one RT priority slot, how many CPUs are currently
// running at that priority and which CPUs they are. count and cpus are
// updated in a fixed order (mask before count on raise, count before mask
// on lower) so a scanner that sees a slot's count > 0 also sees the raised
// CPU's bit. SetSlot raises into the new slot before lowering out of the
// old one, so a moving CPU's bit is always set in at least one slot and,
// while the move is in progress, is set in both.
type slot struct {
	count atomic.Int32
	cpus  *cpumask.Set
}

// Domain is the shared RT root domain. Reads are safe for concurrent use
// without an external lock. The per-CPU updates (SetOverload, ClearOverload,
// SetSlot) are read-then-write sequences: updates for one cpu are serialized
// by that cpu's runqueue lock, which every caller of migration.Migrator's
// Publish and Detach holds.
type Domain struct {
	rtoCount atomic.Int32
	rtoMask  *cpumask.Set

	vec       [key.RTMaxSlot + 1]slot
	cpuToSlot []atomic.Int32
}

// New returns a Domain sized for nCPUs CPUs, all initially at the idle slot.
func New(nCPUs int) *Domain {
	d := &Domain{rtoMask: cpumask.New(nCPUs)}
	for i := range d.vec {
		d.vec[i].cpus = cpumask.New(nCPUs)
	}
	d.cpuToSlot = make([]atomic.Int32, nCPUs)
	for cpu := 0; cpu < nCPUs; cpu++ {
		d.cpuToSlot[cpu].Store(key.RTIdleSlot)
		d.Raise(cpu, key.RTIdleSlot)
	}
	return d
}

// NumCPUs returns the number of CPUs the domain was sized for.
func (d *Domain) NumCPUs() int { return len(d.cpuToSlot) }

// SetOverload adds cpu to the overloaded set if it was not already there.
// Callers hold cpu's runqueue lock, so the test-then-set pair for one cpu
// never races with itself.
func (d *Domain) SetOverload(cpu int) {
	if d.rtoMask.TestAtomic(cpu) {
		return
	}
	d.rtoMask.SetAtomic(cpu)
	d.rtoCount.Add(1)
}

// ClearOverload removes cpu from the overloaded set if it was there.
func (d *Domain) ClearOverload(cpu int) {
	if !d.rtoMask.TestAtomic(cpu) {
		return
	}
	d.rtoCount.Add(-1)
	d.rtoMask.ClearAtomic(cpu)
}

// Overloaded reports whether at least one CPU is currently overloaded; RT
// pull() is only worth attempting when this is true.
func (d *Domain) Overloaded() bool {
	return d.rtoCount.Load() > 0
}

// OverloadedCPUs returns a snapshot of the overloaded set for iteration.
func (d *Domain) OverloadedCPUs() *cpumask.Set {
	return d.rtoMask.CloneAtomic()
}

// Raise records that cpu is now running at priority slot s: set the bit,
// then bump the count, so a scanner that observes count > 0 also finds the
// bit already set.
func (d *Domain) Raise(cpu int, s int) {
	v := &d.vec[s]
	v.cpus.SetAtomic(cpu)
	v.count.Add(1)
}

// Lower records that cpu is no longer running at priority slot s: drop the
// count first, then clear the bit - the mirror-image ordering of Raise.
func (d *Domain) Lower(cpu int, s int) {
	v := &d.vec[s]
	v.count.Add(-1)
	v.cpus.ClearAtomic(cpu)
}

// SetSlot moves cpu's recorded running priority to newSlot, raising into
// the new slot before lowering out of the old one so a concurrent scanner
// never observes cpu absent from every slot.
func (d *Domain) SetSlot(cpu, newSlot int) {
	old := int(d.cpuToSlot[cpu].Load())
	if old == newSlot {
		return
	}
	d.Raise(cpu, newSlot)
	d.cpuToSlot[cpu].Store(int32(newSlot))
	d.Lower(cpu, old)
}

// Slot returns cpu's currently recorded running priority slot.
func (d *Domain) Slot(cpu int) int {
	return int(d.cpuToSlot[cpu].Load())
}

// FindLowest returns a CPU whose recorded running priority is strictly
// below prio and that is also in permitted (pass nil for no restriction),
// preferring the lowest-priority candidates. ok is false if no such CPU
// exists. This is the RT push destination search: scan the
// priority vectors from the idle slot upward, stop at the first populated
// slot with a permitted CPU.
func (d *Domain) FindLowest(prio int, permitted *cpumask.Set) (cpu int, ok bool) {
	if prio > key.RTMaxSlot {
		prio = key.RTMaxSlot + 1
	}
	for s := key.RTIdleSlot; s < prio; s++ {
		v := &d.vec[s]
		if v.count.Load() <= 0 {
			continue
		}
		mask := v.cpus.CloneAtomic()
		if permitted != nil {
			mask = mask.And(permitted)
		}
		if c := mask.FirstSet(); c >= 0 {
			return c, true
		}
	}
	return -1, false
}

// HighestPopulated returns the highest non-idle priority slot with at least
// one CPU running at it, and that slot's CPU mask, or ok=false if every CPU
// is idle.
func (d *Domain) HighestPopulated() (s int, cpus *cpumask.Set, ok bool) {
	for i := len(d.vec) - 1; i >= key.RTIdleSlot+1; i-- {
		if d.vec[i].count.Load() > 0 {
			return i, d.vec[i].cpus.CloneAtomic(), true
		}
	}
	return 0, nil, false
}

// SlotCPUs returns a snapshot of the CPUs running at priority slot s.
func (d *Domain) SlotCPUs(s int) *cpumask.Set {
	return d.vec[s].cpus.CloneAtomic()
}

// Check validates the domain against the authoritative per-CPU state: for
// every cpu, wantSlots[cpu] is its true running slot and wantOverloaded[cpu]
// whether it truly holds more than one task. It also verifies the priority
// vectors' internal consistency (each CPU in exactly the slot cpuToSlot
// says, counts matching occupancy). Callers must have frozen the world
// first; a non-nil error names the first inconsistency found.
func (d *Domain) Check(wantSlots []int, wantOverloaded []bool) error {
	overCount := 0
	for cpu := range d.cpuToSlot {
		got := int(d.cpuToSlot[cpu].Load())
		if got != wantSlots[cpu] {
			return fmt.Errorf("rootdomain: cpu %d at slot %d, want %d", cpu, got, wantSlots[cpu])
		}
		if gotOver := d.rtoMask.TestAtomic(cpu); gotOver != wantOverloaded[cpu] {
			return fmt.Errorf("rootdomain: cpu %d overloaded=%v want=%v", cpu, gotOver, wantOverloaded[cpu])
		}
		if wantOverloaded[cpu] {
			overCount++
		}
	}
	if got := int(d.rtoCount.Load()); got != overCount {
		return fmt.Errorf("rootdomain: rto_count=%d, want %d", got, overCount)
	}
	for s := range d.vec {
		v := &d.vec[s]
		occupants := 0
		for cpu := range d.cpuToSlot {
			at := int(d.cpuToSlot[cpu].Load()) == s
			if at {
				occupants++
			}
			if at != v.cpus.TestAtomic(cpu) {
				return fmt.Errorf("rootdomain: slot %d mask bit for cpu %d is %v, want %v", s, cpu, !at, at)
			}
		}
		if got := int(v.count.Load()); got != occupants {
			return fmt.Errorf("rootdomain: slot %d count=%d, want %d", s, got, occupants)
		}
	}
	return nil
}
