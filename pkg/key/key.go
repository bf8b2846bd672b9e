// Package key defines the comparator conventions shared by every runqueue
// and global-index implementation. A key is always represented as a plain
// uint64: an absolute deadline in EDF mode, a priority slot in RT mode.
package key

// Mode selects which scheduling domain's key semantics are in effect.
type Mode int

const (
	ModeDeadline Mode = iota // SCHED_DEADLINE: key is a 64-bit absolute deadline
	ModeRT                   // SCHED_RT: key is a priority slot
)

func (m Mode) String() string {
	switch m {
	case ModeDeadline:
		return "deadline"
	case ModeRT:
		return "rt"
	default:
		return "unknown"
	}
}

// RT priority slots, after conversion from the raw 0-140 task priority.
const (
	RTIdleSlot = 0
	RTMaxSlot  = 101
)

// Orientation distinguishes the push side of a global index (tracks the
// currently running key of each CPU) from the pull side (tracks the best
// queued-but-not-running key of each CPU).
type Orientation int

const (
	OrientPush Orientation = iota
	OrientPull
)

// Less reports whether a sorts before b in an index's native ordering.
// find() on any variant always returns the CPU whose key is Less-minimal,
// i.e. orientation and domain are baked entirely into which Less function
// the caller supplies at Init time - no variant special-cases direction.
type Less func(a, b uint64) bool

// DeadlineBefore reports whether deadline a is earlier than b, with
// wraparound-safe arithmetic (mirrors the kernel's __dl_time_before).
func DeadlineBefore(a, b uint64) bool {
	return int64(a-b) < 0
}

// DeadlineAfter reports whether deadline a is later than b.
func DeadlineAfter(a, b uint64) bool {
	return int64(a-b) > 0
}

// priorityLower and priorityHigher compare RT priority slots; higher
// numeric value means higher priority (more urgent).
func priorityLower(a, b uint64) bool  { return a < b }
func priorityHigher(a, b uint64) bool { return a > b }

// Urgent reports whether a is strictly more urgent than b in the given
// mode: an earlier deadline, or a higher RT priority slot.
func Urgent(mode Mode, a, b uint64) bool {
	if mode == ModeDeadline {
		return DeadlineBefore(a, b)
	}
	return priorityHigher(a, b)
}

// LessFor derives a single Less function from the (mode, orientation)
// pair, applied uniformly regardless of which variant is in use:
//
//   - push tracks each CPU's running key; find() must return the CPU whose
//     running key is LEAST urgent (the best push source/destination pick
//     for an incoming task is the CPU currently doing the least important
//     work).
//   - pull tracks each CPU's best queued key; find() must return the CPU
//     whose queued key is MOST urgent.
func LessFor(mode Mode, orient Orientation) Less {
	switch {
	case mode == ModeDeadline && orient == OrientPush:
		return DeadlineAfter // latest deadline sorts first => least urgent running task
	case mode == ModeDeadline && orient == OrientPull:
		return DeadlineBefore // earliest deadline sorts first => most urgent queued task
	case mode == ModeRT && orient == OrientPush:
		return priorityLower // lowest priority sorts first => least urgent running task
	default: // ModeRT, OrientPull
		return priorityHigher // highest priority sorts first => most urgent queued task
	}
}
