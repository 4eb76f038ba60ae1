// ═══════════════════════════════════════════════════════════════════════════════════════════════
// Memory Reorder Window - Hardware Reference Model
// ───────────────────────────────────────────────────────────────────────────────────────────────
//
// A synthetic trace generated in strict program order reads nothing like
// what a superscalar core actually retires: independent loads and stores
// issue as soon as their address is free, not in the order they were
// fetched. This package reuses the two-cycle bitmap/CLZ scheduling core
// (originally built for register-dependent instruction issue) to instead
// reorder a window of retired memory references by address hazard, so
// internal/synth can hand a prefetcher engine something closer to the
// bursty, out-of-order access pattern a real L1D would see.
//
// DESIGN PHILOSOPHY:
// ─────────────────
// 1. Two-tier priority: refs that unblock others schedule first
// 2. Bitmap-based hazard tracking: O(1) parallel lookups
// 3. CLZ-based scheduling: hardware-efficient priority selection
// 4. Bounded window: 32 references (deterministic timing)
// 5. Age-based ordering: the older of two hazarding refs always wins
// 6. XOR-based address compare: a single 64-bit zero check per pair
//
// PIPELINE:
// ────────
// Cycle 0: Hazard check + priority classification
// Cycle 1: Issue selection + bank scoreboard update
//
// ═══════════════════════════════════════════════════════════════════════════════════════════════

package ooo

import (
	"math/bits"
)

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// TYPE DEFINITIONS
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// MemRef is one retired memory reference held in the reorder window.
//
// AGE SEMANTICS:
// ─────────────
// Age = slot index (position in program order within the window)
//   - Slot 31 (Age=31): oldest position
//   - Slot 0 (Age=0): newest position
//   - Hazard check: producer.Age > consumer.Age
//   - Overflow impossible (bounded by window size [0-31])
type MemRef struct {
	Valid   bool
	Issued  bool
	Addr    uint64 // full memory address, not a register number
	IsStore bool
	Age     uint8
}

// ReorderWindow holds 32 in-flight memory references.
// Layout: [31]=oldest, [0]=newest.
type ReorderWindow struct {
	Refs [32]MemRef
}

// numBanks splits the address space into parallel scoreboard lanes so the
// ready check stays a single bitmap test instead of a full address compare.
const numBanks = 64

func bankOf(addr uint64) uint8 { return uint8(addr % numBanks) }

// BankScoreboard tracks which address banks currently have an outstanding,
// unretired reference against them. Bit[N]=1: bank N is free to issue
// another reference; Bit[N]=0: bank N is occupied.
type BankScoreboard uint64

//go:inline
func (s BankScoreboard) IsReady(bank uint8) bool { return (s>>bank)&1 != 0 }

//go:inline
func (s *BankScoreboard) MarkReady(bank uint8) { *s |= 1 << bank }

//go:inline
func (s *BankScoreboard) MarkPending(bank uint8) { *s &^= 1 << bank }

// DependencyMatrix tracks hazards between references.
// Entry[i][j]=1: reference j must wait behind reference i.
type DependencyMatrix [32]uint32

// PriorityClass splits refs into two scheduling tiers.
type PriorityClass struct {
	HighPriority uint32 // refs that block a later reference (critical path)
	LowPriority  uint32 // refs nothing else depends on (leaves)
}

// IssueBundle represents up to 16 refs selected to issue this cycle.
type IssueBundle struct {
	Indices [16]uint8
	Valid   uint16
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// CYCLE 0: HAZARD CHECK
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// ComputeReadyBitmap determines which refs have a free bank to issue into.
//
// WHAT: for each valid, non-issued ref, check its address bank is free
// HOW: 32 parallel scoreboard lookups
// WHY: a bank busy with an older, unretired access can't take another ref
// this cycle, independent of any address hazard between the two refs.
func ComputeReadyBitmap(window *ReorderWindow, scoreboard BankScoreboard) uint32 {
	var readyBitmap uint32

	for i := 0; i < 32; i++ {
		ref := &window.Refs[i]
		if !ref.Valid || ref.Issued {
			continue
		}
		if scoreboard.IsReady(bankOf(ref.Addr)) {
			readyBitmap |= 1 << i
		}
	}

	return readyBitmap
}

// BuildDependencyMatrix constructs the hazard graph with XOR-optimized
// address comparison.
//
// WHAT: build a 32×32 matrix where entry[i][j]=1 means ref j must issue
// after ref i
// HOW: 1024 parallel comparators; two refs to the same address hazard
// unless both are loads, and the older ref (by Age) must win
// WHY: two loads of the same line can issue in either order, but a store
// sharing an address with a load or another store must preserve program
// order (RAW/WAR/WAW), or a reordered trace would tell the prefetcher
// engine about an access that the real core never actually made in that
// position
//
// XOR-BASED ADDRESS COMPARISON:
// ────────────────────────────
//
//	xorAddr := refI.Addr ^ refJ.Addr
//	sameAddr := xorAddr == 0
//
// (A^B)==0 ⟺ A==B: zero false positives, zero false negatives. A single
// 64-bit XOR-then-zero-check replaces a full equality compare across the
// whole line address, not just a handful of register-index bits.
func BuildDependencyMatrix(window *ReorderWindow) DependencyMatrix {
	var matrix DependencyMatrix

	for i := 0; i < 32; i++ {
		refI := &window.Refs[i]
		if !refI.Valid {
			continue
		}

		var rowBitmap uint32

		for j := 0; j < 32; j++ {
			if i == j {
				continue
			}

			refJ := &window.Refs[j]
			if !refJ.Valid {
				continue
			}

			xorAddr := refI.Addr ^ refJ.Addr
			sameAddr := xorAddr == 0
			hazard := sameAddr && (refI.IsStore || refJ.IsStore)

			// Age-based program-order enforcement: the producer (older
			// slot, higher Age) must be the one the consumer waits behind.
			ageOk := refI.Age > refJ.Age

			if hazard && ageOk {
				rowBitmap |= 1 << j
			}
		}

		matrix[i] = rowBitmap
	}

	return matrix
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// CYCLE 0: PRIORITY CLASSIFICATION
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// ClassifyPriority splits ready refs into high-priority (something else
// waits behind them) and low-priority (leaves, nothing hazards against
// them) tiers.
//
// WHAT: OR-reduce each ready ref's dependency-matrix row
// WHY: issuing the refs other refs are pinned behind first maximizes how
// many refs clear the window per cycle
func ClassifyPriority(readyBitmap uint32, depMatrix DependencyMatrix) PriorityClass {
	var high, low uint32

	for i := 0; i < 32; i++ {
		if (readyBitmap>>i)&1 == 0 {
			continue
		}

		if depMatrix[i] != 0 {
			high |= 1 << i
		} else {
			low |= 1 << i
		}
	}

	return PriorityClass{
		HighPriority: high,
		LowPriority:  low,
	}
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// CYCLE 1: ISSUE SELECTION
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// SelectIssueBundle picks up to 16 refs to issue this cycle.
//
// WHAT: select up to 16 ready refs for issue
// HOW: high-priority tier first, else low-priority; within a tier, oldest
// (highest Age / highest set bit) first, found via a CLZ priority encoder
func SelectIssueBundle(priority PriorityClass) IssueBundle {
	var bundle IssueBundle

	var selectedTier uint32
	if priority.HighPriority != 0 {
		selectedTier = priority.HighPriority
	} else {
		selectedTier = priority.LowPriority
	}

	count := 0
	remaining := selectedTier

	for count < 16 && remaining != 0 {
		idx := 31 - bits.LeadingZeros32(remaining)

		bundle.Indices[count] = uint8(idx)
		bundle.Valid |= 1 << count
		count++

		remaining &^= 1 << idx
	}

	return bundle
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// CYCLE 1: SCOREBOARD UPDATE
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// UpdateScoreboardAfterIssue marks each issued ref's bank busy and sets its
// Issued flag so it is never picked twice.
func UpdateScoreboardAfterIssue(scoreboard *BankScoreboard, window *ReorderWindow, bundle IssueBundle) {
	for i := 0; i < 16; i++ {
		if (bundle.Valid>>i)&1 == 0 {
			continue
		}

		idx := bundle.Indices[i]
		ref := &window.Refs[idx]

		scoreboard.MarkPending(bankOf(ref.Addr))
		ref.Issued = true
	}
}

// UpdateScoreboardAfterComplete marks a bank free again once its
// outstanding reference retires.
func UpdateScoreboardAfterComplete(scoreboard *BankScoreboard, banks [16]uint8, completeMask uint16) {
	for i := 0; i < 16; i++ {
		if (completeMask>>i)&1 == 0 {
			continue
		}
		scoreboard.MarkReady(banks[i])
	}
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// TOP-LEVEL SCHEDULER
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// ReorderScheduler is the complete two-cycle reorder pipeline: hazard check
// and priority classification in cycle 0, issue selection and scoreboard
// update in cycle 1.
type ReorderScheduler struct {
	Window ReorderWindow
	Banks  BankScoreboard

	// Pipeline register between cycle 0 and cycle 1.
	PipelinedPriority PriorityClass
}

// ScheduleCycle0 runs the hazard check and priority classification.
func (sched *ReorderScheduler) ScheduleCycle0() {
	readyBitmap := ComputeReadyBitmap(&sched.Window, sched.Banks)
	depMatrix := BuildDependencyMatrix(&sched.Window)
	priority := ClassifyPriority(readyBitmap, depMatrix)

	sched.PipelinedPriority = priority
}

// ScheduleCycle1 selects the issue bundle and updates the bank scoreboard.
func (sched *ReorderScheduler) ScheduleCycle1() IssueBundle {
	bundle := SelectIssueBundle(sched.PipelinedPriority)
	UpdateScoreboardAfterIssue(&sched.Banks, &sched.Window, bundle)
	return bundle
}

// ScheduleComplete is called when an outstanding reference retires.
func (sched *ReorderScheduler) ScheduleComplete(banks [16]uint8, completeMask uint16) {
	UpdateScoreboardAfterComplete(&sched.Banks, banks, completeMask)
}
