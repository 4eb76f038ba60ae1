package ooo

import "testing"

func allBanksReady() BankScoreboard {
	var s BankScoreboard
	for b := uint8(0); b < numBanks; b++ {
		s.MarkReady(b)
	}
	return s
}

func TestBankScoreboardReadyMarking(t *testing.T) {
	var s BankScoreboard
	if s.IsReady(3) {
		t.Fatal("zero-value scoreboard should report every bank busy")
	}
	s.MarkReady(3)
	if !s.IsReady(3) {
		t.Fatal("expected bank 3 ready after MarkReady")
	}
	s.MarkPending(3)
	if s.IsReady(3) {
		t.Fatal("expected bank 3 busy after MarkPending")
	}
}

func TestComputeReadyBitmapSkipsInvalidIssuedAndBusyBanks(t *testing.T) {
	// Distinct low bits so each ref lands in its own bank (bankOf == Addr%64).
	var window ReorderWindow
	window.Refs[0] = MemRef{Valid: true, Addr: 0x1000 + 1}
	window.Refs[1] = MemRef{Valid: true, Addr: 0x2000 + 2, Issued: true}
	window.Refs[2] = MemRef{Valid: false, Addr: 0x3000 + 3}
	window.Refs[3] = MemRef{Valid: true, Addr: 0x4000 + 4}

	scoreboard := allBanksReady()
	scoreboard.MarkPending(bankOf(window.Refs[3].Addr))

	ready := ComputeReadyBitmap(&window, scoreboard)
	if ready != 1<<0 {
		t.Fatalf("ready bitmap = %#b, want only slot 0 ready", ready)
	}
}

func TestBuildDependencyMatrixLoadLoadHasNoHazard(t *testing.T) {
	var window ReorderWindow
	window.Refs[0] = MemRef{Valid: true, Addr: 0x1000, Age: 5}
	window.Refs[1] = MemRef{Valid: true, Addr: 0x1000, Age: 2}

	matrix := BuildDependencyMatrix(&window)
	if matrix[0] != 0 || matrix[1] != 0 {
		t.Fatalf("two loads of the same address should never hazard, got row0=%#b row1=%#b", matrix[0], matrix[1])
	}
}

func TestBuildDependencyMatrixStoreThenLoadHazardsOnAddressAndAge(t *testing.T) {
	var window ReorderWindow
	// Slot 0: older store to 0x2000 (higher Age = older).
	window.Refs[0] = MemRef{Valid: true, Addr: 0x2000, IsStore: true, Age: 10}
	// Slot 1: newer load from the same address; must wait behind the store.
	window.Refs[1] = MemRef{Valid: true, Addr: 0x2000, Age: 3}
	// Slot 2: newer load from a different address; unrelated.
	window.Refs[2] = MemRef{Valid: true, Addr: 0x9000, Age: 3}

	matrix := BuildDependencyMatrix(&window)
	if matrix[0]&(1<<1) == 0 {
		t.Fatalf("expected the store in slot 0 to block slot 1, row0=%#b", matrix[0])
	}
	if matrix[0]&(1<<2) != 0 {
		t.Fatalf("store in slot 0 should not hazard against an unrelated address, row0=%#b", matrix[0])
	}
	if matrix[1] != 0 {
		t.Fatalf("the newer load should not itself block anything, row1=%#b", matrix[1])
	}
}

func TestBuildDependencyMatrixRespectsAgeDirection(t *testing.T) {
	var window ReorderWindow
	// Slot 0 is NEWER (lower Age) than slot 1 despite appearing first; a
	// same-address hazard must still point from the older slot to the
	// newer one, never the reverse.
	window.Refs[0] = MemRef{Valid: true, Addr: 0x3000, IsStore: true, Age: 1}
	window.Refs[1] = MemRef{Valid: true, Addr: 0x3000, IsStore: true, Age: 9}

	matrix := BuildDependencyMatrix(&window)
	if matrix[0] != 0 {
		t.Fatalf("newer slot 0 must not block older slot 1, row0=%#b", matrix[0])
	}
	if matrix[1]&(1<<0) == 0 {
		t.Fatalf("older slot 1 must block newer slot 0, row1=%#b", matrix[1])
	}
}

func TestClassifyPriorityPrefersRefsWithDependents(t *testing.T) {
	readyBitmap := uint32(1<<0 | 1<<1 | 1<<2)
	var depMatrix DependencyMatrix
	depMatrix[0] = 1 << 1 // slot 0 blocks slot 1: high priority
	// slot 1 and slot 2 block nothing: low priority

	priority := ClassifyPriority(readyBitmap, depMatrix)
	if priority.HighPriority != 1<<0 {
		t.Fatalf("expected only slot 0 in the high tier, got %#b", priority.HighPriority)
	}
	if priority.LowPriority != (1<<1 | 1<<2) {
		t.Fatalf("expected slots 1 and 2 in the low tier, got %#b", priority.LowPriority)
	}
}

func TestSelectIssueBundlePrefersHighTierAndOldestFirst(t *testing.T) {
	priority := PriorityClass{
		HighPriority: 1<<3 | 1<<7,
		LowPriority:  1 << 1,
	}

	bundle := SelectIssueBundle(priority)
	if bundle.Valid&0b11 != 0b11 {
		t.Fatalf("expected the first two bundle slots filled, got valid=%016b", bundle.Valid)
	}
	// Highest bit (slot 7, oldest) must be selected before slot 3.
	if bundle.Indices[0] != 7 || bundle.Indices[1] != 3 {
		t.Fatalf("expected oldest-first order [7,3], got %v", bundle.Indices[:2])
	}
	if bundle.Valid&(1<<2) != 0 {
		t.Fatalf("low-priority tier must not be touched while the high tier has entries")
	}
}

func TestSelectIssueBundleCapsAtSixteen(t *testing.T) {
	priority := PriorityClass{LowPriority: 0xFFFFFFFF}
	bundle := SelectIssueBundle(priority)
	if bundle.Valid != 0xFFFF {
		t.Fatalf("expected all 16 bundle slots filled, got valid=%016b", bundle.Valid)
	}
}

func TestReorderSchedulerEndToEndIssuesIndependentStoreBeforeDependentLoad(t *testing.T) {
	var sched ReorderScheduler
	sched.Banks = allBanksReady()
	// Slot 1 (older, Age=1): store to 0x5000.
	sched.Window.Refs[1] = MemRef{Valid: true, Addr: 0x5000, IsStore: true, Age: 1}
	// Slot 0 (newer, Age=0): load from the same address, must wait.
	sched.Window.Refs[0] = MemRef{Valid: true, Addr: 0x5000, Age: 0}

	sched.ScheduleCycle0()
	bundle := sched.ScheduleCycle1()

	if bundle.Valid&1 == 0 || bundle.Indices[0] != 1 {
		t.Fatalf("expected slot 1 (the store) to issue first, got indices=%v valid=%016b", bundle.Indices[:1], bundle.Valid)
	}
	if sched.Window.Refs[0].Issued {
		t.Fatal("the dependent load must not issue in the same bundle as its producing store")
	}
}
