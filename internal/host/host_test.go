package host

import (
	"context"
	"testing"

	"github.com/Maemo32/prefetchbench/internal/hostif"
)

// countingEngine is a minimal hostif.Engine that issues one prefetch per
// Operate call, so Adapter's PQ bookkeeping can be exercised directly.
type countingEngine struct {
	initCalls  int
	cycleCalls int
	emitter    hostif.PrefetchEmitter
}

func (e *countingEngine) Initialize() { e.initCalls++ }

func (e *countingEngine) Operate(addr, ip uint64, cacheHit, usefulPrefetch bool, accessType hostif.AccessType, metadataIn uint32) uint32 {
	e.emitter.PrefetchLine(addr+hostif.BlockSize, false, 0)
	return 0
}

func (e *countingEngine) Fill(addr uint64, set, way int, wasPrefetch bool, evictedAddr uint64, metadataIn uint32) uint32 {
	return 0
}

func (e *countingEngine) Cycle() { e.cycleCalls++ }

func TestAdapterTracksPQOccupancyAcrossPrefetchAndDrain(t *testing.T) {
	eng := &countingEngine{}
	a := New(eng, Config{PQSize: 2, MSHRSize: 2}, nil)
	eng.emitter = a

	if got := a.Access(0x1000, 0x40, false, false, hostif.AccessLoad, 0); got != 0 {
		t.Fatalf("Access returned %d, want 0", got)
	}
	if a.PQOccupancy() != 1 {
		t.Fatalf("PQOccupancy = %d, want 1", a.PQOccupancy())
	}

	// A second access, marked as draining a useful prefetch, should free a slot
	// even as the engine queues a fresh one — net occupancy unchanged.
	a.Access(0x1040, 0x44, true, true, hostif.AccessLoad, 0)
	if a.PQOccupancy() != 1 {
		t.Fatalf("PQOccupancy after drain+issue = %d, want 1", a.PQOccupancy())
	}
}

func TestAdapterRejectsPrefetchWhenQueueFull(t *testing.T) {
	eng := &countingEngine{}
	a := New(eng, Config{PQSize: 1, MSHRSize: 1}, nil)
	eng.emitter = a

	a.Access(0x2000, 0x80, false, false, hostif.AccessLoad, 0)
	if a.PQOccupancy() != 1 {
		t.Fatalf("PQOccupancy = %d, want 1", a.PQOccupancy())
	}

	a.Access(0x2040, 0x84, false, false, hostif.AccessLoad, 0)
	stats := a.Stats()
	if stats.PrefetchesRejectedPQ != 1 {
		t.Fatalf("PrefetchesRejectedPQ = %d, want 1", stats.PrefetchesRejectedPQ)
	}
}

func TestRunAdvancesCycleAndInitializesOnce(t *testing.T) {
	eng := &countingEngine{}
	a := New(eng, DefaultConfig, nil)
	eng.emitter = a

	records := []AccessRecord{
		{Cycle: 0, IP: 0x10, Addr: 0x1000, AccessType: hostif.AccessLoad},
		{Cycle: 5, IP: 0x14, Addr: 0x1040, AccessType: hostif.AccessLoad},
	}

	stats := a.Run(context.Background(), records)
	if eng.initCalls != 1 {
		t.Fatalf("Initialize called %d times, want 1", eng.initCalls)
	}
	if a.CurrentCycle() != 5 {
		t.Fatalf("CurrentCycle = %d, want 5", a.CurrentCycle())
	}
	if stats.Accesses != 2 {
		t.Fatalf("Accesses = %d, want 2", stats.Accesses)
	}
	if eng.cycleCalls != 5 {
		t.Fatalf("Cycle called %d times, want 5", eng.cycleCalls)
	}
}
