package sms

import (
	"testing"

	"github.com/Maemo32/prefetchbench/internal/hostif"
)

type fakeHost struct{ cycle uint64 }

func (f *fakeHost) CurrentCycle() uint64       { return f.cycle }
func (f *fakeHost) PQSize() int                { return 32 }
func (f *fakeHost) PQOccupancy() int           { return 0 }
func (f *fakeHost) MSHRSize() int              { return 32 }
func (f *fakeHost) MSHROccupancy() int         { return 0 }
func (f *fakeHost) DRAMBandwidth() uint8       { return 0 }
func (f *fakeHost) PrefetchLine(uint64, bool, uint32) bool { return true }

func TestRegenerationAfterATEviction(t *testing.T) {
	h := &fakeHost{}
	e := New(h, h)
	e.Initialize()

	const pc = 0x1000
	const region = 5
	base := region << logRegionSize

	e.Operate(uint64(base)+4<<hostif.LogBlockSize, pc, true, false, hostif.AccessLoad, 0)
	e.Operate(uint64(base)+9<<hostif.LogBlockSize, pc, true, false, hostif.AccessLoad, 0)
	e.Operate(uint64(base)+14<<hostif.LogBlockSize, pc, true, false, hostif.AccessLoad, 0)

	atIdx := e.findAT(uint64(region))
	if atIdx < 0 {
		t.Fatalf("expected region to be promoted to AT after second distinct access")
	}
	wantPattern := uint64(1)<<4 | uint64(1)<<9 | uint64(1)<<14
	if e.at[atIdx].pattern != wantPattern {
		t.Fatalf("AT pattern = %b, want %b", e.at[atIdx].pattern, wantPattern)
	}

	e.evictAT(atIdx)

	// Fresh access on the same (pc, offset=4) signature should hit the PHT
	// and enqueue the other two bits (9 and 14), excluding the trigger.
	e.Operate(uint64(base)+4<<hostif.LogBlockSize, pc, true, false, hostif.AccessLoad, 0)

	if len(e.buf) != 2 {
		t.Fatalf("expected 2 buffered prefetches (popcount(p)-1), got %d", len(e.buf))
	}
	gotOffsets := map[uint32]bool{}
	for _, req := range e.buf {
		gotOffsets[regionOffset(req.addr)] = true
	}
	if !gotOffsets[9] || !gotOffsets[14] {
		t.Fatalf("expected prefetches for offsets 9 and 14, got %v", e.buf)
	}
}

func TestCycleDrainsUpToDegreePerTick(t *testing.T) {
	h := &fakeHost{}
	e := New(h, h)
	e.Initialize()
	for i := 0; i < 10; i++ {
		e.bufferPrefetch(uint64(i) << hostif.LogBlockSize)
	}
	e.Cycle()
	if len(e.buf) != 10-prefDegree {
		t.Fatalf("expected %d entries remaining after one cycle, got %d", 10-prefDegree, len(e.buf))
	}
}
