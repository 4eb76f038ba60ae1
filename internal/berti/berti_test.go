package berti

import (
	"testing"

	"github.com/Maemo32/prefetchbench/internal/hostif"
)

type fakeHost struct {
	cycle  uint64
	issued []uint64
	accept bool
}

func (f *fakeHost) CurrentCycle() uint64 { return f.cycle }
func (f *fakeHost) PQSize() int          { return 32 }
func (f *fakeHost) PQOccupancy() int     { return 0 }
func (f *fakeHost) MSHRSize() int        { return 32 }
func (f *fakeHost) MSHROccupancy() int   { return 0 }
func (f *fakeHost) DRAMBandwidth() uint8 { return 0 }

func (f *fakeHost) PrefetchLine(addr uint64, fillL2 bool, metadata uint32) bool {
	if !f.accept {
		return false
	}
	f.issued = append(f.issued, addr)
	return true
}

func TestZigZagBurstStaysInUVector(t *testing.T) {
	h := &fakeHost{accept: true}
	e := New(h, h)

	const page = 7
	const offset = 10
	idx := e.allocateCurrentPage(page, 0xABCD, offset)
	cp := &e.currentPages[idx]
	for _, o := range []uint32{5, 8, 10, 12, 14} {
		cp.uVector |= 1 << o
	}

	e.burstZigZag(idx, offset, false)

	for _, addr := range h.issued {
		off := hostif.OffsetOf(addr)
		if cp.uVector&(1<<off) == 0 {
			t.Fatalf("issued offset %d not present in u_vector", off)
		}
		if off < 0 || off >= hostif.PageBlocks {
			t.Fatalf("issued offset %d out of page", off)
		}
	}
	if len(h.issued) == 0 {
		t.Fatalf("expected at least one zig-zag prefetch")
	}
}

func TestBurstFollowsRecordPagesBertiAndUVector(t *testing.T) {
	h := &fakeHost{accept: true}
	e := New(h, h)

	const page = 3
	const firstOffset = 5
	e.recordPages[0] = recordPageEntry{valid: true, pageTag: page, firstOffset: firstOffset, berti: 3}

	idx := e.allocateCurrentPage(page, 0, firstOffset)
	bits := []uint32{5, 8, 11, 14, 17, 20}
	for _, o := range bits {
		e.currentPages[idx].uVector |= 1 << o
	}

	berti, conf, ok := e.predict(idx, page, 0, firstOffset, true)
	if !ok || berti != 3 {
		t.Fatalf("expected the RecordPages entry to predict berti 3, got berti=%d ok=%v", berti, ok)
	}
	e.issueBurstAndSingle(idx, firstOffset, berti, conf, true)

	want := map[uint32]bool{8: true, 11: true, 14: true, 17: true, 20: true}
	for _, addr := range h.issued {
		off := hostif.OffsetOf(addr)
		if !want[off] {
			t.Fatalf("issued unexpected offset %d", off)
		}
	}
}
