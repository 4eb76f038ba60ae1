package pythia

import (
	"testing"

	"github.com/Maemo32/prefetchbench/internal/bitmap"
	"github.com/Maemo32/prefetchbench/internal/hostif"
)

type fakeHost struct {
	issued []uint64
	accept bool
	bw     uint8
}

func (f *fakeHost) CurrentCycle() uint64 { return 0 }
func (f *fakeHost) PQSize() int          { return 32 }
func (f *fakeHost) PQOccupancy() int     { return 0 }
func (f *fakeHost) MSHRSize() int        { return 32 }
func (f *fakeHost) MSHROccupancy() int   { return 0 }
func (f *fakeHost) DRAMBandwidth() uint8 { return f.bw }

func (f *fakeHost) PrefetchLine(addr uint64, fillL2 bool, metadata uint32) bool {
	if !f.accept {
		return false
	}
	f.issued = append(f.issued, addr)
	return true
}

// With alpha=1, gamma=0 and a single-tile single-feature table, one SARSA
// update must drive Q(s, a) to exactly the observed reward, independent of
// its prior value.
func TestSARSAUpdateWithUnitAlphaZeroGammaMatchesReward(t *testing.T) {
	ft := newFeatureTable(1, 1, bitmap.HashJenkins32, false, 1/(1-gammaDefault))
	e := newWithConfig(nil, nil, []*featureTable{ft}, 1, 0, 0)

	s1 := state{pc: 0x400, page: 1, offset: 10, delta: 1}
	const actionIdx = 0 // actions[0] == +1

	e.train(s1, actionIdx, 20, state{}, -1)

	got := e.qValue(s1, actionIdx)
	if got != 20 {
		t.Fatalf("Q(s1,+1) = %v, want 20", got)
	}
}

func TestDegreeForEscalatesWithTrackedConfidence(t *testing.T) {
	var entry stEntry
	entry.trackAction(3)
	if got := entry.degreeFor(3); got != dynDegrees[1] {
		t.Fatalf("degree after 1 hit = %d, want %d", got, dynDegrees[1])
	}
	entry.trackAction(3)
	entry.trackAction(3)
	if got := entry.degreeFor(3); got != dynDegrees[3] {
		t.Fatalf("degree after 3 hits = %d, want %d", got, dynDegrees[3])
	}
}

func TestOperateDoesNotPanicAndRespectsPageBounds(t *testing.T) {
	h := &fakeHost{accept: true}
	e := New(h, h)
	e.Initialize()

	base := uint64(5) << hostif.LogPageSize
	for i := 0; i < 8; i++ {
		e.Operate(base+uint64(i)<<hostif.LogBlockSize, 0x1000, true, false, hostif.AccessLoad, 0)
	}
	for _, addr := range h.issued {
		if hostif.PageOf(addr) != 5 {
			t.Fatalf("issued prefetch %#x outside the trigger page", addr)
		}
	}
}
