package spp

import (
	"testing"

	"github.com/Maemo32/prefetchbench/internal/hostif"
)

type fakeHost struct {
	issued []uint64
	accept bool
}

func (f *fakeHost) CurrentCycle() uint64 { return 0 }
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

func TestPatternTableConfidenceAfterTwoIdenticalUpdates(t *testing.T) {
	h := &fakeHost{accept: true}
	e := New(h, h)

	const sig = 7
	const delta = int32(1)
	e.updatePattern(sig, delta)
	e.updatePattern(sig, delta)

	set := getHash(uint64(sig)) % ptSet
	var way = -1
	for w := 0; w < ptWay; w++ {
		if e.ptDelta[set][w] == delta {
			way = w
			break
		}
	}
	if way < 0 {
		t.Fatalf("expected delta %d installed in pattern table", delta)
	}
	if e.ptCDelta[set][way] != 2 {
		t.Fatalf("c_delta = %d, want 2", e.ptCDelta[set][way])
	}
	if e.ptCSig[set] != 2 {
		t.Fatalf("c_sig = %d, want 2", e.ptCSig[set])
	}
	localConf := 100 * e.ptCDelta[set][way] / e.ptCSig[set]
	if localConf != 100 {
		t.Fatalf("local_conf = %d, want 100", localConf)
	}
}

func TestSignaturePathAndPatternInstallWithinOnePage(t *testing.T) {
	h := &fakeHost{accept: true}
	e := New(h, h)

	const page = 42
	_, sig0, _ := e.readAndUpdateSig(page, 0)
	if sig0 != 0 {
		t.Fatalf("first touch signature = %d, want 0", sig0)
	}

	last1, sig1, d1 := e.readAndUpdateSig(page, 1)
	if d1 != 1 {
		t.Fatalf("delta after offset 1 = %d, want 1", d1)
	}
	if sig1 != 1 {
		t.Fatalf("signature after offset 1 = %d, want 1 (0<<3)^1", sig1)
	}
	e.updatePattern(last1, d1)

	last2, sig2, d2 := e.readAndUpdateSig(page, 2)
	if d2 != 1 {
		t.Fatalf("delta after offset 2 = %d, want 1", d2)
	}
	if sig2 != 9 {
		t.Fatalf("signature after offset 2 = %d, want 9 ((1<<3)^1)", sig2)
	}
	e.updatePattern(last2, d2)

	set0 := getHash(0) % ptSet
	found0 := false
	for w := 0; w < ptWay; w++ {
		if e.ptDelta[set0][w] == 1 {
			found0 = true
		}
	}
	if !found0 {
		t.Fatalf("expected PT[sig=0] to have installed delta=1")
	}

	set1 := getHash(1) % ptSet
	found1 := false
	for w := 0; w < ptWay; w++ {
		if e.ptDelta[set1][w] == 1 {
			found1 = true
		}
	}
	if !found1 {
		t.Fatalf("expected PT[sig=1] to have installed delta=1")
	}

	// Third access triggers a lookahead via Operate; with both PT entries
	// installed at confidence 100 and a permissive perceptron, expect at
	// least one prefetch beyond the immediate demand line.
	e.Operate(page<<hostif.LogPageSize+3<<hostif.LogBlockSize, 0x400, true, false, hostif.AccessLoad, 0)
	if len(h.issued) == 0 {
		t.Fatalf("expected lookahead to walk at least one hop and issue a prefetch")
	}
}
