package synth

import (
	"testing"

	"github.com/Maemo32/prefetchbench/internal/hostif"
)

func TestGenerateProducesLoadsAndStores(t *testing.T) {
	records := Generate(Config{Cycles: 400})
	if len(records) == 0 {
		t.Fatal("expected at least one retired memory access")
	}

	var loads, stores int
	for _, r := range records {
		switch r.AccessType {
		case hostif.AccessLoad:
			loads++
		case hostif.AccessStore:
			stores++
		default:
			t.Fatalf("unexpected access type %v", r.AccessType)
		}
	}
	if loads == 0 || stores == 0 {
		t.Fatalf("expected both loads and stores, got %d loads, %d stores", loads, stores)
	}
}

func TestGenerateStrideLoopDoesNotNarrowAddressSpread(t *testing.T) {
	narrow := Generate(Config{Cycles: 400, StrideLoop: false})
	wide := Generate(Config{Cycles: 400, StrideLoop: true})

	spread := func(records []Record) uint64 {
		if len(records) == 0 {
			return 0
		}
		lo, hi := records[0].Addr, records[0].Addr
		for _, r := range records {
			if r.Addr < lo {
				lo = r.Addr
			}
			if r.Addr > hi {
				hi = r.Addr
			}
		}
		return hi - lo
	}

	if spread(wide) < spread(narrow) {
		t.Fatalf("expected StrideLoop to widen or match address spread: narrow=%d wide=%d", spread(narrow), spread(wide))
	}
}

func TestReorderInBatchesPreservesSetOfRecords(t *testing.T) {
	// One generated program retires at most 32 references (16 load/store
	// pairs), a single window, so two runs are joined to span two windows.
	base := append(Generate(Config{Cycles: 600}), Generate(Config{Cycles: 600})...)
	if len(base) < 40 {
		t.Fatalf("need at least 40 records to exercise two windows, got %d", len(base))
	}

	reordered := reorderInBatches(base)
	if len(reordered) != len(base) {
		t.Fatalf("reordering changed record count: got %d, want %d", len(reordered), len(base))
	}

	counts := make(map[uint64]int, len(base))
	for _, r := range base {
		counts[r.Addr]++
	}
	for _, r := range reordered {
		counts[r.Addr]--
	}
	for addr, c := range counts {
		if c != 0 {
			t.Fatalf("address %#x count mismatch after reordering: delta %d", addr, c)
		}
	}
}
