// Package synth drives the kept teacher CPU core (package suprax), its
// memory-reference reorder scheduler (proto/ooo) and its TAGE-derived
// stride hint (proto/tage) to produce a synthetic memory-access trace, so
// cmd/prefetchsim's demo subcommand can replay a prefetcher engine against
// something other than a hand-written CSV.
package synth

import (
	suprax "github.com/Maemo32/prefetchbench"
	"github.com/Maemo32/prefetchbench/internal/hostif"
	"github.com/Maemo32/prefetchbench/proto/ooo"
	"github.com/Maemo32/prefetchbench/proto/tage"
)

// Record is one synthetic memory reference ready for an engine's Operate.
type Record struct {
	IP         uint64
	Addr       uint64
	AccessType hostif.AccessType
}

// Config controls how large and how branchy the generated program is.
type Config struct {
	Cycles     int
	StrideLoop bool // when true, a TAGE stride hint picks the stride (4 or 8); an untrained hint picks 4, the same as false
	Reorder    bool // when true, each 32-reference window of loads and stores is reissued in proto/ooo's scheduling order instead of program order
}

// Generate runs a small synthetic load/store-heavy program through the
// SUPRAX core for cfg.Cycles cycles and returns the memory accesses it
// retired, optionally reordered through proto/ooo's issue-selection pass and
// steered by a TAGE predictor choosing between two address strides.
func Generate(cfg Config) []Record {
	core := suprax.NewSUPRAXCore(256 * 1024)
	hint := tage.NewStrideHint()

	program := buildStrideProgram(hint, cfg)
	core.LoadProgram(program)

	for i := 0; i < cfg.Cycles; i++ {
		core.Cycle()
	}

	accesses := core.DrainMemTrace()
	records := make([]Record, 0, len(accesses))
	for _, a := range accesses {
		at := hostif.AccessLoad
		if a.IsStore {
			at = hostif.AccessStore
		}
		records = append(records, Record{IP: a.PC, Addr: a.Addr, AccessType: at})
	}

	if cfg.Reorder && len(records) > 0 {
		records = reorderInBatches(records)
	}
	return records
}

// buildStrideProgram emits, per iteration, a fresh MOVI load of the address
// register followed by a load and a store through it. The address is
// computed here rather than accumulated in-core via ADDI: this ISA's
// immediate occupies the instruction's low byte, which is also where Src1
// and Src2 live, so an ADDI's "operand A" register is whatever the
// immediate's upper nibble happens to name — not necessarily the
// destination register. Re-seeding with MOVI sidesteps that entirely and
// also avoids the 8-bit immediate being too narrow to express a page-sized
// stride in one instruction.
func buildStrideProgram(hint *tage.StrideHint, cfg Config) []uint16 {
	const loopPC = 0x40
	stride := uint8(4)
	if cfg.StrideLoop {
		stride = hint.Choose(loopPC, 4, 8)
	}

	const addrReg, valueReg = uint8(1), uint8(2)
	var program []uint16
	for i := 0; i < 16; i++ {
		addr := uint8(i) * stride // i*stride stays under 128, fits the 8-bit immediate
		program = append(program, encodeMOVI(addrReg, addr))
		program = append(program, encodeMOVL(addrReg, valueReg))
		program = append(program, encodeMOVS(addrReg, valueReg))
	}
	return program
}

// reorderInBatches groups records into fixed windows and applies proto/ooo's
// ready-bitmap → dependency-matrix → priority → issue-bundle pipeline to
// pick an out-of-order issue sequence within each window: a load or store
// depends on (and stays pinned behind) an older reference to the same
// address whenever at least one of the pair is a store.
func reorderInBatches(records []Record) []Record {
	const windowSize = 32
	out := make([]Record, 0, len(records))

	for start := 0; start < len(records); start += windowSize {
		end := start + windowSize
		if end > len(records) {
			end = len(records)
		}
		batch := records[start:end]

		// The oldest record takes the highest slot, so slot index == Age as
		// ooo.ReorderWindow's layout expects.
		n := len(batch)
		var window ooo.ReorderWindow
		for i, r := range batch {
			window.Refs[n-1-i] = ooo.MemRef{
				Valid:   true,
				Addr:    r.Addr,
				IsStore: r.AccessType == hostif.AccessStore,
				Age:     uint8(n - 1 - i),
			}
		}

		var scoreboard ooo.BankScoreboard
		for bank := uint8(0); bank < 64; bank++ {
			scoreboard.MarkReady(bank)
		}

		ready := ooo.ComputeReadyBitmap(&window, scoreboard)
		depMatrix := ooo.BuildDependencyMatrix(&window)
		priority := ooo.ClassifyPriority(ready, depMatrix)
		bundle := ooo.SelectIssueBundle(priority)

		issued := make([]bool, len(batch))
		for slot := 0; slot < 16; slot++ {
			if bundle.Valid&(1<<slot) == 0 {
				continue
			}
			idx := bundle.Indices[slot]
			if int(idx) < n {
				bi := n - 1 - int(idx)
				out = append(out, batch[bi])
				issued[bi] = true
			}
		}
		// Anything the bundle didn't select this pass (window wider than
		// 16-wide issue) still retires, in program order, after the batch.
		for i, r := range batch {
			if !issued[i] {
				out = append(out, r)
			}
		}
	}
	return out
}

// encodeMOVI packs "MOV #imm, Rn": opcode in the top nibble, Rn next, and
// the immediate occupying the low byte (which doubles as Src1/Src2).
func encodeMOVI(dst uint8, imm uint8) uint16 {
	return uint16(suprax.OpMOVI)<<12 | uint16(dst)<<8 | uint16(imm)
}

// encodeMOVL packs "MOV.L @Rm, Rn" -> Rn = mem[Rm]: addrReg supplies Src1
// (read as operandA, the load address), dstReg is the writeback target.
func encodeMOVL(addrReg, dstReg uint8) uint16 {
	return uint16(suprax.OpMOVL)<<12 | uint16(dstReg)<<8 | uint16(addrReg)<<4
}

// encodeMOVS packs "MOV.L Rm, @Rn" -> mem[Rn] = Rm: addrReg supplies Src1
// (the store address), valueReg supplies Src2 (the stored value). Dst is
// unused since stores never rename a destination register.
func encodeMOVS(addrReg, valueReg uint8) uint16 {
	return uint16(suprax.OpMOVS)<<12 | uint16(addrReg)<<4 | uint16(valueReg)
}
