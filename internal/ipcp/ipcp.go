// Package ipcp implements the IP-indexed stride/stream/complex-delta
// classifier engine: an IP tracker table, a Global History Buffer for
// stream detection, and a Delta Prediction Table for complex strides.
package ipcp

import (
	"github.com/Maemo32/prefetchbench/internal/bitmap"
	"github.com/Maemo32/prefetchbench/internal/hostif"
)

const (
	numIPIndexBits    = 6
	numIPTableEntries = 1 << numIPIndexBits
	numIPTagBits      = 9
	ipTagMask         = uint64(1)<<numIPTagBits - 1

	numGHBEntries = 8

	dptSize    = 4096
	dptSigBits = 12
	dptSigMask = uint32(1)<<dptSigBits - 1

	prefetchDegree       = 3
	streamPrefetchDegree = 2 * prefetchDegree

	confMax = 3

	// Class tags for the metadata encoding in spec.md §6.
	classStream       = 0
	classConstStride  = 1
	classComplexDelta = 2
	classNextLine     = 3

	specNLEvalWindow    = 256
	specNLMPKCThreshold = 15.0
)

type ipEntry struct {
	valid         bool
	tag           uint32
	lastPage      uint64
	lastOffset    uint32
	lastStride    int32
	conf          uint8
	sig           uint32
	streamDir     int32
	streamValid   bool
	streamStrong  bool
}

// Engine is the IPCP prefetcher.
type Engine struct {
	table [numIPTableEntries]ipEntry
	dpt   [dptSize]dptEntry

	// Global History Buffer: a small circular log of recently accessed
	// line addresses, used for stream direction detection.
	ghb    [numGHBEntries]uint64
	ghbLen int

	specNL        bool
	missesSinceEval uint32
	cyclesAtEval    uint64
	curCycle        uint64

	emitter hostif.PrefetchEmitter
	host    hostif.HostQuery
}

type dptEntry struct {
	delta int32
	conf  uint8
}

// New constructs an IPCP engine bound to the given host callback/query.
func New(emitter hostif.PrefetchEmitter, host hostif.HostQuery) *Engine {
	return &Engine{emitter: emitter, host: host, specNL: true}
}

// Initialize zeroes all tables.
func (e *Engine) Initialize() {
	*e = Engine{emitter: e.emitter, host: e.host, specNL: true}
}

func ipIndex(ip uint64) uint32 { return uint32(ip) & (numIPTableEntries - 1) }
func ipTag(ip uint64) uint32   { return uint32(ip>>numIPIndexBits) & uint32(ipTagMask) }

// updateConf saturates at confMax on match, floors at 0 otherwise; the
// stored stride is only overwritten once confidence has decayed to zero.
func updateConf(e *ipEntry, stride int32) {
	if stride == e.lastStride {
		if e.conf < confMax {
			e.conf++
		}
	} else {
		if e.conf > 0 {
			e.conf--
		}
		if e.conf == 0 {
			e.lastStride = stride
		}
	}
}

func updateSig(sig uint32, stride int32) uint32 {
	sm := bitmap.SignMagnitudeEncode(stride, 7)
	return ((sig << 1) ^ sm) & dptSigMask
}

// pushGHB inserts a line address, deduplicating an existing occurrence by
// shifting it out first (dedupe-then-shift-insert).
func (e *Engine) pushGHB(lineAddr uint64) {
	w := 0
	for i := 0; i < e.ghbLen; i++ {
		if e.ghb[i] != lineAddr {
			e.ghb[w] = e.ghb[i]
			w++
		}
	}
	e.ghbLen = w
	if e.ghbLen == numGHBEntries {
		copy(e.ghb[0:], e.ghb[1:e.ghbLen])
		e.ghbLen--
	}
	e.ghb[e.ghbLen] = lineAddr
	e.ghbLen++
}

// checkStream scans the GHB for positive/negative neighbours of lineAddr
// within the window and returns the winning direction, validity and
// strength. Once strong, validity latches until a later demotion.
//
// posCount tallies lineAddr-i matches: the GHB already holds addresses
// below lineAddr, i.e. the stream has been ascending, so the forward
// (dir=+1) prefetch continues upward. negCount tallies lineAddr+i matches:
// the GHB holds addresses above lineAddr, i.e. a descending stream, so the
// winning direction is -1.
func (e *Engine) checkStream(lineAddr uint64, prevValid, prevStrong bool, prevDir int32) (dir int32, valid, strong bool) {
	const n = numGHBEntries
	posCount, negCount := 0, 0
	for i := 1; i <= n; i++ {
		if lineAddr >= uint64(i) && contains(e.ghb[:e.ghbLen], lineAddr-uint64(i)) {
			posCount++
		}
		if contains(e.ghb[:e.ghbLen], lineAddr+uint64(i)) {
			negCount++
		}
	}
	dir = 1
	count := posCount
	if negCount > posCount {
		dir = -1
		count = negCount
	}
	valid = count*2 > n
	strong = count*4 >= n*3
	if prevStrong && !strong {
		// Latch: once strong, validity holds until explicitly demoted by a
		// direction change rather than immediately dropping on a single
		// weaker sample.
		if dir == prevDir {
			valid = true
			strong = prevStrong
		}
	}
	return dir, valid, strong
}

func contains(s []uint64, v uint64) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

func encodeMetadata(stride int32, class uint32, specNLBit bool) uint32 {
	sm := bitmap.SignMagnitudeEncode(stride, 8)
	md := sm & 0xFF
	md |= (class & 0xF) << 8
	if specNLBit {
		md |= 1 << 12
	}
	return md
}

// Operate implements the IPCP decision path described in spec.md §4.2.
func (e *Engine) Operate(addr, ip uint64, cacheHit, usefulPrefetch bool, accessType hostif.AccessType, metadataIn uint32) uint32 {
	e.curCycle = e.host.CurrentCycle()
	if !cacheHit {
		e.missesSinceEval++
	}
	e.maybeReevaluateSpecNL()

	lineAddr := hostif.LineAddr(addr)
	page := hostif.PageOf(addr)
	offset := hostif.OffsetOf(addr)

	idx := ipIndex(ip)
	tag := ipTag(ip)
	ent := &e.table[idx]

	if !ent.valid || ent.tag != tag {
		// Tag mismatch: if the slot held something else, demote it; either
		// way install fresh fields and emit one speculative next line.
		*ent = ipEntry{valid: true, tag: tag, lastPage: page, lastOffset: offset}
		e.pushGHB(lineAddr)
		if e.specNL {
			e.emitter.PrefetchLine((lineAddr+1)<<hostif.LogBlockSize, false, encodeMetadata(0, classNextLine, true))
		}
		return 0
	}

	stride := int32(offset) - int32(ent.lastOffset)
	if page != ent.lastPage {
		if stride < 0 {
			stride += hostif.PageBlocks
		} else {
			stride -= hostif.PageBlocks
		}
	}
	ent.lastPage = page
	ent.lastOffset = offset

	if stride == 0 {
		e.pushGHB(lineAddr)
		return 0
	}

	prevSig := ent.sig
	updateConf(ent, stride)
	ent.sig = updateSig(ent.sig, stride)

	dir, valid, strong := e.checkStream(lineAddr, ent.streamValid, ent.streamStrong, ent.streamDir)
	ent.streamDir, ent.streamValid, ent.streamStrong = dir, valid, strong
	e.pushGHB(lineAddr)

	// DPT update keyed by the *previous* signature.
	dptIdx := prevSig % dptSize
	dpe := &e.dpt[dptIdx]
	if dpe.delta == stride {
		if dpe.conf < confMax {
			dpe.conf++
		}
	} else if dpe.conf > 0 {
		dpe.conf--
	} else {
		dpe.delta = stride
	}

	switch {
	case ent.streamValid:
		e.emitStream(lineAddr, dir, page)
	case ent.conf > 1 && ent.lastStride != 0:
		e.emitConstStride(lineAddr, ent.lastStride, page)
	case e.dpt[ent.sig%dptSize].conf >= 0 && e.dpt[ent.sig%dptSize].delta != 0:
		e.emitComplexStride(lineAddr, ent.sig, page)
	case e.specNL:
		e.emitter.PrefetchLine((lineAddr+1)<<hostif.LogBlockSize, false, encodeMetadata(0, classNextLine, true))
	}

	return 0
}

func (e *Engine) emitStream(lineAddr uint64, dir int32, page uint64) {
	for i := int32(1); i <= streamPrefetchDegree; i++ {
		pf := lineAddr + uint64(dir*i)
		if hostif.PageOf(pf<<hostif.LogBlockSize) != page {
			break
		}
		if !e.emitter.PrefetchLine(pf<<hostif.LogBlockSize, false, encodeMetadata(dir, classStream, e.specNL)) {
			break
		}
	}
}

func (e *Engine) emitConstStride(lineAddr uint64, stride int32, page uint64) {
	for i := int32(1); i <= prefetchDegree; i++ {
		pf := int64(lineAddr) + int64(stride)*int64(i)
		if pf < 0 {
			break
		}
		if hostif.PageOf(uint64(pf)<<hostif.LogBlockSize) != page {
			break
		}
		if !e.emitter.PrefetchLine(uint64(pf)<<hostif.LogBlockSize, false, encodeMetadata(stride, classConstStride, e.specNL)) {
			break
		}
	}
}

func (e *Engine) emitComplexStride(lineAddr uint64, sig uint32, page uint64) {
	cur := lineAddr
	curSig := sig
	for i := 0; i < prefetchDegree; i++ {
		dp := e.dpt[curSig%dptSize]
		if dp.conf <= 0 || dp.delta == 0 {
			break
		}
		next := int64(cur) + int64(dp.delta)
		if next < 0 || hostif.PageOf(uint64(next)<<hostif.LogBlockSize) != page {
			break
		}
		if !e.emitter.PrefetchLine(uint64(next)<<hostif.LogBlockSize, false, encodeMetadata(dp.delta, classComplexDelta, e.specNL)) {
			break
		}
		cur = uint64(next)
		curSig = updateSig(curSig, dp.delta)
	}
}

// maybeReevaluateSpecNL re-evaluates the speculative-next-line bit every
// specNLEvalWindow misses based on misses-per-kilocycle since last eval.
func (e *Engine) maybeReevaluateSpecNL() {
	if e.missesSinceEval < specNLEvalWindow {
		return
	}
	elapsed := e.curCycle - e.cyclesAtEval
	mpkc := float64(specNLEvalWindow)
	if elapsed > 0 {
		mpkc = float64(specNLEvalWindow) * 1000.0 / float64(elapsed)
	}
	e.specNL = mpkc <= specNLMPKCThreshold
	e.missesSinceEval = 0
	e.cyclesAtEval = e.curCycle
}

// Fill is a no-op for IPCP (the original implementation does not use fill
// feedback).
func (e *Engine) Fill(addr uint64, set, way int, wasPrefetch bool, evictedAddr uint64, metadataIn uint32) uint32 {
	return 0
}

// Cycle is a no-op for IPCP (no internal buffer to drain).
func (e *Engine) Cycle() {}
