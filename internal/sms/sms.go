// Package sms implements the generation-based spatial pattern learning
// engine: a Filter Table, an Accumulation Table and a persistent Pattern
// History Table, keyed by signature = pc ‖ trigger_offset_in_region.
package sms

import "github.com/Maemo32/prefetchbench/internal/hostif"

const (
	regionSize    = 2048
	logRegionSize = 11
	regionBlocks  = regionSize / hostif.BlockSize // 32

	ftSize = 64
	atSize = 32

	phtSets  = 128
	phtWays  = 16
	phtSize  = phtSets * phtWays

	prefDegree      = 4
	prefBufferSize  = 256
)

func regionOf(addr uint64) uint64        { return addr >> logRegionSize }
func regionOffset(addr uint64) uint32    { return uint32((addr >> hostif.LogBlockSize) & (regionBlocks - 1)) }
func createSignature(pc uint64, offset uint32) uint64 { return (pc << 5) + uint64(offset) }

type ftEntry struct {
	valid         bool
	region        uint64
	pc            uint64
	triggerOffset uint32
}

type atEntry struct {
	valid         bool
	region        uint64
	pc            uint64
	triggerOffset uint32
	pattern       uint64 // bitset of regionBlocks bits
	age           uint32
}

type phtEntry struct {
	valid   bool
	sig     uint64
	pattern uint64
	age     uint32
}

type prefetchReq struct {
	addr uint64
}

// Engine is the SMS prefetcher.
type Engine struct {
	ft [ftSize]ftEntry
	// ft is FIFO: ftHead indexes the oldest (next-to-evict) slot.
	ftHead int
	ftLen  int

	at [atSize]atEntry

	pht [phtSets][phtWays]phtEntry

	buf    []prefetchReq // FIFO prefetch buffer, capacity prefBufferSize

	emitter hostif.PrefetchEmitter
	host    hostif.HostQuery
}

// New constructs an SMS engine.
func New(emitter hostif.PrefetchEmitter, host hostif.HostQuery) *Engine {
	return &Engine{emitter: emitter, host: host}
}

// Initialize zeroes all tables.
func (e *Engine) Initialize() {
	*e = Engine{emitter: e.emitter, host: e.host}
}

func (e *Engine) findFT(region uint64) int {
	for i := 0; i < e.ftLen; i++ {
		idx := (e.ftHead + i) % ftSize
		if e.ft[idx].valid && e.ft[idx].region == region {
			return idx
		}
	}
	return -1
}

func (e *Engine) insertFT(region uint64, pc uint64, offset uint32) {
	var idx int
	if e.ftLen < ftSize {
		idx = (e.ftHead + e.ftLen) % ftSize
		e.ftLen++
	} else {
		idx = e.ftHead
		e.ftHead = (e.ftHead + 1) % ftSize
	}
	e.ft[idx] = ftEntry{valid: true, region: region, pc: pc, triggerOffset: offset}
}

func (e *Engine) removeFT(idx int) {
	// Compact by shifting everything after idx back by one logical slot.
	pos := idx
	for {
		next := (pos + 1) % ftSize
		if next == (e.ftHead+e.ftLen)%ftSize {
			break
		}
		e.ft[pos] = e.ft[next]
		pos = next
	}
	e.ft[pos] = ftEntry{}
	e.ftLen--
}

func (e *Engine) findAT(region uint64) int {
	for i := range e.at {
		if e.at[i].valid && e.at[i].region == region {
			return i
		}
	}
	return -1
}

// insertAT evicts the oldest-age entry if the table is full, generates the
// pattern history entry for the evicted generation, and installs the new one.
func (e *Engine) insertAT(ft ftEntry, secondOffset uint32) {
	victim := -1
	for i := range e.at {
		if !e.at[i].valid {
			victim = i
			break
		}
	}
	if victim < 0 {
		oldest := 0
		for i := 1; i < atSize; i++ {
			if e.at[i].age > e.at[oldest].age {
				oldest = i
			}
		}
		victim = oldest
		e.evictAT(victim)
	}
	pattern := uint64(1)<<ft.triggerOffset | uint64(1)<<secondOffset
	e.at[victim] = atEntry{valid: true, region: ft.region, pc: ft.pc, triggerOffset: ft.triggerOffset, pattern: pattern, age: 0}
	for i := range e.at {
		if i != victim && e.at[i].valid {
			e.at[i].age++
		}
	}
}

// evictAT performs "generation end": insert the accumulated pattern into
// the PHT keyed by signature, then invalidate the slot.
func (e *Engine) evictAT(idx int) {
	a := e.at[idx]
	if a.valid {
		e.insertPHT(createSignature(a.pc, a.triggerOffset), a.pattern)
	}
	e.at[idx] = atEntry{}
}

func (e *Engine) insertPHT(sig, pattern uint64) {
	set := sig % phtSets
	for w := 0; w < phtWays; w++ {
		if e.pht[set][w].valid && e.pht[set][w].sig == sig {
			e.pht[set][w].pattern = pattern
			e.pht[set][w].age = 0
			for i := 0; i < phtWays; i++ {
				if i != w {
					e.pht[set][i].age = 0
				}
			}
			return
		}
	}
	victim := 0
	for w := 1; w < phtWays; w++ {
		if !e.pht[set][w].valid {
			victim = w
			break
		}
		if e.pht[set][w].age > e.pht[set][victim].age {
			victim = w
		}
	}
	e.pht[set][victim] = phtEntry{valid: true, sig: sig, pattern: pattern, age: 0}
	// All siblings' age resets to 0 on insert (a preserved quirk of the
	// original set-associative PHT replacement).
	for i := 0; i < phtWays; i++ {
		if i != victim {
			e.pht[set][i].age = 0
		}
	}
}

func (e *Engine) lookupPHT(sig uint64) (uint64, bool) {
	set := sig % phtSets
	for w := 0; w < phtWays; w++ {
		if e.pht[set][w].valid && e.pht[set][w].sig == sig {
			return e.pht[set][w].pattern, true
		}
	}
	return 0, false
}

// Operate implements the FT/AT/PHT state machine of spec.md §4.3.
func (e *Engine) Operate(addr, ip uint64, cacheHit, usefulPrefetch bool, accessType hostif.AccessType, metadataIn uint32) uint32 {
	region := regionOf(addr)
	offset := regionOffset(addr)

	if atIdx := e.findAT(region); atIdx >= 0 {
		e.at[atIdx].pattern |= 1 << offset
		e.at[atIdx].age = 0
		for i := range e.at {
			if i != atIdx && e.at[i].valid {
				e.at[i].age++
			}
		}
		return 0
	}

	if ftIdx := e.findFT(region); ftIdx >= 0 {
		ft := e.ft[ftIdx]
		e.removeFT(ftIdx)
		e.insertAT(ft, offset)
		return 0
	}

	// FT miss: insert a fresh generation and look up the PHT in parallel.
	e.insertFT(region, ip, offset)
	sig := createSignature(ip, offset)
	if pattern, ok := e.lookupPHT(sig); ok {
		for o := uint32(0); o < regionBlocks; o++ {
			if o == offset {
				continue
			}
			if pattern&(1<<o) != 0 {
				e.bufferPrefetch((region << logRegionSize) + uint64(o)<<hostif.LogBlockSize)
			}
		}
	}
	return 0
}

func (e *Engine) bufferPrefetch(addr uint64) {
	if len(e.buf) >= prefBufferSize {
		return
	}
	e.buf = append(e.buf, prefetchReq{addr: addr})
}

// Fill is a no-op for SMS.
func (e *Engine) Fill(addr uint64, set, way int, wasPrefetch bool, evictedAddr uint64, metadataIn uint32) uint32 {
	return 0
}

// Cycle drains up to prefDegree entries from the prefetch buffer per tick,
// stopping on the first back-pressure without popping the failed entry.
func (e *Engine) Cycle() {
	issued := 0
	for issued < prefDegree && len(e.buf) > 0 {
		req := e.buf[0]
		if !e.emitter.PrefetchLine(req.addr, false, 0) {
			return
		}
		e.buf = e.buf[1:]
		issued++
	}
}
