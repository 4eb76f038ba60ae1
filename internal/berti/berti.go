// Package berti implements the latency-driven per-page delta miner: when a
// demand sees a cache hit caused by an earlier prefetch, the engine looks
// back in time by that prefetch's measured latency to find which delta
// would have issued it on time, and reinforces that delta.
package berti

import "github.com/Maemo32/prefetchbench/internal/hostif"

const (
	currentPagesEntries = 64
	numBerti            = 8
	bertiConfMax        = 15
	medHighConfidence   = 8

	prevRequestsEntries   = 32
	prevPrefetchesEntries = 32

	recordPagesEntries = 64
	ipTableEntries     = 64

	maxNumBurstPrefetches = 6

	// timeMask bounds cycle arithmetic to a 16-bit field, matching the
	// original implementation's time-wrap handling.
	timeMask = 0xFFFF

	nullPointer = -1
)

type bertiCandidate struct {
	delta int32
	conf  uint8
}

type currentPageEntry struct {
	valid      bool
	page       uint64
	ipPointer  int // index into recordPages, or nullPointer
	uVector    uint64
	firstOffset uint32
	candidates [numBerti]bertiCandidate
	lastBurst  int32 // bookmark offset, or -1 if none pending
	lru        uint32
}

type prevRequestEntry struct {
	valid  bool
	page   int // index into currentPages, or nullPointer
	offset uint32
	time   uint64
}

type prevPrefetchEntry struct {
	valid     bool
	page      int
	offset    uint32
	time      uint64 // issue time if !completed, else measured latency
	completed bool
}

type recordPageEntry struct {
	valid       bool
	pageTag     uint64
	uVector     uint64
	firstOffset uint32
	berti       int32
	lru         uint32
}

type ipTableEntry struct {
	valid   bool
	ipTag   uint64
	pointer int // index into recordPages, or nullPointer
}

// Engine is the Berti prefetcher.
type Engine struct {
	currentPages [currentPagesEntries]currentPageEntry
	prevRequests [prevRequestsEntries]prevRequestEntry
	prevReqHead  int

	prevPrefetches [prevPrefetchesEntries]prevPrefetchEntry
	prevPfHead     int

	recordPages [recordPagesEntries]recordPageEntry
	ipTable     [ipTableEntries]ipTableEntry

	emitter hostif.PrefetchEmitter
	host    hostif.HostQuery
}

// New constructs a Berti engine.
func New(emitter hostif.PrefetchEmitter, host hostif.HostQuery) *Engine {
	e := &Engine{emitter: emitter, host: host}
	e.Initialize()
	return e
}

// Initialize zeroes all tables and assigns the initial LRU permutation.
func (e *Engine) Initialize() {
	*e = Engine{emitter: e.emitter, host: e.host}
	for i := range e.currentPages {
		e.currentPages[i].lru = uint32(i)
		e.currentPages[i].ipPointer = nullPointer
	}
	for i := range e.recordPages {
		e.recordPages[i].lru = uint32(i)
	}
	for i := range e.ipTable {
		e.ipTable[i].pointer = nullPointer
	}
}

func (e *Engine) maskedTime(cycle uint64) uint64 { return cycle & timeMask }

func ipHash(ip uint64) uint64 { return ip % ipTableEntries }

func (e *Engine) findCurrentPage(page uint64) int {
	for i := range e.currentPages {
		if e.currentPages[i].valid && e.currentPages[i].page == page {
			return i
		}
	}
	return -1
}

func (e *Engine) touchLRU(idx int) {
	cur := e.currentPages[idx].lru
	for i := range e.currentPages {
		if uint32(i) != uint32(idx) && e.currentPages[i].lru < cur {
			e.currentPages[i].lru++
		}
	}
	e.currentPages[idx].lru = 0
}

func (e *Engine) lruVictimCurrentPage() int {
	for i := range e.currentPages {
		if e.currentPages[i].lru == currentPagesEntries-1 {
			return i
		}
	}
	return 0
}

// allocateCurrentPage evicts the LRU victim (archiving it into RecordPages),
// and installs a fresh entry for page whose IP pointer is read from the IP
// table.
func (e *Engine) allocateCurrentPage(page uint64, ip uint64, firstOffset uint32) int {
	victim := e.lruVictimCurrentPage()
	if e.currentPages[victim].valid {
		e.archivePage(victim)
	}
	ipIdx := ipHash(ip)
	recPtr := e.ipTable[ipIdx].pointer

	e.currentPages[victim] = currentPageEntry{
		valid:       true,
		page:        page,
		ipPointer:   recPtr,
		firstOffset: firstOffset,
		lastBurst:   -1,
		lru:         e.currentPages[victim].lru,
	}
	e.touchLRU(victim)
	return victim
}

// archivePage summarizes a CurrentPages slot into RecordPages, keyed by the
// page itself. It does not point the IP table at the archived entry; no code
// in this engine sets an IP-table pointer, so the IP-based prediction tiers
// find no RecordPages entry.
func (e *Engine) archivePage(idx int) {
	cp := e.currentPages[idx]
	berti := e.currentBerti(idx)

	victim := 0
	for i := 1; i < recordPagesEntries; i++ {
		if e.recordPages[i].lru > e.recordPages[victim].lru {
			victim = i
		}
	}
	e.recordPages[victim] = recordPageEntry{
		valid:       true,
		pageTag:     cp.page,
		uVector:     cp.uVector,
		firstOffset: cp.firstOffset,
		berti:       berti,
		lru:         e.recordPages[victim].lru,
	}
	for i := range e.recordPages {
		if i != victim && e.recordPages[i].lru < e.recordPages[victim].lru {
			e.recordPages[i].lru++
		}
	}
	e.recordPages[victim].lru = 0

	// Invalidate any IP-table back-reference to the RecordPages slot whose
	// old contents were just overwritten.
	for i := range e.ipTable {
		if e.ipTable[i].pointer == victim {
			e.ipTable[i].pointer = nullPointer
		}
	}
}

// currentBerti picks the candidate with the maximum counter.
func (e *Engine) currentBerti(idx int) int32 {
	best := -1
	var bestConf uint8
	for i, c := range e.currentPages[idx].candidates {
		if c.conf > bestConf || (c.conf == bestConf && best < 0) {
			bestConf = c.conf
			best = i
		}
	}
	if best < 0 || bestConf == 0 {
		return 0
	}
	return e.currentPages[idx].candidates[best].delta
}

func (e *Engine) bertiConfidence(idx int) uint8 {
	var best uint8
	for _, c := range e.currentPages[idx].candidates {
		if c.conf > best {
			best = c.conf
		}
	}
	return best
}

// ratify reinforces delta as a candidate in the CurrentPages slot,
// installing it into a free/weakest slot if not already tracked.
func (e *Engine) ratify(idx int, delta int32) {
	if delta == 0 {
		return
	}
	cands := &e.currentPages[idx].candidates
	for i := range cands {
		if cands[i].conf > 0 && cands[i].delta == delta {
			if cands[i].conf < bertiConfMax {
				cands[i].conf++
			}
			return
		}
	}
	weakest := 0
	for i := 1; i < numBerti; i++ {
		if cands[i].conf < cands[weakest].conf {
			weakest = i
		}
	}
	cands[weakest] = bertiCandidate{delta: delta, conf: 1}
}

func (e *Engine) pushPrevRequest(pageIdx int, offset uint32, time uint64) {
	e.prevRequests[e.prevReqHead] = prevRequestEntry{valid: true, page: pageIdx, offset: offset, time: time}
	e.prevReqHead = (e.prevReqHead + 1) % prevRequestsEntries
}

func (e *Engine) pushPrevPrefetch(pageIdx int, offset uint32, time uint64) int {
	slot := e.prevPfHead
	e.prevPrefetches[slot] = prevPrefetchEntry{valid: true, page: pageIdx, offset: offset, time: time, completed: false}
	e.prevPfHead = (e.prevPfHead + 1) % prevPrefetchesEntries
	return slot
}

// Operate implements the Berti decision path of spec.md §4.4.
func (e *Engine) Operate(addr, ip uint64, cacheHit, usefulPrefetch bool, accessType hostif.AccessType, metadataIn uint32) uint32 {
	now := e.maskedTime(e.host.CurrentCycle())
	page := hostif.PageOf(addr)
	offset := hostif.OffsetOf(addr)

	idx := e.findCurrentPage(page)
	firstTouch := idx < 0
	if firstTouch {
		idx = e.allocateCurrentPage(page, ip, offset)
	} else {
		e.touchLRU(idx)
	}
	e.currentPages[idx].uVector |= 1 << offset

	if usefulPrefetch {
		// The demand hit a line previously prefetched: find the prefetch's
		// measured latency and ratify the deltas it implies.
		if pfSlot := e.findPrevPrefetch(idx, offset); pfSlot >= 0 {
			latency := e.prevPrefetches[pfSlot].time
			e.ratifyFromLatency(idx, now, latency)
		}
	}

	e.pushPrevRequest(idx, offset, now)

	berti, conf, predicted := e.predict(idx, page, ip, offset, firstTouch)
	if predicted {
		e.issueBurstAndSingle(idx, offset, berti, conf, firstTouch)
	}
	return 0
}

// findPrevPrefetch locates the most recent completed prefetch to
// (pageIdx, offset) and returns its ring index, or -1.
func (e *Engine) findPrevPrefetch(pageIdx int, offset uint32) int {
	for k := 1; k <= prevPrefetchesEntries; k++ {
		i := (e.prevPfHead - k + prevPrefetchesEntries) % prevPrefetchesEntries
		pf := e.prevPrefetches[i]
		if pf.valid && pf.completed && pf.page == pageIdx && pf.offset == offset {
			return i
		}
	}
	return -1
}

// ratifyFromLatency walks PrevRequests looking for accesses around
// now-latency and ratifies the implied deltas.
func (e *Engine) ratifyFromLatency(idx int, now, latency uint64) {
	target := (now - latency) & timeMask
	curOffset := e.lastOffsetAtOrBefore(idx, now)
	for _, pr := range e.prevRequests {
		if !pr.valid || pr.page != idx {
			continue
		}
		if pr.time == target {
			delta := int32(curOffset) - int32(pr.offset)
			e.ratify(idx, delta)
		}
	}
}

func (e *Engine) lastOffsetAtOrBefore(idx int, now uint64) uint32 {
	best := uint32(0)
	var bestTime uint64
	found := false
	for _, pr := range e.prevRequests {
		if pr.valid && pr.page == idx && (!found || pr.time > bestTime) && pr.time <= now {
			best = pr.offset
			bestTime = pr.time
			found = true
		}
	}
	return best
}

// predict follows the five-tier confidence cascade of spec.md §4.4.
func (e *Engine) predict(idx int, page, ip uint64, offset uint32, firstTouch bool) (berti int32, conf uint8, ok bool) {
	// Tier 1: exact page+first_offset match in RecordPages.
	for _, rp := range e.recordPages {
		if rp.valid && rp.pageTag == page && rp.firstOffset == offset {
			return rp.berti, bertiConfMax, true
		}
	}
	// Tier 2: ip-pointer + first_offset match.
	recPtr := e.currentPages[idx].ipPointer
	if recPtr >= 0 && recPtr < recordPagesEntries && e.recordPages[recPtr].valid && e.recordPages[recPtr].firstOffset == offset {
		return e.recordPages[recPtr].berti, bertiConfMax, true
	}
	// Tier 3: current-page berti at >= MED_HIGH confidence.
	if c := e.bertiConfidence(idx); c >= medHighConfidence {
		return e.currentBerti(idx), c, true
	}
	// Tier 4: RecordPages by page only.
	for _, rp := range e.recordPages {
		if rp.valid && rp.pageTag == page {
			return rp.berti, medHighConfidence, true
		}
	}
	// Tier 5: RecordPages by IP only.
	if recPtr >= 0 && recPtr < recordPagesEntries && e.recordPages[recPtr].valid {
		return e.recordPages[recPtr].berti, medHighConfidence, true
	}
	return 0, 0, false
}

// issueBurstAndSingle implements the burst + single-prefetch emission of
// spec.md §4.4: a burst on first touch or pending bookmark, gated on
// "recorded && match_confidence" (conf >= medHighConfidence), plus a single
// offset+berti prefetch whenever berti is non-zero and the target lies in
// the page, whether or not a burst was issued.
func (e *Engine) issueBurstAndSingle(idx int, offset uint32, berti int32, conf uint8, firstTouch bool) {
	cp := &e.currentPages[idx]
	pending := cp.lastBurst >= 0
	if (firstTouch || pending) && conf >= medHighConfidence {
		if berti != 0 {
			e.burstDirectional(idx, offset, berti, pending)
		} else {
			e.burstZigZag(idx, offset, pending)
		}
	}

	single := int32(offset) + berti
	if berti != 0 && single >= 0 && single < hostif.PageBlocks {
		e.emitBerti(idx, uint32(single))
	}
}

// burstDirectional walks u_vector in the direction of berti from start,
// stopping at the page boundary, an absent u_vector bit, back-pressure
// (bookmarked for resumption via last_burst), or maxNumBurstPrefetches.
func (e *Engine) burstDirectional(idx int, offset uint32, berti int32, pending bool) {
	cp := &e.currentPages[idx]
	start := offset
	if pending {
		start = uint32(cp.lastBurst)
	}
	issued := 0
	cp.lastBurst = -1
	for o := int32(start) + berti; o >= 0 && o < hostif.PageBlocks && issued < maxNumBurstPrefetches; o += berti {
		if cp.uVector&(1<<uint(o)) == 0 {
			break
		}
		if !e.emitBerti(idx, uint32(o)) {
			cp.lastBurst = o
			break
		}
		issued++
	}
}

// burstZigZag handles the berti==0 case: alternate outward in both
// directions from the trigger offset, issuing only in-page offsets present
// in u_vector. Per the original's asymmetric quirk, the resumption
// bookmark is only saved when back-pressure trips while walking the
// positive direction.
func (e *Engine) burstZigZag(idx int, offset uint32, pending bool) {
	cp := &e.currentPages[idx]
	start := int32(offset)
	if pending {
		start = cp.lastBurst
	}
	issued := 0
	cp.lastBurst = -1
	for step := int32(1); issued < maxNumBurstPrefetches; step++ {
		pos := start + step
		neg := start - step
		if pos >= hostif.PageBlocks && neg < 0 {
			break
		}
		if pos < hostif.PageBlocks && cp.uVector&(1<<uint(pos)) != 0 {
			if !e.emitBerti(idx, uint32(pos)) {
				cp.lastBurst = pos
				break
			}
			issued++
			if issued >= maxNumBurstPrefetches {
				break
			}
		}
		if neg >= 0 && cp.uVector&(1<<uint(neg)) != 0 {
			if !e.emitBerti(idx, uint32(neg)) {
				// quirk: negative-direction back-pressure does not save a
				// resumption bookmark.
				break
			}
			issued++
		}
	}
}

func (e *Engine) emitBerti(idx int, offset uint32) bool {
	page := e.currentPages[idx].page
	addr := (page << hostif.LogPageSize) + uint64(offset)<<hostif.LogBlockSize
	if !e.emitter.PrefetchLine(addr, false, 0) {
		return false
	}
	now := e.maskedTime(e.host.CurrentCycle())
	e.pushPrevPrefetch(idx, offset, now)
	return true
}

// Fill computes demand/prefetch latency on install, ratifies further
// candidates by walking PrevRequests backward, and unconditionally archives
// the evicted address's page if it is still a resident CurrentPage.
func (e *Engine) Fill(addr uint64, set, way int, wasPrefetch bool, evictedAddr uint64, metadataIn uint32) uint32 {
	now := e.maskedTime(e.host.CurrentCycle())
	page := hostif.PageOf(addr)
	offset := hostif.OffsetOf(addr)

	if idx := e.findCurrentPage(page); idx >= 0 {
		if pfSlot := e.findPendingPrefetch(idx, offset); pfSlot >= 0 {
			latency := now - e.prevPrefetches[pfSlot].time
			if latency > timeMask {
				latency &= timeMask // the masked 16-bit time wrapped between
				// issue and fill (now < issue time), so the unsigned
				// difference underflowed; keep it modulo the time field.
			}
			e.prevPrefetches[pfSlot].time = latency
			e.prevPrefetches[pfSlot].completed = true
			e.ratifyFromLatency(idx, now, latency)
		}
	}

	evictedPage := hostif.PageOf(evictedAddr)
	if pointerPrev := e.findCurrentPage(evictedPage); pointerPrev >= 0 {
		// pointerPrev < currentPagesEntries here means "found": the evicted
		// line's page is still tracked as a CurrentPage, so archive it.
		e.archivePage(pointerPrev)
		e.currentPages[pointerPrev] = currentPageEntry{lru: e.currentPages[pointerPrev].lru, ipPointer: nullPointer, lastBurst: -1}
	}
	return 0
}

func (e *Engine) findPendingPrefetch(idx int, offset uint32) int {
	for i := range e.prevPrefetches {
		pf := e.prevPrefetches[i]
		if pf.valid && !pf.completed && pf.page == idx && pf.offset == offset {
			return i
		}
	}
	return -1
}

// Cycle is a no-op for Berti (no internal buffer beyond the tables above).
func (e *Engine) Cycle() {}
