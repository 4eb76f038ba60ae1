// Package spp implements the SPP+PPF engine: a Signature Table feeding a
// Pattern Table lookahead, gated by a perceptron confidence filter and
// cross-checked against dual quotient filters, with a Global Register
// bridging the page boundary.
package spp

import "github.com/Maemo32/prefetchbench/internal/hostif"

const (
	stSet = 1
	stWay = 256

	sigShift     = 3
	sigBits      = 12
	sigMask      = uint32(1)<<sigBits - 1
	sigDeltaBits = 7

	ptSet  = 2048
	ptWay  = 4
	cSigMax = 1 << 4

	quotientBits    = 10
	remainderBits   = 6
	filterSets      = 1 << quotientBits
	quotientBitsRej  = 10
	remainderBitsRej = 8
	filterSetsRej    = 1 << quotientBitsRej

	globalCounterMax = 1 << 10
	maxGHREntry      = 8
	pagesTracked     = 6

	percEntries        = 4096
	percFeatures        = 9
	percCounterMax      = 15
	percThresholdHi     = -5
	percThresholdLo     = -15
	posUpdateThreshold  = 90
	negUpdateThreshold  = -80
)

var percDepth = [percFeatures]uint64{2048, 4096, 4096, 4096, 1024, 4096, 1024, 2048, 128}

func getHash(key uint64) uint64 {
	key += key << 12
	key ^= key >> 22
	key += key << 4
	key ^= key >> 9
	key += key << 10
	key ^= key >> 2
	key += key << 7
	key ^= key >> 12
	key = (key >> 3) * 2654435761
	return key
}

func signMagnitude7(delta int32) int32 {
	if delta < 0 {
		return -delta + (1 << (sigDeltaBits - 1))
	}
	return delta
}

type stWayEntry struct {
	valid      bool
	tag        uint32
	lastOffset uint32
	sig        uint32
	lru        uint32
}

type ghrEntry struct {
	valid      bool
	sig        uint32
	confidence uint32
	offset     uint32
	delta      int32
}

type filterEntry struct {
	valid        bool
	useful       bool
	remainderTag uint64
	pc, pc1, pc2, pc3 uint64
	address      uint64
	delta        int32
	percSum      int32
	lastSig      uint32
	curSig       uint32
	confidence   uint32
	laDepth      uint32
}

type rejectEntry struct {
	valid        bool
	remainderTag uint64
	pc, pc1, pc2, pc3 uint64
	address      uint64
	delta        int32
	percSum      int32
	lastSig      uint32
	curSig       uint32
	confidence   uint32
	laDepth      uint32
}

// Engine is the SPP+PPF prefetcher.
type Engine struct {
	st [stSet][stWay]stWayEntry

	ptDelta  [ptSet][ptWay]int32
	ptCDelta [ptSet][ptWay]uint32
	ptCSig   [ptSet]uint32

	filter       [filterSets]filterEntry
	rejectFilter [filterSetsRej]rejectEntry

	ghr         [maxGHREntry]ghrEntry
	pfUseful    uint64
	pfIssued    uint64
	globalAcc   uint64
	ip0, ip1, ip2, ip3 uint64
	pageTracker [pagesTracked]uint64

	percWeights [percEntries][percFeatures]int32

	emitter hostif.PrefetchEmitter
	host    hostif.HostQuery
}

// New constructs an SPP+PPF engine.
func New(emitter hostif.PrefetchEmitter, host hostif.HostQuery) *Engine {
	e := &Engine{emitter: emitter, host: host}
	e.Initialize()
	return e
}

// Initialize zeroes all tables and sets up the initial ST LRU permutation.
func (e *Engine) Initialize() {
	*e = Engine{emitter: e.emitter, host: e.host}
	for s := 0; s < stSet; s++ {
		for w := 0; w < stWay; w++ {
			e.st[s][w].lru = uint32(w)
		}
	}
}

// readAndUpdateSig implements SIGNATURE_TABLE::read_and_update_sig.
func (e *Engine) readAndUpdateSig(page uint64, pageOffset uint32) (lastSig uint32, currSig uint32, delta int32) {
	set := getHash(page) % stSet
	match := -1
	for w := 0; w < stWay; w++ {
		if e.st[set][w].valid && e.st[set][w].tag == uint32(page) {
			match = w
			break
		}
	}

	if match >= 0 {
		ent := &e.st[set][match]
		lastSig = ent.sig
		delta = int32(pageOffset) - int32(ent.lastOffset)
		if delta != 0 {
			sd := signMagnitude7(delta)
			ent.sig = ((lastSig << sigShift) ^ uint32(sd)) & sigMask
			currSig = ent.sig
			ent.lastOffset = pageOffset
		} else {
			lastSig = 0
		}
	} else {
		for w := 0; w < stWay; w++ {
			if !e.st[set][w].valid {
				match = w
				break
			}
		}
		if match < 0 {
			for w := 0; w < stWay; w++ {
				if e.st[set][w].lru == stWay-1 {
					match = w
					break
				}
			}
		}
		e.st[set][match].valid = true
		e.st[set][match].tag = uint32(page)
		e.st[set][match].sig = 0
		currSig = 0
		e.st[set][match].lastOffset = pageOffset
	}

	for w := 0; w < stWay; w++ {
		if e.st[set][w].lru < e.st[set][match].lru {
			e.st[set][w].lru++
		}
	}
	e.st[set][match].lru = 0
	return lastSig, currSig, delta
}

// updatePattern implements PATTERN_TABLE::update_pattern.
func (e *Engine) updatePattern(lastSig uint32, currDelta int32) {
	set := getHash(uint64(lastSig)) % ptSet
	match := -1
	for w := 0; w < ptWay; w++ {
		if e.ptDelta[set][w] == currDelta {
			match = w
			break
		}
	}
	if match >= 0 {
		e.ptCDelta[set][match]++
		e.ptCSig[set]++
		if e.ptCSig[set] > cSigMax {
			for w := 0; w < ptWay; w++ {
				e.ptCDelta[set][w] >>= 1
			}
			e.ptCSig[set] >>= 1
		}
		return
	}
	victim, minCounter := 0, uint32(cSigMax)
	for w := 0; w < ptWay; w++ {
		if e.ptCDelta[set][w] < minCounter {
			victim, minCounter = w, e.ptCDelta[set][w]
		}
	}
	e.ptDelta[set][victim] = currDelta
	e.ptCDelta[set][victim] = 0
	e.ptCSig[set]++
	if e.ptCSig[set] > cSigMax {
		for w := 0; w < ptWay; w++ {
			e.ptCDelta[set][w] >>= 1
		}
		e.ptCSig[set] >>= 1
	}
}

// readPattern implements PATTERN_TABLE::read_pattern.
func (e *Engine) readPattern(currSig uint32, lookaheadConf uint32, pfQTail *int, depth *uint32, addr, baseAddr, trainAddr, currIP uint64, trainDelta int32, lastSig uint32, pqOcc, pqSize, mshrOcc, mshrSize int, deltaQ []int32, confQ []uint32, percSumQ []int32) (lookaheadWay int, newLookaheadConf uint32) {
	set := getHash(uint64(currSig)) % ptSet
	lookaheadWay = -1
	maxConf := uint32(0)
	found := false

	if e.ptCSig[set] != 0 {
		for w := 0; w < ptWay; w++ {
			localConf := 100 * e.ptCDelta[set][w] / e.ptCSig[set]
			var pfConf uint32
			if *depth > 0 {
				pfConf = uint32(uint64(e.globalAcc) * uint64(e.ptCDelta[set][w]) / uint64(e.ptCSig[set]) * uint64(lookaheadConf) / 100)
			} else {
				pfConf = localConf
			}

			percSum := e.percPredict(trainAddr, currIP, e.ip1, e.ip2, e.ip3, trainDelta+e.ptDelta[set][w], lastSig, currSig, pfConf, *depth)
			doPf := percSum >= percThresholdLo
			fillL2 := percSum >= percThresholdHi

			if fillL2 && (mshrOcc >= mshrSize || pqOcc >= pqSize) {
				continue
			}
			if pfConf != 0 && doPf && *pfQTail < 100 {
				confQ[*pfQTail] = pfConf
				deltaQ[*pfQTail] = e.ptDelta[set][w]
				percSumQ[*pfQTail] = percSum
				if pfConf > maxConf {
					lookaheadWay = w
					maxConf = pfConf
				}
				*pfQTail++
				found = true
			}
			if pfConf != 0 && *pfQTail < mshrSize && percSum < percThresholdHi {
				pfAddr := (baseAddr &^ (hostif.BlockSize - 1)) + uint64(e.ptDelta[set][w])<<hostif.LogBlockSize
				if (addr &^ (hostif.PageSize - 1)) == (pfAddr &^ (hostif.PageSize - 1)) {
					e.filterCheck(pfAddr, trainAddr, currIP, reqPercReject, trainDelta+e.ptDelta[set][w], lastSig, currSig, pfConf, percSum, *depth)
				}
			}
		}
		newLookaheadConf = maxConf
		if found {
			*depth++
		}
	} else if *pfQTail < len(confQ) {
		confQ[*pfQTail] = 0
	}
	return lookaheadWay, newLookaheadConf
}

type filterRequest int

const (
	reqL2CPrefetch filterRequest = iota
	reqLLCPrefetch
	reqL2CDemand
	reqL2CEvict
	reqPercReject
)

func hashQuotientRemainder(lineAddr uint64) (quotient, remainder, quotientRej, remainderRej uint64) {
	hash := getHash(lineAddr)
	quotient = (hash >> remainderBits) & (1<<quotientBits - 1)
	remainder = hash % (1 << remainderBits)
	quotientRej = (hash >> remainderBitsRej) & (1<<quotientBitsRej - 1)
	remainderRej = hash % (1 << remainderBitsRej)
	return
}

// filterCheck implements PREFETCH_FILTER::check.
func (e *Engine) filterCheck(checkAddr, baseAddr, ip uint64, req filterRequest, curDelta int32, lastSig, curSig, conf uint32, sum int32, depth uint32) bool {
	lineAddr := checkAddr >> hostif.LogBlockSize
	q, r, qRej, rRej := hashQuotientRemainder(lineAddr)

	switch req {
	case reqPercReject:
		if (e.filter[q].valid || e.filter[q].useful) && e.filter[q].remainderTag == r {
			return false
		}
		e.rejectFilter[qRej] = rejectEntry{valid: true, remainderTag: rRej, address: baseAddr, pc: ip, pc1: e.ip1, pc2: e.ip2, pc3: e.ip3,
			delta: curDelta, percSum: sum, lastSig: lastSig, curSig: curSig, confidence: conf, laDepth: depth}

	case reqL2CPrefetch:
		if (e.filter[q].valid || e.filter[q].useful) && e.filter[q].remainderTag == r {
			return false
		}
		e.filter[q] = filterEntry{valid: true, useful: false, remainderTag: r, delta: curDelta, pc: ip, pc1: e.ip1, pc2: e.ip2, pc3: e.ip3,
			lastSig: lastSig, curSig: curSig, confidence: conf, address: baseAddr, percSum: sum, laDepth: depth}

	case reqLLCPrefetch:
		if (e.filter[q].valid || e.filter[q].useful) && e.filter[q].remainderTag == r {
			return false
		}
		// SPP_LLC_PREFETCH deliberately leaves valid unset (see spec.md
		// §4.5): a future SPP_L2C_PREFETCH can still fetch fast from LLC.

	case reqL2CDemand:
		if e.filter[q].remainderTag == r && !e.filter[q].useful {
			e.filter[q].useful = true
			if e.filter[q].valid {
				e.pfUseful++
				f := e.filter[q]
				e.percUpdate(f.address, f.pc, f.pc1, f.pc2, f.pc3, f.delta, f.lastSig, f.curSig, f.confidence, f.laDepth, true, f.percSum)
			}
		}
		if !(e.filter[q].valid && e.filter[q].remainderTag == r) {
			if e.rejectFilter[qRej].valid && e.rejectFilter[qRej].remainderTag == rRej {
				rf := e.rejectFilter[qRej]
				e.percUpdate(rf.address, rf.pc, rf.pc1, rf.pc2, rf.pc3, rf.delta, rf.lastSig, rf.curSig, rf.confidence, rf.laDepth, false, rf.percSum)
				e.rejectFilter[qRej] = rejectEntry{}
			}
		}

	case reqL2CEvict:
		if e.filter[q].valid && !e.filter[q].useful {
			if e.pfUseful > 0 {
				e.pfUseful--
			}
			f := e.filter[q]
			e.percUpdate(f.address, f.pc, f.pc1, f.pc2, f.pc3, f.delta, f.lastSig, f.curSig, f.confidence, f.laDepth, false, f.percSum)
		}
		e.filter[q] = filterEntry{}
		e.rejectFilter[qRej] = rejectEntry{}
	}
	return true
}

// ghrUpdateEntry implements GLOBAL_REGISTER::update_entry.
func (e *Engine) ghrUpdateEntry(pfSig, pfConfidence, pfOffset uint32, pfDelta int32) {
	minConf := uint32(100)
	victim := -1
	for i := range e.ghr {
		if e.ghr[i].valid && e.ghr[i].offset == pfOffset {
			e.ghr[i].sig = pfSig
			e.ghr[i].confidence = pfConfidence
			e.ghr[i].delta = pfDelta
			return
		}
		if e.ghr[i].confidence < minConf {
			minConf = e.ghr[i].confidence
			victim = i
		}
	}
	if victim < 0 {
		victim = 0
	}
	e.ghr[victim] = ghrEntry{valid: true, sig: pfSig, confidence: pfConfidence, offset: pfOffset, delta: pfDelta}
}

// ghrCheckEntry implements GLOBAL_REGISTER::check_entry.
func (e *Engine) ghrCheckEntry(pageOffset uint32) int {
	maxConf := uint32(0)
	way := -1
	for i := range e.ghr {
		if e.ghr[i].valid && e.ghr[i].offset == pageOffset && e.ghr[i].confidence > maxConf {
			maxConf = e.ghr[i].confidence
			way = i
		}
	}
	if way < 0 {
		return maxGHREntry
	}
	return way
}

func (e *Engine) percGetIndex(baseAddr, ip, ip1, ip2, ip3 uint64, curDelta int32, lastSig, currSig, confidence, depth uint32) [percFeatures]uint64 {
	cacheLine := baseAddr >> hostif.LogBlockSize
	pageAddr := baseAddr >> hostif.LogPageSize
	sigDelta := uint64(signMagnitude7(curDelta))

	pre := [percFeatures]uint64{
		baseAddr,
		cacheLine,
		pageAddr,
		uint64(confidence) ^ pageAddr,
		uint64(currSig) ^ sigDelta,
		ip1 ^ (ip2 >> 1) ^ (ip3 >> 2),
		ip ^ uint64(depth),
		ip ^ sigDelta,
		uint64(confidence),
	}
	var set [percFeatures]uint64
	for i := range pre {
		set[i] = pre[i] % percDepth[i]
	}
	return set
}

func (e *Engine) percPredict(baseAddr, ip, ip1, ip2, ip3 uint64, curDelta int32, lastSig, currSig, confidence, depth uint32) int32 {
	idx := e.percGetIndex(baseAddr, ip, ip1, ip2, ip3, curDelta, lastSig, currSig, confidence, depth)
	var sum int32
	for i := 0; i < percFeatures; i++ {
		sum += e.percWeights[idx[i]][i]
	}
	return sum
}

func (e *Engine) percUpdate(baseAddr, ip, ip1, ip2, ip3 uint64, curDelta int32, lastSig, currSig, confidence, depth uint32, direction bool, percSum int32) {
	idx := e.percGetIndex(baseAddr, ip, ip1, ip2, ip3, curDelta, lastSig, currSig, confidence, depth)
	sum := percSum

	if !direction {
		for i := 0; i < percFeatures; i++ {
			if sum >= percThresholdHi {
				if e.percWeights[idx[i]][i] > -(percCounterMax + 1) {
					e.percWeights[idx[i]][i]--
				}
			} else {
				if e.percWeights[idx[i]][i] < percCounterMax {
					e.percWeights[idx[i]][i]++
				}
			}
		}
	}
	if direction && sum > negUpdateThreshold && sum < posUpdateThreshold {
		for i := 0; i < percFeatures; i++ {
			if sum >= percThresholdHi {
				if e.percWeights[idx[i]][i] < percCounterMax {
					e.percWeights[idx[i]][i]++
				}
			} else {
				if e.percWeights[idx[i]][i] > -(percCounterMax + 1) {
					e.percWeights[idx[i]][i]--
				}
			}
		}
	}
}

// Operate implements spp_ppf::prefetcher_cache_operate.
func (e *Engine) Operate(addr, ip uint64, cacheHit, usefulPrefetch bool, accessType hostif.AccessType, metadataIn uint32) uint32 {
	page := addr >> hostif.LogPageSize
	pageOffset := uint32((addr >> hostif.LogBlockSize) & (hostif.PageBlocks - 1))

	mshrSize := e.host.MSHRSize()
	mshrOcc := e.host.MSHROccupancy()
	pqSize := e.host.PQSize()
	pqOcc := e.host.PQOccupancy()

	qSize := 100 * mshrSize
	if qSize == 0 {
		qSize = 1
	}
	deltaQ := make([]int32, qSize)
	confQ := make([]uint32, qSize)
	percSumQ := make([]int32, qSize)
	confQ[0] = 100

	if e.pfIssued != 0 {
		e.globalAcc = (100 * e.pfUseful) / e.pfIssued
	} else {
		e.globalAcc = 0
	}

	for i := pagesTracked - 1; i > 0; i-- {
		e.pageTracker[i] = e.pageTracker[i-1]
	}
	e.pageTracker[0] = page

	distinctPages := 0
	for i := 0; i < pagesTracked; i++ {
		j := 0
		for ; j < i; j++ {
			if e.pageTracker[i] == e.pageTracker[j] {
				break
			}
		}
		if i == j {
			distinctPages++
		}
	}
	if distinctPages == 0 {
		distinctPages = 1
	}

	lastSig, currSig, delta := e.readAndUpdateSig(page, pageOffset)
	e.filterCheck(addr, 0, 0, reqL2CDemand, 0, 0, 0, 0, 0, 0)

	// A page's first touch carries no local signature history; consult the
	// global register in case an earlier page's lookahead crossed into this
	// one and left behind a same-offset candidate.
	if lastSig == 0 {
		if way := e.ghrCheckEntry(pageOffset); way < maxGHREntry {
			g := e.ghr[way]
			pfAddr := (addr &^ (hostif.BlockSize - 1)) + uint64(g.delta)<<hostif.LogBlockSize
			if e.filterCheck(pfAddr, addr, ip, reqL2CPrefetch, g.delta, lastSig, currSig, g.confidence, 0, 0) {
				e.emitter.PrefetchLine(pfAddr, true, 0)
			}
		}
	}

	if lastSig != 0 {
		e.updatePattern(lastSig, delta)
	}

	baseAddr := addr
	currIP := ip
	lookaheadConf := uint32(100)
	pfQHead, pfQTail := 0, 0
	var prevDelta int32

	trainAddr := addr
	var trainDelta int32

	e.ip3, e.ip2, e.ip1, e.ip0 = e.ip2, e.ip1, e.ip0, ip

	var depth uint32
	for {
		lookaheadWay := -1
		trainAddr = addr
		trainDelta = prevDelta

		lookaheadWay, lookaheadConf = e.readPattern(currSig, lookaheadConf, &pfQTail, &depth, addr, baseAddr, trainAddr, currIP, trainDelta, lastSig,
			pqOcc, pqSize, mshrOcc, mshrSize, deltaQ, confQ, percSumQ)

		doLookahead := false
		numPf := 0
		maxPf := (pqSize + distinctPages - 1) / distinctPages
		for i := pfQHead; i < pfQTail; i++ {
			pfAddr := (baseAddr &^ (hostif.BlockSize - 1)) + uint64(deltaQ[i])<<hostif.LogBlockSize
			percSum := percSumQ[i]
			fillLevel := reqLLCPrefetch
			if percSum >= percThresholdHi {
				fillLevel = reqL2CPrefetch
			}

			if (addr &^ (hostif.PageSize - 1)) == (pfAddr &^ (hostif.PageSize - 1)) {
				if numPf < maxPf {
					if e.filterCheck(pfAddr, trainAddr, currIP, fillLevel, trainDelta+deltaQ[i], lastSig, currSig, confQ[i], percSum, depth-1) {
						e.emitter.PrefetchLine(pfAddr, fillLevel == reqL2CPrefetch, 5)
						numPf++
						if fillLevel == reqL2CPrefetch {
							e.pfIssued++
							if e.pfIssued > globalCounterMax {
								e.pfIssued >>= 1
								e.pfUseful >>= 1
							}
						}
					}
				}
			} else {
				e.ghrUpdateEntry(currSig, confQ[i], uint32((pfAddr>>hostif.LogBlockSize)&0x3F), deltaQ[i])
			}
			doLookahead = true
			pfQHead++
		}

		if lookaheadWay >= 0 {
			set := getHash(uint64(currSig)) % ptSet
			d := e.ptDelta[set][lookaheadWay]
			baseAddr += uint64(d) << hostif.LogBlockSize
			prevDelta += d
			sd := signMagnitude7(d)
			currSig = ((currSig << sigShift) ^ uint32(sd)) & sigMask
		}

		if !doLookahead {
			break
		}
	}

	return 0
}

// Fill implements spp_ppf::prefetcher_cache_fill: the only feedback is an
// eviction notice to the prefetch filter.
func (e *Engine) Fill(addr uint64, set, way int, wasPrefetch bool, evictedAddr uint64, metadataIn uint32) uint32 {
	e.filterCheck(evictedAddr, 0, 0, reqL2CEvict, 0, 0, 0, 0, 0, 0)
	return 0
}

// Cycle is a no-op for SPP+PPF (lookahead runs synchronously in Operate).
func (e *Engine) Cycle() {}
