// Package pythia implements the feature-wise tile-coded reinforcement
// learning engine: a per-page signature table feeds a SARSA(0) agent whose
// action choices are single-offset deltas, trained online from deferred
// reward assignment in a prefetch tracker.
package pythia

import (
	"github.com/Maemo32/prefetchbench/internal/bitmap"
	"github.com/Maemo32/prefetchbench/internal/hostif"
)

// actions is the fixed action space: a zero-degree action (no prefetch) plus
// fourteen signed single-offset deltas, ordered exactly as in the source
// knob list (positive deltas ascending, then negative deltas, then zero).
var actions = [15]int32{1, 3, 4, 5, 10, 11, 12, 22, 23, 30, 32, -1, -3, -6, 0}

const numActions = len(actions)

const (
	alphaDefault   = 0.006508802942367162
	gammaDefault   = 0.556300959940946
	epsilonDefault = 0.0018228444309622588

	stSize      = 64
	ptSize      = 256
	maxHistory  = 5

	actionTrackerSize = 2
)

var dynDegrees = [4]int{1, 2, 4, 6}

// highBWThreshold is on the host's 4-bit (0..15) quantised DRAM utilisation
// scale; 12/15 = 80% matches the bandwidth-sensitive reward split.
const highBWThreshold = 12

// RewardType mirrors the six reward categories: a tracker hit is kept (spec
// treats it as a first-class outcome) even though it is a deprecated knob in
// the upstream learning engine's default configuration.
type RewardType int

const (
	RewardNone RewardType = iota
	RewardIncorrect
	RewardCorrectUntimely
	RewardCorrectTimely
	RewardOutOfBounds
	RewardTrackerHit
)

func rewardValue(rt RewardType, highBW bool) float64 {
	switch rt {
	case RewardCorrectTimely:
		return 20
	case RewardCorrectUntimely:
		return 12
	case RewardIncorrect:
		if highBW {
			return -14
		}
		return -8
	case RewardOutOfBounds:
		return -12
	case RewardTrackerHit:
		return -2
	default: // RewardNone
		if highBW {
			return -2
		}
		return -4
	}
}

// state is the feature vector the learning engine is queried with.
type state struct {
	pc     uint64
	page   uint64
	offset uint32
	delta  int32
}

// actionTracker counts how often an action has been chosen for a page, driving
// the afterburning degree (how many extra offsets get prefetched alongside
// the chosen action).
type actionTracker struct {
	action int32
	conf   uint32
}

type stEntry struct {
	valid   bool
	page    uint64
	pcs     []uint64
	offsets []uint32
	deltas  []int32

	triggerPC     uint64
	triggerOffset uint32
	bmpPred       bitmap.Bitmap64

	trackers        []actionTracker
	totalPrefetches uint32
}

func (e *stEntry) pushHistory(pc uint64, offset uint32, delta int32) {
	e.pcs = appendCapped(e.pcs, pc, maxHistory)
	e.offsets = appendCapped32(e.offsets, offset, maxHistory)
	e.deltas = appendCappedDelta(e.deltas, delta, maxHistory)
}

func appendCapped(s []uint64, v uint64, cap int) []uint64 {
	s = append(s, v)
	if len(s) > cap {
		s = s[len(s)-cap:]
	}
	return s
}

func appendCapped32(s []uint32, v uint32, cap int) []uint32 {
	s = append(s, v)
	if len(s) > cap {
		s = s[len(s)-cap:]
	}
	return s
}

func appendCappedDelta(s []int32, v int32, cap int) []int32 {
	s = append(s, v)
	if len(s) > cap {
		s = s[len(s)-cap:]
	}
	return s
}

func (e *stEntry) trackAction(action int32) {
	for i := range e.trackers {
		if e.trackers[i].action == action {
			if e.trackers[i].conf < ^uint32(0) {
				e.trackers[i].conf++
			}
			return
		}
	}
	if len(e.trackers) < actionTrackerSize {
		e.trackers = append(e.trackers, actionTracker{action: action, conf: 1})
		return
	}
	victim := 0
	for i := 1; i < len(e.trackers); i++ {
		if e.trackers[i].conf < e.trackers[victim].conf {
			victim = i
		}
	}
	e.trackers[victim] = actionTracker{action: action, conf: 1}
}

func (e *stEntry) degreeFor(action int32) int {
	for _, tr := range e.trackers {
		if tr.action == action {
			idx := int(tr.conf)
			if idx >= len(dynDegrees) {
				idx = len(dynDegrees) - 1
			}
			return dynDegrees[idx]
		}
	}
	return dynDegrees[0]
}

// ptEntry records a dispatched action so its reward can be assigned once the
// outcome (cache hit, eventual fill, or eviction without use) is known.
type ptEntry struct {
	valid      bool
	address    uint64
	s          state
	actionIdx  int
	isFilled   bool
	pfHit      bool
	hasReward  bool
	reward     RewardType
}

// featureTable is a single feature's tile-coded Q estimate: numTilings
// independent hash tables of numTiles buckets, each bucket holding one
// weight per action.
type featureTable struct {
	numTilings int
	numTiles   int
	hashKind   bitmap.HashType
	offsetTile bool
	weights    [][][numActions]float64
}

func newFeatureTable(numTilings, numTiles int, hashKind bitmap.HashType, offsetTile bool, optimisticInit float64) *featureTable {
	ft := &featureTable{numTilings: numTilings, numTiles: numTiles, hashKind: hashKind, offsetTile: offsetTile}
	ft.weights = make([][][numActions]float64, numTilings)
	for t := range ft.weights {
		ft.weights[t] = make([][numActions]float64, numTiles)
		for c := range ft.weights[t] {
			for a := range ft.weights[t][c] {
				ft.weights[t][c][a] = optimisticInit
			}
		}
	}
	return ft
}

func (ft *featureTable) tileIndex(value uint64, tiling int) int {
	key := value
	if ft.offsetTile {
		key = value*uint64(ft.numTilings) + uint64(tiling)
	}
	h := bitmap.HashZoo(ft.hashKind, key)
	return int(h % uint64(ft.numTiles))
}

func (ft *featureTable) q(value uint64, action int) float64 {
	var sum float64
	for t := 0; t < ft.numTilings; t++ {
		sum += ft.weights[t][ft.tileIndex(value, t)][action]
	}
	return sum / float64(ft.numTilings)
}

func (ft *featureTable) update(value uint64, action int, delta, alpha float64) {
	step := alpha * delta
	for t := 0; t < ft.numTilings; t++ {
		idx := ft.tileIndex(value, t)
		ft.weights[t][idx][action] += step
	}
}

func featureValue(id int, s state) uint64 {
	switch id {
	case 0:
		return uint64(s.offset)
	case 10:
		return uint64(bitmap.SignMagnitudeEncode(s.delta, 7))
	default:
		return s.pc
	}
}

// Engine is the Pythia prefetcher: per-page signature tracking feeding a
// featurewise SARSA(0) agent.
type Engine struct {
	st    [stSize]stEntry
	stFIFO int

	pt     [ptSize]ptEntry
	ptHead int

	lastEvicted *ptEntry // single-slot SARSA deferred-update buffer

	features []*featureTable
	alpha    float64
	gamma    float64
	epsilon  float64
	rngState uint64

	isHighBW bool

	emitter hostif.PrefetchEmitter
	host    hostif.HostQuery
}

// New constructs a Pythia engine with the production feature configuration:
// two active features (page offset, signed delta), each its own tile-coded
// Q-table.
func New(emitter hostif.PrefetchEmitter, host hostif.HostQuery) *Engine {
	return newWithConfig(emitter, host,
		[]*featureTable{
			newFeatureTable(3, 12, bitmap.HashMurmur3Fmix, true, 1/(1-gammaDefault)),
			newFeatureTable(3, 128, bitmap.HashMurmur3Fmix, true, 1/(1-gammaDefault)),
		},
		alphaDefault, gammaDefault, epsilonDefault)
}

func newWithConfig(emitter hostif.PrefetchEmitter, host hostif.HostQuery, features []*featureTable, alpha, gamma, epsilon float64) *Engine {
	return &Engine{emitter: emitter, host: host, features: features, alpha: alpha, gamma: gamma, epsilon: epsilon, rngState: scoobySeed}
}

const scoobySeed = 200

// Initialize resets all learned state but keeps the feature table shapes.
func (e *Engine) Initialize() {
	for i := range e.st {
		e.st[i] = stEntry{}
	}
	for i := range e.pt {
		e.pt[i] = ptEntry{}
	}
	e.lastEvicted = nil
	e.rngState = scoobySeed
}

// xorshift64 is a small deterministic PRNG: Pythia's epsilon-greedy draw
// does not need cryptographic quality, only reproducibility across runs.
func (e *Engine) nextRand() float64 {
	x := e.rngState
	x ^= x << 13
	x ^= x >> 7
	x ^= x << 17
	e.rngState = x
	return float64(x%1000000) / 1000000
}

func (e *Engine) qValue(s state, action int) float64 {
	var sum float64
	for i, ft := range e.features {
		sum += ft.q(featureValue(featureIDFor(i), s), action)
	}
	return sum / float64(len(e.features))
}

// featureIDFor maps a feature table slot to the active-feature knob id: the
// production engine activates feature 0 (page offset) and feature 10
// (signed delta).
func featureIDFor(slot int) int {
	if slot == 0 {
		return 0
	}
	return 10
}

func (e *Engine) bestAction(s state) (int, float64) {
	best, bestQ := 0, e.qValue(s, 0)
	for a := 1; a < numActions; a++ {
		q := e.qValue(s, a)
		if q > bestQ {
			best, bestQ = a, q
		}
	}
	return best, bestQ
}

func (e *Engine) chooseAction(s state) int {
	if e.nextRand() < e.epsilon {
		return int(e.rngState % uint64(numActions))
	}
	best, _ := e.bestAction(s)
	return best
}

// train applies one SARSA(0) update: Q(s,a) += alpha*(r + gamma*Q(s',a') - Q(s,a)).
func (e *Engine) train(s state, action int, reward float64, sNext state, actionNext int) {
	cur := e.qValue(s, action)
	var nextQ float64
	if actionNext >= 0 {
		nextQ = e.qValue(sNext, actionNext)
	}
	tdError := reward + e.gamma*nextQ - cur
	for i, ft := range e.features {
		ft.update(featureValue(featureIDFor(i), s), action, tdError, e.alpha)
	}
}

func (e *Engine) findST(page uint64) int {
	for i := range e.st {
		if e.st[i].valid && e.st[i].page == page {
			return i
		}
	}
	return -1
}

// allocateST overwrites the oldest entry (FIFO). It assigns no rewards:
// unrewarded actions get their none-reward when insertPT evicts their
// prefetch-tracker entry.
func (e *Engine) allocateST(page uint64, pc uint64, offset uint32) int {
	idx := e.stFIFO
	e.stFIFO = (e.stFIFO + 1) % stSize
	e.st[idx] = stEntry{valid: true, page: page, triggerPC: pc, triggerOffset: offset}
	return idx
}

func (e *Engine) findPT(addr uint64) int {
	for i := range e.pt {
		if e.pt[i].valid && e.pt[i].address == addr {
			return i
		}
	}
	return -1
}

func (e *Engine) insertPT(addr uint64, s state, actionIdx int) int {
	idx := e.ptHead
	e.ptHead = (e.ptHead + 1) % ptSize
	if e.pt[idx].valid && !e.pt[idx].hasReward {
		e.assignReward(&e.pt[idx], RewardNone)
	}
	e.pt[idx] = ptEntry{valid: true, address: addr, s: s, actionIdx: actionIdx}
	return idx
}

func (e *Engine) assignReward(entry *ptEntry, rt RewardType) {
	entry.hasReward = true
	entry.reward = rt
	if e.lastEvicted != nil {
		prev := e.lastEvicted
		e.train(prev.s, prev.actionIdx, rewardValue(prev.reward, e.isHighBW), entry.s, entry.actionIdx)
	}
	snapshot := *entry
	e.lastEvicted = &snapshot
}

// Operate implements the predict-and-dispatch path: build the state, settle
// any pending reward for a demand hit on a previously issued prediction,
// epsilon-greedily pick an action, and issue it (with afterburning degree)
// when it names a non-zero delta.
func (e *Engine) Operate(addr, ip uint64, cacheHit, usefulPrefetch bool, accessType hostif.AccessType, metadataIn uint32) uint32 {
	e.isHighBW = e.host.DRAMBandwidth() >= highBWThreshold

	lineAddr := addr >> hostif.LogBlockSize
	if ptIdx := e.findPT(lineAddr << hostif.LogBlockSize); ptIdx >= 0 {
		entry := &e.pt[ptIdx]
		entry.pfHit = cacheHit
		if !entry.hasReward {
			rt := RewardCorrectUntimely
			if entry.isFilled {
				rt = RewardCorrectTimely
			} else if usefulPrefetch {
				rt = RewardTrackerHit
			}
			e.assignReward(entry, rt)
		}
	}

	page := hostif.PageOf(addr)
	offset := hostif.OffsetOf(addr)

	stIdx := e.findST(page)
	var delta int32
	if stIdx < 0 {
		stIdx = e.allocateST(page, ip, offset)
	} else if n := len(e.st[stIdx].offsets); n > 0 {
		delta = int32(offset) - int32(e.st[stIdx].offsets[n-1])
	}
	e.st[stIdx].pushHistory(ip, offset, delta)

	s := state{pc: ip, page: page, offset: offset, delta: delta}
	action := e.chooseAction(s)
	actionDelta := actions[action]

	e.st[stIdx].trackAction(actionDelta)

	if actionDelta != 0 {
		degree := e.st[stIdx].degreeFor(actionDelta)
		for d := 1; d <= degree; d++ {
			candidate := int32(offset) + actionDelta*int32(d)
			if candidate < 0 || candidate >= hostif.PageBlocks {
				pt := e.insertPT(addr, s, action)
				e.assignReward(&e.pt[pt], RewardOutOfBounds)
				break
			}
			pfAddr := page<<hostif.LogPageSize + uint64(candidate)<<hostif.LogBlockSize
			if e.st[stIdx].bmpPred.Test(uint(candidate)) {
				continue
			}
			if e.emitter.PrefetchLine(pfAddr, true, uint32(action)) {
				e.st[stIdx].bmpPred = e.st[stIdx].bmpPred.Set(uint(candidate))
				e.st[stIdx].totalPrefetches++
				e.insertPT(pfAddr, s, action)
			}
		}
	} else {
		e.insertPT(addr, s, action)
	}

	return uint32(action)
}

// Fill marks a previously-tracked prefetch as having reached the cache
// before its demand access, enabling the timely/untimely reward distinction.
func (e *Engine) Fill(addr uint64, set, way int, wasPrefetch bool, evictedAddr uint64, metadataIn uint32) uint32 {
	if idx := e.findPT(addr); idx >= 0 {
		e.pt[idx].isFilled = true
	}
	return 0
}

// Cycle is a no-op: Pythia predicts and trains synchronously inside Operate.
func (e *Engine) Cycle() {}
