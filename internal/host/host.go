// Package host adapts a hostif.Engine to a simulated cache host: a clock,
// a prefetch queue, an MSHR, and a DRAM-bandwidth gauge. It is the only
// package besides cmd/prefetchsim that imports zap/otel — engines
// themselves stay logging-free.
package host

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/Maemo32/prefetchbench/internal/hostif"
)

var tracer = otel.Tracer("github.com/Maemo32/prefetchbench/internal/host")

// Config sizes the simulated host. A zero PQSize or MSHRSize falls back to
// DefaultConfig; DRAMBandwidth is used as given, zero included.
type Config struct {
	PQSize        int
	MSHRSize      int
	DRAMBandwidth uint8 // 0..15, quantised as hostif.HostQuery documents
}

// DefaultConfig mirrors typical per-core queue sizing used across the
// prefetcher literature this repo's engines are grounded on.
var DefaultConfig = Config{PQSize: 32, MSHRSize: 16, DRAMBandwidth: 8}

// AccessRecord is one L1D reference to replay through Adapter.Run.
type AccessRecord struct {
	Cycle      uint64
	IP         uint64
	Addr       uint64
	AccessType hostif.AccessType
	CacheHit   bool
}

// Stats tallies the counters spec.md leaves to "the host may print at
// end-of-run".
type Stats struct {
	Accesses             uint64
	Fills                uint64
	PrefetchesIssued     uint64
	PrefetchesRejectedPQ uint64
	CyclesRun            uint64
}

// Adapter is the host side of the hostif boundary: it implements
// HostQuery/PrefetchEmitter for the engine it drives, and exposes
// Access/Fill/Cycle wrappers that keep PQ/MSHR occupancy and the cycle
// counter consistent around each engine call.
type Adapter struct {
	cfg    Config
	logger *zap.Logger
	engine hostif.Engine

	cycle        uint64
	pqOccupancy  int
	mshrOccupied int
	stats        Stats
}

// New wires engine to a simulated host sized by cfg. A nil logger falls
// back to zap.NewNop().
func New(engine hostif.Engine, cfg Config, logger *zap.Logger) *Adapter {
	if cfg.PQSize == 0 {
		cfg.PQSize = DefaultConfig.PQSize
	}
	if cfg.MSHRSize == 0 {
		cfg.MSHRSize = DefaultConfig.MSHRSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{cfg: cfg, logger: logger, engine: engine}
}

// SetEngine binds the engine this adapter drives. It exists because an
// engine's constructor takes the adapter as its HostQuery/PrefetchEmitter,
// so callers typically build the adapter first with a nil engine, build
// the engine against it, then call SetEngine to close the loop.
func (a *Adapter) SetEngine(engine hostif.Engine) { a.engine = engine }

// HostQuery implementation.

func (a *Adapter) CurrentCycle() uint64 { return a.cycle }
func (a *Adapter) PQSize() int          { return a.cfg.PQSize }
func (a *Adapter) PQOccupancy() int     { return a.pqOccupancy }
func (a *Adapter) MSHRSize() int        { return a.cfg.MSHRSize }
func (a *Adapter) MSHROccupancy() int   { return a.mshrOccupied }
func (a *Adapter) DRAMBandwidth() uint8 { return a.cfg.DRAMBandwidth }

// PrefetchLine is the PrefetchEmitter callback: it admits the request into
// the simulated prefetch queue, rejecting it (returning false) once the
// queue is at capacity — the resource-exhaustion signal spec.md §7
// describes as a plain bool/zero-value return, never an error.
func (a *Adapter) PrefetchLine(addr uint64, fillL2 bool, metadata uint32) bool {
	if a.pqOccupancy >= a.cfg.PQSize {
		a.stats.PrefetchesRejectedPQ++
		a.logger.Debug("prefetch rejected: queue full",
			zap.Uint64("addr", addr),
			zap.Int("pq_occupancy", a.pqOccupancy),
			zap.Int("pq_size", a.cfg.PQSize),
		)
		return false
	}
	a.pqOccupancy++
	a.stats.PrefetchesIssued++
	_ = fillL2
	_ = metadata
	return true
}

// Access drives one L1D reference through the engine's Operate, draining
// one slot from the simulated prefetch queue if this access was itself a
// prefetch fill landing (modeled as: a queued prefetch retires on its next
// access).
func (a *Adapter) Access(addr, ip uint64, cacheHit, usefulPrefetch bool, accessType hostif.AccessType, metadataIn uint32) uint32 {
	a.stats.Accesses++
	if a.pqOccupancy > 0 && usefulPrefetch {
		a.pqOccupancy--
	}
	return a.engine.Operate(addr, ip, cacheHit, usefulPrefetch, accessType, metadataIn)
}

// Fill drives one cache-line install/eviction through the engine's Fill.
func (a *Adapter) Fill(addr uint64, set, way int, wasPrefetch bool, evictedAddr uint64, metadataIn uint32) uint32 {
	a.stats.Fills++
	return a.engine.Fill(addr, set, way, wasPrefetch, evictedAddr, metadataIn)
}

// Cycle advances the simulated clock by one tick and drains the engine's
// internal prefetch buffers.
func (a *Adapter) Cycle() {
	a.cycle++
	a.stats.CyclesRun++
	a.engine.Cycle()
}

// Stats returns a snapshot of the counters accumulated so far.
func (a *Adapter) Stats() Stats { return a.stats }

// Run replays records through the engine end to end, wrapped in a single
// otel span so a trace-replay run shows up as one unit of work in any
// connected exporter. Initialize is called once up front; for every record,
// Cycle is called until the clock reaches the record's Cycle, then Access.
func (a *Adapter) Run(ctx context.Context, records []AccessRecord) Stats {
	ctx, span := tracer.Start(ctx, "prefetchsim.run", trace.WithAttributes(
		attribute.Int("host.record_count", len(records)),
		attribute.Int("host.pq_size", a.cfg.PQSize),
		attribute.Int("host.mshr_size", a.cfg.MSHRSize),
	))
	defer span.End()

	a.engine.Initialize()
	a.logger.Debug("run starting", zap.Int("records", len(records)))

	for _, r := range records {
		for a.cycle < r.Cycle {
			a.Cycle()
		}
		a.Access(r.Addr, r.IP, r.CacheHit, false, r.AccessType, 0)
	}

	span.SetAttributes(
		attribute.Int64("host.accesses", int64(a.stats.Accesses)),
		attribute.Int64("host.prefetches_issued", int64(a.stats.PrefetchesIssued)),
		attribute.Int64("host.prefetches_rejected_pq", int64(a.stats.PrefetchesRejectedPQ)),
	)
	a.logger.Debug("run complete",
		zap.Uint64("accesses", a.stats.Accesses),
		zap.Uint64("prefetches_issued", a.stats.PrefetchesIssued),
		zap.Uint64("prefetches_rejected_pq", a.stats.PrefetchesRejectedPQ),
	)
	return a.stats
}
