package main

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Maemo32/prefetchbench/internal/host"
	"github.com/Maemo32/prefetchbench/internal/hostif"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <trace.csv>",
		Short: "Replay a cycle,ip,addr,type,hit CSV trace through the selected engine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := resolve(cmd)
			if err != nil {
				return err
			}

			records, err := readTraceCSV(args[0])
			if err != nil {
				return fmt.Errorf("reading trace: %w", err)
			}

			stats, err := replay(settings, records)
			if err != nil {
				return err
			}
			printStats(cmd, settings.engine, stats)
			return nil
		},
	}
}

// readTraceCSV parses lines of "cycle,ip,addr,type,hit" where type is one
// of load/store/prefetch/writeback/translation and hit is 0 or 1.
func readTraceCSV(path string) ([]host.AccessRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(bufio.NewReader(f))
	r.FieldsPerRecord = 5
	r.TrimLeadingSpace = true

	var records []host.AccessRecord
	for {
		row, err := r.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}

		cycle, err := strconv.ParseUint(row[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("cycle %q: %w", row[0], err)
		}
		ip, err := strconv.ParseUint(row[1], 0, 64)
		if err != nil {
			return nil, fmt.Errorf("ip %q: %w", row[1], err)
		}
		addr, err := strconv.ParseUint(row[2], 0, 64)
		if err != nil {
			return nil, fmt.Errorf("addr %q: %w", row[2], err)
		}
		accessType, err := parseAccessType(row[3])
		if err != nil {
			return nil, err
		}
		hit, err := strconv.ParseBool(row[4])
		if err != nil {
			return nil, fmt.Errorf("hit %q: %w", row[4], err)
		}

		records = append(records, host.AccessRecord{
			Cycle:      cycle,
			IP:         ip,
			Addr:       addr,
			AccessType: accessType,
			CacheHit:   hit,
		})
	}
	return records, nil
}

func parseAccessType(s string) (hostif.AccessType, error) {
	switch s {
	case "load":
		return hostif.AccessLoad, nil
	case "store":
		return hostif.AccessStore, nil
	case "prefetch":
		return hostif.AccessPrefetch, nil
	case "writeback":
		return hostif.AccessWriteback, nil
	case "translation":
		return hostif.AccessTranslation, nil
	default:
		return 0, fmt.Errorf("unknown access type %q", s)
	}
}

// replay wires an engine to a fresh host.Adapter and runs records through it.
func replay(settings resolvedSettings, records []host.AccessRecord) (host.Stats, error) {
	cfg := host.Config{PQSize: settings.pqSize, MSHRSize: settings.mshrSize, DRAMBandwidth: settings.dramBW}
	logger, err := zap.NewDevelopment()
	if err != nil {
		return host.Stats{}, err
	}
	defer logger.Sync() //nolint:errcheck

	adapter := host.New(nil, cfg, logger)
	engine, err := newEngine(settings.engine, adapter, adapter)
	if err != nil {
		return host.Stats{}, err
	}
	adapter.SetEngine(engine)

	return adapter.Run(context.Background(), records), nil
}

func printStats(cmd *cobra.Command, engineName string, stats host.Stats) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "engine: %s\n", engineName)
	fmt.Fprintf(out, "accesses: %d\n", stats.Accesses)
	fmt.Fprintf(out, "fills: %d\n", stats.Fills)
	fmt.Fprintf(out, "prefetches issued: %d\n", stats.PrefetchesIssued)
	fmt.Fprintf(out, "prefetches rejected (pq full): %d\n", stats.PrefetchesRejectedPQ)
	fmt.Fprintf(out, "cycles run: %d\n", stats.CyclesRun)
}
