package main

import (
	"github.com/spf13/cobra"

	"github.com/Maemo32/prefetchbench/internal/host"
	"github.com/Maemo32/prefetchbench/internal/synth"
)

func newDemoCmd() *cobra.Command {
	var cycles int
	var strideLoop bool
	var reorder bool

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Replay a synthetic trace generated from the kept CPU core instead of a CSV file",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := resolve(cmd)
			if err != nil {
				return err
			}

			traced := synth.Generate(synth.Config{Cycles: cycles, StrideLoop: strideLoop, Reorder: reorder})
			records := make([]host.AccessRecord, len(traced))
			for i, r := range traced {
				records[i] = host.AccessRecord{Cycle: uint64(i), IP: r.IP, Addr: r.Addr, AccessType: r.AccessType}
			}

			stats, err := replay(settings, records)
			if err != nil {
				return err
			}
			printStats(cmd, settings.engine, stats)
			return nil
		},
	}

	cmd.Flags().IntVar(&cycles, "cycles", 2000, "number of CPU-core cycles to run before draining the trace")
	cmd.Flags().BoolVar(&strideLoop, "stride-loop", false, "let a TAGE stride hint pick the generated stride (4 or 8); an untrained hint picks 4")
	cmd.Flags().BoolVar(&reorder, "reorder", false, "reorder each 32-access window through proto/ooo's issue-selection pipeline")
	return cmd
}
