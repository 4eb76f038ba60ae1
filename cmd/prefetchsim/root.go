package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// engineFlag validates --engine against the five known engine names as
// pflag parses it, instead of deferring the check to newEngine.
type engineFlag struct{ name string }

var validEngines = [...]string{"ipcp", "sms", "berti", "spp", "pythia"}

func (f *engineFlag) String() string { return f.name }

func (f *engineFlag) Set(v string) error {
	for _, e := range validEngines {
		if e == v {
			f.name = v
			return nil
		}
	}
	return fmt.Errorf("invalid engine %q (want one of %v)", v, validEngines)
}

func (f *engineFlag) Type() string { return "engine" }

var _ pflag.Value = (*engineFlag)(nil)

var (
	flagEngine   = &engineFlag{name: "ipcp"}
	flagConfig   string
	flagPQSize   int
	flagMSHRSize int
	flagDRAMBW   uint8
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "prefetchsim",
		Short: "Replay a memory-access trace through a cache data prefetcher engine",
	}

	root.PersistentFlags().VarP(flagEngine, "engine", "e", "engine to drive: ipcp, sms, berti, spp, pythia")
	root.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "optional TOML config file overriding engine/host knobs")
	root.PersistentFlags().IntVar(&flagPQSize, "pq-size", 0, "prefetch queue capacity (0 = config/default)")
	root.PersistentFlags().IntVar(&flagMSHRSize, "mshr-size", 0, "MSHR capacity (0 = config/default)")
	root.PersistentFlags().Uint8Var(&flagDRAMBW, "dram-bandwidth", 0, "quantised DRAM bandwidth, 0..15")

	root.AddCommand(newRunCmd())
	root.AddCommand(newDemoCmd())
	return root
}

// resolvedSettings is the merged (config file, then flags) set of knobs a
// subcommand needs to build a host.Adapter and an engine.
type resolvedSettings struct {
	engine   string
	pqSize   int
	mshrSize int
	dramBW   uint8
}

// resolve merges (in increasing priority) a loaded TOML config and
// explicit flags on cmd. Flags only override the config when the user
// actually passed them — cmd.Flags().Changed distinguishes "not given"
// from "given as its zero value".
func resolve(cmd *cobra.Command) (resolvedSettings, error) {
	cfg, err := loadConfig(flagConfig)
	if err != nil {
		return resolvedSettings{}, fmt.Errorf("loading config %q: %w", flagConfig, err)
	}

	s := resolvedSettings{engine: cfg.Engine, pqSize: cfg.PQSize, mshrSize: cfg.MSHRSize, dramBW: cfg.DRAMBW}
	if s.engine == "" {
		s.engine = flagEngine.name
	}
	flags := cmd.Flags()
	if flags.Changed("engine") {
		s.engine = flagEngine.name
	}
	if flags.Changed("pq-size") {
		s.pqSize = flagPQSize
	}
	if flags.Changed("mshr-size") {
		s.mshrSize = flagMSHRSize
	}
	if flags.Changed("dram-bandwidth") {
		s.dramBW = flagDRAMBW
	}
	return s, nil
}
