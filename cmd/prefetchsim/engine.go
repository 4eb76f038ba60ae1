package main

import (
	"fmt"

	"github.com/Maemo32/prefetchbench/internal/berti"
	"github.com/Maemo32/prefetchbench/internal/hostif"
	"github.com/Maemo32/prefetchbench/internal/ipcp"
	"github.com/Maemo32/prefetchbench/internal/pythia"
	"github.com/Maemo32/prefetchbench/internal/sms"
	"github.com/Maemo32/prefetchbench/internal/spp"
)

// newEngine builds one of the five engines by name against adapter, which
// doubles as both the engine's HostQuery and PrefetchEmitter.
func newEngine(name string, emitter hostif.PrefetchEmitter, hq hostif.HostQuery) (hostif.Engine, error) {
	switch name {
	case "ipcp":
		return ipcp.New(emitter, hq), nil
	case "sms":
		return sms.New(emitter, hq), nil
	case "berti":
		return berti.New(emitter, hq), nil
	case "spp":
		return spp.New(emitter, hq), nil
	case "pythia":
		return pythia.New(emitter, hq), nil
	default:
		return nil, fmt.Errorf("unknown engine %q (want one of: ipcp, sms, berti, spp, pythia)", name)
	}
}
