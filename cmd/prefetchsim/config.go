package main

import (
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Config is the on-disk override surface for a trace-replay run. Command
// line flags always win over a loaded config file; a config file always
// wins over the built-in defaults.
type Config struct {
	Engine   string `toml:"engine"`
	PQSize   int    `toml:"pq_size"`
	MSHRSize int    `toml:"mshr_size"`
	DRAMBW   uint8  `toml:"dram_bandwidth"`
}

// loadConfig decodes a TOML config file. An empty path is not an error —
// it just means no overrides apply.
func loadConfig(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
