// Command prefetchsim replays a memory-access trace — either a CSV file
// or a synthetic program run through the kept SUPRAX core — through one
// of the five cache data prefetcher engines and prints its end-of-run
// counters.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
