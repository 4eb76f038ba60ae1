// Package assert provides panic-based contract-violation checks for states
// spec.md classifies as "programmer contract violations" — table overflow
// where an invariant said it couldn't happen, LRU permutation violations,
// action indices out of range. These are fail-fast by design; there is no
// recover path, matching the teacher's own lack of error-wrapping.
package assert

import "fmt"

// Truef panics with a formatted message if cond is false.
func Truef(cond bool, format string, args ...any) {
	if !cond {
		panic(fmt.Sprintf(format, args...))
	}
}
