// Package limits holds the demand-paging subsystem's fixed capacities
// and a system-wide pressure counter.
package limits

import "sync/atomic"

const (
	// MaxSwapPages bounds both a process's descriptor table and its
	// swap-slot bitmap.
	MaxSwapPages = 1024
	// MaxSegments bounds the number of PT_LOAD program headers an
	// exec'd image may have.
	MaxSegments = 8
	// UserStack is the number of stack pages laid out above the
	// guard page at exec time.
	UserStack = 32
	// MaxArg bounds argv entries copied onto the initial stack page.
	MaxArg = 32
)

// Lhits counts, across every process, how many times a process has
// hit a hard subsystem limit: a full swap-slot bitmap, a full segment
// table, or a full descriptor table. Biscuit's limits.Lhits plays the
// analogous role for its own system-wide resource limits; operators
// watch it to tell "one unlucky process" apart from "the whole
// workload is page-thrashing."
var Lhits int64

// Hit records one limit violation.
func Hit() {
	atomic.AddInt64(&Lhits, 1)
}

// Hits returns the current count of limit violations.
func Hits() int64 {
	return atomic.LoadInt64(&Lhits)
}
