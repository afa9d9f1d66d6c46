// Package compilerstate defines the transaction-state identifiers
// exchanged between the pool and a worker for in-transaction compiles
// (spec §4.9). The pool never interprets the state blob itself; it
// only assigns and compares the small integer tag that lets a later
// call say "you already have this".
package compilerstate

import "sync/atomic"

// ID tags an opaque transaction-state blob. Zero means "no state".
type ID uint64

// None is the sentinel ID meaning "no transaction state held".
const None ID = 0

// ReuseLastStateMarker is substituted for a state blob on the wire to
// tell the worker "apply the state blob you already hold". It is a
// fixed, out-of-band value distinguishable from any real state blob:
// no compiler ever legitimately emits a single 0xFF byte as a
// transaction state, since the compiler pickles a structured record.
// Documented here rather than derived, per spec.md's open question on
// whether the marker must be byte-exact to the source's sentinel — it
// need not be; only internal consistency between pool and worker
// matters.
var ReuseLastStateMarker = []byte{0xFF}

// IsReuseLastMarker reports whether data is the reuse-last sentinel.
func IsReuseLastMarker(data []byte) bool {
	return len(data) == len(ReuseLastStateMarker) && string(data) == string(ReuseLastStateMarker)
}

// Generator hands out fresh, process-local state IDs. It wraps around
// at 2^63-1 back to 1 (0 stays reserved for None), matching the
// wraparound behavior spec.md §4.9 calls for.
type Generator struct {
	next atomic.Uint64
}

// Next returns a fresh, non-zero ID.
func (g *Generator) Next() ID {
	const wrapAt = uint64(1<<63 - 1)
	for {
		v := g.next.Add(1)
		if v > wrapAt {
			// Wrapped: reset the counter and retry so we never hand
			// out 0 (None) or overflow past the documented ceiling.
			if g.next.CompareAndSwap(v, 1) {
				return ID(1)
			}
			continue
		}
		return ID(v)
	}
}
