// Package blob implements the opaque, identity-tracked byte values that
// flow between the pool and its workers: schema pickles, reflection
// caches, config blobs, and transaction state. The pool never inspects
// their contents; it only needs to know "is this the same blob I saw
// last time", which is answered by generation, not by bytewise compare.
package blob

import "sync/atomic"

var generationCounter atomic.Uint64

// Blob is an opaque byte sequence tagged with a generation assigned at
// creation time. Two Blobs are the "same" value, for caching purposes,
// iff they share a generation — mirroring the source implementation's
// reliance on Python object identity ("is") to decide whether a schema
// pickle has changed.
type Blob struct {
	data       []byte
	generation uint64
}

// Nil is the zero Blob: no data, generation 0. Generation 0 is never
// handed out by New, so Nil never compares equal to a real blob.
var Nil = Blob{}

// New wraps data in a freshly tagged Blob. Call this once per logical
// value at its point of creation (e.g. when the database server decodes
// a schema from storage); reuse the returned Blob across calls that
// should be treated as "unchanged".
func New(data []byte) Blob {
	return Blob{
		data:       data,
		generation: generationCounter.Add(1),
	}
}

// Bytes returns the underlying data. The pool must never use this to
// compare blobs — only to pass them across the wire.
func (b Blob) Bytes() []byte { return b.data }

// IsZero reports whether b is the Nil blob (no value supplied).
func (b Blob) IsZero() bool { return b.generation == 0 }

// SameAs reports whether b and other were produced by the same New
// call — the identity check the source language gets for free via
// object identity.
func (b Blob) SameAs(other Blob) bool {
	return b.generation != 0 && b.generation == other.generation
}

// Generation returns the tag used for identity comparison. Exposed so
// that callers needing a stable, comparable key (e.g. a map key, or a
// debug log field) don't have to hash the payload.
func (b Blob) Generation() uint64 { return b.generation }
