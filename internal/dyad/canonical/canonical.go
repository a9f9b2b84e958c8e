// Package canonical maps opaque type identifiers to canonical byte
// encodings for sketch input values.
//
// A sketch records the TypeID of the values it was built over and hashes
// the canonical byte form of each value, never the value itself. Two
// sketches can only be merged or queried consistently when they agree on
// the TypeID, because the canonical form is what the counters were
// addressed by. Collisions between canonical forms are harmless in the
// same way hash collisions are: they can only inflate estimates.
package canonical

import (
	"strconv"
	"sync"
)

// TypeID tags the value type a sketch was built over. IDs are opaque;
// the sketch engine only ever compares them for equality.
type TypeID uint32

const (
	// TypeUnknown is the zero TypeID. Nothing is registered under it.
	TypeUnknown TypeID = 0

	// TypeInt64 is the built-in 64-bit signed integer type.
	TypeInt64 TypeID = 1
)

// Func appends the canonical byte form of v to dst and returns the
// extended slice. Implementations must be deterministic: identical
// inputs must always produce identical bytes.
type Func func(dst []byte, v int64) []byte

var (
	mu       sync.RWMutex
	registry = make(map[TypeID]Func)
)

func init() {
	// Int64 canonicalizes to its decimal string. The textual form keeps
	// exported sketch blobs independent of host byte order and matches
	// what debugging tools print.
	Register(TypeInt64, func(dst []byte, v int64) []byte {
		return strconv.AppendInt(dst, v, 10)
	})
}

// Register installs fn as the canonicalizer for id, replacing any
// previous registration. Register is typically called from init
// functions of packages that introduce new value types.
func Register(id TypeID, fn Func) {
	mu.Lock()
	defer mu.Unlock()
	registry[id] = fn
}

// Lookup returns the canonicalizer registered for id, if any.
func Lookup(id TypeID) (Func, bool) {
	mu.RLock()
	defer mu.RUnlock()
	fn, ok := registry[id]
	return fn, ok
}
