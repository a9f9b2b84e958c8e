// Package countmin implements a dyadic Count-Min sketch over the int64
// domain.
//
// A Count-Min sketch is a fixed-size probabilistic counter table that
// estimates how often each value appeared in a stream. Every estimate is
// the minimum of several independently hashed counters, so estimates may
// overshoot the true count but never undershoot it.
//
// On top of the basic sketch this package layers the dyadic range trick:
// each inserted value is sketched 64 times, once per power-of-two
// granularity (value, value>>1, value>>2, ...). An arbitrary interval
// [lo, hi] can then be counted by decomposing it into a handful of
// power-of-two aligned spans and doing one point lookup per span instead
// of one per element. Range counts in turn drive centile estimation and
// histogram construction.
//
// Binary Format
// =============
//
// A sketch is a contiguous byte slice:
//
//	+-------+-------+-------+--------+-------+------------------+
//	| Magic | Width | Depth | TypeID | Count | Counters...      |
//	+-------+-------+-------+--------+-------+------------------+
//	  4B      4B      4B      4B       8B      64*Depth*Width*8B
//
// Header (24 bytes):
//   - Magic (4 bytes): "DCM1" in Little Endian (0x314D4344)
//   - Width (4 bytes): counters per row
//   - Depth (4 bytes): hash rows per dyadic level
//   - TypeID (4 bytes): canonical type tag of the inserted values
//   - Count (8 bytes): total number of values inserted
//
// Body: 64 dyadic levels of Depth*Width int64 counters, Little Endian.
// The counter at (level, row, col) sits at offset:
//
//	HeaderSize + ((level*Depth + row)*Width + col) * 8
//
// The byte slice is the accumulator: exporting a sketch is returning its
// backing slice, and loading one is wrapping a slice zero-copy. Partial
// sketches built on separate shards merge by pointwise counter addition,
// which is commutative and associative, so any merge tree produces a
// byte-identical result.
//
// A sketch must only be written (Insert) by one goroutine at a time.
// Completed sketches may be queried concurrently.
package countmin

import (
	"encoding/binary"
	"errors"
	"math"

	"dyad.lopezb.com/internal/dyad/canonical"
)

const (
	// Magic is the 4-byte identifier for sketch blobs.
	// "DCM1" in Little Endian: 0x44 0x43 0x4D 0x31
	Magic = 0x314D4344

	// HeaderSize is the size of the sketch header in bytes.
	// 4 (Magic) + 4 (Width) + 4 (Depth) + 4 (TypeID) + 8 (Count)
	HeaderSize = 24

	// Ranges is the number of dyadic levels, one per bit of the int64
	// domain. Level L holds counts of value>>L for every inserted value.
	Ranges = 64

	// CounterLimit is the largest value a counter may hold. Increments
	// and merges fail before a counter passes it, keeping a full factor
	// of two of headroom below the representable maximum so that sums of
	// estimates cannot silently wrap either.
	CounterLimit = math.MaxInt64 >> 1

	// counterSize is the byte width of one counter.
	counterSize = 8

	// DefaultWidth and DefaultDepth give roughly 0.3% relative error at
	// a one-in-three-thousand failure probability per point query.
	DefaultWidth = 1024
	DefaultDepth = 8
)

var (
	// ErrInvalidData is returned when a blob is too short to be a sketch.
	ErrInvalidData = errors.New("countmin: data too short")

	// ErrInvalidMagic is returned when the magic bytes don't match.
	ErrInvalidMagic = errors.New("countmin: invalid magic identifier")

	// ErrCounterOverflow is returned when an increment or merge would
	// push a counter past CounterLimit. The sketch is no longer safe to
	// keep filling; the caller must restart with larger dimensions.
	ErrCounterOverflow = errors.New("countmin: counter limit exceeded")

	// ErrTypeMismatch is returned when an operation's value type
	// disagrees with the type the sketch was built over.
	ErrTypeMismatch = errors.New("countmin: sketch type mismatch")

	// ErrDimensionMismatch is returned when two sketches with different
	// width or depth are merged.
	ErrDimensionMismatch = errors.New("countmin: sketch dimensions mismatch")

	// ErrUnknownType is returned by New when no canonicalizer is
	// registered for the requested type.
	ErrUnknownType = errors.New("countmin: no canonicalizer registered for type")

	// ErrCentileRange is returned for centile arguments outside 1..99.
	ErrCentileRange = errors.New("countmin: centile must be between 1 and 99")

	// ErrEmptySketch is returned by centile and depth-histogram queries
	// against a sketch holding no values.
	ErrEmptySketch = errors.New("countmin: sketch holds no values")

	// ErrBucketCount is returned for non-positive histogram bucket counts.
	ErrBucketCount = errors.New("countmin: bucket count must be positive")
)

// Sketch is a dyadic Count-Min sketch backed by a raw byte slice. The
// backing slice is the source of truth; all operations read from and
// write to it directly (zero-copy).
type Sketch struct {
	backing []byte
	canon   canonical.Func
}

// New creates a fresh, all-zero sketch for values of the given type.
// Width is the number of counters per row, depth the number of hash rows
// per dyadic level.
//
// Memory usage: HeaderSize + (64 * width * depth * 8) bytes, so the
// defaults cost 4MB per sketch.
func New(width, depth uint32, typ canonical.TypeID) (*Sketch, error) {
	if width == 0 || depth == 0 {
		return nil, ErrDimensionMismatch
	}
	fn, ok := canonical.Lookup(typ)
	if !ok {
		return nil, ErrUnknownType
	}

	size := uint64(HeaderSize) + Ranges*uint64(width)*uint64(depth)*counterSize
	data := make([]byte, size)

	binary.LittleEndian.PutUint32(data[0:4], Magic)
	binary.LittleEndian.PutUint32(data[4:8], width)
	binary.LittleEndian.PutUint32(data[8:12], depth)
	binary.LittleEndian.PutUint32(data[12:16], uint32(typ))

	return &Sketch{backing: data, canon: fn}, nil
}

// NewFromBytes wraps an existing sketch blob without copying it. The
// caller must not modify the slice externally while the sketch is in
// use. A blob with an unregistered TypeID loads fine (its counters can
// still be merged by a host that checks type ids), but every query
// against it reports ErrTypeMismatch.
func NewFromBytes(data []byte) (*Sketch, error) {
	if len(data) < HeaderSize {
		return nil, ErrInvalidData
	}
	if binary.LittleEndian.Uint32(data[0:4]) != Magic {
		return nil, ErrInvalidMagic
	}

	width := uint64(binary.LittleEndian.Uint32(data[4:8]))
	depth := uint64(binary.LittleEndian.Uint32(data[8:12]))
	if width == 0 || depth == 0 {
		return nil, ErrInvalidData
	}
	if uint64(len(data)) < HeaderSize+Ranges*width*depth*counterSize {
		return nil, ErrInvalidData
	}

	s := &Sketch{backing: data}
	s.canon, _ = canonical.Lookup(s.TypeID())
	return s, nil
}

// HasValidMagic reports whether data starts with the sketch magic bytes.
// Handlers use it to cheaply type-check a stored value before parsing.
func HasValidMagic(data []byte) bool {
	return len(data) >= 4 && binary.LittleEndian.Uint32(data[0:4]) == Magic
}

// Width returns the number of counters per row.
func (s *Sketch) Width() uint32 {
	return binary.LittleEndian.Uint32(s.backing[4:8])
}

// Depth returns the number of hash rows per dyadic level.
func (s *Sketch) Depth() uint32 {
	return binary.LittleEndian.Uint32(s.backing[8:12])
}

// TypeID returns the canonical type tag of the inserted values.
func (s *Sketch) TypeID() canonical.TypeID {
	return canonical.TypeID(binary.LittleEndian.Uint32(s.backing[12:16]))
}

// Count returns the total number of values inserted across all merges.
func (s *Sketch) Count() uint64 {
	return binary.LittleEndian.Uint64(s.backing[16:24])
}

func (s *Sketch) setCount(n uint64) {
	binary.LittleEndian.PutUint64(s.backing[16:24], n)
}

// Bytes returns the underlying byte slice. The exported form is the
// accumulator itself, so this doubles as the aggregate finalizer.
func (s *Sketch) Bytes() []byte {
	return s.backing
}

// offset returns the byte offset of the counter at (level, row, col).
func (s *Sketch) offset(level int, row, col uint32) uint64 {
	width, depth := uint64(s.Width()), uint64(s.Depth())
	return HeaderSize + ((uint64(level)*depth+uint64(row))*width+uint64(col))*counterSize
}

// counter reads one counter.
func (s *Sketch) counter(level int, row, col uint32) int64 {
	return int64(binary.LittleEndian.Uint64(s.backing[s.offset(level, row, col):]))
}

// increment bumps one counter, refusing to pass CounterLimit.
func (s *Sketch) increment(level int, row, col uint32) error {
	off := s.offset(level, row, col)
	cur := int64(binary.LittleEndian.Uint64(s.backing[off:]))
	if cur >= CounterLimit {
		return ErrCounterOverflow
	}
	binary.LittleEndian.PutUint64(s.backing[off:], uint64(cur+1))
	return nil
}

// insertItem sketches one canonical byte string at one dyadic level,
// incrementing the projected counter in every row.
func (s *Sketch) insertItem(level int, item []byte) error {
	width, depth := s.Width(), s.Depth()
	h1, h2 := hashPair(item)
	for row := uint32(0); row < depth; row++ {
		if err := s.increment(level, row, column(row, h1, h2, width)); err != nil {
			return err
		}
	}
	return nil
}

// Insert adds one value to the sketch: for each dyadic level L the value
// v>>L (arithmetic shift, sign-extending) is canonicalized and sketched
// at that level. This is what makes contiguous ranges countable later by
// summing a few dyadic point lookups.
//
// On ErrCounterOverflow the sketch may be left with a partial update;
// the error is fatal to the aggregation either way.
func (s *Sketch) Insert(v int64) error {
	if s.canon == nil {
		return ErrUnknownType
	}

	var scratch [24]byte
	x := v
	for level := 0; level < Ranges; level++ {
		if err := s.insertItem(level, s.canon(scratch[:0], x)); err != nil {
			return err
		}
		x >>= 1
	}

	s.setCount(s.Count() + 1)
	return nil
}

// Merge returns a fresh sketch holding the pointwise sum of s and other.
// Both inputs are left untouched, so partial sketches can be combined in
// any pairwise order and grouping with byte-identical results. Sketches
// disagreeing on type id or dimensions do not merge.
func (s *Sketch) Merge(other *Sketch) (*Sketch, error) {
	if s.TypeID() != other.TypeID() {
		return nil, ErrTypeMismatch
	}
	if s.Width() != other.Width() || s.Depth() != other.Depth() {
		return nil, ErrDimensionMismatch
	}

	out := &Sketch{
		backing: append([]byte(nil), s.backing...),
		canon:   s.canon,
	}
	for off := uint64(HeaderSize); off < uint64(len(out.backing)); off += counterSize {
		a := int64(binary.LittleEndian.Uint64(out.backing[off:]))
		b := int64(binary.LittleEndian.Uint64(other.backing[off:]))
		if a+b > CounterLimit {
			return nil, ErrCounterOverflow
		}
		binary.LittleEndian.PutUint64(out.backing[off:], uint64(a+b))
	}
	out.setCount(s.Count() + other.Count())
	return out, nil
}
