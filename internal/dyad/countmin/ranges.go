package countmin

import (
	"math"
	"math/bits"
)

// span is a closed interval [lo, hi] whose length is 2^level and whose
// low end is a multiple of 2^level (a dyadic range). Single points are
// level-0 spans.
type span struct {
	lo, hi int64
	level  uint
}

// width returns the span's length as a power of two.
func (sp span) width() uint64 {
	return uint64(1) << sp.level
}

// findRanges splits the closed interval [lo, hi] into an ordered list of
// disjoint dyadic spans whose union is exactly [lo, hi]. For example
// [14, 48] becomes [14,15] [16,31] [32,47] [48,48] (emitted in recursion
// order, coarsest split first).
//
// At most two spans are produced per bit of the domain, so the list
// length is O(64) regardless of the interval width. An inverted interval
// (hi < lo) yields no spans.
func findRanges(lo, hi int64) []span {
	return appendRanges(nil, lo, hi, Ranges-1)
}

// appendRanges is the recursive worker. budget bounds the recursion
// depth, starting at the coarsest level.
func appendRanges(out []span, lo, hi int64, budget int) []span {
	if hi < lo || budget < 0 {
		return out
	}

	if hi == lo {
		return append(out, span{lo: lo, hi: hi, level: 0})
	}

	// An interval straddling zero would overflow the signed width
	// computation below, and the per-level arithmetic shift behaves
	// differently on each side of zero anyway. Split by hand.
	if lo < 0 && hi >= 0 {
		out = appendRanges(out, lo, -1, budget-1)
		return appendRanges(out, 0, hi, budget-1)
	}

	// Largest dyadic width fitting in the interval. Both endpoints share
	// a sign here, so hi-lo fits in int64; the +1 is done in uint64
	// because a full half-domain has width 2^63.
	intervalWidth := uint64(hi-lo) + 1
	level := uint(bits.Len64(intervalWidth)) - 1
	w := uint64(1) << level

	switch {
	case lo == math.MinInt64 || uint64(lo)%w == 0:
		// Left-aligned on the dyad: emit the maximal span at lo, then
		// work on the remainder at finer grain.
		last := lo + int64(w-1)
		out = append(out, span{lo: lo, hi: last, level: level})
		if last < hi {
			out = appendRanges(out, last+1, hi, budget-1)
		}
		return out

	case hi == math.MaxInt64 || uint64(hi+1)%w == 0:
		// Right-aligned: the span ends on a dyad boundary.
		first := hi - int64(w-1)
		out = append(out, span{lo: first, hi: hi, level: level})
		if first > lo {
			out = appendRanges(out, lo, first-1, budget-1)
		}
		return out

	default:
		// The interval straddles a power-of-two boundary p. Split there
		// and recurse on both halves at finer grain; nothing is emitted
		// at this step.
		p := int64(w) * floorDiv(hi, int64(w))
		out = appendRanges(out, lo, p-1, budget-1)
		return appendRanges(out, p, hi, budget-1)
	}
}

// floorDiv divides rounding toward negative infinity. Dyadic boundaries
// of negative intervals sit at floor multiples, not truncated ones:
// the level-2 dyad containing -2 is [-4,-1], so the boundary below -2 is
// 4*floor(-2/4) = -4, where truncation would wrongly give 0.
func floorDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}
