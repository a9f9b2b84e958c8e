// query.go implements the scalar queries over a completed sketch: point
// frequency, arbitrary range counts, centiles, and the two histogram
// shapes built on top of them. Queries are read-only and may run
// concurrently with each other, but not with an in-progress Insert or
// Merge into the same sketch.
package countmin

import "math"

// Bucket is one histogram bucket: the closed value interval [Lo, Hi] and
// the estimated number of inserted values that fell inside it.
type Bucket struct {
	Lo    int64
	Hi    int64
	Count int64
}

// estimateAt is the Count-Min point estimator at one dyadic level: the
// minimum counter across all rows for the canonical form of v. Each row
// may be inflated by hash collisions; the minimum over independent rows
// is still always >= the true count.
func (s *Sketch) estimateAt(level int, v int64) int64 {
	var scratch [24]byte
	item := s.canon(scratch[:0], v)

	width, depth := s.Width(), s.Depth()
	h1, h2 := hashPair(item)

	best := int64(math.MaxInt64)
	for row := uint32(0); row < depth; row++ {
		if c := s.counter(level, row, column(row, h1, h2, width)); c < best {
			best = c
		}
	}
	return best
}

// Estimate returns the approximate number of times v was inserted.
// The estimate never undercounts.
func (s *Sketch) Estimate(v int64) (int64, error) {
	if s.canon == nil {
		return 0, ErrTypeMismatch
	}
	return s.estimateAt(0, v), nil
}

// RangeCount returns the approximate number of inserted values in the
// closed interval [lo, hi]. The interval is decomposed into dyadic
// spans; each span costs exactly one point lookup at its level (the
// span's low end right-shifted by the level is the value that was
// sketched there), so a range of any width costs O(64) lookups.
// An inverted interval counts zero.
func (s *Sketch) RangeCount(lo, hi int64) (int64, error) {
	if s.canon == nil {
		return 0, ErrTypeMismatch
	}

	var sum int64
	for _, sp := range findRanges(lo, hi) {
		sum += s.estimateAt(int(sp.level), sp.lo>>sp.level)
	}
	return sum, nil
}

// Centile returns the approximate value below which p percent of the
// inserted values fall, for integer p in 1..99. It binary-searches the
// domain for the smallest x whose prefix count RangeCount(MinInt64, x)
// reaches total*p/100. The prefix count is monotone in x by construction
// (counters never decrease), which is what makes binary search valid
// over an approximate function.
func (s *Sketch) Centile(p int) (int64, error) {
	if p <= 0 || p >= 100 {
		return 0, ErrCentileRange
	}
	if s.canon == nil {
		return 0, ErrTypeMismatch
	}

	total, err := s.RangeCount(math.MinInt64, math.MaxInt64)
	if err != nil {
		return 0, err
	}
	if total == 0 {
		return 0, ErrEmptySketch
	}
	return s.centile(p, total)
}

// centile runs the binary search with a precomputed total. Interval
// widths are taken through uint64: the initial guess interval is the
// whole int64 domain, whose width does not fit a signed word.
func (s *Sketch) centile(p int, total int64) (int64, error) {
	target := int64(float64(total) * float64(p) / 100.0)

	lo, hi := int64(math.MinInt64), int64(math.MaxInt64)
	var cur int64

	for i := 0; i < Ranges-1 && uint64(hi)-uint64(lo) > 1; i++ {
		count, err := s.RangeCount(math.MinInt64, cur)
		if err != nil {
			return 0, err
		}
		if count == target {
			break
		}
		if count > target {
			// Overshot: move down into the lower half.
			hi = cur
			cur = lo + int64((uint64(cur)-uint64(lo))/2)
		} else {
			// Undershot: move up into the upper half.
			lo = cur
			cur = hi - int64((uint64(hi)-uint64(cur))/2)
		}
	}
	return cur, nil
}

// WidthHistogram builds an equi-width histogram of the interval
// [min, max] with up to buckets buckets of step max(width/buckets, 1).
// The last bucket absorbs any remainder up to max; fewer buckets than
// requested are returned when the interval is exhausted first. An
// inverted interval yields no buckets.
func (s *Sketch) WidthHistogram(min, max int64, buckets int) ([]Bucket, error) {
	if buckets < 1 {
		return nil, ErrBucketCount
	}
	if s.canon == nil {
		return nil, ErrTypeMismatch
	}
	if max < min {
		return nil, nil
	}

	// All stepping runs in uint64: the requested interval may span the
	// whole domain, whose width is one past MaxUint64's reach in signed
	// arithmetic. spanMinus1 is width-1, which always fits.
	spanMinus1 := uint64(max) - uint64(min)
	b := uint64(buckets)

	// step = floor((spanMinus1+1) / b) without materializing the width.
	step := spanMinus1 / b
	if spanMinus1%b == b-1 {
		step++
	}
	if step < 1 {
		step = 1
	}

	out := make([]Bucket, 0, buckets)
	for i := uint64(0); i < b; i++ {
		if i*step > spanMinus1 {
			break // interval exhausted before all buckets were used
		}
		lo := min + int64(i*step)
		hi := max
		if i < b-1 {
			hi = min + int64((i+1)*step-1)
		}
		count, err := s.RangeCount(lo, hi)
		if err != nil {
			return nil, err
		}
		out = append(out, Bucket{Lo: lo, Hi: hi, Count: count})
	}
	return out, nil
}

// DepthHistogram builds an equi-depth histogram: bucket boundaries are
// the equally spaced centiles max(100/buckets, 1) apart, with the last
// bucket's upper bound forced to the domain maximum. Each bucket is
// annotated with its range count. A sketch holding no values has no
// centiles, so the query reports ErrEmptySketch; asking for more than a
// hundred buckets would need centiles past the 99th and reports
// ErrCentileRange.
func (s *Sketch) DepthHistogram(buckets int) ([]Bucket, error) {
	if buckets < 1 {
		return nil, ErrBucketCount
	}
	if s.canon == nil {
		return nil, ErrTypeMismatch
	}

	total, err := s.RangeCount(math.MinInt64, math.MaxInt64)
	if err != nil {
		return nil, err
	}
	if total == 0 {
		return nil, ErrEmptySketch
	}

	step := 100 / buckets
	if step < 1 {
		step = 1
	}

	out := make([]Bucket, 0, buckets)
	lo := int64(math.MinInt64)
	for i := 0; i < buckets; i++ {
		hi := int64(math.MaxInt64)
		if i < buckets-1 {
			c := (i + 1) * step
			if c >= 100 {
				return nil, ErrCentileRange
			}
			if hi, err = s.centile(c, total); err != nil {
				return nil, err
			}
		}
		count, err := s.RangeCount(lo, hi)
		if err != nil {
			return nil, err
		}
		out = append(out, Bucket{Lo: lo, Hi: hi, Count: count})

		if hi == math.MaxInt64 {
			break // domain exhausted; also avoids overflowing lo below
		}
		lo = hi + 1
	}
	return out, nil
}
