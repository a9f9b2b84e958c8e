package countmin

import "math"

// DimensionsFromProb derives sketch dimensions from error parameters
// using the standard Count-Min bounds:
//
//	width = ceil(e / epsilon)     where e is Euler's number
//	depth = ceil(ln(1 / delta))
//
// epsilon bounds the relative error of a point estimate (at most
// true_count + epsilon*N for N total insertions) and delta the
// probability of exceeding that bound. Non-positive inputs fall back to
// epsilon=0.001, delta=0.01. Note the dyadic structure multiplies the
// footprint by 64 levels, so width=2719, depth=5 costs about 7MB.
func DimensionsFromProb(epsilon, delta float64) (width, depth uint32) {
	if epsilon <= 0 {
		epsilon = 0.001
	}
	if delta <= 0 {
		delta = 0.01
	}

	width = uint32(math.Ceil(math.E / epsilon))
	depth = uint32(math.Ceil(math.Log(1 / delta)))

	if width < 1 {
		width = 1
	}
	if depth < 1 {
		depth = 1
	}

	return width, depth
}
