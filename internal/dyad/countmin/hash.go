package countmin

import "github.com/cespare/xxhash/v2"

// hashPair returns the two base hash components (h1, h2) used for double
// hashing. xxhash provides the primary hash; a SplitMix64 finalizer
// derives a statistically independent second component without
// re-hashing the input bytes.
func hashPair(item []byte) (uint64, uint64) {
	h1 := xxhash.Sum64(item)

	h2 := h1
	h2 ^= h2 >> 30
	h2 *= 0xbf58476d1ce4e5b9
	h2 ^= h2 >> 27
	h2 *= 0x94d049bb133111eb
	h2 ^= h2 >> 31

	return h1, h2
}

// column projects the hash pair onto a row's counter index.
// Formula: h_row(x) = (h1 + row*h2) % width
//
// The projection is a pure function of the input bytes, so repeated
// lookups for the same canonical value always land on the counters its
// insertions incremented.
func column(row uint32, h1, h2 uint64, width uint32) uint32 {
	return uint32((h1 + uint64(row)*h2) % uint64(width))
}
