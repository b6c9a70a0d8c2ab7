package tdb

import (
	"github.com/cespare/xxhash/v2"
	"github.com/spaolacci/murmur3"
)

// HashFunc maps a key to the 32-bit hash that selects its chain.
//
// Every process sharing a file must use the same function. [Open] checks two
// fingerprints stored at creation and returns [ErrHashMismatch] when they
// disagree.
type HashFunc func(key []byte) uint32

// DefaultHash is xxHash64 folded to 32 bits. It is used when
// [Options.Hash] is nil.
func DefaultHash(key []byte) uint32 {
	h := xxhash.Sum64(key)

	return uint32(h) ^ uint32(h>>32)
}

// MurmurHash is 32-bit MurmurHash3 with seed 0.
func MurmurHash(key []byte) uint32 {
	return murmur3.Sum32(key)
}
