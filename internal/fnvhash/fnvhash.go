// Package fnvhash implements the two deterministic hash primitives the
// scale engine builds everything else on: a byte-oriented FNV-1a 64 accumulator
// and a splitmix64-style finalizer used to derive seeds from a hash value.
//
// Both are hand-rolled rather than taken from hash/fnv because every
// cross-implementation replay must produce the identical bit pattern for
// the identical input, and the exact update order — big-endian byte
// streaming through a single 64-bit accumulator — is part of the wire
// contract, not an implementation detail library authors are free to
// change.
package fnvhash

// FNV-1a 64 initial basis and prime, fixed by the wire format.
const (
	offsetBasis uint64 = 0xcbf29ce484222325
	prime       uint64 = 0x100000001b3
)

// Hash accumulates an FNV-1a 64 hash. The zero value is not a valid
// accumulator; use New to get one seeded with the canonical offset basis.
type Hash struct {
	state uint64
}

// New returns a Hash seeded with the canonical FNV-1a 64 offset basis.
func New() Hash {
	return Hash{state: offsetBasis}
}

// Sum returns the accumulated hash value.
func (h Hash) Sum() uint64 {
	return h.state
}

// WriteBytes folds raw bytes into the hash, one byte at a time.
func (h Hash) WriteBytes(b []byte) Hash {
	s := h.state
	for _, c := range b {
		s ^= uint64(c)
		s *= prime
	}
	return Hash{state: s}
}

// WriteU32 folds a big-endian uint32 into the hash.
func (h Hash) WriteU32(v uint32) Hash {
	return h.WriteBytes([]byte{
		byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v),
	})
}

// WriteU64 folds a big-endian uint64 into the hash.
func (h Hash) WriteU64(v uint64) Hash {
	return h.WriteBytes([]byte{
		byte(v >> 56), byte(v >> 48), byte(v >> 40), byte(v >> 32),
		byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v),
	})
}

// WriteI64 folds a big-endian int64 (reinterpreted as uint64) into the hash.
func (h Hash) WriteI64(v int64) Hash {
	return h.WriteU64(uint64(v))
}

// WriteString folds a UTF-8 string into the hash.
func (h Hash) WriteString(s string) Hash {
	return h.WriteBytes([]byte(s))
}

// SplitMix64Finalize mixes a 64-bit value through the splitmix64 output
// function. The engine uses it to turn a capsule id (itself an FNV-1a 64
// hash) into a seed_base that is well distributed across the low 32 bits,
// which is what callers actually consume.
func SplitMix64Finalize(mix uint64) uint64 {
	mix ^= mix >> 33
	mix *= 0xff51afd7ed558ccd
	mix ^= mix >> 33
	return mix
}

// HashString32 produces a 32-bit FNV-1a hash of a string, used to fold
// stream names into RNG derivation without pulling in the full 64-bit
// accumulator's state shape.
func HashString32(s string) uint32 {
	h := uint32(2166136261)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	return h
}

// FoldU64 folds a 64-bit id down to 32 bits by XORing its two halves,
// used to mix domain ids into an RNG stream derivation.
func FoldU64(v uint64) uint32 {
	return uint32(v) ^ uint32(v>>32)
}
