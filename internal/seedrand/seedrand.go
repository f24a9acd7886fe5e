// Package seedrand is a reproducible PRNG keyed by a string seed. The
// generator is mulberry32 over an FNV-1a hash of the seed, so the same
// seed yields the same sequence in every process and in the reference
// client implementation.
package seedrand

// Rand is an independent generator. It carries no global state; two
// generators built from the same seed produce identical sequences.
type Rand struct {
	state uint32
}

func New(seed string) *Rand {
	return &Rand{state: fnv1a32(seed)}
}

func fnv1a32(s string) uint32 {
	h := uint32(2166136261)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	return h
}

// Next returns the next value in [0, 1).
func (r *Rand) Next() float64 {
	r.state += 0x6D2B79F5
	z := r.state
	z = (z ^ (z >> 15)) * (z | 1)
	z ^= z + (z^(z>>7))*(z|61)
	return float64(z^(z>>14)) / 4294967296.0
}

// NextInt returns a value in [0, max). max <= 0 returns 0.
func (r *Rand) NextInt(max int) int {
	if max <= 0 {
		return 0
	}
	return int(r.Next() * float64(max))
}

// Shuffle returns a new slice with items in Fisher-Yates order driven by
// Next. The input is not mutated.
func Shuffle[T any](r *Rand, items []T) []T {
	out := make([]T, len(items))
	copy(out, items)
	for i := len(out) - 1; i > 0; i-- {
		j := r.NextInt(i + 1)
		out[i], out[j] = out[j], out[i]
	}
	return out
}
