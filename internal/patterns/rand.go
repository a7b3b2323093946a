package patterns

import (
	"hash/fnv"
	"math/rand/v2"
)

// NewRand returns the random source of one device. The same device id and
// seed always produce the same sequence.
func NewRand(deviceID string, seed uint64) *rand.Rand {
	h := fnv.New64a()
	h.Write([]byte(deviceID))
	return rand.New(rand.NewPCG(h.Sum64(), seed))
}

// RunSeed returns seed unchanged, or draws a fresh non-zero seed when it is 0.
func RunSeed(seed uint64) uint64 {
	for seed == 0 {
		seed = rand.Uint64()
	}
	return seed
}
