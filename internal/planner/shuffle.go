package planner

import (
	"crypto/rand"
	"math/rand/v2"
)

const seedSize = 32

// newShuffleSeed draws seedSize bytes from a cryptographically strong
// source (spec.md §4.2 step 3: "the random seed must come from a
// cryptographically strong source").
func newShuffleSeed() ([]byte, error) {
	seed := make([]byte, seedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, err
	}
	return seed, nil
}

// newShuffleSource builds a math/rand/v2 ChaCha8 source from a CSPRNG-drawn
// seed. Deriving the permutation from a seeded, replayable source (rather
// than drawing directly from crypto/rand on every swap) is what lets
// AssignSeedRederivation reconstruct the exact same chunk membership later
// from only the stored seed.
func newShuffleSource(seed []byte) *rand.ChaCha8 {
	var key [32]byte
	copy(key[:], seed)
	return rand.NewChaCha8(key)
}

// fisherYatesShuffle permutes ids in place using the Fisher–Yates algorithm
// driven by src, so every permutation of N ids is equally likely (spec.md
// §4.2 step 3) and, given the same seed, the permutation is reproducible.
func fisherYatesShuffle(ids []string, src *rand.ChaCha8) {
	r := rand.New(src)
	for i := len(ids) - 1; i > 0; i-- {
		j := r.IntN(i + 1)
		ids[i], ids[j] = ids[j], ids[i]
	}
}
