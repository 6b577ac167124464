package digitlm

// Deterministic train/validation split.

import (
	"math"

	"github.com/pkg/errors"
)

// lcg is a 64-bit linear congruential generator (Knuth's MMIX constants). The permutation for a
// seed must be identical on every platform and Go release, which math/rand does not promise.
type lcg struct {
	state uint64
}

func newLCG(seed int64) *lcg {
	return &lcg{state: uint64(seed)}
}

func (g *lcg) next() uint64 {
	g.state = g.state*6364136223846793005 + 1442695040888963407
	return g.state
}

// intn returns a value in [0, n). n must be positive.
func (g *lcg) intn(n int) int {
	return int((g.next() >> 33) % uint64(n))
}

// permutation returns a Fisher-Yates shuffle of 0..n-1.
func permutation(n int, seed int64) []int {
	perm := make([]int, n)
	for i := range perm {
		perm[i] = i
	}
	g := newLCG(seed)
	for i := n - 1; i > 0; i-- {
		j := g.intn(i + 1)
		perm[i], perm[j] = perm[j], perm[i]
	}
	return perm
}

// ValidationCount is the size of the validation set for n records and fraction valFraction: zero
// for a zero fraction, otherwise floor(n*valFraction) but at least one.
func ValidationCount(n int, valFraction float64) int {
	if valFraction <= 0 || n == 0 {
		return 0
	}
	c := int(math.Floor(float64(n) * valFraction))
	if c < 1 {
		c = 1
	}
	return c
}

// SplitRecords shuffles a copy of records with seed and divides it into training and validation
// sets. The validation set is the head of the permutation.
//
// valFraction must be in [0, 1). The same records and seed always give the same split. With a
// single record and a positive fraction, train is empty.
func SplitRecords(records []Record, valFraction float64, seed int64) (train, val []Record,
	err error) {

	if math.IsNaN(valFraction) || valFraction < 0 || valFraction >= 1 {
		return nil, nil, errors.Errorf("validation fraction %v is outside [0, 1)", valFraction)
	}

	shuffled := make([]Record, len(records))
	for i, j := range permutation(len(records), seed) {
		shuffled[i] = records[j]
	}

	n := ValidationCount(len(shuffled), valFraction)
	return shuffled[n:], shuffled[:n], nil
}
