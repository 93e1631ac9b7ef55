package scheduler

import (
	"math/rand"
)

// picker draws an index proportionally to a weight vector. The source is
// seeded so identical vote histories give identical selection traces.
type picker struct {
	rng   *rand.Rand
	floor float64
}

func newPicker(seed int64, floor float64) *picker {
	return &picker{rand.New(rand.NewSource(seed)), floor}
}

func (p *picker) pick(votes []float64) int {
	weights := make([]float64, len(votes))
	for i, v := range votes {
		weights[i] = max(v, p.floor)
	}
	normal := balance(weights)

	randomNum := p.rng.Float64()
	cumulative := 0.0
	for i, score := range normal {
		cumulative += score
		if randomNum < cumulative {
			return i
		}
	}
	// rounding left the cumulative sum just short of 1
	return len(votes) - 1
}

// a helper function to return a group of balanced score
func balance(ubScore []float64) []float64 {
	balanced := make([]float64, len(ubScore))
	sum := 0.0
	for _, score := range ubScore {
		sum += score
	}
	if sum == 0 {
		for idx := range ubScore {
			balanced[idx] = 1 / float64(len(ubScore))
		}
		return balanced
	}
	for idx, score := range ubScore {
		balanced[idx] = score / sum
	}
	return balanced
}
