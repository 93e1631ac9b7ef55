package feedback

import (
	"math/bits"

	"vmfuzz/internal/coverage"
)

// CmpPolicy turns the comparison sites improved by one execution into the
// vote awarded to the ancestor state.
type CmpPolicy interface {
	Name() string
	Votes(improved []coverage.Improvement) float64
}

// AnySite awards one vote however many sites improved.
type AnySite struct{}

func (AnySite) Name() string { return "any_site" }

func (AnySite) Votes(improved []coverage.Improvement) float64 {
	if len(improved) == 0 {
		return 0
	}
	return 1
}

// PerSite awards one vote per improved site.
type PerSite struct{}

func (PerSite) Name() string { return "per_site" }

func (PerSite) Votes(improved []coverage.Improvement) float64 {
	return float64(len(improved))
}

// MaxGain scales the vote by the bit length of the largest single gain, so a
// site that jumped from "far" to "equal" outweighs many small nudges.
type MaxGain struct{}

func (MaxGain) Name() string { return "max_gain" }

func (MaxGain) Votes(improved []coverage.Improvement) float64 {
	if len(improved) == 0 {
		return 0
	}
	var best uint64
	for _, imp := range improved {
		best = max(best, imp.Gain())
	}
	return max(1, float64(bits.Len64(best))/8)
}

func CmpPolicyByName(name string) (CmpPolicy, bool) {
	switch name {
	case "", "any_site":
		return AnySite{}, true
	case "per_site":
		return PerSite{}, true
	case "max_gain":
		return MaxGain{}, true
	}
	return nil, false
}
