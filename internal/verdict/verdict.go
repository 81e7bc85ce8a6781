package verdict

import (
	"math"

	"golang.org/x/exp/constraints"
)

// Label is the outcome of a check.
type Label string

const (
	Authentic  Label = "authentic"
	LikelyFake Label = "likely_fake"
	Suspicious Label = "suspicious"
)

// Fusion weights. They sum to exactly 1.
const (
	StructuralWeight = 0.4
	FeatureWeight    = 0.6
)

// Classification thresholds.
const (
	AuthenticThreshold  = 0.70
	LikelyFakeThreshold = 0.65
)

// Clamp bounds v to [0,1]. NaN maps to 0.
func Clamp[T constraints.Float](v T) T {
	if math.IsNaN(float64(v)) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Round3 rounds half away from zero to three decimals.
func Round3[T constraints.Float](v T) T {
	return T(math.Round(float64(v)*1000) / 1000)
}

// Fuse combines the structural and feature scores for one reference.
func Fuse(structural, feature float64) float64 {
	return Round3(Clamp(StructuralWeight*Clamp(structural) + FeatureWeight*Clamp(feature)))
}

// Classify maps the fused scores against the authentic and counterfeit
// exemplars to a label. Every input pair, NaN included, yields exactly one label.
func Classify(fusedReal, fusedFake float64) Label {
	switch {
	case fusedReal > fusedFake && fusedReal >= AuthenticThreshold:
		return Authentic
	case fusedFake > fusedReal && fusedFake >= LikelyFakeThreshold:
		return LikelyFake
	default:
		return Suspicious
	}
}

// Valid reports whether l is one of the three labels.
func (l Label) Valid() bool {
	switch l {
	case Authentic, LikelyFake, Suspicious:
		return true
	}
	return false
}
