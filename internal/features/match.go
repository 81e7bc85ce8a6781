// Package features scores structural similarity between two images by
// matching binary keypoint descriptors.
package features

import (
	"image"
	"sort"

	"github.com/steakknife/hamming"

	"github.com/example/medcheck/internal/imaging"
	"github.com/example/medcheck/internal/verdict"
)

// Canonical resolution for keypoint extraction.
const (
	CanonicalWidth  = 600
	CanonicalHeight = 400
)

// MaxKeypoints bounds the number of features kept per image.
const MaxKeypoints = 800

// A median Hamming distance at or above this value scores 0.
const distanceSaturation = 100.0

// Descriptor is a 256-bit binary descriptor.
type Descriptor [4]uint64

// Keypoint locates a feature in canonical (level 0) coordinates.
type Keypoint struct {
	X, Y     float64
	Level    int
	Angle    float64 // radians
	Response float64
}

// Feature is a keypoint with its descriptor.
type Feature struct {
	Keypoint
	Descriptor Descriptor
}

// Match pairs a query descriptor with a train descriptor.
type Match struct {
	QueryIdx int
	TrainIdx int
	Distance int
}

// Distance is the Hamming distance between two descriptors.
func Distance(a, b Descriptor) int {
	d := 0
	for i := range a {
		d += hamming.Uint64(a[i], b[i])
	}
	return d
}

// Canonical prepares a grid for extraction.
func Canonical(g *imaging.Grid) *image.Gray {
	return imaging.Canonical(g, CanonicalWidth, CanonicalHeight)
}

// Similarity extracts features from both images and scores their correspondence.
func Similarity(a, b *imaging.Grid) float64 {
	return Score(Extract(Canonical(a)), Extract(Canonical(b)))
}

// Score converts the median distance of cross-checked matches into [0,1].
// Either side without features, or no surviving match, scores 0.
func Score(a, b []Feature) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	matches := CrossCheckMatch(descriptors(a), descriptors(b))
	if len(matches) == 0 {
		return 0
	}
	distances := make([]float64, len(matches))
	for i, m := range matches {
		distances[i] = float64(m.Distance)
	}
	md := median(distances)
	if md > distanceSaturation {
		md = distanceSaturation
	}
	return verdict.Clamp(1 - md/distanceSaturation)
}

// CrossCheckMatch returns the pairs that are each other's nearest neighbour.
// Ties resolve to the lowest index.
func CrossCheckMatch(query, train []Descriptor) []Match {
	if len(query) == 0 || len(train) == 0 {
		return nil
	}
	forward, forwardDist := nearest(query, train)
	backward, _ := nearest(train, query)

	var matches []Match
	for q, t := range forward {
		if backward[t] == q {
			matches = append(matches, Match{QueryIdx: q, TrainIdx: t, Distance: forwardDist[q]})
		}
	}
	return matches
}

func nearest(from, to []Descriptor) ([]int, []int) {
	idx := make([]int, len(from))
	dist := make([]int, len(from))
	for i, d := range from {
		best, bestDist := 0, int(^uint(0)>>1)
		for j, o := range to {
			if dd := Distance(d, o); dd < bestDist {
				best, bestDist = j, dd
			}
		}
		idx[i], dist[i] = best, bestDist
	}
	return idx, dist
}

func descriptors(fs []Feature) []Descriptor {
	out := make([]Descriptor, len(fs))
	for i, f := range fs {
		out[i] = f.Descriptor
	}
	return out
}

// median of a non-empty slice; an even count averages the two middle values.
func median(values []float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}
