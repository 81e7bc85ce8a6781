//go:build !gocv

package features

import (
	"image"
	"math"

	"github.com/emirpasic/gods/trees/binaryheap"

	"github.com/example/medcheck/internal/imaging"
)

// Extract detects up to MaxKeypoints oriented FAST keypoints across a scale
// pyramid and computes a steered BRIEF descriptor for each. A featureless image
// yields no features.
func Extract(img *image.Gray) []Feature {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	quotas := levelQuotas(MaxKeypoints)

	var out []Feature
	for level := 0; level < pyramidLevels; level++ {
		scale := math.Pow(scaleFactor, float64(level))
		lw := int(math.Round(float64(w) / scale))
		lh := int(math.Round(float64(h) / scale))
		if lw <= 2*edgeThreshold || lh <= 2*edgeThreshold {
			break
		}

		levelImg := imaging.ResizeGray(img, lw, lh)
		corners := strongest(levelImg, detectFAST(levelImg, fastThreshold, edgeThreshold), quotas[level])
		if len(corners) == 0 {
			continue
		}

		smoothed := gaussianBlur(levelImg)
		for _, c := range corners {
			theta := orientation(levelImg, c.x, c.y)
			out = append(out, Feature{
				Keypoint: Keypoint{
					X:        float64(c.x) * scale,
					Y:        float64(c.y) * scale,
					Level:    level,
					Angle:    theta,
					Response: c.response,
				},
				Descriptor: describe(smoothed, c.x, c.y, theta),
			})
		}
	}
	return out
}

// levelQuotas splits total across the pyramid geometrically, coarser levels
// receiving fewer keypoints; the last level takes the remainder.
func levelQuotas(total int) [pyramidLevels]int {
	var quotas [pyramidLevels]int
	factor := 1 / scaleFactor
	perLevel := float64(total) * (1 - factor) / (1 - math.Pow(factor, pyramidLevels))
	sum := 0
	for l := 0; l < pyramidLevels-1; l++ {
		quotas[l] = int(math.Round(perLevel))
		sum += quotas[l]
		perLevel *= factor
	}
	if rest := total - sum; rest > 0 {
		quotas[pyramidLevels-1] = rest
	}
	return quotas
}

// strongest ranks corners by Harris response and keeps the top n.
func strongest(img *image.Gray, corners []corner, n int) []corner {
	if n <= 0 || len(corners) == 0 {
		return nil
	}

	heap := binaryheap.NewWith(func(a, b interface{}) int {
		ca, cb := a.(corner), b.(corner)
		switch {
		case ca.response < cb.response:
			return -1
		case ca.response > cb.response:
			return 1
		case ca.y != cb.y:
			return cb.y - ca.y
		default:
			return cb.x - ca.x
		}
	})
	for _, c := range corners {
		c.response = harrisResponse(img, c.x, c.y, harrisBlock, harrisK)
		heap.Push(c)
		if heap.Size() > n {
			heap.Pop()
		}
	}

	kept := make([]corner, heap.Size())
	for i := len(kept) - 1; i >= 0; i-- {
		v, _ := heap.Pop()
		kept[i] = v.(corner)
	}
	return kept
}
