// Package similarity scores pixel-intensity agreement between two images.
package similarity

import (
	"image"
	"math"

	"github.com/example/medcheck/internal/imaging"
	"github.com/example/medcheck/internal/verdict"
)

// Canonical resolution for the structural comparison.
const (
	CanonicalWidth  = 400
	CanonicalHeight = 400
)

// PSNR band mapped linearly onto [0,1].
const (
	psnrFloor = 20.0
	psnrCeil  = 40.0
)

// Structural compares two decoded images by PSNR after resizing both to the
// canonical resolution. Identical inputs score 1.
func Structural(candidate, reference *imaging.Grid) float64 {
	return StructuralGray(
		imaging.Canonical(candidate, CanonicalWidth, CanonicalHeight),
		imaging.Canonical(reference, CanonicalWidth, CanonicalHeight),
	)
}

// StructuralGray scores two luminance images that are already at the same size.
func StructuralGray(a, b *image.Gray) float64 {
	mse := MeanSquaredError(a, b)
	if mse == 0 {
		return 1
	}
	return ScorePSNR(PSNR(mse))
}

// MeanSquaredError over corresponding samples. a and b must have equal bounds.
func MeanSquaredError(a, b *image.Gray) float64 {
	w, h := a.Bounds().Dx(), a.Bounds().Dy()
	if w == 0 || h == 0 {
		return 0
	}
	var sum float64
	for y := 0; y < h; y++ {
		ra := a.Pix[y*a.Stride : y*a.Stride+w]
		rb := b.Pix[y*b.Stride : y*b.Stride+w]
		for x := range ra {
			d := float64(ra[x]) - float64(rb[x])
			sum += d * d
		}
	}
	return sum / float64(w*h)
}

// PSNR for 8-bit samples. mse must be positive.
func PSNR(mse float64) float64 {
	return 20 * math.Log10(255/math.Sqrt(mse))
}

// ScorePSNR maps 20 dB to 0 and 40 dB to 1, clamping outside that band.
func ScorePSNR(psnr float64) float64 {
	return verdict.Clamp((psnr - psnrFloor) / (psnrCeil - psnrFloor))
}
