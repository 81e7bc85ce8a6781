//go:build !gocv

package features

import (
	"image"
	"math"
	"math/rand"
)

const (
	patchRadius = patchSize / 2

	// Pattern coordinates are drawn from N(0, (patchSize/5)²) and clipped so a
	// rotated pair never leaves the patch border.
	patternClip  = 13
	patternSeed  = 0x0b1ef
	angleBins    = 30
	blurRadius   = 3
	blurSigma    = 2.0
	bitsPerWord  = 64
	patternPairs = descriptorBits
)

type samplePair struct {
	x1, y1, x2, y2 int
}

// steeredPatterns[b] is the sampling pattern rotated by b·(2π/angleBins).
var steeredPatterns = buildSteeredPatterns()

// circleExtent[dy] is the largest dx with dx²+dy² ≤ patchRadius².
var circleExtent = buildCircleExtent()

func buildSteeredPatterns() [angleBins][patternPairs]samplePair {
	rng := rand.New(rand.NewSource(patternSeed))
	sigma := float64(patchSize) / 5
	draw := func() float64 {
		for {
			v := rng.NormFloat64() * sigma
			if math.Abs(v) <= patternClip {
				return v
			}
		}
	}

	var base [patternPairs][4]float64
	for i := range base {
		base[i] = [4]float64{draw(), draw(), draw(), draw()}
	}

	var out [angleBins][patternPairs]samplePair
	for b := 0; b < angleBins; b++ {
		theta := float64(b) * 2 * math.Pi / angleBins
		sin, cos := math.Sincos(theta)
		for i, p := range base {
			out[b][i] = samplePair{
				x1: int(math.Round(p[0]*cos - p[1]*sin)),
				y1: int(math.Round(p[0]*sin + p[1]*cos)),
				x2: int(math.Round(p[2]*cos - p[3]*sin)),
				y2: int(math.Round(p[2]*sin + p[3]*cos)),
			}
		}
	}
	return out
}

func buildCircleExtent() [patchRadius + 1]int {
	var out [patchRadius + 1]int
	for dy := 0; dy <= patchRadius; dy++ {
		out[dy] = int(math.Floor(math.Sqrt(float64(patchRadius*patchRadius - dy*dy))))
	}
	return out
}

// orientation is the angle of the intensity centroid of the circular patch around (x, y).
func orientation(img *image.Gray, x, y int) float64 {
	var m01, m10 float64
	for dy := -patchRadius; dy <= patchRadius; dy++ {
		ext := circleExtent[abs(dy)]
		row := (y + dy) * img.Stride
		for dx := -ext; dx <= ext; dx++ {
			v := float64(img.Pix[row+x+dx])
			m10 += float64(dx) * v
			m01 += float64(dy) * v
		}
	}
	return math.Atan2(m01, m10)
}

func angleBin(theta float64) int {
	step := 2 * math.Pi / angleBins
	b := int(math.Round(theta/step)) % angleBins
	if b < 0 {
		b += angleBins
	}
	return b
}

// describe computes the steered BRIEF descriptor on a smoothed image.
func describe(smoothed *image.Gray, x, y int, theta float64) Descriptor {
	var d Descriptor
	center := y*smoothed.Stride + x
	for i, p := range steeredPatterns[angleBin(theta)] {
		a := smoothed.Pix[center+p.y1*smoothed.Stride+p.x1]
		b := smoothed.Pix[center+p.y2*smoothed.Stride+p.x2]
		if a < b {
			d[i/bitsPerWord] |= 1 << uint(i%bitsPerWord)
		}
	}
	return d
}

// gaussianBlur applies a separable Gaussian kernel with replicated borders.
func gaussianBlur(src *image.Gray) *image.Gray {
	w, h := src.Bounds().Dx(), src.Bounds().Dy()
	var kernel [2*blurRadius + 1]float64
	var sum float64
	for i := range kernel {
		d := float64(i - blurRadius)
		kernel[i] = math.Exp(-d * d / (2 * blurSigma * blurSigma))
		sum += kernel[i]
	}
	for i := range kernel {
		kernel[i] /= sum
	}

	tmp := make([]float64, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var acc float64
			for k, kv := range kernel {
				xx := clampInt(x+k-blurRadius, 0, w-1)
				acc += kv * float64(src.Pix[y*src.Stride+xx])
			}
			tmp[y*w+x] = acc
		}
	}

	dst := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var acc float64
			for k, kv := range kernel {
				yy := clampInt(y+k-blurRadius, 0, h-1)
				acc += kv * tmp[yy*w+x]
			}
			dst.Pix[y*dst.Stride+x] = uint8(clampInt(int(acc+0.5), 0, 255))
		}
	}
	return dst
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
