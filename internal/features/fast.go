//go:build !gocv

package features

import "image"

// Bresenham circle of radius 3 used by the FAST segment test, clockwise from 12 o'clock.
var fastCircle = [16][2]int{
	{0, -3}, {1, -3}, {2, -2}, {3, -1}, {3, 0}, {3, 1}, {2, 2}, {1, 3},
	{0, 3}, {-1, 3}, {-2, 2}, {-3, 1}, {-3, 0}, {-3, -1}, {-2, -2}, {-1, -3},
}

// FAST-9: nine contiguous circle pixels all brighter or all darker than the centre.
const fastArc = 9

type corner struct {
	x, y     int
	score    float64
	response float64
}

// detectFAST returns non-maximum-suppressed FAST corners at least border pixels
// away from every edge of img.
func detectFAST(img *image.Gray, threshold, border int) []corner {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	if w <= 2*border || h <= 2*border {
		return nil
	}

	var offsets [16]int
	for i, o := range fastCircle {
		offsets[i] = o[1]*img.Stride + o[0]
	}

	scores := make([]float64, w*h)
	for y := border; y < h-border; y++ {
		for x := border; x < w-border; x++ {
			scores[y*w+x] = fastScore(img.Pix, y*img.Stride+x, &offsets, threshold)
		}
	}

	var corners []corner
	for y := border; y < h-border; y++ {
		for x := border; x < w-border; x++ {
			p := y*w + x
			s := scores[p]
			if s == 0 || !isLocalMax(scores, w, p, s) {
				continue
			}
			corners = append(corners, corner{x: x, y: y, score: s})
		}
	}
	return corners
}

// fastScore returns 0 when the pixel fails the segment test, otherwise the sum of
// absolute differences beyond threshold over the circle pixels on the winning side.
func fastScore(pix []uint8, center int, offsets *[16]int, threshold int) float64 {
	c := int(pix[center])
	hi, lo := c+threshold, c-threshold

	var state [16]int8
	brighter, darker := 0, 0
	for _, i := range [4]int{0, 4, 8, 12} {
		v := int(pix[center+offsets[i]])
		if v > hi {
			brighter++
		} else if v < lo {
			darker++
		}
	}
	if brighter < 2 && darker < 2 {
		return 0
	}

	for i, off := range offsets {
		v := int(pix[center+off])
		switch {
		case v > hi:
			state[i] = 1
		case v < lo:
			state[i] = -1
		}
	}

	sign := int8(0)
	for _, s := range []int8{1, -1} {
		run := 0
		for i := 0; i < 16+fastArc-1; i++ {
			if state[i%16] == s {
				run++
				if run >= fastArc {
					sign = s
					break
				}
			} else {
				run = 0
			}
		}
		if sign != 0 {
			break
		}
	}
	if sign == 0 {
		return 0
	}

	var score float64
	for i, off := range offsets {
		if state[i] != sign {
			continue
		}
		d := int(pix[center+off]) - c
		if d < 0 {
			d = -d
		}
		score += float64(d - threshold)
	}
	return score
}

// isLocalMax keeps the first pixel of a tied plateau.
func isLocalMax(scores []float64, w, p int, s float64) bool {
	for dy := -1; dy <= 1; dy++ {
		for dx := -1; dx <= 1; dx++ {
			if dx == 0 && dy == 0 {
				continue
			}
			n := p + dy*w + dx
			if scores[n] > s || (scores[n] == s && n < p) {
				return false
			}
		}
	}
	return true
}

// harrisResponse evaluates det(M) - k·trace(M)² over a block centred on (x, y)
// using 3×3 Sobel gradients.
func harrisResponse(img *image.Gray, x, y, block int, k float64) float64 {
	r := block / 2
	var a, b, c float64
	for dy := -r; dy <= r; dy++ {
		for dx := -r; dx <= r; dx++ {
			ix, iy := sobel(img, x+dx, y+dy)
			a += ix * ix
			b += iy * iy
			c += ix * iy
		}
	}
	return a*b - c*c - k*(a+b)*(a+b)
}

func sobel(img *image.Gray, x, y int) (float64, float64) {
	p := func(dx, dy int) float64 {
		return float64(img.Pix[(y+dy)*img.Stride+x+dx])
	}
	gx := (p(1, -1) + 2*p(1, 0) + p(1, 1)) - (p(-1, -1) + 2*p(-1, 0) + p(-1, 1))
	gy := (p(-1, 1) + 2*p(0, 1) + p(1, 1)) - (p(-1, -1) + 2*p(0, -1) + p(1, -1))
	return gx, gy
}
