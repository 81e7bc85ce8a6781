package imaging

import (
	"image"
	"image/draw"

	"github.com/nfnt/resize"
)

// ResizeGray scales g to exactly width×height with bilinear interpolation.
// Aspect ratio is not preserved.
func ResizeGray(g *image.Gray, width, height int) *image.Gray {
	if g.Bounds().Dx() == width && g.Bounds().Dy() == height && g.Bounds().Min == (image.Point{}) {
		out := image.NewGray(g.Bounds())
		copy(out.Pix, g.Pix)
		return out
	}
	scaled := resize.Resize(uint(width), uint(height), g, resize.Bilinear)
	if gray, ok := scaled.(*image.Gray); ok && gray.Bounds().Min == (image.Point{}) {
		return gray
	}
	out := image.NewGray(image.Rect(0, 0, width, height))
	draw.Draw(out, out.Bounds(), scaled, scaled.Bounds().Min, draw.Src)
	return out
}

// Canonical returns the luminance of g resized to width×height.
func Canonical(g *Grid, width, height int) *image.Gray {
	return ResizeGray(g.Luminance(), width, height)
}
