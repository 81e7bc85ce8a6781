package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"

	// Registered containers for image.Decode.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "github.com/spakin/netpbm"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// ErrUnreadableImage reports bytes that do not parse as a supported image container.
var ErrUnreadableImage = errors.New("unreadable image")

// ErrImageTooLarge reports an image whose header declares more than MaxPixels.
var ErrImageTooLarge = errors.New("image dimensions too large")

// MaxPixels bounds width×height of an accepted image. The header is checked
// before any raster is allocated.
const MaxPixels = 40_000_000

// Grid is a decoded raster: row-major, channel-interleaved 8-bit samples.
// A Grid is never modified after Decode returns it.
type Grid struct {
	width    int
	height   int
	channels int
	format   string
	pix      []uint8
}

// Decode parses a compressed image. Colour sources become 3-channel RGB with
// alpha dropped; grayscale sources stay single-channel.
func Decode(data []byte) (*Grid, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty buffer", ErrUnreadableImage)
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreadableImage, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("%w: empty image", ErrUnreadableImage)
	}
	if int64(cfg.Width)*int64(cfg.Height) > MaxPixels {
		return nil, fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrImageTooLarge, cfg.Width, cfg.Height, MaxPixels)
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreadableImage, err)
	}
	grid := FromImage(img)
	if grid == nil {
		return nil, fmt.Errorf("%w: empty %s image", ErrUnreadableImage, format)
	}
	grid.format = format
	return grid, nil
}

// FromImage copies an image.Image into a Grid. It returns nil for zero-area images.
func FromImage(img image.Image) *Grid {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= 0 || h <= 0 {
		return nil
	}

	switch src := img.(type) {
	case *image.Gray:
		pix := make([]uint8, w*h)
		for y := 0; y < h; y++ {
			off := src.PixOffset(b.Min.X, b.Min.Y+y)
			copy(pix[y*w:(y+1)*w], src.Pix[off:off+w])
		}
		return &Grid{width: w, height: h, channels: 1, pix: pix}
	case *image.Gray16:
		pix := make([]uint8, w*h)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				pix[y*w+x] = color.GrayModel.Convert(src.At(b.Min.X+x, b.Min.Y+y)).(color.Gray).Y
			}
		}
		return &Grid{width: w, height: h, channels: 1, pix: pix}
	}

	pix := make([]uint8, w*h*3)
	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			pix[i], pix[i+1], pix[i+2] = c.R, c.G, c.B
			i += 3
		}
	}
	return &Grid{width: w, height: h, channels: 3, pix: pix}
}

// Width returns the number of columns.
func (g *Grid) Width() int { return g.width }

// Height returns the number of rows.
func (g *Grid) Height() int { return g.height }

// Channels is 1 for grayscale grids and 3 for RGB grids.
func (g *Grid) Channels() int { return g.channels }

// Format is the container name reported by the decoder ("jpeg", "png", "webp", ...).
// It is empty for grids built with FromImage.
func (g *Grid) Format() string { return g.format }

// sample returns channel c of the pixel at column x, row y.
func (g *Grid) sample(x, y, c int) uint8 {
	return g.pix[(y*g.width+x)*g.channels+c]
}

// Luminance converts the grid to 8-bit luma using BT.601 weights.
func (g *Grid) Luminance() *image.Gray {
	out := image.NewGray(image.Rect(0, 0, g.width, g.height))
	if g.channels == 1 {
		copy(out.Pix, g.pix)
		return out
	}
	for i, j := 0, 0; i < len(out.Pix); i, j = i+1, j+3 {
		r := float64(g.pix[j])
		gr := float64(g.pix[j+1])
		b := float64(g.pix[j+2])
		y := 0.299*r + 0.587*gr + 0.114*b + 0.5
		if y > 255 {
			y = 255
		}
		out.Pix[i] = uint8(y)
	}
	return out
}
