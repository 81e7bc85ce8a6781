package features

import (
	"image"
	"math"
)

// Summary describes where a feature set landed, for startup logging.
type Summary struct {
	Count        int
	PerLevel     [pyramidLevels]int
	MeanResponse float64
	Bounds       image.Rectangle
}

// Summarize aggregates keypoint positions, pyramid levels and responses.
func Summarize(fs []Feature) Summary {
	s := Summary{Count: len(fs)}
	if len(fs) == 0 {
		return s
	}
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	var total float64
	for _, f := range fs {
		if f.Level >= 0 && f.Level < pyramidLevels {
			s.PerLevel[f.Level]++
		}
		total += f.Response
		minX, maxX = math.Min(minX, f.X), math.Max(maxX, f.X)
		minY, maxY = math.Min(minY, f.Y), math.Max(maxY, f.Y)
	}
	s.MeanResponse = total / float64(len(fs))
	s.Bounds = image.Rect(int(math.Floor(minX)), int(math.Floor(minY)), int(math.Ceil(maxX))+1, int(math.Ceil(maxY))+1)
	return s
}
