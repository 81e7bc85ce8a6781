//go:build gocv

package features

import (
	"image"
	"math"

	"gocv.io/x/gocv"
)

// Extract runs OpenCV's ORB detector with the same parameters as the pure Go
// extractor. Descriptor rows are packed little-endian into Descriptor words.
func Extract(img *image.Gray) []Feature {
	mat, err := gocv.ImageGrayToMatGray(img)
	if err != nil {
		return nil
	}
	defer mat.Close()

	orb := gocv.NewORBWithParams(MaxKeypoints, scaleFactor, pyramidLevels, edgeThreshold, 0, 2, gocv.ORBScoreTypeHarris, patchSize, fastThreshold)
	defer orb.Close()

	mask := gocv.NewMat()
	defer mask.Close()

	kps, desc := orb.DetectAndCompute(mat, mask)
	defer desc.Close()
	if desc.Empty() || desc.Cols()*8 != descriptorBits {
		return nil
	}

	out := make([]Feature, 0, len(kps))
	for i, kp := range kps {
		if i >= desc.Rows() {
			break
		}
		var d Descriptor
		for c := 0; c < desc.Cols(); c++ {
			d[c/8] |= uint64(desc.GetUCharAt(i, c)) << uint(8*(c%8))
		}
		out = append(out, Feature{
			Keypoint: Keypoint{
				X:        kp.X,
				Y:        kp.Y,
				Level:    kp.Octave,
				Angle:    kp.Angle * math.Pi / 180,
				Response: kp.Response,
			},
			Descriptor: d,
		})
	}
	return out
}
