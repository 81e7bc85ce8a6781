package features

// Detector parameters shared by the extractor backends.
const (
	pyramidLevels  = 8
	scaleFactor    = 1.2
	edgeThreshold  = 31
	patchSize      = 31
	fastThreshold  = 20
	harrisBlock    = 7
	harrisK        = 0.04
	descriptorBits = 256
)
