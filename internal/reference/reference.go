package reference

import (
	"errors"
	"fmt"
	"image"
	"os"

	"github.com/example/medcheck/internal/features"
	"github.com/example/medcheck/internal/imaging"
	"github.com/example/medcheck/internal/similarity"
)

// ErrReferenceUnavailable reports an exemplar that cannot be read or decoded.
var ErrReferenceUnavailable = errors.New("reference unavailable")

// Exemplar is one reference image together with the canonical forms each
// metric compares against.
type Exemplar struct {
	Name       string
	Grid       *imaging.Grid
	Structural *image.Gray
	Features   []features.Feature
}

// Set holds the authentic and counterfeit exemplars. It is built once and
// never modified, so it is safe to share between goroutines.
type Set struct {
	Authentic   *Exemplar
	Counterfeit *Exemplar
}

// Load reads both exemplars from disk and prepares them with FromBytes.
func Load(authenticPath, counterfeitPath string) (*Set, error) {
	authentic, err := readExemplar("authentic", authenticPath)
	if err != nil {
		return nil, err
	}
	counterfeit, err := readExemplar("counterfeit", counterfeitPath)
	if err != nil {
		return nil, err
	}
	return FromBytes(authentic, counterfeit)
}

// FromBytes builds a Set from encoded exemplar images.
func FromBytes(authentic, counterfeit []byte) (*Set, error) {
	a, err := newExemplar("authentic", authentic)
	if err != nil {
		return nil, err
	}
	c, err := newExemplar("counterfeit", counterfeit)
	if err != nil {
		return nil, err
	}
	return &Set{Authentic: a, Counterfeit: c}, nil
}

func readExemplar(name, path string) ([]byte, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: %s exemplar path not configured", ErrReferenceUnavailable, name)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s exemplar: %v", ErrReferenceUnavailable, name, err)
	}
	return data, nil
}

func newExemplar(name string, data []byte) (*Exemplar, error) {
	grid, err := imaging.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s exemplar: %v", ErrReferenceUnavailable, name, err)
	}
	return &Exemplar{
		Name:       name,
		Grid:       grid,
		Structural: imaging.Canonical(grid, similarity.CanonicalWidth, similarity.CanonicalHeight),
		Features:   features.Extract(features.Canonical(grid)),
	}, nil
}
