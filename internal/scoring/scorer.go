package scoring

import (
	"image"

	"golang.org/x/sync/errgroup"

	"github.com/example/medcheck/internal/features"
	"github.com/example/medcheck/internal/imaging"
	"github.com/example/medcheck/internal/reference"
	"github.com/example/medcheck/internal/similarity"
	"github.com/example/medcheck/internal/verdict"
)

// Comparison holds the metric scores of a candidate against one exemplar.
type Comparison struct {
	Structural float64 `json:"structural"`
	Feature    float64 `json:"feature"`
	Fused      float64 `json:"fused"`
}

// Assessment is the outcome of scoring one upload.
type Assessment struct {
	Label       verdict.Label `json:"label"`
	Authentic   Comparison    `json:"authentic"`
	Counterfeit Comparison    `json:"counterfeit"`
	Format      string        `json:"format"`
	Width       int           `json:"width"`
	Height      int           `json:"height"`
}

// FusedReal is the fused score against the authentic exemplar.
func (a *Assessment) FusedReal() float64 { return a.Authentic.Fused }

// FusedFake is the fused score against the counterfeit exemplar.
func (a *Assessment) FusedFake() float64 { return a.Counterfeit.Fused }

// Scorer classifies uploads against a fixed reference set.
// It holds no mutable state and may be used concurrently.
type Scorer struct {
	refs *reference.Set
}

// NewScorer returns a scorer bound to refs.
func NewScorer(refs *reference.Set) *Scorer {
	return &Scorer{refs: refs}
}

// Assess decodes data and classifies it. It fails with imaging.ErrUnreadableImage
// for undecodable bytes and reference.ErrReferenceUnavailable when the scorer
// has no complete reference set.
func (s *Scorer) Assess(data []byte) (*Assessment, error) {
	if s == nil || s.refs == nil || s.refs.Authentic == nil || s.refs.Counterfeit == nil {
		return nil, reference.ErrReferenceUnavailable
	}
	grid, err := imaging.Decode(data)
	if err != nil {
		return nil, err
	}
	return s.AssessGrid(grid)
}

// AssessGrid classifies an already decoded image.
func (s *Scorer) AssessGrid(grid *imaging.Grid) (*Assessment, error) {
	if s == nil || s.refs == nil || s.refs.Authentic == nil || s.refs.Counterfeit == nil {
		return nil, reference.ErrReferenceUnavailable
	}

	structural := imaging.Canonical(grid, similarity.CanonicalWidth, similarity.CanonicalHeight)
	candidateFeatures := features.Extract(features.Canonical(grid))

	var authentic, counterfeit Comparison
	var g errgroup.Group
	g.Go(func() error {
		authentic = compare(structural, candidateFeatures, s.refs.Authentic)
		return nil
	})
	g.Go(func() error {
		counterfeit = compare(structural, candidateFeatures, s.refs.Counterfeit)
		return nil
	})
	_ = g.Wait()

	return &Assessment{
		Label:       verdict.Classify(authentic.Fused, counterfeit.Fused),
		Authentic:   authentic,
		Counterfeit: counterfeit,
		Format:      grid.Format(),
		Width:       grid.Width(),
		Height:      grid.Height(),
	}, nil
}

func compare(structural *image.Gray, candidate []features.Feature, ref *reference.Exemplar) Comparison {
	st := similarity.StructuralGray(structural, ref.Structural)
	ft := features.Score(candidate, ref.Features)
	return Comparison{
		Structural: st,
		Feature:    ft,
		Fused:      verdict.Fuse(st, ft),
	}
}
