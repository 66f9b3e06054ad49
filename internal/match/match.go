// Package match pairs calibration features detected by the reference and
// moving cameras.
package match

import (
	"fmt"

	"camera-alignment/internal/logging"
	"camera-alignment/pkg/geometry"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/mat"
)

// Point is a feature centroid with a stable identifier.
type Point struct {
	ID  int
	Pos geometry.Point2D
}

// Pair is one accepted correspondence.
type Pair struct {
	RefID int              `json:"ref_id"`
	MovID int              `json:"mov_id"`
	Ref   geometry.Point2D `json:"ref"`
	Mov   geometry.Point2D `json:"mov"`
	Cost  float64          `json:"cost"`
}

// Result is the correspondence map for one calibration run.
type Result struct {
	Pairs      []Pair
	Threshold  float64          // maximum feature displacement considered
	Offset     geometry.Point2D // gross moving-minus-reference shift applied when scoring
	Candidates int              // candidate pairs within the threshold
}

// RefPoints returns the reference side of every pair.
func (r Result) RefPoints() []geometry.Point2D {
	pts := make([]geometry.Point2D, len(r.Pairs))
	for i, p := range r.Pairs {
		pts[i] = p.Ref
	}
	return pts
}

// MovPoints returns the moving side of every pair.
func (r Result) MovPoints() []geometry.Point2D {
	pts := make([]geometry.Point2D, len(r.Pairs))
	for i, p := range r.Pairs {
		pts[i] = p.Mov
	}
	return pts
}

// Options controls matching.
type Options struct {
	Neighbours      int     // nearest neighbours used for the spacing estimate
	ThresholdFactor float64 // fraction of the median neighbour spacing

	// Gross shift between the two images, usually the cross displacement.
	// Ignored unless UseOffset is set and the shift is within the threshold.
	Offset    geometry.Point2D
	UseOffset bool

	CostEpsilon      float64 // added to every candidate cost
	NoMatchFactor    float64 // cost of leaving a reference feature unmatched, times threshold
	DisallowedFactor float64 // cost of pairs outside the threshold, times threshold
	AcceptFactor     float64 // largest accepted cost, times threshold

	Logger zerolog.Logger
}

// DefaultOptions returns the standard matching options.
func DefaultOptions() Options {
	return Options{
		Neighbours:       4,
		ThresholdFactor:  0.8,
		CostEpsilon:      0.001,
		NoMatchFactor:    1.1,
		DisallowedFactor: 5,
		AcceptFactor:     1,
		Logger:           zerolog.Nop(),
	}
}

// WithOffset returns a copy of opts that scores candidates after shifting
// reference positions by offset.
func (o Options) WithOffset(offset geometry.Point2D) Options {
	o.Offset = offset
	o.UseOffset = true
	return o
}

// Match assigns moving features to reference features.
//
// Parameters:
//   - ref: reference features, cross excluded
//   - mov: moving features, cross excluded
//   - opts: matching options
//
// Every reference feature is paired with at most one moving feature within
// the spacing threshold, chosen so that the total distance is minimal.
// Reference features without a plausible partner stay unmatched. A result
// is always returned, possibly with few or no pairs.
func Match(ref, mov []Point, opts Options) Result {
	log := logging.Component(opts.Logger, "match")

	refPts := make([]geometry.Point2D, len(ref))
	for i, p := range ref {
		refPts[i] = p.Pos
	}
	movPts := make([]geometry.Point2D, len(mov))
	for i, p := range mov {
		movPts[i] = p.Pos
	}

	res := Result{Threshold: SpacingThreshold(refPts, opts.Neighbours, opts.ThresholdFactor)}
	if res.Threshold <= 0 || len(mov) == 0 {
		log.Warn().Int("ref", len(ref)).Int("mov", len(mov)).Msg("too few features to match")
		return res
	}
	thresh := res.Threshold

	if opts.UseOffset {
		if d := opts.Offset.Distance(geometry.Point2D{}); d <= thresh {
			res.Offset = opts.Offset
		} else {
			log.Debug().Float64("offset", d).Float64("threshold", thresh).Msg("cross offset exceeds threshold, ignoring")
		}
	}

	// Columns [0, M) are moving features, [M, M+N) the no-match slots.
	n, m := len(ref), len(mov)
	cost := mat.NewDense(n, m+n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < m+n; j++ {
			cost.Set(i, j, opts.DisallowedFactor*thresh)
		}
		cost.Set(i, m+i, opts.NoMatchFactor*thresh)
	}

	movIdx := newIndex(movPts)
	for i, p := range refPts {
		for _, c := range movIdx.within(p.Add(res.Offset), thresh) {
			cost.Set(i, c.idx, c.dist+opts.CostEpsilon)
			res.Candidates++
		}
	}

	assign, err := SolveAssignment(cost)
	if err != nil {
		// Costs are finite and the matrix is wide, so this is a programming error.
		panic(fmt.Sprintf("match: %v", err))
	}

	limit := opts.AcceptFactor * thresh
	for i, j := range assign {
		if j >= m {
			continue
		}
		c := cost.At(i, j)
		if c > limit {
			continue
		}
		res.Pairs = append(res.Pairs, Pair{
			RefID: ref[i].ID,
			MovID: mov[j].ID,
			Ref:   ref[i].Pos,
			Mov:   mov[j].Pos,
			Cost:  c,
		})
	}

	log.Debug().
		Int("ref", n).Int("mov", m).
		Int("candidates", res.Candidates).
		Int("pairs", len(res.Pairs)).
		Float64("threshold", thresh).
		Msg("matching complete")
	return res
}
