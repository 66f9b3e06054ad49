package alignment

import (
	"fmt"

	"camera-alignment/internal/focus"
	camimage "camera-alignment/internal/image"
	"camera-alignment/internal/logging"
	"camera-alignment/internal/match"
	"camera-alignment/internal/optics"
	"camera-alignment/internal/rings"
	"camera-alignment/pkg/geometry"

	"github.com/rs/zerolog"
)

// MinPairs is the number of correspondences below which a calibration is
// considered unreliable.
const MinPairs = 10

// Options configures a calibration run.
type Options struct {
	Magnification optics.Magnification
	PixelSizeUM   float64

	ReferenceChannel int // index of the channel imaged by the reference camera
	MovingChannel    int // index of the channel imaged by the moving camera

	FocusLowPercentile  float64
	FocusHighPercentile float64

	Segment        rings.Params
	Match          match.Options
	UseCrossOffset bool // pre-shift candidates by the cross displacement
	Estimate       EstimateOptions

	Logger zerolog.Logger
}

// DefaultOptions returns options for a 100x calibration with the given
// pixel size and channel indices.
func DefaultOptions() Options {
	return Options{
		Magnification:       optics.Mag100,
		ReferenceChannel:    0,
		MovingChannel:       1,
		FocusLowPercentile:  focus.DefaultLowPercentile,
		FocusHighPercentile: focus.DefaultHighPercentile,
		Segment:             rings.DefaultParams(),
		Match:               match.DefaultOptions(),
		UseCrossOffset:      true,
		Estimate:            DefaultEstimateOptions(),
		Logger:              zerolog.Nop(),
	}
}

// Calibration is everything produced by one calibration run. Feature and
// pair coordinates are in full-frame pixels; masks cover Crop only.
type Calibration struct {
	Transform Transform

	ReferenceZ int // focus slice of the reference channel
	MovingZ    int // focus slice of the moving channel
	Crop       geometry.CropRect

	ReferencePlane *camimage.Plane // cropped reference plane at ReferenceZ
	MovingPlane    *camimage.Plane // cropped moving plane at ReferenceZ
	Reference      *rings.Segmentation
	Moving         *rings.Segmentation

	Matches  match.Result
	Inliers  []int   // indices into Matches.Pairs used by the final fit
	Residual float64 // mean residual of the fit over all pairs
}

// Degraded reports whether the run produced fewer pairs than MinPairs or
// fell back to the largest component for either cross.
func (c *Calibration) Degraded() bool {
	return len(c.Matches.Pairs) < MinPairs || !c.Reference.CrossFound || !c.Moving.CrossFound
}

// GenerateTransform calibrates the moving camera against the reference
// camera from an image of the ring slide. Leading axes beyond (C, Z, Y, X)
// are dropped.
func GenerateTransform(control *camimage.Stack, opts Options) (*Calibration, error) {
	log := logging.Component(opts.Logger, "calibrate")

	stack := control.Trim4D()
	if err := stack.Check4D(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrImageShape, err)
	}
	for _, c := range []int{opts.ReferenceChannel, opts.MovingChannel} {
		if c < 0 || c >= stack.Channels() {
			return nil, fmt.Errorf("%w: channel %d outside 0..%d", ErrImageShape, c, stack.Channels()-1)
		}
	}
	if stack.Slices() == 0 {
		return nil, fmt.Errorf("%w: no slices", ErrImageShape)
	}
	if _, _, err := opts.Magnification.CropSize(); err != nil {
		return nil, err
	}

	refZ := focus.CenterZ(stack.ChannelPlanes(opts.ReferenceChannel), opts.FocusLowPercentile, opts.FocusHighPercentile)
	movZ := focus.CenterZ(stack.ChannelPlanes(opts.MovingChannel), opts.FocusLowPercentile, opts.FocusHighPercentile)
	log.Debug().Int("reference_z", refZ).Int("moving_z", movZ).Msg("focus slices")

	params := opts.Segment.
		WithMagnification(opts.Magnification).
		WithPixelSize(opts.PixelSizeUM).
		WithLogger(opts.Logger)

	refPlane, crop, err := rings.CropToGrid(stack.Plane(opts.ReferenceChannel, refZ), params)
	if err != nil {
		return nil, fmt.Errorf("reference grid crop: %w", err)
	}
	movPlane := stack.Plane(opts.MovingChannel, refZ).Crop(crop)

	refSeg, err := rings.Segment(refPlane, params)
	if err != nil {
		return nil, fmt.Errorf("reference segmentation: %w", err)
	}
	movSeg, err := rings.Segment(movPlane, params)
	if err != nil {
		return nil, fmt.Errorf("moving segmentation: %w", err)
	}
	dx, dy := float64(crop.MinX), float64(crop.MinY)
	refSeg = refSeg.Offset(dx, dy)
	movSeg = movSeg.Offset(dx, dy)

	matchOpts := opts.Match
	matchOpts.Logger = opts.Logger
	if opts.UseCrossOffset {
		matchOpts = matchOpts.WithOffset(movSeg.Cross.Centroid.Sub(refSeg.Cross.Centroid))
	}
	result := match.Match(featurePoints(refSeg), featurePoints(movSeg), matchOpts)
	if len(result.Pairs) < MinPairs {
		log.Warn().
			Int("pairs", len(result.Pairs)).
			Int("reference_rings", len(refSeg.Features)).
			Int("moving_rings", len(movSeg.Features)).
			Msg("few correspondences, transform may be unreliable")
	}

	mov, ref := result.MovPoints(), result.RefPoints()
	m, inliers, err := Estimate(mov, ref, opts.Estimate)
	if err != nil {
		return nil, fmt.Errorf("transform estimation: %w", err)
	}

	cal := &Calibration{
		Transform:      NewTransform(m, refZ-movZ),
		ReferenceZ:     refZ,
		MovingZ:        movZ,
		Crop:           crop,
		ReferencePlane: refPlane,
		MovingPlane:    movPlane,
		Reference:      refSeg,
		Moving:         movSeg,
		Matches:        result,
		Inliers:        inliers,
		Residual:       MeanResidual(mov, ref, m),
	}
	log.Info().
		Int("pairs", len(result.Pairs)).
		Float64("rotation", cal.Transform.Info.Rotation).
		Float64("scale", cal.Transform.Info.Scale).
		Float64("shift_x", cal.Transform.Info.ShiftX).
		Float64("shift_y", cal.Transform.Info.ShiftY).
		Float64("residual_px", cal.Residual).
		Msg("calibration complete")
	return cal, nil
}

func featurePoints(seg *rings.Segmentation) []match.Point {
	pts := make([]match.Point, len(seg.Features))
	for i, f := range seg.Features {
		pts[i] = match.Point{ID: f.ID, Pos: f.Centroid}
	}
	return pts
}

// InCrop expresses the transform in the coordinates of window r, for use on
// images cropped to r.
func (t Transform) InCrop(r geometry.CropRect) geometry.AffineTransform {
	toFull := geometry.AffineTransform{A: 1, D: 1, TX: float64(r.MinX), TY: float64(r.MinY)}
	toCrop := geometry.AffineTransform{A: 1, D: 1, TX: -float64(r.MinX), TY: -float64(r.MinY)}
	return toCrop.Compose(t.Matrix).Compose(toFull)
}
