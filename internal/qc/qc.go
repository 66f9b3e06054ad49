// Package qc scores a calibration independently of the aligned output. All
// metrics are advisory.
package qc

import (
	"fmt"
	"image"

	"camera-alignment/internal/alignment"
	"camera-alignment/internal/focus"
	camimage "camera-alignment/internal/image"
	"camera-alignment/internal/logging"
	"camera-alignment/internal/match"
	"camera-alignment/internal/rings"
	"camera-alignment/pkg/geometry"

	"github.com/rs/zerolog"
)

// Options holds the QC thresholds.
type Options struct {
	MinBeads int // correspondences needed to pass the bead gate

	// Centre window used for the residual check.
	WindowWidth  int
	WindowHeight int

	ResidualTolerance float64 // allowed increase of mean residual, pixels

	FocusLowPercentile  float64
	FocusHighPercentile float64

	Logger zerolog.Logger
}

// DefaultOptions returns the standard QC thresholds.
func DefaultOptions() Options {
	return Options{
		MinBeads:            alignment.MinPairs,
		WindowWidth:         536,
		WindowHeight:        360,
		ResidualTolerance:   5,
		FocusLowPercentile:  focus.DefaultLowPercentile,
		FocusHighPercentile: focus.DefaultHighPercentile,
		Logger:              zerolog.Nop(),
	}
}

// Input is the data QC works from. Planes are full frame; segmentation masks
// cover Crop. Pair coordinates are full frame.
type Input struct {
	Reference []*camimage.Plane // Z planes of the reference channel
	Moving    []*camimage.Plane // Z planes of the moving channel

	Crop         geometry.CropRect
	ReferenceSeg *rings.Segmentation
	MovingSeg    *rings.Segmentation
	Pairs        []match.Pair
	Transform    alignment.Transform
}

// NewInput collects QC input from a calibration of stack.
func NewInput(cal *alignment.Calibration, stack *camimage.Stack, refChannel, movChannel int) Input {
	stack = stack.Trim4D()
	return Input{
		Reference:    stack.ChannelPlanes(refChannel),
		Moving:       stack.ChannelPlanes(movChannel),
		Crop:         cal.Crop,
		ReferenceSeg: cal.Reference,
		MovingSeg:    cal.Moving,
		Pairs:        cal.Matches.Pairs,
		Transform:    cal.Transform,
	}
}

// IntensityChange is the shift of moving-plane intensity statistics caused
// by the transform (after minus before).
type IntensityChange struct {
	Median       float64 `json:"median_intensity"`
	Min          float64 `json:"min_intensity"`
	Max          float64 `json:"max_intensity"`
	Percentile1  float64 `json:"1st_percentile"`
	Percentile99 float64 `json:"995th_percentile"`
}

// Report is the outcome of Evaluate.
type Report struct {
	ZOffset    int
	ReferenceZ int
	MovingZ    int

	ReferenceSignal float64
	ReferenceNoise  float64
	MovingSignal    float64
	MovingNoise     float64

	BeadQC   bool
	NumBeads int

	IntensityChange IntensityChange

	CoordinateQC   bool
	CoordinateDiff float64 // mean residual after minus before, centre window
	WindowBeads    int     // pairs inside the centre window, 0 if all pairs were used

	MSEQC   bool
	MSEDiff float64 // mask MSE after minus before
}

// Passed reports whether every gate passed.
func (r *Report) Passed() bool {
	return r.BeadQC && r.CoordinateQC && r.MSEQC
}

// Metrics flattens the report into named values.
func (r *Report) Metrics() map[string]any {
	return map[string]any{
		"z_offset":         r.ZOffset,
		"reference_mid_z":  r.ReferenceZ,
		"moving_mid_z":     r.MovingZ,
		"reference_signal": r.ReferenceSignal,
		"reference_noise":  r.ReferenceNoise,
		"moving_signal":    r.MovingSignal,
		"moving_noise":     r.MovingNoise,
		"bead_qc":          r.BeadQC,
		"num_beads":        r.NumBeads,
		"coor_dist_qc":     r.CoordinateQC,
		"diff_sum_beads":   r.CoordinateDiff,
		"mse_qc":           r.MSEQC,
		"diff_mse":         r.MSEDiff,
		"change_fov_intensity_param_dict": map[string]float64{
			"median_intensity": r.IntensityChange.Median,
			"min_intensity":    r.IntensityChange.Min,
			"max_intensity":    r.IntensityChange.Max,
			"1st_percentile":   r.IntensityChange.Percentile1,
			"995th_percentile": r.IntensityChange.Percentile99,
		},
	}
}

// Evaluate computes the QC report.
func Evaluate(in Input, opts Options) (*Report, error) {
	log := logging.Component(opts.Logger, "qc")

	if len(in.Reference) == 0 || len(in.Moving) == 0 {
		return nil, fmt.Errorf("qc needs reference and moving planes")
	}
	ref0, mov0 := in.Reference[0], in.Moving[0]
	if ref0.Width != mov0.Width || ref0.Height != mov0.Height {
		return nil, fmt.Errorf("reference %dx%d and moving %dx%d planes differ in size",
			ref0.Width, ref0.Height, mov0.Width, mov0.Height)
	}

	r := &Report{
		ReferenceZ: focus.CenterZ(in.Reference, opts.FocusLowPercentile, opts.FocusHighPercentile),
		MovingZ:    focus.CenterZ(in.Moving, opts.FocusLowPercentile, opts.FocusHighPercentile),
	}
	r.ZOffset = r.ReferenceZ - r.MovingZ

	refFocus := in.Reference[r.ReferenceZ]
	movFocus := in.Moving[r.MovingZ]

	r.ReferenceSignal, r.ReferenceNoise = signalNoise(refFocus, in.Crop, in.ReferenceSeg)
	r.MovingSignal, r.MovingNoise = signalNoise(movFocus, in.Crop, in.MovingSeg)

	r.NumBeads = len(in.Pairs)
	r.BeadQC = r.NumBeads >= opts.MinBeads

	change, err := intensityChange(movFocus, in.Transform)
	if err != nil {
		return nil, fmt.Errorf("intensity change: %w", err)
	}
	r.IntensityChange = change

	r.CoordinateDiff, r.WindowBeads = residualChange(in.Pairs, in.Transform, ref0.Width, ref0.Height, opts)
	r.CoordinateQC = r.CoordinateDiff < opts.ResidualTolerance

	if in.ReferenceSeg != nil && in.MovingSeg != nil {
		r.MSEDiff, err = maskMSEChange(in.ReferenceSeg, in.MovingSeg, in.Transform.InCrop(in.Crop))
		if err != nil {
			return nil, fmt.Errorf("mask mse: %w", err)
		}
	}
	r.MSEQC = r.MSEDiff <= 0

	ev := log.Info()
	if !r.Passed() {
		ev = log.Warn()
	}
	ev.Int("num_beads", r.NumBeads).
		Bool("bead_qc", r.BeadQC).
		Float64("diff_sum_beads", r.CoordinateDiff).
		Bool("coor_dist_qc", r.CoordinateQC).
		Float64("diff_mse", r.MSEDiff).
		Bool("mse_qc", r.MSEQC).
		Msg("alignment qc")
	return r, nil
}

// signalNoise returns the median intensity inside and outside the
// segmentation mask, or -1, -1 when there is no segmentation.
func signalNoise(p *camimage.Plane, crop geometry.CropRect, seg *rings.Segmentation) (float64, float64) {
	if p == nil || seg == nil || seg.Width != crop.Width() || seg.Height != crop.Height() {
		return -1, -1
	}
	var in, out []float64
	for y := 0; y < seg.Height; y++ {
		for x := 0; x < seg.Width; x++ {
			v := float64(p.At(x+crop.MinX, y+crop.MinY))
			if seg.Mask[y*seg.Width+x] {
				in = append(in, v)
			} else {
				out = append(out, v)
			}
		}
	}
	return camimage.Percentiles(in, 50)[0], camimage.Percentiles(out, 50)[0]
}

func intensityChange(p *camimage.Plane, t alignment.Transform) (IntensityChange, error) {
	warped, err := alignment.WarpPlane(p, t.Matrix, alignment.InterpolationCubic)
	if err != nil {
		return IntensityChange{}, err
	}
	before := p.Percentiles(50, 0, 100, 1, 99.5)
	after := warped.Percentiles(50, 0, 100, 1, 99.5)
	return IntensityChange{
		Median:       after[0] - before[0],
		Min:          after[1] - before[1],
		Max:          after[2] - before[2],
		Percentile1:  after[3] - before[3],
		Percentile99: after[4] - before[4],
	}, nil
}

// residualChange returns the change in mean pair distance caused by the
// transform, over pairs whose moving point lies strictly inside the centre
// window. All pairs are used when none do.
func residualChange(pairs []match.Pair, t alignment.Transform, width, height int, opts Options) (float64, int) {
	if len(pairs) == 0 {
		return 0, 0
	}
	win := geometry.CenteredCrop(height, width, opts.WindowHeight, opts.WindowWidth)

	var mov, ref []geometry.Point2D
	for _, p := range pairs {
		if p.Mov.X > float64(win.MinX) && p.Mov.X < float64(win.MaxX) &&
			p.Mov.Y > float64(win.MinY) && p.Mov.Y < float64(win.MaxY) {
			mov = append(mov, p.Mov)
			ref = append(ref, p.Ref)
		}
	}
	inWindow := len(mov)
	if inWindow == 0 {
		for _, p := range pairs {
			mov = append(mov, p.Mov)
			ref = append(ref, p.Ref)
		}
	}

	before := alignment.MeanResidual(mov, ref, geometry.Identity())
	after := alignment.MeanResidual(mov, ref, t.Matrix)
	return after - before, inWindow
}

// maskMSEChange compares the reference mask with the moving mask before
// and after warping it by t.
func maskMSEChange(ref, mov *rings.Segmentation, t geometry.AffineTransform) (float64, error) {
	if ref.Width != mov.Width || ref.Height != mov.Height {
		return 0, fmt.Errorf("mask size mismatch: %dx%d vs %dx%d", ref.Width, ref.Height, mov.Width, mov.Height)
	}
	warped, err := alignment.WarpMask(mov.Mask, mov.Width, mov.Height, t)
	if err != nil {
		return 0, err
	}
	return maskMSE(ref.Mask, warped) - maskMSE(ref.Mask, mov.Mask), nil
}

func maskMSE(a, b []bool) float64 {
	if len(a) == 0 {
		return 0
	}
	var diff int
	for i := range a {
		if a[i] != b[i] {
			diff++
		}
	}
	return float64(diff) / float64(len(a))
}

// Overlay renders the cropped reference focus slice in magenta over the
// aligned moving slice in green.
func Overlay(in Input, r *Report, opts camimage.OverlayOptions) (*image.RGBA, error) {
	ref := in.Reference[r.ReferenceZ].Crop(in.Crop)
	mov, err := alignment.WarpPlane(in.Moving[r.ReferenceZ], in.Transform.Matrix, alignment.InterpolationCubic)
	if err != nil {
		return nil, err
	}
	return camimage.Overlay(ref, mov.Crop(in.Crop), opts)
}
