package qc

import (
	"math"
	"math/rand"
	"testing"

	"camera-alignment/internal/alignment"
	camimage "camera-alignment/internal/image"
	"camera-alignment/internal/match"
	"camera-alignment/internal/rings"
	"camera-alignment/pkg/geometry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ringControl renders a 2-channel, 2-slice ring slide. The moving channel
// sees the slide through the inverse of shift, and both channels are in
// focus at slice 1.
func ringControl(shift geometry.AffineTransform) *camimage.Stack {
	const w, h = 480, 330
	rng := rand.New(rand.NewSource(11))
	s := camimage.NewStack(2, 2, h, w)
	for i := range s.Pix {
		s.Pix[i] = uint16(4000 + rng.Intn(401))
	}
	inv, _ := shift.Inverse()
	for c, t := range []geometry.AffineTransform{geometry.Identity(), inv} {
		p := s.Plane(c, 1)
		for y := 15; y < h; y += 30 {
			for x := 15; x < w; x += 30 {
				ctr := t.Apply(geometry.Point2D{X: float64(x), Y: float64(y)})
				cross := x == 255 && y == 165
				for py := int(ctr.Y) - 16; py <= int(ctr.Y)+16; py++ {
					for px := int(ctr.X) - 16; px <= int(ctr.X)+16; px++ {
						if px < 0 || py < 0 || px >= w || py >= h {
							continue
						}
						dx, dy := float64(px)-ctr.X, float64(py)-ctr.Y
						var on bool
						if cross {
							on = math.Abs(dx) <= 15.5 && math.Abs(dy) <= 15.5 && (math.Abs(dx) <= 3.5 || math.Abs(dy) <= 3.5)
						} else {
							on = dx*dx+dy*dy <= 9
						}
						if on {
							p.Set(px, py, p.At(px, py)+20000)
						}
					}
				}
			}
		}
	}
	return s
}

func calibrationOptions() alignment.Options {
	opts := alignment.DefaultOptions()
	opts.PixelSizeUM = 1
	opts.Segment = opts.Segment.WithPercentiles(50, 99)
	opts.Segment.RingSpacingUM = 30
	opts.Segment.RingRadiusUM = 3
	opts.Segment.CrossAreaUM2 = 300
	opts.Segment.MinObjectArea = 10
	return opts
}

func TestEvaluateCalibration(t *testing.T) {
	control := ringControl(geometry.Similarity(0.003, 1, 4, -3))
	cal, err := alignment.GenerateTransform(control, calibrationOptions())
	require.NoError(t, err)

	in := NewInput(cal, control, 0, 1)
	r, err := Evaluate(in, DefaultOptions())
	require.NoError(t, err)

	assert.Equal(t, 1, r.ReferenceZ)
	assert.Equal(t, 1, r.MovingZ)
	assert.Equal(t, 0, r.ZOffset)
	assert.Greater(t, r.ReferenceSignal, r.ReferenceNoise)
	assert.Greater(t, r.MovingSignal, r.MovingNoise)
	assert.True(t, r.BeadQC)
	assert.Equal(t, len(cal.Matches.Pairs), r.NumBeads)
	assert.True(t, r.CoordinateQC)
	assert.Less(t, r.CoordinateDiff, 0.0)
	assert.Greater(t, r.WindowBeads, 0)
	assert.True(t, r.MSEQC)
	assert.True(t, r.Passed())

	img, err := Overlay(in, r, camimage.DefaultOverlayOptions())
	require.NoError(t, err)
	assert.Equal(t, cal.Crop.Width(), img.Bounds().Dx())
	assert.Equal(t, cal.Crop.Height(), img.Bounds().Dy())
}

func TestEvaluateWithoutSegmentation(t *testing.T) {
	p := camimage.NewPlane(64, 48)
	for i := range p.Pix {
		p.Pix[i] = uint16(i % 500)
	}
	in := Input{
		Reference: []*camimage.Plane{p},
		Moving:    []*camimage.Plane{p.Clone()},
		Crop:      geometry.CropRect{MaxY: 48, MaxX: 64},
		Transform: alignment.NewTransform(geometry.Identity(), 0),
	}
	r, err := Evaluate(in, DefaultOptions())
	require.NoError(t, err)

	assert.Equal(t, -1.0, r.ReferenceSignal)
	assert.Equal(t, -1.0, r.MovingNoise)
	assert.False(t, r.BeadQC)
	assert.False(t, r.Passed())
	assert.Equal(t, 0.0, r.IntensityChange.Median)
	assert.Equal(t, 0.0, r.IntensityChange.Max)
}

func TestEvaluateErrors(t *testing.T) {
	_, err := Evaluate(Input{}, DefaultOptions())
	assert.Error(t, err)

	_, err = Evaluate(Input{
		Reference: []*camimage.Plane{camimage.NewPlane(10, 10)},
		Moving:    []*camimage.Plane{camimage.NewPlane(12, 10)},
	}, DefaultOptions())
	assert.Error(t, err)
}

func TestResidualChangeWindow(t *testing.T) {
	opts := DefaultOptions()
	opts.WindowWidth, opts.WindowHeight = 20, 20
	// Window covers (40, 40)-(60, 60) of a 100x100 frame.
	shift := alignment.NewTransform(geometry.Similarity(0, 1, 2, 0), 0)

	pairs := []match.Pair{
		{Ref: geometry.Point2D{X: 52, Y: 50}, Mov: geometry.Point2D{X: 50, Y: 50}},
		{Ref: geometry.Point2D{X: 12, Y: 10}, Mov: geometry.Point2D{X: 0, Y: 10}},
		{Ref: geometry.Point2D{X: 42, Y: 40}, Mov: geometry.Point2D{X: 40, Y: 40}}, // on the edge, excluded
	}
	diff, n := residualChange(pairs, shift, 100, 100, opts)
	assert.Equal(t, 1, n)
	assert.InDelta(t, -2, diff, 1e-12)

	diff, n = residualChange(pairs[1:2], shift, 100, 100, opts)
	assert.Equal(t, 0, n)
	assert.InDelta(t, -2, diff, 1e-12)

	diff, n = residualChange(nil, shift, 100, 100, opts)
	assert.Equal(t, 0, n)
	assert.Equal(t, 0.0, diff)
}

func TestMaskMSEChange(t *testing.T) {
	mask := func(x, y int) []bool {
		m := make([]bool, 10*10)
		m[y*10+x] = true
		return m
	}
	ref := &rings.Segmentation{Width: 10, Height: 10, Mask: mask(5, 5)}
	mov := &rings.Segmentation{Width: 10, Height: 10, Mask: mask(3, 5)}

	diff, err := maskMSEChange(ref, mov, geometry.Similarity(0, 1, 2, 0))
	require.NoError(t, err)
	assert.InDelta(t, -0.02, diff, 1e-12)

	diff, err = maskMSEChange(ref, mov, geometry.Similarity(0, 1, -2, 0))
	require.NoError(t, err)
	assert.InDelta(t, 0, diff, 1e-12)

	_, err = maskMSEChange(ref, &rings.Segmentation{Width: 5, Height: 5, Mask: make([]bool, 25)}, geometry.Identity())
	assert.Error(t, err)
}

func TestMetricsKeys(t *testing.T) {
	r := &Report{NumBeads: 12, BeadQC: true, IntensityChange: IntensityChange{Percentile99: 3}}
	m := r.Metrics()

	for _, key := range []string{
		"z_offset", "reference_mid_z", "moving_mid_z",
		"reference_signal", "reference_noise", "moving_signal", "moving_noise",
		"bead_qc", "num_beads", "change_fov_intensity_param_dict",
		"coor_dist_qc", "diff_sum_beads", "mse_qc", "diff_mse",
	} {
		assert.Contains(t, m, key)
	}
	assert.Equal(t, 12, m["num_beads"])
	fov, ok := m["change_fov_intensity_param_dict"].(map[string]float64)
	require.True(t, ok)
	assert.Equal(t, 3.0, fov["995th_percentile"])
}
