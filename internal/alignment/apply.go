package alignment

import (
	"fmt"
	"image"
	"image/color"
	"strings"

	camimage "camera-alignment/internal/image"
	"camera-alignment/pkg/geometry"

	"gocv.io/x/gocv"
)

// Interpolation selects the resampling kernel used when warping.
type Interpolation int

const (
	InterpolationCubic Interpolation = iota
	InterpolationLinear
	InterpolationNearest
)

// ParseInterpolation converts "cubic", "linear" or "nearest".
func ParseInterpolation(s string) (Interpolation, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "cubic":
		return InterpolationCubic, nil
	case "linear":
		return InterpolationLinear, nil
	case "nearest":
		return InterpolationNearest, nil
	}
	return 0, fmt.Errorf("unknown interpolation %q", s)
}

func (i Interpolation) String() string {
	switch i {
	case InterpolationLinear:
		return "linear"
	case InterpolationNearest:
		return "nearest"
	default:
		return "cubic"
	}
}

func (i Interpolation) flag() gocv.InterpolationFlags {
	switch i {
	case InterpolationLinear:
		return gocv.InterpolationLinear
	case InterpolationNearest:
		return gocv.InterpolationNearestNeighbor
	default:
		return gocv.InterpolationCubic
	}
}

// ApplyOptions controls AlignStack.
type ApplyOptions struct {
	Interpolation Interpolation
}

// DefaultApplyOptions uses cubic interpolation.
func DefaultApplyOptions() ApplyOptions {
	return ApplyOptions{Interpolation: InterpolationCubic}
}

// AlignStack warps every Z plane of the selected channels of a (C, Z, Y, X)
// stack into the reference frame. Unselected channels are copied unchanged.
// The input is not modified.
func AlignStack(stack *camimage.Stack, t Transform, channels []int, opts ApplyOptions) (*camimage.Stack, error) {
	if err := stack.Check4D(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrImageShape, err)
	}
	if len(channels) == 0 {
		return nil, ErrEmptyChannelSelection
	}
	selected, err := channelSet(stack, channels)
	if err != nil {
		return nil, err
	}

	out := stack.Clone()
	for c := range selected {
		for z := 0; z < stack.Slices(); z++ {
			warped, err := WarpPlane(stack.Plane(c, z), t.Matrix, opts.Interpolation)
			if err != nil {
				return nil, fmt.Errorf("channel %d slice %d: %w", c, z, err)
			}
			copy(out.Plane(c, z).Pix, warped.Pix)
		}
	}
	return out, nil
}

func channelSet(stack *camimage.Stack, channels []int) (map[int]struct{}, error) {
	set := make(map[int]struct{}, len(channels))
	for _, c := range channels {
		if c < 0 || c >= stack.Channels() {
			return nil, fmt.Errorf("%w: channel %d outside 0..%d", ErrImageShape, c, stack.Channels()-1)
		}
		set[c] = struct{}{}
	}
	return set, nil
}

// WarpPlane resamples p so that the pixel at transform(x, y) of the output
// takes the value at (x, y) of p. Pixels mapped from outside p are zero.
func WarpPlane(p *camimage.Plane, transform geometry.AffineTransform, interp Interpolation) (*camimage.Plane, error) {
	src, err := p.ToMat()
	if err != nil {
		return nil, err
	}
	defer src.Close()

	dst := warpAffine(src, transform, p.Width, p.Height, interp)
	defer dst.Close()
	return camimage.PlaneFromMat(dst)
}

// WarpMask applies transform to a binary mask with nearest-neighbour
// sampling.
func WarpMask(mask []bool, width, height int, transform geometry.AffineTransform) ([]bool, error) {
	src, err := camimage.MaskMat(mask, width, height)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	dst := warpAffine(src, transform, width, height, InterpolationNearest)
	defer dst.Close()
	return camimage.MaskFromMat(dst), nil
}

func warpAffine(src gocv.Mat, transform geometry.AffineTransform, width, height int, interp Interpolation) gocv.Mat {
	transformMat := gocv.NewMatWithSize(2, 3, gocv.MatTypeCV64F)
	transformMat.SetDoubleAt(0, 0, transform.A)
	transformMat.SetDoubleAt(0, 1, transform.B)
	transformMat.SetDoubleAt(0, 2, transform.TX)
	transformMat.SetDoubleAt(1, 0, transform.C)
	transformMat.SetDoubleAt(1, 1, transform.D)
	transformMat.SetDoubleAt(1, 2, transform.TY)
	defer transformMat.Close()

	dst := gocv.NewMat()
	gocv.WarpAffineWithParams(src, &dst, transformMat, image.Point{width, height},
		interp.flag(), gocv.BorderConstant, color.RGBA{})
	return dst
}
