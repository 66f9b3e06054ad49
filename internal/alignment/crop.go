package alignment

import (
	"fmt"

	camimage "camera-alignment/internal/image"
	"camera-alignment/internal/optics"
	"camera-alignment/pkg/geometry"
)

// CropOptions controls CropStack.
type CropOptions struct {
	BorderCutoff uint16 // intensities below this count as empty border
	ShrinkMargin int    // pixels removed per side when border is found
}

// DefaultCropOptions returns the standard border check.
func DefaultCropOptions() CropOptions {
	return CropOptions{BorderCutoff: 50, ShrinkMargin: 20}
}

// CropStack centre-crops an aligned stack to the standard output size of
// mag. Border pixels introduced by the warp are looked for in the aligned
// channels (all channels when none are given). The window is shrunk once by
// ShrinkMargin on every side if any are found, so the output is then
// 2*ShrinkMargin smaller than the standard size in each dimension (860x560
// at 100x with the defaults). Border remaining after that is an error.
func CropStack(stack *camimage.Stack, mag optics.Magnification, channels []int, opts CropOptions) (*camimage.Stack, geometry.CropRect, error) {
	if err := stack.Check4D(); err != nil {
		return nil, geometry.CropRect{}, fmt.Errorf("%w: %v", ErrImageShape, err)
	}
	width, height, err := mag.CropSize()
	if err != nil {
		return nil, geometry.CropRect{}, err
	}
	if stack.Width() < width || stack.Height() < height {
		return nil, geometry.CropRect{}, fmt.Errorf("%w: %dx%d image is smaller than the %dx%d crop for %v",
			ErrImageShape, stack.Width(), stack.Height(), width, height, mag)
	}

	check := channels
	if len(check) == 0 {
		check = make([]int, stack.Channels())
		for i := range check {
			check[i] = i
		}
	}
	if _, err := channelSet(stack, check); err != nil {
		return nil, geometry.CropRect{}, err
	}

	r := geometry.CenteredCrop(stack.Height(), stack.Width(), height, width)
	if hasBorder(stack, check, r, opts.BorderCutoff) {
		r = r.Inset(opts.ShrinkMargin)
		if r.Empty() || hasBorder(stack, check, r, opts.BorderCutoff) {
			return nil, geometry.CropRect{}, fmt.Errorf("%w: pixels below %d after shrinking by %d px",
				ErrResidualBorder, opts.BorderCutoff, opts.ShrinkMargin)
		}
	}
	return stack.Crop(r), r, nil
}

func hasBorder(stack *camimage.Stack, channels []int, r geometry.CropRect, cutoff uint16) bool {
	w := stack.Width()
	for _, c := range channels {
		for z := 0; z < stack.Slices(); z++ {
			pix := stack.Plane(c, z).Pix
			for y := r.MinY; y < r.MaxY; y++ {
				row := pix[y*w+r.MinX : y*w+r.MaxX]
				for _, v := range row {
					if v < cutoff {
						return true
					}
				}
			}
		}
	}
	return false
}
