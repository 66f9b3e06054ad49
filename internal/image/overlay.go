package image

import (
	"fmt"
	"image"
	"image/png"
	"os"

	"camera-alignment/pkg/colorutil"
)

// OverlayOptions controls the reference/moving preview composite.
type OverlayOptions struct {
	LowPercentile  float64
	HighPercentile float64
}

// DefaultOverlayOptions returns contrast limits suited to ring patterns.
func DefaultOverlayOptions() OverlayOptions {
	return OverlayOptions{LowPercentile: 0.5, HighPercentile: 99.5}
}

// Overlay renders the reference plane in magenta and the moving plane in
// green. Registered structures appear white, residual offsets as coloured
// fringes. Both planes must have the same size.
func Overlay(ref, mov *Plane, opts OverlayOptions) (*image.RGBA, error) {
	if ref.Width != mov.Width || ref.Height != mov.Height {
		return nil, fmt.Errorf("overlay size mismatch: %dx%d vs %dx%d",
			ref.Width, ref.Height, mov.Width, mov.Height)
	}

	refLim := ref.Percentiles(opts.LowPercentile, opts.HighPercentile)
	movLim := mov.Percentiles(opts.LowPercentile, opts.HighPercentile)

	out := image.NewRGBA(image.Rect(0, 0, ref.Width, ref.Height))
	for y := 0; y < ref.Height; y++ {
		for x := 0; x < ref.Width; x++ {
			r := colorutil.Stretch(float64(ref.At(x, y)), refLim[0], refLim[1])
			m := colorutil.Stretch(float64(mov.At(x, y)), movLim[0], movLim[1])
			out.SetRGBA(x, y, colorutil.Add(
				colorutil.Tint(colorutil.Reference, r),
				colorutil.Tint(colorutil.Moving, m),
			))
		}
	}
	return out, nil
}

// SavePNG writes img to path.
func SavePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return f.Close()
}
