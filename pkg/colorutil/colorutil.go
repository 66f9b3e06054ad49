// Package colorutil provides the overlay colours and intensity mapping used
// when rendering alignment previews.
package colorutil

import (
	"image/color"
	"math"
)

// Overlay colours. Reference and aligned data use complementary hues so
// perfect registration renders grey/white.
var (
	Black     = color.RGBA{R: 0, G: 0, B: 0, A: 255}
	White     = color.RGBA{R: 255, G: 255, B: 255, A: 255}
	Magenta   = color.RGBA{R: 255, G: 0, B: 255, A: 255}
	Green     = color.RGBA{R: 0, G: 255, B: 0, A: 255}
	Reference = Magenta
	Moving    = Green
)

// Stretch maps v from [lo,hi] onto [0,255], clamping outside values.
func Stretch(v, lo, hi float64) uint8 {
	if hi <= lo {
		return 0
	}
	s := (v - lo) / (hi - lo) * 255
	return uint8(math.Round(math.Max(0, math.Min(255, s))))
}

// Tint scales a colour by an intensity in [0,255].
func Tint(c color.RGBA, intensity uint8) color.RGBA {
	f := float64(intensity) / 255
	return color.RGBA{
		R: uint8(math.Round(float64(c.R) * f)),
		G: uint8(math.Round(float64(c.G) * f)),
		B: uint8(math.Round(float64(c.B) * f)),
		A: 255,
	}
}

// Add sums two colours channel-wise, saturating at 255.
func Add(a, b color.RGBA) color.RGBA {
	sat := func(x, y uint8) uint8 {
		s := int(x) + int(y)
		if s > 255 {
			return 255
		}
		return uint8(s)
	}
	return color.RGBA{R: sat(a.R, b.R), G: sat(a.G, b.G), B: sat(a.B, b.B), A: 255}
}
