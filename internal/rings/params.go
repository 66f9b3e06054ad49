package rings

import (
	"camera-alignment/internal/optics"

	"github.com/rs/zerolog"
)

// Params controls ring and cross segmentation.
type Params struct {
	Magnification optics.Magnification
	PixelSizeUM   float64

	// Slide geometry, in micrometres.
	RingSpacingUM float64
	RingRadiusUM  float64
	CrossAreaUM2  float64

	// Intensity rescale bounds. Zero values select the magnification default.
	LowPercentile  float64
	HighPercentile float64

	SmoothingSigma float64 // Gaussian applied after rescaling

	// Cross search: threshold mean + k*stdev, k swept from CrossMultMax
	// down to CrossMultMin.
	CrossMultMax    float64
	CrossMultMin    float64
	CrossSweepSteps int

	// Global threshold used for well-resolved magnifications and for
	// locating the cross when cropping.
	RingMult      float64
	MinObjectArea int // components smaller than this are noise

	// Dot filter sweep for poorly resolved magnifications.
	DotSigma          float64
	DotCutoffMax      float64
	DotCutoffMin      float64
	DotSweepSteps     int
	MinRingAreaFactor float64 // fraction of nominal ring area kept
	ClosingRadius     int

	// GridCropper
	CropMargin float64 // fraction of ring spacing left outside the outermost rings

	Logger zerolog.Logger
}

// DefaultParams returns segmentation parameters for the standard ring slide.
func DefaultParams() Params {
	return Params{
		Magnification: optics.Mag100,

		RingSpacingUM: optics.RingSpacingUM,
		RingRadiusUM:  optics.RingRadiusUM,
		CrossAreaUM2:  optics.CrossAreaUM2,

		SmoothingSigma: 1,

		CrossMultMax:    5,
		CrossMultMin:    1,
		CrossSweepSteps: 50,

		RingMult:      2.5,
		MinObjectArea: 50,

		DotSigma:          2.5,
		DotCutoffMax:      0.75,
		DotCutoffMin:      0,
		DotSweepSteps:     500,
		MinRingAreaFactor: 0.8,
		ClosingRadius:     2, // fills ring centres without bridging neighbours

		CropMargin: 0.5,

		Logger: zerolog.Nop(),
	}
}

// WithMagnification returns a copy of params for the given objective.
func (p Params) WithMagnification(m optics.Magnification) Params {
	p.Magnification = m
	return p
}

// WithPixelSize returns a copy of params with the physical pixel size set.
func (p Params) WithPixelSize(um float64) Params {
	p.PixelSizeUM = um
	return p
}

// WithPercentiles returns a copy of params with explicit rescale bounds.
func (p Params) WithPercentiles(lo, hi float64) Params {
	p.LowPercentile = lo
	p.HighPercentile = hi
	return p
}

// WithLogger returns a copy of params that logs to l.
func (p Params) WithLogger(l zerolog.Logger) Params {
	p.Logger = l
	return p
}

func (p Params) percentiles() (float64, float64) {
	if p.LowPercentile == 0 && p.HighPercentile == 0 {
		return p.Magnification.RescalePercentiles()
	}
	return p.LowPercentile, p.HighPercentile
}

// Scale converts the slide dimensions in params to pixels.
func (p Params) Scale() optics.Scale {
	return optics.Scale{
		PixelSizeUM:   p.PixelSizeUM,
		RingSpacingUM: p.RingSpacingUM,
		RingRadiusUM:  p.RingRadiusUM,
		CrossAreaUM2:  p.CrossAreaUM2,
	}
}
