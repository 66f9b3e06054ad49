// Package rings segments the ring-grid calibration pattern: it finds the
// central cross, labels every ring and crops the field of view to whole
// grid cells.
package rings

import (
	"errors"
	"fmt"
	"math"

	camimage "camera-alignment/internal/image"
	"camera-alignment/internal/logging"
	"camera-alignment/pkg/geometry"

	"gocv.io/x/gocv"
	"gonum.org/v1/gonum/stat"
)

// ErrNoPattern is returned when an image contains no foreground at all.
var ErrNoPattern = errors.New("no calibration pattern found")

// Feature is one labelled connected component.
type Feature struct {
	ID       int              `json:"id"`
	Centroid geometry.Point2D `json:"centroid"`
	Area     int              `json:"area"`
}

// Segmentation is the result of segmenting one calibration image.
type Segmentation struct {
	Width  int
	Height int

	Mask   []bool  // every segmented pixel, cross included
	Labels []int32 // connected-component labels, 0 is background

	Features []Feature // rings, cross excluded
	Cross    Feature

	// CrossFound is false when no component reached the physical cross
	// size during the threshold sweep and the largest one was used instead.
	CrossFound bool

	// DotCutoff is the dot-filter response threshold that produced the
	// ring set. It is NaN when the global threshold was used.
	DotCutoff float64
}

// Points returns the ring centroids in Features order.
func (s *Segmentation) Points() []geometry.Point2D {
	pts := make([]geometry.Point2D, len(s.Features))
	for i, f := range s.Features {
		pts[i] = f.Centroid
	}
	return pts
}

// Offset returns a copy with every centroid translated by (dx, dy). It is
// used to express features found in a cropped image in full-frame
// coordinates.
func (s *Segmentation) Offset(dx, dy float64) *Segmentation {
	out := *s
	d := geometry.Point2D{X: dx, Y: dy}
	out.Features = make([]Feature, len(s.Features))
	for i, f := range s.Features {
		f.Centroid = f.Centroid.Add(d)
		out.Features[i] = f
	}
	out.Cross.Centroid = s.Cross.Centroid.Add(d)
	return &out
}

// Segment labels the rings and the cross in a calibration image.
func Segment(plane *camimage.Plane, params Params) (*Segmentation, error) {
	if params.PixelSizeUM <= 0 {
		return nil, fmt.Errorf("invalid pixel size %v", params.PixelSizeUM)
	}
	log := logging.Component(params.Logger, "segment")
	w, h := plane.Width, plane.Height

	lo, hi := params.percentiles()
	smooth, err := preprocess(plane, lo, hi, params.SmoothingSigma)
	if err != nil {
		return nil, err
	}
	mean, std := meanStd(smooth)

	// Step 1: the cross anchors the ring count estimate and the matcher.
	crossMask, cross, found, err := sweepCross(smooth, w, h, mean, std, params)
	if err != nil {
		return nil, err
	}
	if !found {
		log.Warn().
			Float64("cross_area_px", params.Scale().CrossArea()).
			Int("largest_area_px", cross.Area).
			Msg("no component reached cross size, using largest component")
	}

	// Step 2: ring grid.
	var mask []bool
	cutoff := math.NaN()
	if params.Magnification.WellResolved() {
		t := float32(mean + params.RingMult*std)
		mask, _, err = thresholdComponents(smooth, w, h, t, params.MinObjectArea)
		if err != nil {
			return nil, err
		}
	} else {
		expected := ExpectedRingCount(h, w, cross.Centroid, params.Scale().Spacing())
		var ok bool
		mask, cutoff, ok, err = dotSweep(smooth, w, h, crossMask, expected, params)
		if err != nil {
			return nil, err
		}
		if !ok {
			log.Warn().Int("expected", expected).Msg("dot filter sweep ended below expected ring count")
		}
	}

	// Step 3: label and split off the cross.
	comps, err := labelMask(mask, w, h)
	if err != nil {
		return nil, err
	}
	if comps.count() == 0 {
		return nil, ErrNoPattern
	}
	crossID := comps.largest()

	seg := &Segmentation{
		Width:      w,
		Height:     h,
		Mask:       mask,
		Labels:     comps.labels,
		Features:   make([]Feature, 0, comps.count()-1),
		Cross:      comps.feature(crossID),
		CrossFound: found,
		DotCutoff:  cutoff,
	}
	for id := 1; id <= comps.count(); id++ {
		if id != crossID {
			seg.Features = append(seg.Features, comps.feature(id))
		}
	}

	log.Debug().
		Int("rings", len(seg.Features)).
		Float64("cross_x", seg.Cross.Centroid.X).
		Float64("cross_y", seg.Cross.Centroid.Y).
		Bool("cross_found", found).
		Msg("segmentation complete")
	return seg, nil
}

// LocateCross finds the cross with a single global threshold and returns
// its centroid.
func LocateCross(plane *camimage.Plane, params Params) (geometry.Point2D, error) {
	lo, hi := params.percentiles()
	smooth, err := preprocess(plane, lo, hi, params.SmoothingSigma)
	if err != nil {
		return geometry.Point2D{}, err
	}
	mean, std := meanStd(smooth)
	_, comps, err := thresholdComponents(smooth, plane.Width, plane.Height,
		float32(mean+params.RingMult*std), params.MinObjectArea)
	if err != nil {
		return geometry.Point2D{}, err
	}
	id := comps.largest()
	if id == 0 {
		return geometry.Point2D{}, ErrNoPattern
	}
	return comps.centroids[id], nil
}

// ExpectedRingCount extrapolates the ring grid from the cross position to
// the image edges.
func ExpectedRingCount(height, width int, cross geometry.Point2D, spacing float64) int {
	rows := math.Floor(cross.Y/spacing) + math.Floor((float64(height)-cross.Y)/spacing) + 1
	cols := math.Floor(cross.X/spacing) + math.Floor((float64(width)-cross.X)/spacing) + 1
	return int(rows * cols)
}

// preprocess rescales intensities between two percentiles into [0,1] and
// smooths the result.
func preprocess(plane *camimage.Plane, lo, hi, sigma float64) ([]float32, error) {
	pct := plane.Percentiles(lo, hi)
	span := pct[1] - pct[0]
	if span <= 0 {
		return nil, fmt.Errorf("%w: flat intensity range", ErrNoPattern)
	}

	vals := make([]float32, len(plane.Pix))
	for i, v := range plane.Pix {
		r := (float64(v) - pct[0]) / span
		vals[i] = float32(math.Max(0, math.Min(1, r)))
	}
	if sigma <= 0 {
		return vals, nil
	}

	src, err := camimage.FloatMat(vals, plane.Width, plane.Height)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	dst := gocv.NewMat()
	defer dst.Close()
	gocv.GaussianBlur(src, &dst, gaussianKernelSize(sigma), sigma, sigma, gocv.BorderReplicate)
	return camimage.FloatsFromMat(dst)
}

// dotResponse is the scale-normalised negative Laplacian of Gaussian.
func dotResponse(vals []float32, w, h int, sigma float64) ([]float32, error) {
	src, err := camimage.FloatMat(vals, w, h)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	blurred := gocv.NewMat()
	defer blurred.Close()
	gocv.GaussianBlur(src, &blurred, gaussianKernelSize(sigma), sigma, sigma, gocv.BorderReflect)

	lap := gocv.NewMat()
	defer lap.Close()
	gocv.Laplacian(blurred, &lap, gocv.MatTypeCV32F, 1, 1, 0, gocv.BorderReflect)

	resp, err := camimage.FloatsFromMat(lap)
	if err != nil {
		return nil, err
	}
	scale := float32(-sigma * sigma)
	for i := range resp {
		resp[i] *= scale
	}
	return resp, nil
}

func meanStd(vals []float32) (float64, float64) {
	f := make([]float64, len(vals))
	for i, v := range vals {
		f[i] = float64(v)
	}
	return stat.MeanStdDev(f, nil)
}

// thresholdComponents keeps pixels at or above t, drops components smaller
// than minArea and relabels what is left.
func thresholdComponents(vals []float32, w, h int, t float32, minArea int) ([]bool, *components, error) {
	raw := make([]bool, len(vals))
	for i, v := range vals {
		raw[i] = v >= t
	}
	comps, err := labelMask(raw, w, h)
	if err != nil {
		return nil, nil, err
	}
	if minArea <= 1 {
		return raw, comps, nil
	}
	kept := comps.keep(minArea)
	comps, err = labelMask(kept, w, h)
	if err != nil {
		return nil, nil, err
	}
	return kept, comps, nil
}

// sweepStep returns the i-th of n evenly spaced values from hi down to lo.
func sweepStep(hi, lo float64, i, n int) float64 {
	if n <= 1 {
		return hi
	}
	return hi - (hi-lo)*float64(i)/float64(n-1)
}

// sweepCross lowers the threshold multiplier until the largest component
// exceeds the physical cross area. The largest component at the final
// multiplier is used when none does.
func sweepCross(vals []float32, w, h int, mean, std float64, params Params) ([]bool, Feature, bool, error) {
	crossArea := params.Scale().CrossArea()
	var comps *components
	found := false
	for i := 0; i < params.CrossSweepSteps || i == 0; i++ {
		k := sweepStep(params.CrossMultMax, params.CrossMultMin, i, params.CrossSweepSteps)
		var err error
		_, comps, err = thresholdComponents(vals, w, h, float32(mean+k*std), params.MinObjectArea)
		if err != nil {
			return nil, Feature{}, false, err
		}
		if id := comps.largest(); id != 0 && float64(comps.areas[id]) > crossArea {
			found = true
			break
		}
	}
	id := comps.largest()
	if id == 0 {
		return nil, Feature{}, false, ErrNoPattern
	}
	return comps.maskOf(id), comps.feature(id), found, nil
}

// dotSweep lowers the dot-filter cutoff until the segmentation, merged
// with the cross, holds at least the expected number of components.
func dotSweep(vals []float32, w, h int, crossMask []bool, expected int, params Params) ([]bool, float64, bool, error) {
	resp, err := dotResponse(vals, w, h, params.DotSigma)
	if err != nil {
		return nil, 0, false, err
	}
	minArea := int(params.Scale().RingArea() * params.MinRingAreaFactor)

	var union []bool
	var cutoff float64
	raw := make([]bool, len(resp))
	for i := 0; i < params.DotSweepSteps || i == 0; i++ {
		cutoff = sweepStep(params.DotCutoffMax, params.DotCutoffMin, i, params.DotSweepSteps)
		for j, r := range resp {
			raw[j] = float64(r) > cutoff
		}

		comps, err := labelMask(raw, w, h)
		if err != nil {
			return nil, 0, false, err
		}
		rings, err := closeMask(comps.keep(minArea), w, h, params.ClosingRadius)
		if err != nil {
			return nil, 0, false, err
		}

		union = make([]bool, len(rings))
		for j := range rings {
			union[j] = rings[j] || crossMask[j]
		}
		merged, err := labelMask(union, w, h)
		if err != nil {
			return nil, 0, false, err
		}
		if merged.count() >= expected {
			return union, cutoff, true, nil
		}
	}
	return union, cutoff, false, nil
}
