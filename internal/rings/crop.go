package rings

import (
	"errors"
	"fmt"
	"math"

	camimage "camera-alignment/internal/image"
	"camera-alignment/internal/logging"
	"camera-alignment/pkg/geometry"
)

// ErrEmptyCrop is returned when the grid crop leaves no pixels, which happens
// when the image is smaller than a couple of grid cells.
var ErrEmptyCrop = errors.New("grid crop is empty")

// CropDimensions computes a window that keeps only whole grid cells around
// the cross. Each edge is left alone when the cross sits more than
// margin*spacing from it (modulo spacing), otherwise it moves inward to the
// spacing-aligned position margin*spacing beyond the outermost ring. The
// window is Empty when the image cannot hold a whole cell around the cross.
func CropDimensions(height, width, crossY, crossX int, spacing, margin float64) geometry.CropRect {
	cy, cx := float64(crossY), float64(crossX)
	h, w := float64(height), float64(width)
	keep := spacing * margin

	r := geometry.CropRect{MinY: 0, MaxY: height, MinX: 0, MaxX: width}

	if math.Mod(cy, spacing) <= keep {
		r.MinY = roundHalfEven(cy - (math.Floor(cy/spacing)-(1-margin))*spacing)
	}
	if math.Mod(h-cy, spacing) <= keep {
		r.MaxY = height - roundHalfEven(h-(cy+(math.Floor((h-cy)/spacing)-(1-margin))*spacing))
	}
	if math.Mod(cx, spacing) <= keep {
		r.MinX = roundHalfEven(cx - (math.Floor(cx/spacing)-(1-margin))*spacing)
	}
	if math.Mod(w-cx, spacing) <= keep {
		r.MaxX = width - roundHalfEven(w-(cx+(math.Floor((w-cx)/spacing)-(1-margin))*spacing))
	}
	return r
}

// CropToGrid crops a reference calibration image to whole grid cells. At
// magnifications that do not need it the full frame is returned. An image
// too small to hold a whole cell around the cross yields ErrEmptyCrop.
func CropToGrid(plane *camimage.Plane, params Params) (*camimage.Plane, geometry.CropRect, error) {
	full := geometry.CropRect{MaxY: plane.Height, MaxX: plane.Width}
	if !params.Magnification.NeedsGridCrop() {
		return plane, full, nil
	}

	cross, err := LocateCross(plane, params)
	if err != nil {
		return nil, geometry.CropRect{}, err
	}
	r := CropDimensions(plane.Height, plane.Width, int(cross.Y), int(cross.X), params.Scale().Spacing(), params.CropMargin)

	if r.Empty() {
		return nil, r, fmt.Errorf("%w: %dx%d image, cross at (%.0f, %.0f), window x %d..%d y %d..%d",
			ErrEmptyCrop, plane.Width, plane.Height, cross.X, cross.Y, r.MinX, r.MaxX, r.MinY, r.MaxY)
	}

	log := logging.Component(params.Logger, "crop")
	log.Debug().
		Int("top", r.MinY).Int("bottom", r.MaxY).
		Int("left", r.MinX).Int("right", r.MaxX).
		Msg("grid crop")
	return plane.Crop(r), r, nil
}

func roundHalfEven(v float64) int {
	return int(math.RoundToEven(v))
}
