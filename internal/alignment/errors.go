package alignment

import "errors"

var (
	// ErrImageShape is returned for image data that is not a consistent
	// (C, Z, Y, X) stack, or is too small for the requested operation.
	ErrImageShape = errors.New("invalid image shape")

	// ErrEmptyChannelSelection is returned when no channel is selected for
	// transformation.
	ErrEmptyChannelSelection = errors.New("no channels selected for alignment")

	// ErrResidualBorder is returned when the crop window still contains
	// empty border pixels after shrinking it once.
	ErrResidualBorder = errors.New("crop window contains border pixels")

	// ErrDegenerateCorrespondence is returned when the matched features
	// cannot determine a similarity transform.
	ErrDegenerateCorrespondence = errors.New("degenerate feature correspondence")
)
