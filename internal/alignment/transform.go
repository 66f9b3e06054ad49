// Package alignment fits the similarity transform between the two cameras
// from a ring-slide calibration image and applies it to acquisitions.
package alignment

import "camera-alignment/pkg/geometry"

// Info summarises a transform in human-readable terms.
type Info struct {
	Rotation float64 `json:"rotation" yaml:"rotation"` // radians
	Scale    float64 `json:"scaling" yaml:"scaling"`
	ShiftX   float64 `json:"shift_x" yaml:"shift_x"`
	ShiftY   float64 `json:"shift_y" yaml:"shift_y"`
	ZOffset  int     `json:"z_offset" yaml:"z_offset"` // reference minus moving focus slice
}

// Transform maps moving-camera pixel coordinates onto reference-camera
// pixel coordinates.
type Transform struct {
	Matrix geometry.AffineTransform `json:"matrix" yaml:"matrix"`
	Info   Info                     `json:"info" yaml:"info"`
}

// NewTransform wraps a similarity matrix and derives its summary.
func NewTransform(m geometry.AffineTransform, zOffset int) Transform {
	return Transform{
		Matrix: m,
		Info: Info{
			Rotation: m.RotationAngle(),
			Scale:    m.UniformScale(),
			ShiftX:   m.TX,
			ShiftY:   m.TY,
			ZOffset:  zOffset,
		},
	}
}

// Matrix3 returns the homogeneous 3x3 form.
func (t Transform) Matrix3() [3][3]float64 {
	return t.Matrix.Matrix3()
}
