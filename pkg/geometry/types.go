// Package geometry provides the point, rectangle and transform value types
// shared by the alignment stages.
package geometry

import (
	"math"
)

// Point2D is a sub-pixel position. X is the column, Y is the row.
type Point2D struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Distance returns the Euclidean distance to another point.
func (p Point2D) Distance(other Point2D) float64 {
	dx := p.X - other.X
	dy := p.Y - other.Y
	return math.Sqrt(dx*dx + dy*dy)
}

// Add returns the sum of two points.
func (p Point2D) Add(other Point2D) Point2D {
	return Point2D{X: p.X + other.X, Y: p.Y + other.Y}
}

// Sub returns the difference of two points.
func (p Point2D) Sub(other Point2D) Point2D {
	return Point2D{X: p.X - other.X, Y: p.Y - other.Y}
}

// CropRect is a half-open row/column window [MinY,MaxY) x [MinX,MaxX).
type CropRect struct {
	MinY int `json:"min_y" yaml:"min_y"`
	MaxY int `json:"max_y" yaml:"max_y"`
	MinX int `json:"min_x" yaml:"min_x"`
	MaxX int `json:"max_x" yaml:"max_x"`
}

// Width returns the number of columns in the window.
func (r CropRect) Width() int { return r.MaxX - r.MinX }

// Height returns the number of rows in the window.
func (r CropRect) Height() int { return r.MaxY - r.MinY }

// Empty reports whether the window contains no pixels.
func (r CropRect) Empty() bool { return r.Width() <= 0 || r.Height() <= 0 }

// Inset shrinks the window by n pixels on every side.
func (r CropRect) Inset(n int) CropRect {
	return CropRect{MinY: r.MinY + n, MaxY: r.MaxY - n, MinX: r.MinX + n, MaxX: r.MaxX - n}
}

// Contains reports whether p lies inside the window.
func (r CropRect) Contains(p Point2D) bool {
	return p.X >= float64(r.MinX) && p.X < float64(r.MaxX) &&
		p.Y >= float64(r.MinY) && p.Y < float64(r.MaxY)
}

// CenteredCrop returns a width x height window centred in an image of the
// given size. The window may extend past the image when it is too small.
func CenteredCrop(imgHeight, imgWidth, height, width int) CropRect {
	minY := (imgHeight - height) / 2
	minX := (imgWidth - width) / 2
	return CropRect{MinY: minY, MaxY: minY + height, MinX: minX, MaxX: minX + width}
}

// AffineTransform represents a 2x3 affine transformation matrix.
// [a b tx]
// [c d ty]
type AffineTransform struct {
	A, B, TX float64
	C, D, TY float64
}

// Identity returns the identity transform.
func Identity() AffineTransform {
	return AffineTransform{A: 1, D: 1}
}

// Similarity builds rotation (radians, counter-clockwise in x/y), uniform
// scale and translation into one transform.
func Similarity(rotation, scale, tx, ty float64) AffineTransform {
	cos := math.Cos(rotation) * scale
	sin := math.Sin(rotation) * scale
	return AffineTransform{A: cos, B: -sin, TX: tx, C: sin, D: cos, TY: ty}
}

// Apply applies the transform to a point.
func (t AffineTransform) Apply(p Point2D) Point2D {
	return Point2D{
		X: t.A*p.X + t.B*p.Y + t.TX,
		Y: t.C*p.X + t.D*p.Y + t.TY,
	}
}

// ApplyAll maps every point through the transform.
func (t AffineTransform) ApplyAll(points []Point2D) []Point2D {
	out := make([]Point2D, len(points))
	for i, p := range points {
		out[i] = t.Apply(p)
	}
	return out
}

// Compose returns this transform composed with another (this * other).
func (t AffineTransform) Compose(other AffineTransform) AffineTransform {
	return AffineTransform{
		A:  t.A*other.A + t.B*other.C,
		B:  t.A*other.B + t.B*other.D,
		TX: t.A*other.TX + t.B*other.TY + t.TX,
		C:  t.C*other.A + t.D*other.C,
		D:  t.C*other.B + t.D*other.D,
		TY: t.C*other.TX + t.D*other.TY + t.TY,
	}
}

// Inverse returns the inverse transform, if it exists.
func (t AffineTransform) Inverse() (AffineTransform, bool) {
	det := t.A*t.D - t.B*t.C
	if math.Abs(det) < 1e-10 {
		return AffineTransform{}, false
	}

	invDet := 1.0 / det
	return AffineTransform{
		A:  t.D * invDet,
		B:  -t.B * invDet,
		TX: (t.B*t.TY - t.D*t.TX) * invDet,
		C:  -t.C * invDet,
		D:  t.A * invDet,
		TY: (t.C*t.TX - t.A*t.TY) * invDet,
	}, true
}

// RotationAngle returns the rotation component in radians.
func (t AffineTransform) RotationAngle() float64 {
	return math.Atan2(t.C, t.A)
}

// UniformScale returns the scale factor of a similarity transform.
func (t AffineTransform) UniformScale() float64 {
	return math.Hypot(t.A, t.C)
}

// Matrix3 returns the 3x3 homogeneous form, row-major.
func (t AffineTransform) Matrix3() [3][3]float64 {
	return [3][3]float64{
		{t.A, t.B, t.TX},
		{t.C, t.D, t.TY},
		{0, 0, 1},
	}
}

// Centroid computes the centroid (average position) of a set of points.
func Centroid(points []Point2D) Point2D {
	if len(points) == 0 {
		return Point2D{}
	}
	var sumX, sumY float64
	for _, p := range points {
		sumX += p.X
		sumY += p.Y
	}
	n := float64(len(points))
	return Point2D{X: sumX / n, Y: sumY / n}
}
