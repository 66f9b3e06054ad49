// Package image provides the multi-dimensional 16-bit image containers the
// alignment stages operate on, and their conversion to gocv matrices.
package image

import (
	"fmt"
	"sort"

	"camera-alignment/pkg/geometry"

	"gonum.org/v1/gonum/stat"
)

// Stack is a dense row-major array of 16-bit samples. Aligned image data is
// 4-D with shape (C, Z, Y, X); other ranks are representable so callers can
// be told precisely what is wrong with their input.
type Stack struct {
	Shape []int
	Pix   []uint16
}

// NewStack allocates a zeroed stack with the given shape.
func NewStack(shape ...int) *Stack {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return &Stack{Shape: append([]int(nil), shape...), Pix: make([]uint16, n)}
}

// NDim returns the number of dimensions.
func (s *Stack) NDim() int { return len(s.Shape) }

// Channels returns the size of the channel axis of a 4-D stack.
func (s *Stack) Channels() int { return s.dim(0) }

// Slices returns the size of the Z axis of a 4-D stack.
func (s *Stack) Slices() int { return s.dim(1) }

// Height returns the number of rows.
func (s *Stack) Height() int { return s.dim(len(s.Shape) - 2) }

// Width returns the number of columns.
func (s *Stack) Width() int { return s.dim(len(s.Shape) - 1) }

func (s *Stack) dim(i int) int {
	if i < 0 || i >= len(s.Shape) {
		return 0
	}
	return s.Shape[i]
}

// Clone returns a deep copy.
func (s *Stack) Clone() *Stack {
	return &Stack{
		Shape: append([]int(nil), s.Shape...),
		Pix:   append([]uint16(nil), s.Pix...),
	}
}

// Plane returns a view of plane (c, z) of a 4-D stack. The view shares
// storage with the stack.
func (s *Stack) Plane(c, z int) *Plane {
	h, w := s.Height(), s.Width()
	off := (c*s.Slices() + z) * h * w
	return &Plane{Width: w, Height: h, Pix: s.Pix[off : off+h*w]}
}

// ChannelPlanes returns views of every Z plane of channel c.
func (s *Stack) ChannelPlanes(c int) []*Plane {
	planes := make([]*Plane, s.Slices())
	for z := range planes {
		planes[z] = s.Plane(c, z)
	}
	return planes
}

// Check4D returns an error unless the stack is (C, Z, Y, X) with a
// consistent pixel buffer.
func (s *Stack) Check4D() error {
	if s == nil || len(s.Shape) != 4 {
		var shape []int
		if s != nil {
			shape = s.Shape
		}
		return fmt.Errorf("expected 4-D (C, Z, Y, X) image, got shape %v", shape)
	}
	n := 1
	for _, d := range s.Shape {
		n *= d
	}
	if n != len(s.Pix) {
		return fmt.Errorf("shape %v needs %d samples, buffer holds %d", s.Shape, n, len(s.Pix))
	}
	return nil
}

// Trim4D drops leading axes beyond the fourth by taking index 0 of each,
// so a (T, C, Z, Y, X) array becomes its first (C, Z, Y, X) volume. Stacks
// with four or fewer axes are returned as is.
func (s *Stack) Trim4D() *Stack {
	out := s
	for len(out.Shape) > 4 && out.Shape[0] > 0 {
		n := len(out.Pix) / out.Shape[0]
		out = &Stack{Shape: out.Shape[1:], Pix: out.Pix[:n]}
	}
	return out
}

// Crop returns a new 4-D stack holding window r of every plane.
func (s *Stack) Crop(r geometry.CropRect) *Stack {
	c, z := s.Channels(), s.Slices()
	out := NewStack(c, z, r.Height(), r.Width())
	for ci := 0; ci < c; ci++ {
		for zi := 0; zi < z; zi++ {
			copy(out.Plane(ci, zi).Pix, s.Plane(ci, zi).Crop(r).Pix)
		}
	}
	return out
}

// Plane is a single 2-D image in row-major order.
type Plane struct {
	Width  int
	Height int
	Pix    []uint16
}

// NewPlane allocates a zeroed plane.
func NewPlane(width, height int) *Plane {
	return &Plane{Width: width, Height: height, Pix: make([]uint16, width*height)}
}

// At returns the sample at column x, row y.
func (p *Plane) At(x, y int) uint16 { return p.Pix[y*p.Width+x] }

// Set stores a sample at column x, row y.
func (p *Plane) Set(x, y int, v uint16) { p.Pix[y*p.Width+x] = v }

// Clone returns a deep copy.
func (p *Plane) Clone() *Plane {
	return &Plane{Width: p.Width, Height: p.Height, Pix: append([]uint16(nil), p.Pix...)}
}

// Crop copies window r out of the plane.
func (p *Plane) Crop(r geometry.CropRect) *Plane {
	out := NewPlane(r.Width(), r.Height())
	for y := 0; y < out.Height; y++ {
		src := (r.MinY+y)*p.Width + r.MinX
		copy(out.Pix[y*out.Width:(y+1)*out.Width], p.Pix[src:src+out.Width])
	}
	return out
}

// Floats returns the samples as float64 values.
func (p *Plane) Floats() []float64 {
	out := make([]float64, len(p.Pix))
	for i, v := range p.Pix {
		out[i] = float64(v)
	}
	return out
}

// Max returns the largest sample.
func (p *Plane) Max() uint16 {
	var m uint16
	for _, v := range p.Pix {
		if v > m {
			m = v
		}
	}
	return m
}

// Percentiles returns the requested percentiles (0-100) of the samples.
func (p *Plane) Percentiles(ps ...float64) []float64 {
	return Percentiles(p.Floats(), ps...)
}

// Percentiles returns percentiles (0-100) of values, which are sorted in place.
func Percentiles(values []float64, ps ...float64) []float64 {
	out := make([]float64, len(ps))
	if len(values) == 0 {
		return out
	}
	sort.Float64s(values)
	for i, pct := range ps {
		q := pct / 100
		if q < 0 {
			q = 0
		}
		if q > 1 {
			q = 1
		}
		out[i] = stat.Quantile(q, stat.LinInterp, values, nil)
	}
	return out
}
