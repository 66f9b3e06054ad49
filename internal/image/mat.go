package image

import (
	"encoding/binary"
	"fmt"
	"math"

	"gocv.io/x/gocv"
)

// ToMat copies the plane into a new CV_16UC1 matrix. The caller owns the
// returned Mat and must Close it.
func (p *Plane) ToMat() (gocv.Mat, error) {
	buf := make([]byte, 2*len(p.Pix))
	for i, v := range p.Pix {
		binary.LittleEndian.PutUint16(buf[2*i:], v)
	}
	return gocv.NewMatFromBytes(p.Height, p.Width, gocv.MatTypeCV16UC1, buf)
}

// PlaneFromMat copies a CV_16UC1 matrix into a plane.
func PlaneFromMat(m gocv.Mat) (*Plane, error) {
	if m.Type() != gocv.MatTypeCV16UC1 {
		return nil, fmt.Errorf("expected CV_16UC1 matrix, got type %v", m.Type())
	}
	buf := m.ToBytes()
	out := NewPlane(m.Cols(), m.Rows())
	if len(buf) != 2*len(out.Pix) {
		return nil, fmt.Errorf("matrix buffer holds %d bytes, want %d", len(buf), 2*len(out.Pix))
	}
	for i := range out.Pix {
		out.Pix[i] = binary.LittleEndian.Uint16(buf[2*i:])
	}
	return out, nil
}

// FloatMat copies row-major float32 samples into a new CV_32FC1 matrix.
func FloatMat(values []float32, width, height int) (gocv.Mat, error) {
	if len(values) != width*height {
		return gocv.NewMat(), fmt.Errorf("%d samples for %dx%d matrix", len(values), width, height)
	}
	buf := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return gocv.NewMatFromBytes(height, width, gocv.MatTypeCV32FC1, buf)
}

// FloatsFromMat reads a CV_32FC1 matrix into row-major float32 samples.
func FloatsFromMat(m gocv.Mat) ([]float32, error) {
	if m.Type() != gocv.MatTypeCV32FC1 {
		return nil, fmt.Errorf("expected CV_32FC1 matrix, got type %v", m.Type())
	}
	buf := m.ToBytes()
	out := make([]float32, m.Rows()*m.Cols())
	if len(buf) != 4*len(out) {
		return nil, fmt.Errorf("matrix buffer holds %d bytes, want %d", len(buf), 4*len(out))
	}
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return out, nil
}

// MaskMat converts a boolean mask into a CV_8UC1 matrix of 0/255.
func MaskMat(mask []bool, width, height int) (gocv.Mat, error) {
	buf := make([]byte, len(mask))
	for i, on := range mask {
		if on {
			buf[i] = 255
		}
	}
	return gocv.NewMatFromBytes(height, width, gocv.MatTypeCV8UC1, buf)
}

// MaskFromMat reads a CV_8UC1 matrix, treating any non-zero byte as set.
func MaskFromMat(m gocv.Mat) []bool {
	buf := m.ToBytes()
	out := make([]bool, len(buf))
	for i, b := range buf {
		out[i] = b != 0
	}
	return out
}

// LabelsFromMat reads the CV_32SC1 label image produced by gocv's connected
// component functions.
func LabelsFromMat(m gocv.Mat) ([]int32, error) {
	if m.Type() != gocv.MatTypeCV32SC1 {
		return nil, fmt.Errorf("expected CV_32SC1 labels, got type %v", m.Type())
	}
	buf := m.ToBytes()
	out := make([]int32, m.Rows()*m.Cols())
	if len(buf) != 4*len(out) {
		return nil, fmt.Errorf("label buffer holds %d bytes, want %d", len(buf), 4*len(out))
	}
	for i := range out {
		out[i] = int32(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return out, nil
}
