package rings

import (
	"bytes"
	"errors"
	"math"
	"math/rand"
	"testing"

	camimage "camera-alignment/internal/image"
	"camera-alignment/internal/optics"
	"camera-alignment/pkg/geometry"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	synthWidth   = 600
	synthHeight  = 390
	synthSpacing = 30
	synthRadius  = 3
)

var synthCross = geometry.Point2D{X: 315, Y: 195}

// syntheticGrid draws a 13x20 ring grid with a 31x31 cross replacing the
// ring at (315, 195). It returns the plane and the ring centres.
func syntheticGrid(seed int64) (*camimage.Plane, []geometry.Point2D) {
	rng := rand.New(rand.NewSource(seed))
	p := camimage.NewPlane(synthWidth, synthHeight)
	for i := range p.Pix {
		p.Pix[i] = uint16(5000 + rng.Intn(601) - 300)
	}

	var centres []geometry.Point2D
	for y := 15; y < synthHeight; y += synthSpacing {
		for x := 15; x < synthWidth; x += synthSpacing {
			if float64(x) == synthCross.X && float64(y) == synthCross.Y {
				continue
			}
			centres = append(centres, geometry.Point2D{X: float64(x), Y: float64(y)})
			for dy := -synthRadius; dy <= synthRadius; dy++ {
				for dx := -synthRadius; dx <= synthRadius; dx++ {
					if dx*dx+dy*dy <= synthRadius*synthRadius {
						p.Set(x+dx, y+dy, p.At(x+dx, y+dy)+20000)
					}
				}
			}
		}
	}

	// 31x31 cross with 7 px wide bars centred on synthCross.
	x0, y0 := int(synthCross.X)-16, int(synthCross.Y)-16
	for dy := 0; dy < 31; dy++ {
		for dx := 0; dx < 31; dx++ {
			if (dy >= 13 && dy < 20) || (dx >= 13 && dx < 20) {
				p.Set(x0+dx, y0+dy, p.At(x0+dx, y0+dy)+20000)
			}
		}
	}
	return p, centres
}

func syntheticParams(m optics.Magnification) Params {
	p := DefaultParams().WithMagnification(m).WithPixelSize(1).WithPercentiles(50, 99)
	p.RingSpacingUM = synthSpacing
	p.RingRadiusUM = synthRadius
	p.CrossAreaUM2 = 300
	return p
}

func nearest(f []Feature, p geometry.Point2D) float64 {
	best := math.Inf(1)
	for _, ft := range f {
		best = math.Min(best, ft.Centroid.Distance(p))
	}
	return best
}

func TestSegmentDotFilter(t *testing.T) {
	plane, centres := syntheticGrid(1)

	seg, err := Segment(plane, syntheticParams(optics.Mag20))
	require.NoError(t, err)

	assert.True(t, seg.CrossFound)
	assert.False(t, math.IsNaN(seg.DotCutoff))
	assert.InDelta(t, synthCross.X, seg.Cross.Centroid.X, 1)
	assert.InDelta(t, synthCross.Y, seg.Cross.Centroid.Y, 1)
	assert.Len(t, seg.Features, len(centres))

	var sum float64
	for _, c := range centres {
		d := nearest(seg.Features, c)
		assert.Less(t, d, 1.0, "ring at %v", c)
		sum += d
	}
	assert.Less(t, sum/float64(len(centres)), 0.5)

	for _, f := range seg.Features {
		assert.NotEqual(t, seg.Cross.ID, f.ID)
	}
}

func TestSegmentGlobalThreshold(t *testing.T) {
	plane, centres := syntheticGrid(2)
	params := syntheticParams(optics.Mag100)
	params.MinObjectArea = 10

	seg, err := Segment(plane, params)
	require.NoError(t, err)

	assert.True(t, math.IsNaN(seg.DotCutoff))
	assert.Len(t, seg.Features, len(centres))
	assert.InDelta(t, synthCross.X, seg.Cross.Centroid.X, 1)
	for _, c := range centres {
		assert.Less(t, nearest(seg.Features, c), 1.0)
	}
}

func TestSegmentMissingCross(t *testing.T) {
	plane, centres := syntheticGrid(4)
	params := syntheticParams(optics.Mag100)
	params.MinObjectArea = 10
	// The drawn cross covers 385 px, well below this.
	params.CrossAreaUM2 = 5000
	var logs bytes.Buffer
	params.Logger = zerolog.New(&logs).Level(zerolog.WarnLevel)

	seg, err := Segment(plane, params)
	require.NoError(t, err)

	assert.False(t, seg.CrossFound)
	assert.Contains(t, logs.String(), `"component":"segment"`)
	assert.Contains(t, logs.String(), "using largest component")
	assert.InDelta(t, synthCross.X, seg.Cross.Centroid.X, 1, "largest component stands in for the cross")
	assert.InDelta(t, synthCross.Y, seg.Cross.Centroid.Y, 1)
	assert.Less(t, float64(seg.Cross.Area), params.Scale().CrossArea())
	assert.Len(t, seg.Features, len(centres))
	for _, f := range seg.Features {
		assert.NotEqual(t, seg.Cross.ID, f.ID)
	}
}

func TestSegmentFlatImage(t *testing.T) {
	p := camimage.NewPlane(64, 64)
	for i := range p.Pix {
		p.Pix[i] = 1234
	}
	_, err := Segment(p, syntheticParams(optics.Mag100))
	assert.True(t, errors.Is(err, ErrNoPattern))

	_, err = Segment(p, DefaultParams())
	assert.Error(t, err, "missing pixel size")
}

func TestSegmentationOffset(t *testing.T) {
	seg := &Segmentation{
		Features: []Feature{{ID: 1, Centroid: geometry.Point2D{X: 1, Y: 2}}},
		Cross:    Feature{ID: 2, Centroid: geometry.Point2D{X: 5, Y: 5}},
	}
	moved := seg.Offset(10, 20)
	assert.Equal(t, geometry.Point2D{X: 11, Y: 22}, moved.Features[0].Centroid)
	assert.Equal(t, geometry.Point2D{X: 15, Y: 25}, moved.Cross.Centroid)
	assert.Equal(t, geometry.Point2D{X: 1, Y: 2}, seg.Features[0].Centroid)
	assert.Equal(t, []geometry.Point2D{{X: 11, Y: 22}}, moved.Points())
}

func TestExpectedRingCount(t *testing.T) {
	assert.Equal(t, 260, ExpectedRingCount(synthHeight, synthWidth, synthCross, synthSpacing))
	assert.Equal(t, 1, ExpectedRingCount(10, 10, geometry.Point2D{X: 5, Y: 5}, 30))
}

func TestCropDimensions(t *testing.T) {
	tests := []struct {
		name                   string
		h, w, cy, cx           int
		spacing                float64
		top, bottom, left, rgt int
	}{
		{"offset cross", 100, 200, 60, 105, 15, 8, 100, 8, 188},
		{"centred cross", 100, 200, 50, 100, 15, 12, 88, 0, 200},
		{"aligned spacing", 100, 200, 50, 100, 10, 5, 95, 5, 195},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := CropDimensions(tt.h, tt.w, tt.cy, tt.cx, tt.spacing, 0.5)
			assert.Equal(t, geometry.CropRect{MinY: tt.top, MaxY: tt.bottom, MinX: tt.left, MaxX: tt.rgt}, r)

			assert.True(t, 0 <= r.MinY && r.MinY < r.MaxY && r.MaxY <= tt.h)
			assert.True(t, 0 <= r.MinX && r.MinX < r.MaxX && r.MaxX <= tt.w)

			// Deterministic.
			assert.Equal(t, r, CropDimensions(tt.h, tt.w, tt.cy, tt.cx, tt.spacing, 0.5))
		})
	}

	// One cell around a centred cross leaves nothing.
	r := CropDimensions(30, 30, 15, 15, 30, 0.5)
	assert.Equal(t, geometry.CropRect{MinY: 30, MaxY: 0, MinX: 30, MaxX: 0}, r)
	assert.True(t, r.Empty())
}

func TestCropToGrid(t *testing.T) {
	plane, _ := syntheticGrid(3)

	out, r, err := CropToGrid(plane, syntheticParams(optics.Mag100))
	require.NoError(t, err)
	assert.Same(t, plane, out)
	assert.Equal(t, geometry.CropRect{MaxY: synthHeight, MaxX: synthWidth}, r)

	out, r, err = CropToGrid(plane, syntheticParams(optics.Mag20))
	require.NoError(t, err)
	assert.InDelta(t, 30, r.MinY, 1)
	assert.InDelta(t, 360, r.MaxY, 1)
	assert.InDelta(t, 30, r.MinX, 1)
	assert.InDelta(t, 570, r.MaxX, 1)
	assert.Equal(t, r.Width(), out.Width)
	assert.Equal(t, r.Height(), out.Height)
	assert.True(t, r.Contains(synthCross))
}

func TestCropToGridTooSmall(t *testing.T) {
	p := camimage.NewPlane(30, 30)
	for i := range p.Pix {
		p.Pix[i] = 5000
	}
	for y := 0; y < 30; y++ {
		for x := 0; x < 30; x++ {
			if (x-15)*(x-15)+(y-15)*(y-15) <= 36 {
				p.Set(x, y, 25000)
			}
		}
	}
	params := syntheticParams(optics.Mag20)
	params.RingSpacingUM = 40
	params.MinObjectArea = 10

	cross, err := LocateCross(p, params)
	require.NoError(t, err)
	assert.InDelta(t, 15, cross.X, 1)
	assert.InDelta(t, 15, cross.Y, 1)

	out, r, err := CropToGrid(p, params)
	assert.ErrorIs(t, err, ErrEmptyCrop)
	assert.Nil(t, out)
	assert.True(t, r.Empty())

	// Without a grid crop the same image passes through untouched.
	out, _, err = CropToGrid(p, params.WithMagnification(optics.Mag63))
	require.NoError(t, err)
	assert.Same(t, p, out)
}
