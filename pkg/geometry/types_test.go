package geometry

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimilarityRoundTrip(t *testing.T) {
	tr := Similarity(0.1, 1.02, 4.5, -3)
	inv, ok := tr.Inverse()
	require.True(t, ok)

	p := Point2D{X: 120, Y: 47}
	back := inv.Apply(tr.Apply(p))
	assert.InDelta(t, p.X, back.X, 1e-9)
	assert.InDelta(t, p.Y, back.Y, 1e-9)

	assert.InDelta(t, 0.1, tr.RotationAngle(), 1e-12)
	assert.InDelta(t, 1.02, tr.UniformScale(), 1e-12)
}

func TestMatrix3(t *testing.T) {
	tr := Similarity(math.Pi/2, 1, 10, 20)
	m := tr.Matrix3()
	assert.Equal(t, [3]float64{0, 0, 1}, m[2])
	assert.InDelta(t, 0, m[0][0], 1e-12)
	assert.InDelta(t, -1, m[0][1], 1e-12)
	assert.Equal(t, 10.0, m[0][2])
	assert.Equal(t, 20.0, m[1][2])
}

func TestCenteredCrop(t *testing.T) {
	r := CenteredCrop(1200, 1900, 600, 900)
	assert.Equal(t, CropRect{MinY: 300, MaxY: 900, MinX: 500, MaxX: 1400}, r)
	assert.Equal(t, 900, r.Width())
	assert.Equal(t, 600, r.Height())

	in := r.Inset(20)
	assert.Equal(t, 860, in.Width())
	assert.Equal(t, 560, in.Height())
	assert.True(t, in.Contains(Point2D{X: 950, Y: 600}))
	assert.False(t, in.Contains(Point2D{X: 500, Y: 600}))
}
