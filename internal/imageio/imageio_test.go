package imageio

import (
	"os"
	"path/filepath"
	"testing"

	"camera-alignment/internal/channel"
	camimage "camera-alignment/internal/image"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func testMetadata() Metadata {
	return Metadata{
		PixelSize: PixelSize{X: 0.108, Y: 0.108, Z: 0.29},
		Channels: []channel.Channel{
			{Name: "EGFP", EmissionWavelength: 509, CameraName: "Detector:Camera 2 (Left)"},
			{Name: "CMDRP", EmissionWavelength: 676, CameraName: "Detector:Camera 1 (Back)"},
		},
	}
}

func gradientStack(t0 uint16) *camimage.Stack {
	s := camimage.NewStack(2, 3, 12, 17)
	for i := range s.Pix {
		s.Pix[i] = t0 + uint16(i*37)
	}
	return s
}

func TestWriteOpenRead(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "control.d")
	frames := []*camimage.Stack{gradientStack(0), gradientStack(1000)}
	require.NoError(t, Write(dir, testMetadata(), frames))

	src, err := Open(dir)
	require.NoError(t, err)
	assert.Equal(t, "control", src.Stem())
	assert.Equal(t, 1, src.Scenes())
	assert.Equal(t, 2, src.Timepoints())
	assert.Equal(t, 3, src.Metadata().Slices)

	ps, err := src.PixelSize()
	require.NoError(t, err)
	assert.Equal(t, 0.108, ps)

	info := src.ChannelInfo()
	assert.Equal(t, channel.Back, info.Channels[1].CameraPosition)

	for tp, want := range frames {
		got, err := src.Read(0, tp)
		require.NoError(t, err)
		assert.Equal(t, want.Shape, got.Shape)
		assert.Equal(t, want.Pix, got.Pix)
	}

	_, err = src.Read(1, 0)
	assert.Error(t, err)
	_, err = src.Read(0, 2)
	assert.Error(t, err)
}

func TestPixelSizeMismatch(t *testing.T) {
	dir := t.TempDir()
	meta := testMetadata()
	meta.PixelSize.Y = 0.2
	require.NoError(t, Write(dir, meta, []*camimage.Stack{gradientStack(0)}))

	src, err := Open(dir)
	require.NoError(t, err)
	_, err = src.PixelSize()
	assert.ErrorIs(t, err, ErrPixelSize)
}

func TestOpenErrors(t *testing.T) {
	_, err := Open(t.TempDir())
	assert.Error(t, err)

	dir := t.TempDir()
	meta := testMetadata()
	meta.Scenes, meta.Timepoints, meta.Slices, meta.Width, meta.Height = 1, 1, 1, 4, 4
	meta.Channels[0].CameraName = "Detector:0:1"
	data, err := yaml.Marshal(meta)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, MetadataFile), data, 0644))
	_, err = Open(dir)
	assert.Error(t, err)
}

func TestReadMissingPlane(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Write(dir, testMetadata(), []*camimage.Stack{gradientStack(0)}))
	require.NoError(t, os.Remove(filepath.Join(dir, PlaneName(0, 0, 1, 2))))

	src, err := Open(dir)
	require.NoError(t, err)
	_, err = src.Read(0, 0)
	assert.Error(t, err)
}

func TestWriteErrors(t *testing.T) {
	dir := t.TempDir()
	assert.Error(t, Write(dir, testMetadata(), nil))
	assert.Error(t, Write(dir, testMetadata(), []*camimage.Stack{camimage.NewStack(1, 1, 4, 4)}))
	assert.Error(t, Write(dir, testMetadata(), []*camimage.Stack{gradientStack(0), camimage.NewStack(2, 1, 4, 4)}))
}

func TestNames(t *testing.T) {
	assert.Equal(t, "s1_t0_c2_z3.tif", PlaneName(1, 0, 2, 3))
	assert.Equal(t, "img_aligned", AlignedName("img", 0, 1))
	assert.Equal(t, "img_Scene-2_aligned", AlignedName("img", 2, 4))
}
