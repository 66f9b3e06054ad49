package manifest

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPath(t *testing.T) {
	day := time.Date(2024, time.March, 7, 15, 0, 0, 0, time.UTC)
	assert.Equal(t, filepath.Join("out", "2024_3_7-alignment_output.json"), DefaultPath("out", day))
}

func TestSaveLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.json")

	m := New()
	m.CalibrationID = 4
	m.SetAlignmentInfo(path, filepath.Join(dir, "info.json"))
	m.SetAlignedOpticalControl(path, filepath.Join(dir, "control_aligned.ome.tiff"))
	m.AddImages(path,
		AlignedImage{Scene: 0, Path: filepath.Join(dir, "img", "a_Scene-0_aligned")},
		AlignedImage{Scene: 1, Path: filepath.Join(dir, "img", "a_Scene-1_aligned")},
	)
	require.NoError(t, m.Save(path))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Version, got.Version)
	assert.Equal(t, int64(4), got.CalibrationID)
	assert.Equal(t, "info.json", got.AlignmentInfoPath)
	require.Len(t, got.AlignedImages, 2)
	assert.Equal(t, 1, got.AlignedImages[1].Scene)
	assert.Equal(t, filepath.Join("img", "a_Scene-1_aligned"), got.AlignedImages[1].Path)
	assert.Equal(t, filepath.Join(dir, "img", "a_Scene-1_aligned"), Resolve(path, got.AlignedImages[1].Path))
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
