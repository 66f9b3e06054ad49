// Package manifest records the outputs of an alignment run.
package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Version is the manifest format version.
const Version = 1

// AlignedImage is one aligned output file.
type AlignedImage struct {
	Scene int    `json:"scene"`
	Path  string `json:"aligned_image_path"`
}

// File is the alignment output manifest. Paths are stored relative to the
// manifest when possible.
type File struct {
	Version int       `json:"version"`
	Created time.Time `json:"created"`

	AlignmentInfoPath         string `json:"alignment_info_path,omitempty"`
	AlignedOpticalControlPath string `json:"aligned_optical_control_path,omitempty"`

	CalibrationID int64          `json:"calibration_id,omitempty"`
	AlignedImages []AlignedImage `json:"aligned_images"`
}

// New creates an empty manifest.
func New() *File {
	return &File{Version: Version, Created: time.Now(), AlignedImages: []AlignedImage{}}
}

// DefaultPath returns <dir>/<YYYY>_<M>_<D>-alignment_output.json for t.
func DefaultPath(dir string, t time.Time) string {
	name := fmt.Sprintf("%d_%d_%d-alignment_output.json", t.Year(), int(t.Month()), t.Day())
	return filepath.Join(dir, name)
}

// Load reads a manifest.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var m File
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	return &m, nil
}

// Save writes the manifest to path.
func (m *File) Save(path string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// SetAlignmentInfo records the alignment info path relative to the manifest.
func (m *File) SetAlignmentInfo(manifestPath, infoPath string) {
	m.AlignmentInfoPath = relative(manifestPath, infoPath)
}

// SetAlignedOpticalControl records the aligned optical control path.
func (m *File) SetAlignedOpticalControl(manifestPath, imagePath string) {
	m.AlignedOpticalControlPath = relative(manifestPath, imagePath)
}

// AddImages appends aligned outputs, storing paths relative to the manifest.
func (m *File) AddImages(manifestPath string, images ...AlignedImage) {
	for _, img := range images {
		img.Path = relative(manifestPath, img.Path)
		m.AlignedImages = append(m.AlignedImages, img)
	}
}

// Resolve returns the absolute form of a path stored in the manifest.
func Resolve(manifestPath, stored string) string {
	if stored == "" || filepath.IsAbs(stored) {
		return stored
	}
	return filepath.Join(filepath.Dir(manifestPath), stored)
}

func relative(manifestPath, path string) string {
	rel, err := filepath.Rel(filepath.Dir(manifestPath), path)
	if err != nil {
		return path
	}
	return rel
}
