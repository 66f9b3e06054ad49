// Package imageio reads and writes multi-scene microscope acquisitions stored
// as a directory of 16-bit TIFF planes with a YAML metadata sidecar:
//
//	<dir>/metadata.yaml
//	<dir>/s<scene>_t<timepoint>_c<channel>_z<slice>.tif
package imageio

import (
	"errors"
	"fmt"
	"image"
	"image/draw"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"camera-alignment/internal/channel"
	camimage "camera-alignment/internal/image"

	"golang.org/x/image/tiff"
	"gopkg.in/yaml.v3"
)

// MetadataFile is the sidecar name inside an acquisition directory.
const MetadataFile = "metadata.yaml"

// ErrPixelSize is returned when X and Y pixel sizes differ.
var ErrPixelSize = errors.New("pixel size differs between X and Y")

// PixelSize is the physical sample spacing in micrometres.
type PixelSize struct {
	X float64 `yaml:"x"`
	Y float64 `yaml:"y"`
	Z float64 `yaml:"z,omitempty"`
}

// Metadata describes an acquisition directory.
type Metadata struct {
	Scenes     int               `yaml:"scenes"`
	Timepoints int               `yaml:"timepoints"`
	Slices     int               `yaml:"slices"`
	Width      int               `yaml:"width"`
	Height     int               `yaml:"height"`
	PixelSize  PixelSize         `yaml:"pixel_size"`
	Channels   []channel.Channel `yaml:"channels"`
}

func (m Metadata) validate() error {
	switch {
	case m.Scenes < 1, m.Timepoints < 1, m.Slices < 1:
		return fmt.Errorf("scenes, timepoints and slices must be positive, got %d, %d, %d",
			m.Scenes, m.Timepoints, m.Slices)
	case m.Width < 1 || m.Height < 1:
		return fmt.Errorf("invalid plane size %dx%d", m.Width, m.Height)
	case len(m.Channels) == 0:
		return fmt.Errorf("no channels")
	}
	return nil
}

// PlaneName returns the file name of one plane.
func PlaneName(scene, timepoint, c, z int) string {
	return fmt.Sprintf("s%d_t%d_c%d_z%d.tif", scene, timepoint, c, z)
}

// Source is an opened acquisition directory.
type Source struct {
	dir  string
	meta Metadata
	info *channel.Info
}

// Open reads the metadata of the acquisition in dir.
func Open(dir string) (*Source, error) {
	data, err := os.ReadFile(filepath.Join(dir, MetadataFile))
	if err != nil {
		return nil, fmt.Errorf("read metadata: %w", err)
	}
	var meta Metadata
	if err := yaml.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parse %s: %w", MetadataFile, err)
	}
	if err := meta.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", dir, err)
	}
	info, err := channel.NewInfo(meta.Channels)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", dir, err)
	}
	return &Source{dir: dir, meta: meta, info: info}, nil
}

// Dir returns the acquisition directory.
func (s *Source) Dir() string { return s.dir }

// Stem returns the acquisition name used to derive output names.
func (s *Source) Stem() string {
	return strings.TrimSuffix(filepath.Base(filepath.Clean(s.dir)), filepath.Ext(s.dir))
}

// Metadata returns the acquisition metadata.
func (s *Source) Metadata() Metadata { return s.meta }

// Scenes returns the number of scenes.
func (s *Source) Scenes() int { return s.meta.Scenes }

// Timepoints returns the number of timepoints per scene.
func (s *Source) Timepoints() int { return s.meta.Timepoints }

// ChannelInfo returns the channel list.
func (s *Source) ChannelInfo() *channel.Info { return s.info }

// PixelSize returns the lateral pixel size in micrometres. X and Y must
// agree.
func (s *Source) PixelSize() (float64, error) {
	ps := s.meta.PixelSize
	if ps.X <= 0 {
		return 0, fmt.Errorf("missing pixel size")
	}
	if math.Abs(ps.X-ps.Y) > 1e-9 {
		return 0, fmt.Errorf("%w: %v vs %v", ErrPixelSize, ps.X, ps.Y)
	}
	return ps.X, nil
}

// Read loads one scene and timepoint as a (C, Z, Y, X) stack.
func (s *Source) Read(scene, timepoint int) (*camimage.Stack, error) {
	if scene < 0 || scene >= s.meta.Scenes {
		return nil, fmt.Errorf("scene %d outside 0..%d", scene, s.meta.Scenes-1)
	}
	if timepoint < 0 || timepoint >= s.meta.Timepoints {
		return nil, fmt.Errorf("timepoint %d outside 0..%d", timepoint, s.meta.Timepoints-1)
	}

	m := s.meta
	stack := camimage.NewStack(len(m.Channels), m.Slices, m.Height, m.Width)
	for c := range m.Channels {
		for z := 0; z < m.Slices; z++ {
			path := filepath.Join(s.dir, PlaneName(scene, timepoint, c, z))
			p, err := readPlane(path)
			if err != nil {
				return nil, err
			}
			if p.Width != m.Width || p.Height != m.Height {
				return nil, fmt.Errorf("%s: %dx%d plane, metadata says %dx%d",
					path, p.Width, p.Height, m.Width, m.Height)
			}
			copy(stack.Plane(c, z).Pix, p.Pix)
		}
	}
	return stack, nil
}

func readPlane(path string) (*camimage.Plane, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, err := tiff.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}

	gray, ok := img.(*image.Gray16)
	if !ok {
		b := img.Bounds()
		gray = image.NewGray16(image.Rect(0, 0, b.Dx(), b.Dy()))
		draw.Draw(gray, gray.Bounds(), img, b.Min, draw.Src)
	}

	b := gray.Bounds()
	p := camimage.NewPlane(b.Dx(), b.Dy())
	for y := 0; y < p.Height; y++ {
		for x := 0; x < p.Width; x++ {
			p.Set(x, y, gray.Gray16At(b.Min.X+x, b.Min.Y+y).Y)
		}
	}
	return p, nil
}

// Write stores the timepoints of one scene as a new single-scene
// acquisition in dir. meta supplies pixel size and channels; the remaining
// fields are taken from the frames.
func Write(dir string, meta Metadata, frames []*camimage.Stack) error {
	if len(frames) == 0 {
		return fmt.Errorf("no frames to write")
	}
	first := frames[0]
	for t, f := range frames {
		if err := f.Check4D(); err != nil {
			return fmt.Errorf("timepoint %d: %w", t, err)
		}
		if !slices.Equal(f.Shape, first.Shape) {
			return fmt.Errorf("timepoint %d has shape %v, timepoint 0 has %v", t, f.Shape, first.Shape)
		}
	}
	if len(meta.Channels) != first.Channels() {
		return fmt.Errorf("%d channels in metadata, %d in image", len(meta.Channels), first.Channels())
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	meta.Scenes = 1
	meta.Timepoints = len(frames)
	meta.Slices = first.Slices()
	meta.Width = first.Width()
	meta.Height = first.Height()

	for t, f := range frames {
		for c := 0; c < f.Channels(); c++ {
			for z := 0; z < f.Slices(); z++ {
				if err := writePlane(filepath.Join(dir, PlaneName(0, t, c, z)), f.Plane(c, z)); err != nil {
					return err
				}
			}
		}
	}

	data, err := yaml.Marshal(meta)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, MetadataFile), data, 0644)
}

func writePlane(path string, p *camimage.Plane) error {
	img := image.NewGray16(image.Rect(0, 0, p.Width, p.Height))
	for y := 0; y < p.Height; y++ {
		for x := 0; x < p.Width; x++ {
			i := img.PixOffset(x, y)
			v := p.At(x, y)
			img.Pix[i] = uint8(v >> 8)
			img.Pix[i+1] = uint8(v)
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := tiff.Encode(f, img, &tiff.Options{Compression: tiff.Deflate}); err != nil {
		f.Close()
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return f.Close()
}

// AlignedName returns the output name for an aligned scene: <stem>_aligned
// for single-scene acquisitions, <stem>_Scene-<scene>_aligned otherwise.
func AlignedName(stem string, scene, scenes int) string {
	if scenes <= 1 {
		return stem + "_aligned"
	}
	return fmt.Sprintf("%s_Scene-%d_aligned", stem, scene)
}
