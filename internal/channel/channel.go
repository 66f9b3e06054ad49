// Package channel resolves acquisition channel names to canonical channels
// and to the camera that imaged them.
package channel

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// ErrUnknownChannel is returned for names and wavelengths that do not map to
// a canonical channel.
var ErrUnknownChannel = errors.New("unknown channel")

// Name is a canonical channel.
type Name string

const (
	Brightfield Name = "Raw brightfield"
	Raw405      Name = "Raw 405nm"
	Raw488      Name = "Raw 488nm"
	Raw561      Name = "Raw 561nm"
	Raw638      Name = "Raw 638nm"
)

// All lists the canonical channels.
var All = []Name{Brightfield, Raw405, Raw488, Raw561, Raw638}

// Acquisition names used by the microscopes for each canonical channel.
var aliases = map[string]Name{
	"Bright_2": Brightfield,
	"TL_100x":  Brightfield,
	"EGFP":     Raw488,
	"CMDRP":    Raw638,
	"H3342":    Raw405,
	"TaRFP":    Raw561,
}

// FromWavelength returns the channel for a nominal laser line in nm.
func FromWavelength(nm int) (Name, error) {
	switch nm {
	case 405:
		return Raw405, nil
	case 488:
		return Raw488, nil
	case 561:
		return Raw561, nil
	case 638:
		return Raw638, nil
	}
	return "", fmt.Errorf("%w: wavelength %d nm, supported 405, 488, 561, 638", ErrUnknownChannel, nm)
}

// Parse accepts a canonical name, an acquisition alias, "brightfield", or a
// wavelength such as "638" or "638nm".
func Parse(s string) (Name, error) {
	s = strings.TrimSpace(s)
	for _, n := range All {
		if strings.EqualFold(s, string(n)) {
			return n, nil
		}
	}
	if n, ok := aliases[s]; ok {
		return n, nil
	}
	lower := strings.ToLower(s)
	if lower == "brightfield" || lower == "bf" {
		return Brightfield, nil
	}
	if nm, err := strconv.Atoi(strings.TrimSuffix(lower, "nm")); err == nil {
		return FromWavelength(nm)
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownChannel, s)
}

// RequiresAlignment reports whether the channel is imaged by the camera
// that is aligned onto the reference.
func (n Name) RequiresAlignment() bool {
	return n == Brightfield || n == Raw638
}

// CameraPosition identifies one of the two cameras.
type CameraPosition string

const (
	Left CameraPosition = "Left"
	Back CameraPosition = "Back"
)

// ParseCameraPosition derives the camera from a detector name such as
// "Detector:Camera 2 (Left)".
func ParseCameraPosition(detector string) (CameraPosition, error) {
	lower := strings.ToLower(detector)
	switch {
	case strings.Contains(lower, strings.ToLower(string(Left))):
		return Left, nil
	case strings.Contains(lower, strings.ToLower(string(Back))):
		return Back, nil
	}
	return "", fmt.Errorf("no camera position for detector %q", detector)
}

// Channel describes one channel of an acquisition.
type Channel struct {
	Index              int            `yaml:"index" json:"index"`
	Name               string         `yaml:"name" json:"name"`
	EmissionWavelength float64        `yaml:"emission_wavelength,omitempty" json:"emission_wavelength,omitempty"` // nm, 0 if unknown
	CameraName         string         `yaml:"detector" json:"detector"`
	CameraPosition     CameraPosition `yaml:"-" json:"camera_position"`
}

// Canonical maps the acquisition name to a canonical channel.
func (c Channel) Canonical() (Name, error) {
	return Parse(c.Name)
}

// Info is the ordered channel list of an image.
type Info struct {
	Channels []Channel
}

// NewInfo builds Info, deriving each channel's camera position from its
// detector name.
func NewInfo(channels []Channel) (*Info, error) {
	out := make([]Channel, len(channels))
	for i, c := range channels {
		pos, err := ParseCameraPosition(c.CameraName)
		if err != nil {
			return nil, fmt.Errorf("channel %d (%s): %w", i, c.Name, err)
		}
		c.Index = i
		c.CameraPosition = pos
		out[i] = c
	}
	return &Info{Channels: out}, nil
}

// IndexOf returns the index of the channel whose acquisition name maps to n.
func (in *Info) IndexOf(n Name) (int, error) {
	for _, c := range in.Channels {
		if name, err := c.Canonical(); err == nil && name == n {
			return c.Index, nil
		}
	}
	return -1, fmt.Errorf("%w: %s not in image", ErrUnknownChannel, n)
}

// Get returns the channel with the given index.
func (in *Info) Get(index int) (Channel, error) {
	for _, c := range in.Channels {
		if c.Index == index {
			return c, nil
		}
	}
	return Channel{}, fmt.Errorf("%w: index %d", ErrUnknownChannel, index)
}

// FromCamera returns the channels imaged by the camera at pos.
func (in *Info) FromCamera(pos CameraPosition) []Channel {
	var out []Channel
	for _, c := range in.Channels {
		if c.CameraPosition == pos {
			out = append(out, c)
		}
	}
	return out
}

// IndicesFromCamera returns the indices of the channels imaged by the
// camera at pos.
func (in *Info) IndicesFromCamera(pos CameraPosition) []int {
	var out []int
	for _, c := range in.FromCamera(pos) {
		out = append(out, c.Index)
	}
	return out
}

// ClosestAcrossCameras returns the pair of channels from different cameras
// with the closest emission wavelengths, ordered by wavelength. The image
// must have been acquired with exactly two cameras.
func (in *Info) ClosestAcrossCameras() (Channel, Channel, error) {
	var cameras []string
	groups := map[string][]Channel{}
	for _, c := range in.Channels {
		if _, ok := groups[c.CameraName]; !ok {
			cameras = append(cameras, c.CameraName)
		}
		groups[c.CameraName] = append(groups[c.CameraName], c)
	}
	if len(cameras) != 2 {
		return Channel{}, Channel{}, fmt.Errorf("expected 2 cameras, found %d: %v", len(cameras), cameras)
	}
	sort.Strings(cameras)

	var best [2]Channel
	bestDist := math.Inf(1)
	first := true
	for _, a := range groups[cameras[0]] {
		for _, b := range groups[cameras[1]] {
			d := wavelengthDistance(a, b)
			if first || d < bestDist {
				best, bestDist, first = [2]Channel{a, b}, d, false
			}
		}
	}

	if wavelengthKey(best[1]) < wavelengthKey(best[0]) {
		best[0], best[1] = best[1], best[0]
	}
	return best[0], best[1], nil
}

func wavelengthDistance(a, b Channel) float64 {
	if a.EmissionWavelength == 0 || b.EmissionWavelength == 0 {
		return math.Inf(1)
	}
	return math.Abs(a.EmissionWavelength - b.EmissionWavelength)
}

func wavelengthKey(c Channel) float64 {
	if c.EmissionWavelength == 0 {
		return math.Inf(1)
	}
	return c.EmissionWavelength
}
