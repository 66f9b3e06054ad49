// Package cli implements the camalign command line.
package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"camera-alignment/internal/alignment"
	"camera-alignment/internal/channel"
	"camera-alignment/internal/config"
	camimage "camera-alignment/internal/image"
	"camera-alignment/internal/imageio"
	"camera-alignment/internal/optics"
	"camera-alignment/internal/qc"
	"camera-alignment/internal/store"

	"github.com/rs/zerolog"
)

// ConfigEnv names the environment variable holding the config file path.
const ConfigEnv = "CAMALIGN_CONFIG"

// Root carries the state shared by all commands.
type Root struct {
	cfg     *config.Config
	cfgPath string
	log     zerolog.Logger
	store   *store.Store
}

// NewRoot constructs the CLI root. store may be nil when no catalog is
// configured.
func NewRoot(cfg *config.Config, cfgPath string, logger zerolog.Logger, st *store.Store) *Root {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	return &Root{cfg: cfg, cfgPath: cfgPath, log: logger, store: st}
}

// ParseDimensions parses a scene or timepoint selection such as
// "8-10, 13, 15-17" into sorted, de-duplicated indices. An empty selection
// returns nil, meaning all.
func ParseDimensions(s string) ([]int, error) {
	seen := map[int]bool{}
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		bounds := strings.Split(item, "-")
		switch len(bounds) {
		case 1:
			v, err := parseIndex(bounds[0])
			if err != nil {
				return nil, err
			}
			seen[v] = true
		case 2:
			start, err := parseIndex(bounds[0])
			if err != nil {
				return nil, fmt.Errorf("unable to parse range %q: %w", item, err)
			}
			end, err := parseIndex(bounds[1])
			if err != nil {
				return nil, fmt.Errorf("unable to parse range %q: %w", item, err)
			}
			if end < start {
				return nil, fmt.Errorf("unable to parse range %q: end before start", item)
			}
			for v := start; v <= end; v++ {
				seen[v] = true
			}
		default:
			return nil, fmt.Errorf("unable to parse range %q", item)
		}
	}
	if len(seen) == 0 {
		return nil, nil
	}
	out := make([]int, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	sort.Ints(out)
	return out, nil
}

func parseIndex(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty bound")
	}
	return strconv.Atoi(s)
}

// AlignmentInfo is the JSON document written by calibrate and read by align.
type AlignmentInfo struct {
	OpticalControl   string              `json:"optical_control"`
	Magnification    int                 `json:"magnification"`
	ReferenceChannel string              `json:"reference_channel"`
	MovingChannel    string              `json:"moving_channel"`
	Transform        alignment.Transform `json:"transform"`
	Pairs            int                 `json:"pairs"`
	Residual         float64             `json:"residual"`
	Degraded         bool                `json:"degraded"`
	QCPassed         bool                `json:"qc_passed"`
	QC               map[string]any      `json:"qc,omitempty"`
	CalibrationID    int64               `json:"calibration_id,omitempty"`
}

// LoadAlignmentInfo reads an alignment info file.
func LoadAlignmentInfo(path string) (*AlignmentInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var info AlignmentInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("parse alignment info %s: %w", path, err)
	}
	return &info, nil
}

// Save writes the alignment info as indented JSON.
func (a *AlignmentInfo) Save(path string) error {
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func infoPath(dir, stem string) string {
	return filepath.Join(dir, stem+"-alignment_info.json")
}

// calibrationRun bundles the results of calibrating one optical control.
type calibrationRun struct {
	src      *imageio.Source
	stack    *camimage.Stack
	mag      optics.Magnification
	ref, mov channel.Channel
	cal      *alignment.Calibration
	input    qc.Input
	report   *qc.Report
}

func (c *calibrationRun) info() *AlignmentInfo {
	return &AlignmentInfo{
		OpticalControl:   absPath(c.src.Dir()),
		Magnification:    int(c.mag),
		ReferenceChannel: channelLabel(c.ref),
		MovingChannel:    channelLabel(c.mov),
		Transform:        c.cal.Transform,
		Pairs:            len(c.cal.Matches.Pairs),
		Residual:         c.cal.Residual,
		Degraded:         c.cal.Degraded(),
		QCPassed:         c.report.Passed(),
		QC:               c.report.Metrics(),
	}
}

// calibrate runs calibration and QC on one scene of the control in dir.
// Empty channel selections fall back to the closest channels across the
// two cameras.
func (r *Root) calibrate(dir string, mag optics.Magnification, scene int, refSel, movSel string) (*calibrationRun, error) {
	src, err := imageio.Open(dir)
	if err != nil {
		return nil, err
	}
	pixelSize, err := src.PixelSize()
	if err != nil {
		return nil, err
	}
	ref, mov, err := selectChannels(src.ChannelInfo(), refSel, movSel)
	if err != nil {
		return nil, err
	}
	r.log.Info().
		Str("control", dir).
		Str("reference", ref.Name).
		Str("moving", mov.Name).
		Int("magnification", int(mag)).
		Float64("pixel_size_um", pixelSize).
		Msg("calibrating")

	stack, err := src.Read(scene, 0)
	if err != nil {
		return nil, err
	}

	opts := r.cfg.CalibrationOptions()
	opts.Magnification = mag
	opts.PixelSizeUM = pixelSize
	opts.ReferenceChannel = ref.Index
	opts.MovingChannel = mov.Index
	opts.Logger = r.log
	cal, err := alignment.GenerateTransform(stack, opts)
	if err != nil {
		return nil, fmt.Errorf("calibrate %s: %w", dir, err)
	}

	qcOpts := r.cfg.QCOptions()
	qcOpts.Logger = r.log
	input := qc.NewInput(cal, stack, ref.Index, mov.Index)
	report, err := qc.Evaluate(input, qcOpts)
	if err != nil {
		return nil, fmt.Errorf("qc %s: %w", dir, err)
	}

	return &calibrationRun{
		src:    src,
		stack:  stack,
		mag:    mag,
		ref:    ref,
		mov:    mov,
		cal:    cal,
		input:  input,
		report: report,
	}, nil
}

// selectChannels resolves the calibration channels. The default pair is
// the closest in emission wavelength across cameras, with the Back camera
// as reference.
func selectChannels(info *channel.Info, refSel, movSel string) (channel.Channel, channel.Channel, error) {
	if refSel == "" && movSel == "" {
		a, b, err := info.ClosestAcrossCameras()
		if err != nil {
			return channel.Channel{}, channel.Channel{}, fmt.Errorf("default calibration channels: %w", err)
		}
		if a.CameraPosition == channel.Left {
			a, b = b, a
		}
		return a, b, nil
	}
	if refSel == "" || movSel == "" {
		return channel.Channel{}, channel.Channel{}, errors.New("reference and moving channels must be given together")
	}
	ref, err := lookupChannel(info, refSel)
	if err != nil {
		return channel.Channel{}, channel.Channel{}, err
	}
	mov, err := lookupChannel(info, movSel)
	if err != nil {
		return channel.Channel{}, channel.Channel{}, err
	}
	if ref.Index == mov.Index {
		return channel.Channel{}, channel.Channel{}, fmt.Errorf("reference and moving channel are both %q", ref.Name)
	}
	return ref, mov, nil
}

// lookupChannel accepts a channel index, a canonical name, an alias or a
// wavelength.
func lookupChannel(info *channel.Info, sel string) (channel.Channel, error) {
	if idx, err := strconv.Atoi(strings.TrimSpace(sel)); err == nil && idx >= 0 && idx < len(info.Channels) {
		return info.Get(idx)
	}
	name, err := channel.Parse(sel)
	if err != nil {
		return channel.Channel{}, err
	}
	idx, err := info.IndexOf(name)
	if err != nil {
		return channel.Channel{}, err
	}
	return info.Get(idx)
}

func absPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}

func channelLabel(c channel.Channel) string {
	if n, err := c.Canonical(); err == nil {
		return string(n)
	}
	return c.Name
}

// movingChannels returns the channels imaged by the same camera as the
// calibration's moving channel. When that channel is not in the image the
// channels that conventionally require alignment are used.
func movingChannels(info *channel.Info, moving string) []int {
	if name, err := channel.Parse(moving); err == nil {
		if idx, err := info.IndexOf(name); err == nil {
			if c, err := info.Get(idx); err == nil {
				return info.IndicesFromCamera(c.CameraPosition)
			}
		}
	}
	var out []int
	for _, c := range info.Channels {
		if n, err := c.Canonical(); err == nil && n.RequiresAlignment() {
			out = append(out, c.Index)
		}
	}
	return out
}
