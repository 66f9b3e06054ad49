package cli

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"camera-alignment/internal/alignment"
	"camera-alignment/internal/channel"
	"camera-alignment/internal/config"
	camimage "camera-alignment/internal/image"
	"camera-alignment/internal/imageio"
	"camera-alignment/internal/manifest"
	"camera-alignment/internal/match"
	"camera-alignment/internal/optics"
	"camera-alignment/internal/qc"
	"camera-alignment/internal/rings"
	"camera-alignment/internal/store"
	"camera-alignment/pkg/geometry"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDimensions(t *testing.T) {
	tests := []struct {
		in   string
		want []int
	}{
		{"", nil},
		{" , ", nil},
		{"2", []int{2}},
		{"0-3", []int{0, 1, 2, 3}},
		{"8-10, 13, 15-17", []int{8, 9, 10, 13, 15, 16, 17}},
		{"8- 10, 9, 15 - 17", []int{8, 9, 10, 15, 16, 17}},
		{"1, ,2-3,", []int{1, 2, 3}},
		{"5, 1, 5", []int{1, 5}},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseDimensions(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	for _, bad := range []string{"-17", "17-", "1-2-3", "a", "4-2"} {
		_, err := ParseDimensions(bad)
		assert.Error(t, err, bad)
	}
}

func testChannels() []channel.Channel {
	return []channel.Channel{
		{Name: "Bright_2", CameraName: "Detector:Camera 2 (Left)"},
		{Name: "EGFP", EmissionWavelength: 509, CameraName: "Detector:Camera 1 (Back)"},
		{Name: "CMDRP", EmissionWavelength: 676, CameraName: "Detector:Camera 2 (Left)"},
		{Name: "TaRFP", EmissionWavelength: 581, CameraName: "Detector:Camera 1 (Back)"},
	}
}

func TestSelectChannels(t *testing.T) {
	info, err := channel.NewInfo(testChannels())
	require.NoError(t, err)

	ref, mov, err := selectChannels(info, "", "")
	require.NoError(t, err)
	assert.Equal(t, "TaRFP", ref.Name)
	assert.Equal(t, "CMDRP", mov.Name)

	ref, mov, err = selectChannels(info, "488", "3")
	require.NoError(t, err)
	assert.Equal(t, 1, ref.Index)
	assert.Equal(t, 3, mov.Index)

	_, _, err = selectChannels(info, "561", "")
	assert.Error(t, err)
	_, _, err = selectChannels(info, "561", "TaRFP")
	assert.Error(t, err)
	_, _, err = selectChannels(info, "405", "638")
	assert.ErrorIs(t, err, channel.ErrUnknownChannel)
}

func TestMovingChannels(t *testing.T) {
	info, err := channel.NewInfo(testChannels())
	require.NoError(t, err)

	assert.Equal(t, []int{0, 2}, movingChannels(info, string(channel.Raw638)))
	assert.Equal(t, []int{1, 3}, movingChannels(info, "EGFP"))
	// 405 is not in the image, fall back to the channels that need alignment.
	assert.Equal(t, []int{0, 2}, movingChannels(info, string(channel.Raw405)))
}

func execute(t *testing.T, root *Root, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd(root.cfg, root.cfgPath, root.log, root.store)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestConfigInitAndShow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "camalign.yaml")
	root := NewRoot(nil, path, zerolog.Nop(), nil)

	out, err := execute(t, root, "config", "init")
	require.NoError(t, err)
	assert.Contains(t, out, path)

	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultConfig(), cfg)

	_, err = execute(t, root, "config", "init")
	assert.Error(t, err, "existing config must not be overwritten")

	out, err = execute(t, root, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "segmentation:")
	assert.Contains(t, out, "estimation:")
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, NewRoot(nil, "", zerolog.Nop(), nil), "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "camalign "))
}

func TestCalibrateRequiresMagnification(t *testing.T) {
	_, err := execute(t, NewRoot(nil, "", zerolog.Nop(), nil), "calibrate", t.TempDir())
	assert.Error(t, err)
}

// writeAcquisition stores a single-scene, single-timepoint gradient image
// with one Back and one Left channel.
func writeAcquisition(t *testing.T, dir string) *camimage.Stack {
	t.Helper()
	s := camimage.NewStack(2, 1, 30, 40)
	for c := 0; c < 2; c++ {
		p := s.Plane(c, 0)
		for y := 0; y < p.Height; y++ {
			for x := 0; x < p.Width; x++ {
				p.Set(x, y, uint16(1000+100*x+7*y))
			}
		}
	}
	meta := imageio.Metadata{
		PixelSize: imageio.PixelSize{X: 0.108, Y: 0.108},
		Channels: []channel.Channel{
			{Name: "TaRFP", EmissionWavelength: 581, CameraName: "Detector:Camera 1 (Back)"},
			{Name: "CMDRP", EmissionWavelength: 676, CameraName: "Detector:Camera 2 (Left)"},
		},
	}
	require.NoError(t, imageio.Write(dir, meta, []*camimage.Stack{s}))
	return s
}

func TestAlignWithInfoFile(t *testing.T) {
	tmp := t.TempDir()
	acq := filepath.Join(tmp, "cells.d")
	in := writeAcquisition(t, acq)

	infoFile := filepath.Join(tmp, "control-alignment_info.json")
	info := &AlignmentInfo{
		Magnification:    100,
		ReferenceChannel: string(channel.Raw561),
		MovingChannel:    string(channel.Raw638),
		Transform:        alignment.NewTransform(geometry.Similarity(0, 1, 2, 0), 0),
	}
	require.NoError(t, info.Save(infoFile))

	outDir := filepath.Join(tmp, "out")
	manifestPath := filepath.Join(outDir, "manifest.json")
	out, err := execute(t, NewRoot(nil, "", zerolog.Nop(), nil),
		"align", acq, "--info", infoFile, "--no-crop", "-o", outDir, "--manifest", manifestPath)
	require.NoError(t, err)
	assert.Contains(t, out, "scene 0:")

	m, err := manifest.Load(manifestPath)
	require.NoError(t, err)
	require.Len(t, m.AlignedImages, 1)
	assert.Equal(t, "cells_aligned", m.AlignedImages[0].Path)
	assert.NotEmpty(t, m.AlignmentInfoPath)

	src, err := imageio.Open(manifest.Resolve(manifestPath, m.AlignedImages[0].Path))
	require.NoError(t, err)
	got, err := src.Read(0, 0)
	require.NoError(t, err)

	assert.Equal(t, in.Plane(0, 0).Pix, got.Plane(0, 0).Pix, "reference camera channel is untouched")
	mov := got.Plane(1, 0)
	for _, x := range []int{5, 12, 30} {
		assert.Equal(t, in.Plane(1, 0).At(x-2, 10), mov.At(x, 10))
	}
}

func TestAlignNeedsCalibration(t *testing.T) {
	tmp := t.TempDir()
	acq := filepath.Join(tmp, "cells.d")
	writeAcquisition(t, acq)

	_, err := execute(t, NewRoot(nil, "", zerolog.Nop(), nil), "align", acq)
	assert.Error(t, err)

	_, err = execute(t, NewRoot(nil, "", zerolog.Nop(), nil), "align", acq, "--calibration-id", "3")
	assert.ErrorContains(t, err, "catalog")
}

func TestResolveCalibrationFromStore(t *testing.T) {
	st, err := store.New(filepath.Join(t.TempDir(), "calibrations.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	control := filepath.Join(t.TempDir(), "argo.d")
	passed := false
	id, err := st.SaveCalibration(store.CalibrationRecord{
		OpticalControl:   absPath(control),
		Magnification:    63,
		ReferenceChannel: string(channel.Raw561),
		MovingChannel:    string(channel.Raw638),
		Transform:        alignment.NewTransform(geometry.Similarity(0.001, 1, 1, 2), -1),
		Pairs:            42,
		QCPassed:         &passed,
	})
	require.NoError(t, err)

	root := NewRoot(nil, "", zerolog.Nop(), st)

	byID, err := root.resolveCalibration("", id, "", 0)
	require.NoError(t, err)
	assert.Equal(t, id, byID.CalibrationID)
	assert.Equal(t, 63, byID.Magnification)
	assert.Equal(t, -1, byID.Transform.Info.ZOffset)
	assert.False(t, byID.QCPassed)

	latest, err := root.resolveCalibration("", 0, control, 63)
	require.NoError(t, err)
	assert.Equal(t, id, latest.CalibrationID)

	_, err = root.resolveCalibration("", 0, control, 100)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAlignmentInfoDegraded(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "control.d")
	writeAcquisition(t, dir)
	src, err := imageio.Open(dir)
	require.NoError(t, err)
	ref, err := src.ChannelInfo().Get(0)
	require.NoError(t, err)
	mov, err := src.ChannelInfo().Get(1)
	require.NoError(t, err)

	newRun := func(refCross, movCross bool) *calibrationRun {
		return &calibrationRun{
			src: src,
			mag: optics.Mag100,
			ref: ref,
			mov: mov,
			cal: &alignment.Calibration{
				Transform: alignment.NewTransform(geometry.Similarity(0, 1, 1, 1), 0),
				Reference: &rings.Segmentation{CrossFound: refCross},
				Moving:    &rings.Segmentation{CrossFound: movCross},
				Matches:   match.Result{Pairs: make([]match.Pair, 2*alignment.MinPairs)},
			},
			report: &qc.Report{},
		}
	}

	assert.False(t, newRun(true, true).info().Degraded)

	info := newRun(false, true).info()
	assert.True(t, info.Degraded, "reference cross fell back to the largest component")
	assert.Equal(t, 2*alignment.MinPairs, info.Pairs)
	assert.Equal(t, string(channel.Raw561), info.ReferenceChannel)
	assert.Equal(t, string(channel.Raw638), info.MovingChannel)

	path := filepath.Join(t.TempDir(), "control-alignment_info.json")
	require.NoError(t, newRun(true, false).info().Save(path))
	loaded, err := LoadAlignmentInfo(path)
	require.NoError(t, err)
	assert.True(t, loaded.Degraded)
}

func TestCalibrationsCommand(t *testing.T) {
	_, err := execute(t, NewRoot(nil, "", zerolog.Nop(), nil), "calibrations")
	assert.ErrorContains(t, err, "catalog")

	st, err := store.New(filepath.Join(t.TempDir(), "calibrations.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	root := NewRoot(nil, "", zerolog.Nop(), st)

	out, err := execute(t, root, "calibrations")
	require.NoError(t, err)
	assert.Contains(t, out, "no calibrations")

	passed := true
	for i, control := range []string{"/data/a.d", "/data/b.d", "/data/c.d"} {
		_, err := st.SaveCalibration(store.CalibrationRecord{
			OpticalControl:   control,
			Magnification:    100,
			ReferenceChannel: string(channel.Raw561),
			MovingChannel:    string(channel.Raw638),
			Transform:        alignment.NewTransform(geometry.Similarity(0, 1, float64(i), 0), 0),
			Pairs:            40 + i,
			QCPassed:         &passed,
		})
		require.NoError(t, err)
	}

	out, err = execute(t, root, "calibrations", "-n", "2")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "3\t"), "newest first")
	assert.Contains(t, lines[0], "/data/c.d")
	assert.Contains(t, lines[0], "pairs 42")
	assert.Contains(t, lines[0], "qc passed")
	assert.Contains(t, lines[1], "/data/b.d")

	_, err = execute(t, root, "calibrations", "--limit", "0")
	assert.Error(t, err)
}
