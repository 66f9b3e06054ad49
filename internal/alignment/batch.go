package alignment

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	camimage "camera-alignment/internal/image"
	"camera-alignment/internal/logging"
	"camera-alignment/internal/manifest"
	"camera-alignment/internal/optics"

	"github.com/rs/zerolog"
)

// SceneSource supplies image data one scene and timepoint at a time.
type SceneSource interface {
	Scenes() int
	Timepoints() int
	Read(scene, timepoint int) (*camimage.Stack, error)
}

// SceneWriter persists the aligned timepoints of one scene and returns the
// path written.
type SceneWriter func(scene int, timepoints []int, frames []*camimage.Stack) (string, error)

// Aligner applies one calibration to many scenes.
type Aligner struct {
	Transform     Transform
	Magnification optics.Magnification
	Channels      []int // channels imaged by the moving camera
	Crop          bool

	Apply       ApplyOptions
	CropOptions CropOptions

	Workers int // concurrent scenes, defaults to GOMAXPROCS
	Write   SceneWriter
	Logger  zerolog.Logger
}

// NewAligner returns an Aligner with default apply and crop options.
func NewAligner(t Transform, mag optics.Magnification, channels []int, write SceneWriter) *Aligner {
	return &Aligner{
		Transform:     t,
		Magnification: mag,
		Channels:      channels,
		Crop:          true,
		Apply:         DefaultApplyOptions(),
		CropOptions:   DefaultCropOptions(),
		Write:         write,
		Logger:        zerolog.Nop(),
	}
}

// AlignImage aligns the selected scenes and timepoints of src; nil
// selections mean all. Scenes are processed concurrently and the results
// are returned in selection order. The first error cancels scenes that have
// not started.
func (a *Aligner) AlignImage(ctx context.Context, src SceneSource, scenes, timepoints []int) ([]manifest.AlignedImage, error) {
	if a.Write == nil {
		return nil, fmt.Errorf("aligner has no scene writer")
	}
	if scenes == nil {
		scenes = span(src.Scenes())
	}
	if timepoints == nil {
		timepoints = span(src.Timepoints())
	}
	if err := checkSelection("scene", scenes, src.Scenes()); err != nil {
		return nil, err
	}
	if err := checkSelection("timepoint", timepoints, src.Timepoints()); err != nil {
		return nil, err
	}

	workers := a.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make([]manifest.AlignedImage, len(scenes))
	sem := make(chan struct{}, workers)
	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)

	for i, scene := range scenes {
		wg.Add(1)
		go func(idx, scene int) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				return
			}
			if ctx.Err() != nil {
				return
			}

			path, err := a.alignScene(src, scene, timepoints)
			if err != nil {
				errOnce.Do(func() {
					firstErr = fmt.Errorf("scene %d: %w", scene, err)
					cancel()
				})
				return
			}
			results[idx] = manifest.AlignedImage{Scene: scene, Path: path}
		}(i, scene)
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func (a *Aligner) alignScene(src SceneSource, scene int, timepoints []int) (string, error) {
	log := logging.Component(a.Logger, "batch").With().Int("scene", scene).Logger()

	frames := make([]*camimage.Stack, 0, len(timepoints))
	for _, t := range timepoints {
		stack, err := src.Read(scene, t)
		if err != nil {
			return "", fmt.Errorf("read timepoint %d: %w", t, err)
		}
		aligned, err := AlignStack(stack, a.Transform, a.Channels, a.Apply)
		if err != nil {
			return "", fmt.Errorf("align timepoint %d: %w", t, err)
		}
		if a.Crop {
			aligned, _, err = CropStack(aligned, a.Magnification, a.Channels, a.CropOptions)
			if err != nil {
				return "", fmt.Errorf("crop timepoint %d: %w", t, err)
			}
		}
		frames = append(frames, aligned)
	}

	path, err := a.Write(scene, timepoints, frames)
	if err != nil {
		return "", fmt.Errorf("write: %w", err)
	}
	log.Info().Int("timepoints", len(frames)).Str("path", path).Msg("scene aligned")
	return path, nil
}

func span(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

func checkSelection(name string, sel []int, n int) error {
	for _, v := range sel {
		if v < 0 || v >= n {
			return fmt.Errorf("%s %d outside 0..%d", name, v, n-1)
		}
	}
	return nil
}
