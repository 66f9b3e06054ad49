// Command aligntest calibrates on an optical control and prints the fit and
// per-pair residuals.
package main

import (
	"flag"
	"fmt"
	"math"
	"os"
	"sort"

	"camera-alignment/internal/alignment"
	"camera-alignment/internal/channel"
	"camera-alignment/internal/config"
	"camera-alignment/internal/imageio"
	"camera-alignment/internal/logging"
	"camera-alignment/internal/match"
	"camera-alignment/internal/optics"
	"camera-alignment/pkg/geometry"
)

func main() {
	control := flag.String("c", "", "Path to optical control directory")
	mag := flag.Int("m", 100, "Magnification (20, 63, 100)")
	refName := flag.String("r", "", "Reference channel (name or wavelength)")
	movName := flag.String("a", "", "Channel to align")
	cfgPath := flag.String("config", "", "Config file")
	ransac := flag.Bool("ransac", false, "Fit with RANSAC instead of least squares")
	verbose := flag.Bool("v", false, "Debug logging")
	flag.Parse()

	if *control == "" {
		fmt.Println("Usage: aligntest -c <control_dir> [-m 100] [-r 561 -a 638] [-ransac]")
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config: %v\n", err)
		os.Exit(1)
	}
	logOpts := cfg.LoggingOptions()
	logOpts.Console = true
	if *verbose {
		logOpts.Level = "debug"
	}
	log, err := logging.New(logOpts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Logging: %v\n", err)
		os.Exit(1)
	}

	magnification, err := optics.FromInt(*mag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	fmt.Printf("=== Opening %s ===\n", *control)
	src, err := imageio.Open(*control)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Open failed: %v\n", err)
		os.Exit(1)
	}
	pixelSize, err := src.PixelSize()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Pixel size: %v\n", err)
		os.Exit(1)
	}
	info := src.ChannelInfo()
	ref, mov, err := pickChannels(info, *refName, *movName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Channels: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Reference: %s (%d)  Moving: %s (%d)  Pixel: %.4f um\n",
		ref.Name, ref.Index, mov.Name, mov.Index, pixelSize)

	stack, err := src.Read(0, 0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Read failed: %v\n", err)
		os.Exit(1)
	}

	opts := cfg.CalibrationOptions()
	opts.Magnification = magnification
	opts.PixelSizeUM = pixelSize
	opts.ReferenceChannel = ref.Index
	opts.MovingChannel = mov.Index
	opts.Logger = log
	if *ransac {
		opts.Estimate.Method = alignment.MethodRANSAC
	}

	fmt.Printf("\n=== Calibrating ===\n")
	cal, err := alignment.GenerateTransform(stack, opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Calibration failed: %v\n", err)
		os.Exit(1)
	}

	t := cal.Transform.Info
	fmt.Printf("\n=== Result ===\n")
	fmt.Printf("Focus: reference z=%d, moving z=%d\n", cal.ReferenceZ, cal.MovingZ)
	fmt.Printf("Crop: x %d..%d, y %d..%d\n", cal.Crop.MinX, cal.Crop.MaxX, cal.Crop.MinY, cal.Crop.MaxY)
	fmt.Printf("Rings: reference %d, moving %d\n", len(cal.Reference.Features), len(cal.Moving.Features))
	fmt.Printf("Cross found: reference %v, moving %v\n", cal.Reference.CrossFound, cal.Moving.CrossFound)
	fmt.Printf("Matched pairs: %d (inliers %d)\n", len(cal.Matches.Pairs), len(cal.Inliers))
	fmt.Printf("Rotation: %.4f°\n", t.Rotation*180/math.Pi)
	fmt.Printf("Scale: %.6f\n", t.Scale)
	fmt.Printf("Translation: (%.2f, %.2f)\n", t.ShiftX, t.ShiftY)
	fmt.Printf("Mean residual: %.3f px\n", cal.Residual)
	if cal.Degraded() {
		fmt.Printf("WARNING: degraded calibration\n")
	}

	printResiduals(cal.Matches.Pairs, cal.Transform.Matrix)
}

func pickChannels(info *channel.Info, refName, movName string) (channel.Channel, channel.Channel, error) {
	if refName == "" || movName == "" {
		a, b, err := info.ClosestAcrossCameras()
		if err != nil {
			return a, b, err
		}
		if a.CameraPosition == channel.Left {
			a, b = b, a
		}
		return a, b, nil
	}
	var out [2]channel.Channel
	for i, s := range []string{refName, movName} {
		n, err := channel.Parse(s)
		if err != nil {
			return out[0], out[1], err
		}
		idx, err := info.IndexOf(n)
		if err != nil {
			return out[0], out[1], err
		}
		if out[i], err = info.Get(idx); err != nil {
			return out[0], out[1], err
		}
	}
	return out[0], out[1], nil
}

func printResiduals(pairs []match.Pair, transform geometry.AffineTransform) {
	if len(pairs) == 0 {
		return
	}
	fmt.Printf("\nPer-pair residuals (sorted by Y):\n")
	type entry struct {
		rx, ry, err float64
	}
	entries := make([]entry, 0, len(pairs))
	for _, p := range pairs {
		m := transform.Apply(p.Mov)
		entries = append(entries, entry{p.Ref.X, p.Ref.Y, p.Ref.Distance(m)})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].ry != entries[j].ry {
			return entries[i].ry < entries[j].ry
		}
		return entries[i].rx < entries[j].rx
	})
	for _, e := range entries {
		fmt.Printf("  X=%7.1f Y=%7.1f  err=%.2f px\n", e.rx, e.ry, e.err)
	}
}
