package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"camera-alignment/internal/alignment"
	"camera-alignment/internal/config"
	camimage "camera-alignment/internal/image"
	"camera-alignment/internal/imageio"
	"camera-alignment/internal/manifest"
	"camera-alignment/internal/optics"
	"camera-alignment/internal/qc"
	"camera-alignment/internal/store"
	"camera-alignment/internal/version"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// NewRootCmd creates the root Cobra command
func NewRootCmd(cfg *config.Config, cfgPath string, log zerolog.Logger, st *store.Store) *cobra.Command {
	root := NewRoot(cfg, cfgPath, log, st)

	rootCmd := &cobra.Command{
		Use:   "camalign",
		Short: "Camalign aligns the two cameras of a dual-camera microscope",
		Long: `Camalign calibrates the moving camera against the reference camera from an
image of the ring calibration slide, scores the calibration, and applies it to
acquisitions.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newCalibrateCmd(root))
	rootCmd.AddCommand(newAlignCmd(root))
	rootCmd.AddCommand(newQCCmd(root))
	rootCmd.AddCommand(newCalibrationsCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

func newCalibrateCmd(root *Root) *cobra.Command {
	var (
		magnification int
		scene         int
		refChannel    string
		movChannel    string
		outDir        string
		manifestPath  string
		writeAligned  bool
		overlay       string
	)

	cmd := &cobra.Command{
		Use:   "calibrate <optical_control_dir>",
		Short: "Compute the camera alignment transform from an optical control",
		Long: `Segment the ring slide in both cameras, match the rings, fit a similarity
transform and score it. Writes the alignment info JSON and a manifest, and
records the calibration in the catalog when one is configured.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mag, err := optics.FromInt(magnification)
			if err != nil {
				return err
			}
			run, err := root.calibrate(args[0], mag, scene, refChannel, movChannel)
			if err != nil {
				return err
			}
			if outDir == "" {
				outDir = "."
			}
			if err := os.MkdirAll(outDir, 0755); err != nil {
				return fmt.Errorf("create %s: %w", outDir, err)
			}

			info := run.info()
			if root.store != nil {
				passed := info.QCPassed
				id, err := root.store.SaveCalibration(store.CalibrationRecord{
					OpticalControl:   info.OpticalControl,
					Magnification:    info.Magnification,
					ReferenceChannel: info.ReferenceChannel,
					MovingChannel:    info.MovingChannel,
					Transform:        info.Transform,
					Pairs:            info.Pairs,
					Residual:         info.Residual,
					QCPassed:         &passed,
					QC:               info.QC,
				})
				if err != nil {
					return fmt.Errorf("save calibration: %w", err)
				}
				info.CalibrationID = id
			}

			stem := run.src.Stem()
			infoFile := infoPath(outDir, stem)
			if err := info.Save(infoFile); err != nil {
				return fmt.Errorf("write alignment info: %w", err)
			}

			if manifestPath == "" {
				manifestPath = manifest.DefaultPath(outDir, time.Now())
			}
			m := manifest.New()
			m.CalibrationID = info.CalibrationID
			m.SetAlignmentInfo(manifestPath, infoFile)

			if writeAligned {
				path, err := root.writeAlignedControl(run, outDir)
				if err != nil {
					return err
				}
				m.SetAlignedOpticalControl(manifestPath, path)
			}
			if overlay != "" {
				if err := writeOverlay(run, overlay); err != nil {
					return err
				}
			}
			if err := m.Save(manifestPath); err != nil {
				return fmt.Errorf("write manifest: %w", err)
			}

			out := cmd.OutOrStdout()
			t := info.Transform.Info
			fmt.Fprintf(out, "Calibration of %s (%dx, %s -> %s)\n", stem, info.Magnification, info.MovingChannel, info.ReferenceChannel)
			fmt.Fprintf(out, "  rotation: %.6f rad  scale: %.6f  shift: (%.3f, %.3f) px  z offset: %d\n",
				t.Rotation, t.Scale, t.ShiftX, t.ShiftY, t.ZOffset)
			fmt.Fprintf(out, "  pairs: %d  residual: %.3f px  qc: %s\n", info.Pairs, info.Residual, passFail(info.QCPassed))
			if info.Degraded {
				fmt.Fprintf(out, "  warning: degraded calibration, check the rings and cross segmentation\n")
			}
			if info.CalibrationID != 0 {
				fmt.Fprintf(out, "  calibration id: %d\n", info.CalibrationID)
			}
			fmt.Fprintf(out, "  info: %s\n  manifest: %s\n", infoFile, manifestPath)
			return nil
		},
	}

	cmd.Flags().IntVarP(&magnification, "magnification", "m", 0, "Magnification of the optical control (20, 63, 100)")
	cmd.Flags().IntVar(&scene, "scene", 0, "Scene of the optical control to calibrate on")
	cmd.Flags().StringVarP(&refChannel, "reference-channel", "r", "", "Reference channel (index, name or wavelength)")
	cmd.Flags().StringVarP(&movChannel, "moving-channel", "a", "", "Channel to align onto the reference")
	cmd.Flags().StringVarP(&outDir, "out-dir", "o", "", "Output directory (default current directory)")
	cmd.Flags().StringVar(&manifestPath, "manifest", "", "Manifest path (default <out-dir>/<date>-alignment_output.json)")
	cmd.Flags().BoolVar(&writeAligned, "write-aligned", false, "Also write the aligned optical control")
	cmd.Flags().StringVar(&overlay, "overlay", "", "Write a reference/aligned overlay PNG to this path")
	_ = cmd.MarkFlagRequired("magnification")
	return cmd
}

func newAlignCmd(root *Root) *cobra.Command {
	var (
		infoFile      string
		calibrationID int64
		control       string
		magnification int
		scenes        string
		timepoints    string
		noCrop        bool
		outDir        string
		manifestPath  string
	)

	cmd := &cobra.Command{
		Use:   "align <image_dir>",
		Short: "Apply a calibration to an acquisition",
		Long: `Align the moving-camera channels of every selected scene and timepoint and
write one output per scene. The calibration comes from an alignment info file,
a catalog id, or the latest catalog entry for an optical control.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := root.resolveCalibration(infoFile, calibrationID, control, magnification)
			if err != nil {
				return err
			}
			mag, err := optics.FromInt(info.Magnification)
			if err != nil {
				return err
			}
			sceneSel, err := ParseDimensions(scenes)
			if err != nil {
				return fmt.Errorf("--scenes: %w", err)
			}
			timeSel, err := ParseDimensions(timepoints)
			if err != nil {
				return fmt.Errorf("--timepoints: %w", err)
			}

			src, err := imageio.Open(args[0])
			if err != nil {
				return err
			}
			channels := movingChannels(src.ChannelInfo(), info.MovingChannel)
			if len(channels) == 0 {
				return fmt.Errorf("no channels of %s need alignment", args[0])
			}

			if outDir == "" {
				outDir = "."
			}
			stem := src.Stem()
			write := func(scene int, _ []int, frames []*camimage.Stack) (string, error) {
				dir := filepath.Join(outDir, imageio.AlignedName(stem, scene, src.Scenes()))
				return dir, imageio.Write(dir, src.Metadata(), frames)
			}

			apply, err := root.cfg.ApplyOptions()
			if err != nil {
				return err
			}
			aligner := alignment.NewAligner(info.Transform, mag, channels, write)
			aligner.Crop = root.cfg.Crop.Output && !noCrop
			aligner.Apply = apply
			aligner.CropOptions = root.cfg.CropOptions()
			aligner.Workers = root.cfg.Workers
			aligner.Logger = root.log

			images, err := aligner.AlignImage(cmd.Context(), src, sceneSel, timeSel)
			if err != nil {
				return err
			}

			if manifestPath == "" {
				manifestPath = manifest.DefaultPath(outDir, time.Now())
			}
			m, err := manifest.Load(manifestPath)
			if errors.Is(err, os.ErrNotExist) {
				m, err = manifest.New(), nil
			}
			if err != nil {
				return err
			}
			if infoFile != "" {
				m.SetAlignmentInfo(manifestPath, infoFile)
			}
			if info.CalibrationID != 0 {
				m.CalibrationID = info.CalibrationID
			}
			m.AddImages(manifestPath, images...)
			if err := m.Save(manifestPath); err != nil {
				return fmt.Errorf("write manifest: %w", err)
			}

			out := cmd.OutOrStdout()
			for _, img := range images {
				fmt.Fprintf(out, "scene %d: %s\n", img.Scene, img.Path)
			}
			fmt.Fprintf(out, "manifest: %s\n", manifestPath)
			return nil
		},
	}

	cmd.Flags().StringVarP(&infoFile, "info", "i", "", "Alignment info JSON written by calibrate")
	cmd.Flags().Int64Var(&calibrationID, "calibration-id", 0, "Catalog id of the calibration to apply")
	cmd.Flags().StringVar(&control, "control", "", "Use the latest catalog calibration of this optical control")
	cmd.Flags().IntVarP(&magnification, "magnification", "m", 0, "Magnification for --control lookups")
	cmd.Flags().StringVarP(&scenes, "scenes", "s", "", "Scenes to align, e.g. \"0-2, 5\" (default all)")
	cmd.Flags().StringVarP(&timepoints, "timepoints", "t", "", "Timepoints to align (default all)")
	cmd.Flags().BoolVar(&noCrop, "no-crop", false, "Keep the full field of view")
	cmd.Flags().StringVarP(&outDir, "out-dir", "o", "", "Output directory (default current directory)")
	cmd.Flags().StringVar(&manifestPath, "manifest", "", "Manifest to create or extend")
	return cmd
}

func newQCCmd(root *Root) *cobra.Command {
	var (
		magnification int
		scene         int
		refChannel    string
		movChannel    string
		overlay       string
	)

	cmd := &cobra.Command{
		Use:   "qc <optical_control_dir>",
		Short: "Calibrate and print the QC metrics without writing outputs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mag, err := optics.FromInt(magnification)
			if err != nil {
				return err
			}
			run, err := root.calibrate(args[0], mag, scene, refChannel, movChannel)
			if err != nil {
				return err
			}
			if overlay != "" {
				if err := writeOverlay(run, overlay); err != nil {
					return err
				}
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{
				"passed":  run.report.Passed(),
				"metrics": run.report.Metrics(),
			})
		},
	}

	cmd.Flags().IntVarP(&magnification, "magnification", "m", 0, "Magnification of the optical control (20, 63, 100)")
	cmd.Flags().IntVar(&scene, "scene", 0, "Scene of the optical control")
	cmd.Flags().StringVarP(&refChannel, "reference-channel", "r", "", "Reference channel (index, name or wavelength)")
	cmd.Flags().StringVarP(&movChannel, "moving-channel", "a", "", "Channel to align onto the reference")
	cmd.Flags().StringVar(&overlay, "overlay", "", "Write a reference/aligned overlay PNG to this path")
	_ = cmd.MarkFlagRequired("magnification")
	return cmd
}

func newCalibrationsCmd(root *Root) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "calibrations",
		Short: "List the most recent calibrations in the catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if root.store == nil {
				return errors.New("no calibration catalog configured (store.path)")
			}
			if limit <= 0 {
				return fmt.Errorf("--limit must be positive, got %d", limit)
			}
			recs, err := root.store.RecentCalibrations(limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(recs) == 0 {
				fmt.Fprintln(out, "no calibrations")
				return nil
			}
			for _, rec := range recs {
				qcState := "-"
				if rec.QCPassed != nil {
					qcState = passFail(*rec.QCPassed)
				}
				t := rec.Transform.Info
				fmt.Fprintf(out, "%d\t%s\t%dx\t%s -> %s\tshift (%.3f, %.3f)\tpairs %d\tqc %s\t%s\n",
					rec.ID, rec.CreatedAt.Format(time.DateTime), rec.Magnification,
					rec.MovingChannel, rec.ReferenceChannel, t.ShiftX, t.ShiftY,
					rec.Pairs, qcState, rec.OpticalControl)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "Number of calibrations to list")
	return cmd
}

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "init [path]",
		Short: "Write the default configuration",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := root.cfgPath
			if len(args) > 0 {
				path = args[0]
			}
			if path == "" {
				path = "camalign.yaml"
			}
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := config.SaveConfig(config.DefaultConfig(), path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := root.cfgPath
			if path == "" {
				path = "(defaults)"
			}
			data, err := yaml.Marshal(root.cfg)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "# config: %s\n%s", path, data)
			return nil
		},
	})

	return cmd
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println("camalign " + version.String())
		},
	}
}

// resolveCalibration loads the calibration named by an info file, a catalog
// id, or the latest catalog entry of a control, in that order.
func (r *Root) resolveCalibration(infoFile string, id int64, control string, magnification int) (*AlignmentInfo, error) {
	switch {
	case infoFile != "":
		return LoadAlignmentInfo(infoFile)
	case id != 0 || control != "":
		if r.store == nil {
			return nil, errors.New("no calibration catalog configured (store.path)")
		}
		var (
			rec *store.CalibrationRecord
			err error
		)
		if id != 0 {
			rec, err = r.store.Calibration(id)
		} else {
			rec, err = r.store.LatestCalibration(absPath(control), magnification)
		}
		if err != nil {
			return nil, err
		}
		info := &AlignmentInfo{
			OpticalControl:   rec.OpticalControl,
			Magnification:    rec.Magnification,
			ReferenceChannel: rec.ReferenceChannel,
			MovingChannel:    rec.MovingChannel,
			Transform:        rec.Transform,
			Pairs:            rec.Pairs,
			Residual:         rec.Residual,
			QC:               rec.QC,
			CalibrationID:    rec.ID,
		}
		if rec.QCPassed != nil {
			info.QCPassed = *rec.QCPassed
		}
		return info, nil
	}
	return nil, errors.New("one of --info, --calibration-id or --control is required")
}

// writeAlignedControl aligns the optical control with its own transform.
func (r *Root) writeAlignedControl(run *calibrationRun, outDir string) (string, error) {
	apply, err := r.cfg.ApplyOptions()
	if err != nil {
		return "", err
	}
	channels := run.src.ChannelInfo().IndicesFromCamera(run.mov.CameraPosition)
	aligned, err := alignment.AlignStack(run.stack, run.cal.Transform, channels, apply)
	if err != nil {
		return "", fmt.Errorf("align optical control: %w", err)
	}
	if r.cfg.Crop.Output {
		aligned, _, err = alignment.CropStack(aligned, run.mag, channels, r.cfg.CropOptions())
		if err != nil {
			return "", fmt.Errorf("crop optical control: %w", err)
		}
	}
	dir := filepath.Join(outDir, imageio.AlignedName(run.src.Stem(), 0, 1))
	if err := imageio.Write(dir, run.src.Metadata(), []*camimage.Stack{aligned}); err != nil {
		return "", err
	}
	return dir, nil
}

func writeOverlay(run *calibrationRun, path string) error {
	img, err := qc.Overlay(run.input, run.report, camimage.DefaultOverlayOptions())
	if err != nil {
		return fmt.Errorf("overlay: %w", err)
	}
	return camimage.SavePNG(path, img)
}

func passFail(ok bool) string {
	if ok {
		return "passed"
	}
	return "failed"
}
