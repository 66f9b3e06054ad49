// Package config loads the YAML configuration of the alignment tools and
// converts it into the option structs of each stage.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"camera-alignment/internal/alignment"
	"camera-alignment/internal/logging"
	"camera-alignment/internal/match"
	"camera-alignment/internal/qc"
	"camera-alignment/internal/rings"

	"gopkg.in/yaml.v3"
)

// Config is the tool configuration. Zero percentiles select the
// magnification defaults.
type Config struct {
	Segmentation struct {
		LowPercentile     float64 `yaml:"lowPercentile"`
		HighPercentile    float64 `yaml:"highPercentile"`
		SmoothingSigma    float64 `yaml:"smoothingSigma"`
		CrossMultMax      float64 `yaml:"crossMultMax"`
		CrossMultMin      float64 `yaml:"crossMultMin"`
		CrossSweepSteps   int     `yaml:"crossSweepSteps"`
		RingMult          float64 `yaml:"ringMult"`
		MinObjectArea     int     `yaml:"minObjectArea"`
		DotSigma          float64 `yaml:"dotSigma"`
		DotCutoffMax      float64 `yaml:"dotCutoffMax"`
		DotCutoffMin      float64 `yaml:"dotCutoffMin"`
		DotSweepSteps     int     `yaml:"dotSweepSteps"`
		MinRingAreaFactor float64 `yaml:"minRingAreaFactor"`
		ClosingRadius     int     `yaml:"closingRadius"`
	} `yaml:"segmentation"`

	Crop struct {
		// GridMargin is the fraction of ring spacing kept outside the
		// outermost rings when cropping the calibration image.
		GridMargin   float64 `yaml:"gridMargin"`
		Output       bool    `yaml:"output"` // crop aligned images to the standard size
		BorderCutoff int     `yaml:"borderCutoff"`
		ShrinkMargin int     `yaml:"shrinkMargin"`
	} `yaml:"crop"`

	Matching struct {
		Neighbours       int     `yaml:"neighbours"`
		ThresholdFactor  float64 `yaml:"thresholdFactor"`
		UseCrossOffset   bool    `yaml:"useCrossOffset"`
		CostEpsilon      float64 `yaml:"costEpsilon"`
		NoMatchFactor    float64 `yaml:"noMatchFactor"`
		DisallowedFactor float64 `yaml:"disallowedFactor"`
		AcceptFactor     float64 `yaml:"acceptFactor"`
	} `yaml:"matching"`

	Estimation struct {
		Method     string  `yaml:"method"`
		Iterations int     `yaml:"iterations"`
		Threshold  float64 `yaml:"threshold"`
		Seed       int64   `yaml:"seed"`
	} `yaml:"estimation"`

	Apply struct {
		Interpolation string `yaml:"interpolation"`
	} `yaml:"apply"`

	QC struct {
		MinBeads          int     `yaml:"minBeads"`
		WindowWidth       int     `yaml:"windowWidth"`
		WindowHeight      int     `yaml:"windowHeight"`
		ResidualTolerance float64 `yaml:"residualTolerance"`
	} `yaml:"qc"`

	Logging struct {
		Level   string `yaml:"level"`
		Console bool   `yaml:"console"`
	} `yaml:"logging"`

	// Workers is the number of scenes aligned concurrently.
	Workers int `yaml:"workers"`

	Store struct {
		// Path of the SQLite calibration catalog; empty disables it.
		Path string `yaml:"path"`
	} `yaml:"store"`
}

// DefaultConfig returns the standard configuration.
func DefaultConfig() *Config {
	cfg := &Config{}

	seg := rings.DefaultParams()
	cfg.Segmentation.SmoothingSigma = seg.SmoothingSigma
	cfg.Segmentation.CrossMultMax = seg.CrossMultMax
	cfg.Segmentation.CrossMultMin = seg.CrossMultMin
	cfg.Segmentation.CrossSweepSteps = seg.CrossSweepSteps
	cfg.Segmentation.RingMult = seg.RingMult
	cfg.Segmentation.MinObjectArea = seg.MinObjectArea
	cfg.Segmentation.DotSigma = seg.DotSigma
	cfg.Segmentation.DotCutoffMax = seg.DotCutoffMax
	cfg.Segmentation.DotCutoffMin = seg.DotCutoffMin
	cfg.Segmentation.DotSweepSteps = seg.DotSweepSteps
	cfg.Segmentation.MinRingAreaFactor = seg.MinRingAreaFactor
	cfg.Segmentation.ClosingRadius = seg.ClosingRadius

	crop := alignment.DefaultCropOptions()
	cfg.Crop.GridMargin = seg.CropMargin
	cfg.Crop.Output = true
	cfg.Crop.BorderCutoff = int(crop.BorderCutoff)
	cfg.Crop.ShrinkMargin = crop.ShrinkMargin

	m := match.DefaultOptions()
	cfg.Matching.Neighbours = m.Neighbours
	cfg.Matching.ThresholdFactor = m.ThresholdFactor
	cfg.Matching.UseCrossOffset = true
	cfg.Matching.CostEpsilon = m.CostEpsilon
	cfg.Matching.NoMatchFactor = m.NoMatchFactor
	cfg.Matching.DisallowedFactor = m.DisallowedFactor
	cfg.Matching.AcceptFactor = m.AcceptFactor

	est := alignment.DefaultEstimateOptions()
	cfg.Estimation.Method = est.Method
	cfg.Estimation.Iterations = est.Iterations
	cfg.Estimation.Threshold = est.Threshold
	cfg.Estimation.Seed = est.Seed

	cfg.Apply.Interpolation = alignment.InterpolationCubic.String()

	q := qc.DefaultOptions()
	cfg.QC.MinBeads = q.MinBeads
	cfg.QC.WindowWidth = q.WindowWidth
	cfg.QC.WindowHeight = q.WindowHeight
	cfg.QC.ResidualTolerance = q.ResidualTolerance

	cfg.Logging.Level = "info"
	cfg.Logging.Console = true

	cfg.Workers = runtime.NumCPU()
	return cfg
}

// LoadConfig loads configuration from a YAML file. A missing file yields
// the defaults; keys absent from the file keep their default values.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()
	if configPath == "" {
		return cfg, nil
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", configPath, err)
	}
	return cfg, nil
}

// SaveConfig writes the configuration to a YAML file.
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}
	return nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	s := c.Segmentation
	switch {
	case s.LowPercentile < 0 || s.HighPercentile > 100 || (s.HighPercentile != 0 && s.LowPercentile >= s.HighPercentile):
		return fmt.Errorf("segmentation percentiles must satisfy 0 <= low < high <= 100")
	case s.CrossSweepSteps < 1 || s.DotSweepSteps < 1:
		return fmt.Errorf("sweep step counts must be positive")
	case s.CrossMultMin > s.CrossMultMax:
		return fmt.Errorf("crossMultMin must not exceed crossMultMax")
	case s.DotCutoffMin > s.DotCutoffMax:
		return fmt.Errorf("dotCutoffMin must not exceed dotCutoffMax")
	}

	if c.Crop.GridMargin < 0 || c.Crop.GridMargin > 1 {
		return fmt.Errorf("crop.gridMargin must be in [0, 1]")
	}
	if c.Crop.BorderCutoff < 0 || c.Crop.BorderCutoff > 65535 {
		return fmt.Errorf("crop.borderCutoff must fit in 16 bits")
	}
	if c.Crop.ShrinkMargin < 0 {
		return fmt.Errorf("crop.shrinkMargin must not be negative")
	}

	m := c.Matching
	if m.Neighbours < 1 {
		return fmt.Errorf("matching.neighbours must be positive")
	}
	if m.ThresholdFactor <= 0 {
		return fmt.Errorf("matching.thresholdFactor must be positive")
	}
	if !(m.AcceptFactor <= m.NoMatchFactor && m.NoMatchFactor < m.DisallowedFactor) {
		return fmt.Errorf("matching factors must satisfy accept <= noMatch < disallowed")
	}

	switch c.Estimation.Method {
	case alignment.MethodLeastSquares:
	case alignment.MethodRANSAC:
		if c.Estimation.Iterations < 1 || c.Estimation.Threshold <= 0 {
			return fmt.Errorf("ransac needs positive iterations and threshold")
		}
	default:
		return fmt.Errorf("unknown estimation.method %q", c.Estimation.Method)
	}

	if _, err := alignment.ParseInterpolation(c.Apply.Interpolation); err != nil {
		return err
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return err
	}
	if c.QC.WindowWidth < 1 || c.QC.WindowHeight < 1 {
		return fmt.Errorf("qc window must be positive")
	}
	if c.Workers < 0 {
		return fmt.Errorf("workers must not be negative")
	}
	return nil
}

// SegmentParams returns the segmentation parameters.
func (c *Config) SegmentParams() rings.Params {
	p := rings.DefaultParams().WithPercentiles(c.Segmentation.LowPercentile, c.Segmentation.HighPercentile)
	s := c.Segmentation
	p.SmoothingSigma = s.SmoothingSigma
	p.CrossMultMax = s.CrossMultMax
	p.CrossMultMin = s.CrossMultMin
	p.CrossSweepSteps = s.CrossSweepSteps
	p.RingMult = s.RingMult
	p.MinObjectArea = s.MinObjectArea
	p.DotSigma = s.DotSigma
	p.DotCutoffMax = s.DotCutoffMax
	p.DotCutoffMin = s.DotCutoffMin
	p.DotSweepSteps = s.DotSweepSteps
	p.MinRingAreaFactor = s.MinRingAreaFactor
	p.ClosingRadius = s.ClosingRadius
	p.CropMargin = c.Crop.GridMargin
	return p
}

// MatchOptions returns the matching options.
func (c *Config) MatchOptions() match.Options {
	o := match.DefaultOptions()
	m := c.Matching
	o.Neighbours = m.Neighbours
	o.ThresholdFactor = m.ThresholdFactor
	o.CostEpsilon = m.CostEpsilon
	o.NoMatchFactor = m.NoMatchFactor
	o.DisallowedFactor = m.DisallowedFactor
	o.AcceptFactor = m.AcceptFactor
	return o
}

// EstimateOptions returns the transform fitting options.
func (c *Config) EstimateOptions() alignment.EstimateOptions {
	return alignment.EstimateOptions{
		Method:     c.Estimation.Method,
		Iterations: c.Estimation.Iterations,
		Threshold:  c.Estimation.Threshold,
		Seed:       c.Estimation.Seed,
	}
}

// ApplyOptions returns the resampling options.
func (c *Config) ApplyOptions() (alignment.ApplyOptions, error) {
	interp, err := alignment.ParseInterpolation(c.Apply.Interpolation)
	if err != nil {
		return alignment.ApplyOptions{}, err
	}
	return alignment.ApplyOptions{Interpolation: interp}, nil
}

// CropOptions returns the output crop options.
func (c *Config) CropOptions() alignment.CropOptions {
	return alignment.CropOptions{
		BorderCutoff: uint16(c.Crop.BorderCutoff),
		ShrinkMargin: c.Crop.ShrinkMargin,
	}
}

// QCOptions returns the QC thresholds.
func (c *Config) QCOptions() qc.Options {
	o := qc.DefaultOptions()
	o.MinBeads = c.QC.MinBeads
	o.WindowWidth = c.QC.WindowWidth
	o.WindowHeight = c.QC.WindowHeight
	o.ResidualTolerance = c.QC.ResidualTolerance
	return o
}

// CalibrationOptions returns the calibration options for everything except
// the acquisition-specific fields (magnification, pixel size, channels).
func (c *Config) CalibrationOptions() alignment.Options {
	o := alignment.DefaultOptions()
	o.Segment = c.SegmentParams()
	o.Match = c.MatchOptions()
	o.UseCrossOffset = c.Matching.UseCrossOffset
	o.Estimate = c.EstimateOptions()
	return o
}

// LoggingOptions returns the logger options.
func (c *Config) LoggingOptions() logging.Options {
	return logging.Options{Level: c.Logging.Level, Console: c.Logging.Console}
}
