// Package focus picks the best-focused slice of a Z stack.
package focus

import (
	camimage "camera-alignment/internal/image"
)

// Default percentile bounds for the contrast measure.
const (
	DefaultLowPercentile  = 0.2
	DefaultHighPercentile = 99.8
)

// Contrast returns (p_hi - p_lo) / max for a plane, or 0 for an all-zero
// plane.
func Contrast(p *camimage.Plane, lo, hi float64) float64 {
	maxV := p.Max()
	if maxV == 0 {
		return 0
	}
	pct := p.Percentiles(lo, hi)
	return (pct[1] - pct[0]) / float64(maxV)
}

// CenterZ returns the index of the plane with the highest contrast. The
// first plane wins ties and an empty or single-plane stack yields 0.
func CenterZ(planes []*camimage.Plane, lo, hi float64) int {
	best, bestContrast := 0, 0.0
	for z, p := range planes {
		if c := Contrast(p, lo, hi); c > bestContrast {
			best, bestContrast = z, c
		}
	}
	return best
}
