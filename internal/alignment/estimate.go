package alignment

import (
	"fmt"
	"math"
	"math/rand"

	"camera-alignment/pkg/geometry"

	"gonum.org/v1/gonum/mat"
)

// Estimation methods.
const (
	MethodLeastSquares = "least-squares"
	MethodRANSAC       = "ransac"
)

// EstimateOptions selects how the similarity transform is fitted.
type EstimateOptions struct {
	Method     string
	Iterations int     // RANSAC only
	Threshold  float64 // RANSAC inlier distance in pixels
	Seed       int64   // RANSAC sampling seed
}

// DefaultEstimateOptions fits all correspondences by least squares.
func DefaultEstimateOptions() EstimateOptions {
	return EstimateOptions{
		Method:     MethodLeastSquares,
		Iterations: 2000,
		Threshold:  3.0,
		Seed:       1,
	}
}

// Estimate fits src onto dst with the method named in opts.
func Estimate(src, dst []geometry.Point2D, opts EstimateOptions) (geometry.AffineTransform, []int, error) {
	switch opts.Method {
	case "", MethodLeastSquares:
		t, err := EstimateSimilarity(src, dst)
		if err != nil {
			return geometry.AffineTransform{}, nil, err
		}
		all := make([]int, len(src))
		for i := range all {
			all[i] = i
		}
		return t, all, nil
	case MethodRANSAC:
		return EstimateSimilarityRANSAC(src, dst, opts.Iterations, opts.Threshold, opts.Seed)
	default:
		return geometry.AffineTransform{}, nil, fmt.Errorf("unknown estimation method %q", opts.Method)
	}
}

// EstimateSimilarity returns the rotation, uniform scale and translation
// that maps src onto dst with the least total squared error.
func EstimateSimilarity(src, dst []geometry.Point2D) (geometry.AffineTransform, error) {
	if len(src) != len(dst) {
		return geometry.AffineTransform{}, fmt.Errorf("point count mismatch: %d vs %d", len(src), len(dst))
	}
	if len(src) < 2 {
		return geometry.AffineTransform{}, fmt.Errorf("%w: need at least 2 pairs, got %d",
			ErrDegenerateCorrespondence, len(src))
	}

	n := float64(len(src))
	srcC := geometry.Centroid(src)
	dstC := geometry.Centroid(dst)

	// Cross-covariance of the centred sets and the source variance.
	var srcVar float64
	cov := mat.NewDense(2, 2, nil)
	for i := range src {
		s := src[i].Sub(srcC)
		d := dst[i].Sub(dstC)
		srcVar += s.X*s.X + s.Y*s.Y
		cov.Set(0, 0, cov.At(0, 0)+d.X*s.X)
		cov.Set(0, 1, cov.At(0, 1)+d.X*s.Y)
		cov.Set(1, 0, cov.At(1, 0)+d.Y*s.X)
		cov.Set(1, 1, cov.At(1, 1)+d.Y*s.Y)
	}
	srcVar /= n
	cov.Scale(1/n, cov)
	if srcVar < 1e-12 {
		return geometry.AffineTransform{}, fmt.Errorf("%w: source points coincide", ErrDegenerateCorrespondence)
	}

	var svd mat.SVD
	if !svd.Factorize(cov, mat.SVDFull) {
		return geometry.AffineTransform{}, fmt.Errorf("%w: SVD did not converge", ErrDegenerateCorrespondence)
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	sv := svd.Values(nil)

	// Reflections are not allowed.
	sign := 1.0
	if mat.Det(&u)*mat.Det(&v) < 0 {
		sign = -1
	}
	signs := mat.NewDiagDense(2, []float64{1, sign})

	var us, r mat.Dense
	us.Mul(&u, signs)
	r.Mul(&us, v.T())

	scale := (sv[0] + sign*sv[1]) / srcVar
	if scale <= 0 || math.IsNaN(scale) {
		return geometry.AffineTransform{}, fmt.Errorf("%w: destination points coincide", ErrDegenerateCorrespondence)
	}

	a, b := scale*r.At(0, 0), scale*r.At(0, 1)
	c, d := scale*r.At(1, 0), scale*r.At(1, 1)
	return geometry.AffineTransform{
		A: a, B: b, TX: dstC.X - (a*srcC.X + b*srcC.Y),
		C: c, D: d, TY: dstC.Y - (c*srcC.X + d*srcC.Y),
	}, nil
}

// EstimateSimilarityRANSAC fits a similarity transform robust to outlier
// pairs. Minimal two-pair samples are drawn from a generator seeded with
// seed, so the result is reproducible. The returned transform is the least
// squares fit over the largest inlier set.
func EstimateSimilarityRANSAC(src, dst []geometry.Point2D, iterations int, threshold float64, seed int64) (geometry.AffineTransform, []int, error) {
	if len(src) != len(dst) {
		return geometry.AffineTransform{}, nil, fmt.Errorf("point count mismatch: %d vs %d", len(src), len(dst))
	}
	if len(src) < 2 {
		return geometry.AffineTransform{}, nil, fmt.Errorf("%w: need at least 2 pairs, got %d",
			ErrDegenerateCorrespondence, len(src))
	}

	rng := rand.New(rand.NewSource(seed))
	n := len(src)
	bestInliers := []int{}

	for iter := 0; iter < iterations; iter++ {
		indices := rng.Perm(n)[:2]
		i0, i1 := indices[0], indices[1]

		transform, err := similarityFrom2(src[i0], src[i1], dst[i0], dst[i1])
		if err != nil {
			continue
		}

		var inliers []int
		for i := range src {
			if transform.Apply(src[i]).Distance(dst[i]) < threshold {
				inliers = append(inliers, i)
			}
		}
		if len(inliers) > len(bestInliers) {
			bestInliers = inliers
		}
	}

	if len(bestInliers) < 2 {
		return geometry.AffineTransform{}, nil, fmt.Errorf("%w: RANSAC found %d inliers",
			ErrDegenerateCorrespondence, len(bestInliers))
	}

	inlierSrc := make([]geometry.Point2D, len(bestInliers))
	inlierDst := make([]geometry.Point2D, len(bestInliers))
	for i, idx := range bestInliers {
		inlierSrc[i] = src[idx]
		inlierDst[i] = dst[idx]
	}
	t, err := EstimateSimilarity(inlierSrc, inlierDst)
	if err != nil {
		return geometry.AffineTransform{}, nil, err
	}
	return t, bestInliers, nil
}

// similarityFrom2 computes the similarity mapping s0->d0 and s1->d1.
func similarityFrom2(s0, s1, d0, d1 geometry.Point2D) (geometry.AffineTransform, error) {
	sx, sy := s1.X-s0.X, s1.Y-s0.Y
	dx, dy := d1.X-d0.X, d1.Y-d0.Y

	srcLen := math.Hypot(sx, sy)
	dstLen := math.Hypot(dx, dy)
	if srcLen < 0.001 || dstLen < 0.001 {
		return geometry.AffineTransform{}, fmt.Errorf("degenerate points")
	}

	theta := math.Atan2(dy, dx) - math.Atan2(sy, sx)
	scale := dstLen / srcLen
	cosT := scale * math.Cos(theta)
	sinT := scale * math.Sin(theta)

	// d0 = sR * s0 + t
	return geometry.AffineTransform{
		A: cosT, B: -sinT, TX: d0.X - (cosT*s0.X - sinT*s0.Y),
		C: sinT, D: cosT, TY: d0.Y - (sinT*s0.X + cosT*s0.Y),
	}, nil
}

// MeanResidual returns the mean distance between transformed src points and
// their dst counterparts.
func MeanResidual(src, dst []geometry.Point2D, transform geometry.AffineTransform) float64 {
	if len(src) != len(dst) || len(src) == 0 {
		return math.Inf(1)
	}
	var total float64
	for i := range src {
		total += transform.Apply(src[i]).Distance(dst[i])
	}
	return total / float64(len(src))
}
