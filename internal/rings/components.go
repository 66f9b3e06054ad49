package rings

import (
	"fmt"
	"image"

	camimage "camera-alignment/internal/image"
	"camera-alignment/pkg/geometry"

	"gocv.io/x/gocv"
)

// ccStatArea is the area column of the connected-components stats matrix.
const ccStatArea = 4

// components is a labelled binary image with per-label statistics. Label 0
// is the background.
type components struct {
	width, height int
	labels        []int32
	areas         []int
	centroids     []geometry.Point2D
}

// labelMask runs 8-connected component labelling on mask.
func labelMask(mask []bool, width, height int) (*components, error) {
	src, err := camimage.MaskMat(mask, width, height)
	if err != nil {
		return nil, fmt.Errorf("mask matrix: %w", err)
	}
	defer src.Close()

	labels := gocv.NewMat()
	defer labels.Close()
	stats := gocv.NewMat()
	defer stats.Close()
	centroids := gocv.NewMat()
	defer centroids.Close()

	n := gocv.ConnectedComponentsWithStats(src, &labels, &stats, &centroids)

	ls, err := camimage.LabelsFromMat(labels)
	if err != nil {
		return nil, err
	}

	c := &components{
		width:     width,
		height:    height,
		labels:    ls,
		areas:     make([]int, n),
		centroids: make([]geometry.Point2D, n),
	}
	for i := 1; i < n; i++ {
		c.areas[i] = int(stats.GetIntAt(i, ccStatArea))
		c.centroids[i] = geometry.Point2D{X: centroids.GetDoubleAt(i, 0), Y: centroids.GetDoubleAt(i, 1)}
	}
	return c, nil
}

// count returns the number of foreground components.
func (c *components) count() int {
	if len(c.areas) == 0 {
		return 0
	}
	return len(c.areas) - 1
}

// largest returns the label with the greatest area, lowest label on ties,
// or 0 when there is no foreground.
func (c *components) largest() int {
	best := 0
	for id := 1; id < len(c.areas); id++ {
		if best == 0 || c.areas[id] > c.areas[best] {
			best = id
		}
	}
	return best
}

// keep returns the mask of components whose area is at least minArea.
func (c *components) keep(minArea int) []bool {
	out := make([]bool, len(c.labels))
	for i, l := range c.labels {
		out[i] = l > 0 && c.areas[l] >= minArea
	}
	return out
}

// maskOf returns the pixels belonging to one label.
func (c *components) maskOf(id int) []bool {
	out := make([]bool, len(c.labels))
	for i, l := range c.labels {
		out[i] = int(l) == id
	}
	return out
}

func (c *components) feature(id int) Feature {
	return Feature{ID: id, Centroid: c.centroids[id], Area: c.areas[id]}
}

// closeMask applies a morphological closing with a disk of the given radius.
func closeMask(mask []bool, width, height, radius int) ([]bool, error) {
	if radius <= 0 {
		return mask, nil
	}
	src, err := camimage.MaskMat(mask, width, height)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	kernel, err := diskKernel(radius)
	if err != nil {
		return nil, err
	}
	defer kernel.Close()

	dst := gocv.NewMat()
	defer dst.Close()
	gocv.MorphologyEx(src, &dst, gocv.MorphClose, kernel)
	return camimage.MaskFromMat(dst), nil
}

// diskKernel builds a flat disk structuring element.
func diskKernel(radius int) (gocv.Mat, error) {
	size := 2*radius + 1
	buf := make([]byte, size*size)
	for y := -radius; y <= radius; y++ {
		for x := -radius; x <= radius; x++ {
			if x*x+y*y <= radius*radius {
				buf[(y+radius)*size+x+radius] = 1
			}
		}
	}
	return gocv.NewMatFromBytes(size, size, gocv.MatTypeCV8UC1, buf)
}

// gaussianKernelSize matches a Gaussian truncated at four standard deviations.
func gaussianKernelSize(sigma float64) image.Point {
	r := int(4*sigma + 0.5)
	if r < 1 {
		r = 1
	}
	return image.Point{X: 2*r + 1, Y: 2*r + 1}
}
