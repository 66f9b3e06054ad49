package match

import (
	"math"
	"sort"

	"camera-alignment/pkg/geometry"

	"gonum.org/v1/gonum/spatial/kdtree"
	"gonum.org/v1/gonum/stat"
)

// node is a kd-tree point that remembers its position in the input slice.
type node struct {
	geometry.Point2D
	idx int
}

// Compare implements the kdtree.Comparable interface
func (p node) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(node)
	switch d {
	case 0:
		return p.X - q.X
	case 1:
		return p.Y - q.Y
	default:
		panic("illegal dimension")
	}
}

// Dims returns the number of dimensions for the KD-tree
func (p node) Dims() int { return 2 }

// Distance returns the squared Euclidean distance between two points
func (p node) Distance(c kdtree.Comparable) float64 {
	q := c.(node)
	dx := p.X - q.X
	dy := p.Y - q.Y
	return dx*dx + dy*dy
}

// nodes is a collection of node that satisfies kdtree.Interface
type nodes []node

func (p nodes) Index(i int) kdtree.Comparable         { return p[i] }
func (p nodes) Len() int                              { return len(p) }
func (p nodes) Slice(start, end int) kdtree.Interface { return p[start:end] }

// Pivot implements the kdtree.Interface method
func (p nodes) Pivot(d kdtree.Dim) int {
	return kdtree.Partition(nodePlane{nodes: p, Dim: d}, kdtree.MedianOfMedians(nodePlane{nodes: p, Dim: d}))
}

// nodePlane implements sort.Interface and kdtree.SortSlicer for nodes
type nodePlane struct {
	nodes
	kdtree.Dim
}

func (p nodePlane) Less(i, j int) bool {
	switch p.Dim {
	case 0:
		return p.nodes[i].X < p.nodes[j].X
	case 1:
		return p.nodes[i].Y < p.nodes[j].Y
	default:
		panic("illegal dimension")
	}
}

func (p nodePlane) Slice(start, end int) kdtree.SortSlicer {
	return nodePlane{nodes: p.nodes[start:end], Dim: p.Dim}
}

func (p nodePlane) Swap(i, j int) {
	p.nodes[i], p.nodes[j] = p.nodes[j], p.nodes[i]
}

// index is a kd-tree over a point set.
type index struct {
	tree *kdtree.Tree
}

func newIndex(pts []geometry.Point2D) index {
	ns := make(nodes, len(pts))
	for i, p := range pts {
		ns[i] = node{Point2D: p, idx: i}
	}
	return index{tree: kdtree.New(ns, false)}
}

// neighbour is a search hit: input index and Euclidean distance.
type neighbour struct {
	idx  int
	dist float64
}

func collect(heap kdtree.Heap, skip int) []neighbour {
	out := make([]neighbour, 0, len(heap))
	for _, item := range heap {
		// Skip the sentinel value
		if item.Comparable == nil {
			continue
		}
		n := item.Comparable.(node)
		if n.idx == skip {
			continue
		}
		out = append(out, neighbour{idx: n.idx, dist: math.Sqrt(item.Dist)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].dist != out[j].dist {
			return out[i].dist < out[j].dist
		}
		return out[i].idx < out[j].idx
	})
	return out
}

// nearest returns up to k nearest neighbours of q, excluding the input
// point with index skip (-1 to keep all).
func (x index) nearest(q geometry.Point2D, k, skip int) []neighbour {
	n := k
	if skip >= 0 {
		n++
	}
	keeper := kdtree.NewNKeeper(n)
	x.tree.NearestSet(keeper, node{Point2D: q, idx: -1})
	out := collect(keeper.Heap, skip)
	if len(out) > k {
		out = out[:k]
	}
	return out
}

// within returns every point no farther than r from q, nearest first.
func (x index) within(q geometry.Point2D, r float64) []neighbour {
	keeper := kdtree.NewDistKeeper(r * r)
	x.tree.NearestSet(keeper, node{Point2D: q, idx: -1})
	return collect(keeper.Heap, -1)
}

// SpacingThreshold estimates how far a feature can move before it could be
// confused with a neighbour: the median distance from each point to its k
// nearest neighbours, scaled by factor. It returns 0 for fewer than two
// points.
func SpacingThreshold(pts []geometry.Point2D, k int, factor float64) float64 {
	if len(pts) < 2 || k < 1 {
		return 0
	}
	idx := newIndex(pts)
	var dists []float64
	for i, p := range pts {
		for _, n := range idx.nearest(p, k, i) {
			dists = append(dists, n.dist)
		}
	}
	sort.Float64s(dists)
	return median(dists) * factor
}

// median of sorted values, averaging the middle pair for even lengths.
func median(sorted []float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return stat.Mean(sorted[n/2-1:n/2+1], nil)
}
