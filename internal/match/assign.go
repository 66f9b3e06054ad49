package match

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// ErrInfeasible is returned when an assignment problem has more rows than
// columns or contains non-finite costs.
var ErrInfeasible = errors.New("infeasible assignment problem")

// SolveAssignment solves the rectangular linear assignment problem for a
// cost matrix with no more rows than columns. It returns, for each row, the
// column assigned to it such that every row gets a distinct column and the
// total cost is minimal.
//
// The solver is the shortest augmenting path method with row and column
// potentials, O(rows^2 * cols).
func SolveAssignment(cost mat.Matrix) ([]int, error) {
	n, m := cost.Dims()
	if n > m {
		return nil, fmt.Errorf("%w: %d rows > %d columns", ErrInfeasible, n, m)
	}
	for i := 0; i < n; i++ {
		for j := 0; j < m; j++ {
			if v := cost.At(i, j); math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("%w: cost[%d][%d] = %v", ErrInfeasible, i, j, v)
			}
		}
	}

	// 1-based indices; column 0 is a virtual start column.
	u := make([]float64, n+1)
	v := make([]float64, m+1)
	owner := make([]int, m+1) // row assigned to each column
	way := make([]int, m+1)
	minv := make([]float64, m+1)
	used := make([]bool, m+1)

	for i := 1; i <= n; i++ {
		owner[0] = i
		j0 := 0
		for j := range minv {
			minv[j] = math.Inf(1)
			used[j] = false
		}

		for {
			used[j0] = true
			i0 := owner[j0]
			delta := math.Inf(1)
			j1 := 0
			for j := 1; j <= m; j++ {
				if used[j] {
					continue
				}
				cur := cost.At(i0-1, j-1) - u[i0] - v[j]
				if cur < minv[j] {
					minv[j] = cur
					way[j] = j0
				}
				if minv[j] < delta {
					delta = minv[j]
					j1 = j
				}
			}
			for j := 0; j <= m; j++ {
				if used[j] {
					u[owner[j]] += delta
					v[j] -= delta
				} else {
					minv[j] -= delta
				}
			}
			j0 = j1
			if owner[j0] == 0 {
				break
			}
		}

		// Flip the augmenting path.
		for j0 != 0 {
			j1 := way[j0]
			owner[j0] = owner[j1]
			j0 = j1
		}
	}

	assign := make([]int, n)
	for j := 1; j <= m; j++ {
		if owner[j] != 0 {
			assign[owner[j]-1] = j - 1
		}
	}
	return assign, nil
}
