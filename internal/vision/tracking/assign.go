package tracking

import "math"

// Assignment selects how tracks are matched to detections within a label.
type Assignment string

const (
	// AssignmentGreedy reduces the cost matrix by row then column minima and
	// takes the first free zero in each row. Cheap and usually right for
	// the handful of boxes per label a frame carries, but not optimal.
	AssignmentGreedy Assignment = "greedy"
	// AssignmentOptimal solves the minimum-cost assignment exactly.
	AssignmentOptimal Assignment = "optimal"
)

// Valid reports whether a is a known strategy.
func (a Assignment) Valid() bool {
	return a == AssignmentGreedy || a == AssignmentOptimal
}

// costSentinel marks pairs below the IoU gate. Any cost ≥ maxMatchCost is
// never accepted, whatever the solver returns.
const (
	costSentinel = 10.0
	maxMatchCost = 1.0
)

// assigner maps rows (tracks) to columns (detections). The result has one
// entry per row: the column index or -1.
type assigner func(cost [][]float64) []int

func assignerFor(a Assignment) assigner {
	if a == AssignmentOptimal {
		return optimalAssign
	}
	return greedyAssign
}

// padSquare copies cost into an n×n matrix, n = max(rows, cols), filling
// the padding with costSentinel.
func padSquare(cost [][]float64) ([][]float64, int, int) {
	rows := len(cost)
	cols := 0
	if rows > 0 {
		cols = len(cost[0])
	}
	n := rows
	if cols > n {
		n = cols
	}
	c := make([][]float64, n)
	for i := range c {
		c[i] = make([]float64, n)
		for j := range c[i] {
			if i < rows && j < cols {
				c[i][j] = cost[i][j]
			} else {
				c[i][j] = costSentinel
			}
		}
	}
	return c, rows, cols
}

// greedyAssign subtracts row minima, then column minima, and walks rows in
// order taking the first zero whose column is still free. Rows that find no
// zero stay unassigned.
func greedyAssign(cost [][]float64) []int {
	c, rows, cols := padSquare(cost)
	n := len(c)

	for i := 0; i < n; i++ {
		m := math.Inf(1)
		for j := 0; j < n; j++ {
			m = math.Min(m, c[i][j])
		}
		for j := 0; j < n; j++ {
			c[i][j] -= m
		}
	}
	for j := 0; j < n; j++ {
		m := math.Inf(1)
		for i := 0; i < n; i++ {
			m = math.Min(m, c[i][j])
		}
		for i := 0; i < n; i++ {
			c[i][j] -= m
		}
	}

	usedCol := make([]bool, n)
	result := make([]int, rows)
	for i := 0; i < rows; i++ {
		result[i] = -1
		for j := 0; j < n; j++ {
			if c[i][j] == 0 && !usedCol[j] {
				usedCol[j] = true
				if j < cols {
					result[i] = j
				}
				break
			}
		}
	}
	return result
}

// optimalAssign solves the square assignment with row and column potentials
// (Jonker-Volgenant shortest augmenting path), O(n³).
func optimalAssign(cost [][]float64) []int {
	c, rows, cols := padSquare(cost)
	n := len(c)
	if n == 0 {
		return nil
	}

	// 1-indexed; column 0 is virtual.
	inf := math.MaxFloat64 / 2
	u := make([]float64, n+1)
	v := make([]float64, n+1)
	p := make([]int, n+1) // p[j] = row matched to column j
	way := make([]int, n+1)
	minv := make([]float64, n+1)
	used := make([]bool, n+1)

	for i := 1; i <= n; i++ {
		p[0] = i
		j0 := 0
		for j := 1; j <= n; j++ {
			minv[j] = inf
			used[j] = false
		}

		for {
			used[j0] = true
			i0 := p[j0]
			delta := inf
			j1 := -1
			for j := 1; j <= n; j++ {
				if used[j] {
					continue
				}
				cur := c[i0-1][j-1] - u[i0] - v[j]
				if cur < minv[j] {
					minv[j] = cur
					way[j] = j0
				}
				if minv[j] < delta {
					delta = minv[j]
					j1 = j
				}
			}
			if j1 < 0 {
				break
			}
			for j := 0; j <= n; j++ {
				if used[j] {
					u[p[j]] += delta
					v[j] -= delta
				} else {
					minv[j] -= delta
				}
			}
			j0 = j1
			if p[j0] == 0 {
				break
			}
		}

		for j0 != 0 {
			p[j0] = p[way[j0]]
			j0 = way[j0]
		}
	}

	result := make([]int, rows)
	for i := range result {
		result[i] = -1
	}
	for j := 1; j <= n; j++ {
		if r := p[j] - 1; r >= 0 && r < rows && j-1 < cols {
			result[r] = j - 1
		}
	}
	return result
}
