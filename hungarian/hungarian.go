// Package hungarian - exact minimum-cost bipartite assignment.
//
// The solver is a standalone function over a dense cost matrix with no
// dependency on the neural components, so it can be cross-checked against
// brute-force enumeration in isolation. Complexity is O(r*r*c) for an r x c
// matrix after orienting rows as the smaller side, comfortably fast for the
// per-cell matrices this system produces (at most a handful of boxes against
// max_len detection slots).
package hungarian

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Result describes a minimum-cost matching.
type Result struct {
	// RowToCol maps each row to its matched column, -1 if unmatched.
	// Rows go unmatched only when the matrix has more rows than columns.
	RowToCol []int
	// ColToRow maps each column to its matched row, -1 if unmatched.
	ColToRow []int
	// Cost is the total cost over matched pairs.
	Cost float64
}

// Matched returns the number of matched pairs, min(rows, cols).
func (r Result) Matched() int {
	n := 0
	for _, c := range r.RowToCol {
		if c >= 0 {
			n++
		}
	}
	return n
}

// Solve computes a minimum-cost one-to-one matching of rows to columns using
// the Kuhn-Munkres algorithm with dual potentials.
//
// Arguments:
// - cost: a dense cost matrix; entries may be negative but must be finite.
//
// Returns:
// - The optimal Result, matching min(rows, cols) pairs.
// - An error if any entry is NaN or infinite. The input is never modified.
func Solve(cost mat.Matrix) (Result, error) {
	rows, cols := cost.Dims()
	res := Result{
		RowToCol: make([]int, rows),
		ColToRow: make([]int, cols),
	}
	for i := range res.RowToCol {
		res.RowToCol[i] = -1
	}
	for j := range res.ColToRow {
		res.ColToRow[j] = -1
	}
	if rows == 0 || cols == 0 {
		return res, nil
	}

	transposed := rows > cols
	m, n := rows, cols
	if transposed {
		m, n = cols, rows
	}
	a := make([][]float64, m)
	for i := 0; i < m; i++ {
		a[i] = make([]float64, n)
		for j := 0; j < n; j++ {
			var v float64
			if transposed {
				v = cost.At(j, i)
			} else {
				v = cost.At(i, j)
			}
			if math.IsNaN(v) || math.IsInf(v, 0) {
				if transposed {
					return res, errors.Errorf("non-finite cost at (%d, %d): %v", j, i, v)
				}
				return res, errors.Errorf("non-finite cost at (%d, %d): %v", i, j, v)
			}
			a[i][j] = v
		}
	}

	// Potentials over rows (u) and columns (v), with p[j] holding the row
	// matched to column j. Index 0 is a sentinel; the matrix is accessed
	// 1-based inside the loop.
	u := make([]float64, m+1)
	v := make([]float64, n+1)
	p := make([]int, n+1)
	way := make([]int, n+1)
	minv := make([]float64, n+1)
	used := make([]bool, n+1)

	for i := 1; i <= m; i++ {
		p[0] = i
		j0 := 0
		for j := 0; j <= n; j++ {
			minv[j] = math.Inf(1)
			used[j] = false
		}
		for {
			used[j0] = true
			i0 := p[j0]
			delta := math.Inf(1)
			j1 := 0
			for j := 1; j <= n; j++ {
				if used[j] {
					continue
				}
				cur := a[i0-1][j-1] - u[i0] - v[j]
				if cur < minv[j] {
					minv[j] = cur
					way[j] = j0
				}
				if minv[j] < delta {
					delta = minv[j]
					j1 = j
				}
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
			j1 := way[j0]
			p[j0] = p[j1]
			j0 = j1
		}
	}

	for j := 1; j <= n; j++ {
		if p[j] == 0 {
			continue
		}
		row, col := p[j]-1, j-1
		if transposed {
			row, col = col, row
		}
		res.RowToCol[row] = col
		res.ColToRow[col] = row
		res.Cost += cost.At(row, col)
	}
	return res, nil
}
