package deconv

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// nnls solves min ||Ax - b||^2 subject to x >= 0 using the active-set
// method of Lawson & Hanson. Ties in the gradient are broken by lowest
// column index so an identical input always yields the identical solution.
func nnls(a *mat.Dense, b *mat.VecDense, tol float64) ([]float64, error) {
	m, n := a.Dims()
	if b.Len() != m {
		return nil, fmt.Errorf("nnls: dimension mismatch %dx%d vs %d", m, n, b.Len())
	}
	if tol <= 0 {
		tol = 1e-10
	}

	x := make([]float64, n)
	passive := make([]bool, n)

	ax := mat.NewVecDense(m, nil)
	resid := mat.NewVecDense(m, nil)
	grad := mat.NewVecDense(n, nil)

	maxOuter := 3 * n
	for iter := 0; iter < maxOuter; iter++ {
		ax.MulVec(a, mat.NewVecDense(n, x))
		resid.SubVec(b, ax)
		grad.MulVec(a.T(), resid)

		j := -1
		best := tol
		for i := 0; i < n; i++ {
			if !passive[i] && grad.AtVec(i) > best {
				best = grad.AtVec(i)
				j = i
			}
		}
		if j < 0 {
			break
		}
		passive[j] = true

		for {
			z, err := solvePassive(a, b, passive)
			if err != nil {
				return nil, err
			}

			// Feasibility step: if the unconstrained solution on the
			// passive set leaves the positive orthant, back off along the
			// segment and demote the blocking variables.
			alpha := 1.0
			blocked := false
			for i := 0; i < n; i++ {
				if passive[i] && z[i] <= 0 {
					if step := x[i] / (x[i] - z[i]); step < alpha {
						alpha = step
					}
					blocked = true
				}
			}

			if !blocked {
				copy(x, z)
				break
			}

			for i := 0; i < n; i++ {
				if passive[i] {
					x[i] += alpha * (z[i] - x[i])
					if x[i] <= 1e-12 {
						x[i] = 0
						passive[i] = false
					}
				}
			}
		}
	}

	return x, nil
}

// solvePassive solves the unconstrained least-squares subproblem restricted
// to the passive columns, returning a full-length vector with zeros on the
// free positions.
func solvePassive(a *mat.Dense, b *mat.VecDense, passive []bool) ([]float64, error) {
	m, n := a.Dims()

	var idx []int
	for i := 0; i < n; i++ {
		if passive[i] {
			idx = append(idx, i)
		}
	}

	z := make([]float64, n)
	if len(idx) == 0 {
		return z, nil
	}

	sub := mat.NewDense(m, len(idx), nil)
	for c, col := range idx {
		for r := 0; r < m; r++ {
			sub.Set(r, c, a.At(r, col))
		}
	}

	var sol mat.Dense
	if err := sol.Solve(sub, b); err != nil {
		return nil, fmt.Errorf("nnls subproblem: %w", err)
	}
	for c, col := range idx {
		z[col] = sol.At(c, 0)
	}
	return z, nil
}

// projectSimplex maps v onto the probability simplex {p >= 0, sum(p) = 1}
// by Euclidean projection (Duchi et al.). The sort-based algorithm is
// deterministic for a given input.
func projectSimplex(v []float64) []float64 {
	n := len(v)
	if n == 0 {
		return nil
	}

	sorted := append([]float64(nil), v...)
	// insertion sort descending; n is the variant count, always small
	for i := 1; i < n; i++ {
		for j := i; j > 0 && sorted[j] > sorted[j-1]; j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}

	var cumsum float64
	rho := -1
	var theta float64
	for i := 0; i < n; i++ {
		cumsum += sorted[i]
		t := (cumsum - 1) / float64(i+1)
		if sorted[i]-t > 0 {
			rho = i
			theta = t
		}
	}
	if rho < 0 {
		theta = (cumsum - 1) / float64(n)
	}

	out := make([]float64, n)
	for i, x := range v {
		if d := x - theta; d > 0 {
			out[i] = d
		}
	}
	return out
}
