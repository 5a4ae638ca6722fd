// Package metrics summarises attribution matrices for ranking and display.
package metrics

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/explainable-platform/shapserve/pkg/errors"
)

// MeanAbs returns the mean absolute value of each column, the usual global importance of a
// SHAP matrix.
func MeanAbs(values mat.Matrix) ([]float64, error) {
	r, c := values.Dims()
	if r == 0 || c == 0 {
		return nil, errors.NewModelError("MeanAbs", "empty matrix", errors.ErrEmptyData)
	}
	out := make([]float64, c)
	col := make([]float64, r)
	for j := 0; j < c; j++ {
		mat.Col(col, j, values)
		sum := 0.0
		for _, v := range col {
			sum += math.Abs(v)
		}
		out[j] = sum / float64(r)
	}
	return out, nil
}

// RowSums returns the sum of each row.
func RowSums(values mat.Matrix) []float64 {
	r, c := values.Dims()
	out := make([]float64, r)
	row := make([]float64, c)
	for i := 0; i < r; i++ {
		mat.Row(row, i, values)
		out[i] = floats.Sum(row)
	}
	return out
}

// Rank returns the indices of scores ordered by decreasing value. Ties keep index order.
func Rank(scores []float64) []int {
	idx := make([]int, len(scores))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return scores[idx[a]] > scores[idx[b]]
	})
	return idx
}

// RankAbs returns the indices of scores ordered by decreasing magnitude.
func RankAbs(scores []float64) []int {
	abs := make([]float64, len(scores))
	for i, v := range scores {
		abs[i] = math.Abs(v)
	}
	return Rank(abs)
}

// Top returns the first n entries of a ranking, or all of it when n <= 0 or exceeds its length.
func Top(ranking []int, n int) []int {
	if n <= 0 || n >= len(ranking) {
		return ranking
	}
	return ranking[:n]
}

// AdditivityGap returns the largest |base + sum(row) - output| over all rows.
func AdditivityGap(values mat.Matrix, base float64, outputs []float64) (float64, error) {
	sums := RowSums(values)
	if len(sums) != len(outputs) {
		return 0, errors.NewDimensionError("AdditivityGap", len(sums), len(outputs), 0)
	}
	gap := 0.0
	for i, s := range sums {
		gap = math.Max(gap, math.Abs(base+s-outputs[i]))
	}
	return gap, nil
}
