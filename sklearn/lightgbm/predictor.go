package lightgbm

import (
	"gonum.org/v1/gonum/mat"

	"github.com/explainable-platform/shapserve/core/parallel"
	scierrors "github.com/explainable-platform/shapserve/pkg/errors"
)

// rowParallelThreshold is the row count above which scoring fans out across cores.
const rowParallelThreshold = 64

// RawScore returns the (n_samples, num_tree_per_iteration) margin before the objective's link.
func (m *Model) RawScore(X mat.Matrix) (*mat.Dense, error) {
	if err := m.state.RequireLoaded("raw_score", "lightgbm"); err != nil {
		return nil, err
	}
	if err := m.state.CheckInput("raw_score", X); err != nil {
		return nil, err
	}

	rows, cols := X.Dims()
	k := m.NumTreePerIteration
	out := mat.NewDense(rows, k, nil)
	scale := m.outputScale()

	parallel.ParallelizeWithThreshold(rows, rowParallelThreshold, func(start, end int) {
		x := make([]float64, cols)
		scores := make([]float64, k)
		for i := start; i < end; i++ {
			mat.Row(x, i, X)
			for c := range scores {
				scores[c] = 0
			}
			for t := range m.Trees {
				scores[t%k] += m.Trees[t].Predict(x)
			}
			for c, s := range scores {
				out.Set(i, c, s/scale)
			}
		}
	})
	return out, nil
}

// PredictProba returns class probabilities, one column per entry of Classes().
func (m *Model) PredictProba(X mat.Matrix) (mat.Matrix, error) {
	if !m.IsClassifier() {
		return nil, scierrors.NewValidationError("objective", "model is not a classifier", string(m.Objective))
	}
	raw, err := m.RawScore(X)
	if err != nil {
		return nil, err
	}

	rows, k := raw.Dims()
	nClasses := len(m.Classes())
	proba := mat.NewDense(rows, nClasses, nil)
	for i := 0; i < rows; i++ {
		switch m.Objective {
		case BinaryLogistic:
			p := scierrors.Sigmoid(m.Sigmoid * raw.At(i, 0))
			proba.Set(i, 0, 1-p)
			proba.Set(i, 1, p)
		case BinaryCrossEntropy:
			p := scierrors.Sigmoid(raw.At(i, 0))
			proba.Set(i, 0, 1-p)
			proba.Set(i, 1, p)
		case MulticlassSoftmax:
			proba.SetRow(i, scierrors.Softmax(raw.RawRowView(i)))
		case MulticlassOVA:
			for c := 0; c < k; c++ {
				proba.Set(i, c, scierrors.Sigmoid(m.Sigmoid*raw.At(i, c)))
			}
		}
	}

	if err := scierrors.CheckMatrix("lightgbm.PredictProba", proba, rows, nClasses); err != nil {
		return nil, err
	}
	return proba, nil
}

// Predict returns the class with the highest probability for each row. Ties go to the lower class.
func (m *Model) Predict(X mat.Matrix) ([]int, error) {
	proba, err := m.PredictProba(X)
	if err != nil {
		return nil, err
	}
	return argmaxRows(proba, m.Classes()), nil
}

func argmaxRows(proba mat.Matrix, classes []int) []int {
	rows, cols := proba.Dims()
	labels := make([]int, rows)
	for i := 0; i < rows; i++ {
		best := 0
		for c := 1; c < cols; c++ {
			if proba.At(i, c) > proba.At(i, best) {
				best = c
			}
		}
		labels[i] = classes[best]
	}
	return labels
}
