// Package linear_model serves logistic-regression estimators decoded from coefficient documents
// and explains them with exact linear SHAP values.
package linear_model

import (
	"bytes"

	"gonum.org/v1/gonum/mat"

	"github.com/explainable-platform/shapserve/core/model"
	scierrors "github.com/explainable-platform/shapserve/pkg/errors"
)

// LogisticRegression is a fitted logistic-regression classifier.
// Compatible with scikit-learn's LogisticRegression coef_ / intercept_ layout.
type LogisticRegression struct {
	state *model.StateManager

	coef       *mat.Dense // n_rows x n_features
	intercept  []float64
	classes    []int
	multiClass string
	names      []string
}

// NewLogisticRegression builds a classifier from validated weights.
func NewLogisticRegression(w *model.LinearWeights) (*LogisticRegression, error) {
	if err := w.Validate(); err != nil {
		return nil, scierrors.NewValidationError("weights", err.Error(), w.Kind)
	}
	w = w.Clone()
	rows, cols := len(w.Coef), len(w.Coef[0])
	coef := mat.NewDense(rows, cols, nil)
	for i, r := range w.Coef {
		coef.SetRow(i, r)
	}

	classes := w.Classes
	if len(classes) == 0 {
		n := rows
		if rows == 1 {
			n = 2
		}
		classes = make([]int, n)
		for i := range classes {
			classes[i] = i
		}
	}

	lr := &LogisticRegression{
		state:      model.NewStateManager(),
		coef:       coef,
		intercept:  w.Intercept,
		classes:    classes,
		multiClass: w.MultiClass,
		names:      w.FeatureNames,
	}
	lr.state.SetLoaded(cols)
	return lr, nil
}

// ParseLogisticRegression decodes a {"kind": "logistic_regression", ...} document.
func ParseLogisticRegression(data []byte) (*LogisticRegression, error) {
	var w model.LinearWeights
	if err := model.LoadDocumentFromReader(&w, bytes.NewReader(data)); err != nil {
		return nil, scierrors.NewModelError("parse", model.KindLogisticRegression, err)
	}
	if w.Kind != model.KindLogisticRegression {
		return nil, scierrors.NewValidationError("kind", "expected logistic_regression", w.Kind)
	}
	return NewLogisticRegression(&w)
}

// Classes returns the class labels in probability-column order.
func (lr *LogisticRegression) Classes() []int {
	return lr.classes
}

// NFeatures returns the number of input columns.
func (lr *LogisticRegression) NFeatures() int {
	return lr.state.NFeatures()
}

// FeatureNames returns the training column names, if the document carried them.
func (lr *LogisticRegression) FeatureNames() []string {
	return lr.names
}

// DecisionFunction returns X * coef^T + intercept, shape (n_samples, n_rows).
func (lr *LogisticRegression) DecisionFunction(X mat.Matrix) (*mat.Dense, error) {
	if err := lr.state.RequireLoaded("decision_function", model.KindLogisticRegression); err != nil {
		return nil, err
	}
	if err := lr.state.CheckInput("decision_function", X); err != nil {
		return nil, err
	}
	var scores mat.Dense
	scores.Mul(X, lr.coef.T())
	rows, k := scores.Dims()
	for i := 0; i < rows; i++ {
		for c := 0; c < k; c++ {
			scores.Set(i, c, scores.At(i, c)+lr.intercept[c])
		}
	}
	return &scores, nil
}

// PredictProba returns probability estimates for each class.
func (lr *LogisticRegression) PredictProba(X mat.Matrix) (mat.Matrix, error) {
	scores, err := lr.DecisionFunction(X)
	if err != nil {
		return nil, err
	}
	nSamples, k := scores.Dims()
	probas := mat.NewDense(nSamples, len(lr.classes), nil)

	for i := 0; i < nSamples; i++ {
		switch {
		case k == 1:
			p := scierrors.Sigmoid(scores.At(i, 0))
			probas.Set(i, 0, 1-p)
			probas.Set(i, 1, p)
		case lr.multiClass == "ovr":
			sum := 0.0
			for c := 0; c < k; c++ {
				p := scierrors.Sigmoid(scores.At(i, c))
				probas.Set(i, c, p)
				sum += p
			}
			for c := 0; c < k; c++ {
				probas.Set(i, c, probas.At(i, c)/sum)
			}
		default:
			probas.SetRow(i, scierrors.Softmax(scores.RawRowView(i)))
		}
	}

	if err := scierrors.CheckMatrix("logistic.PredictProba", probas, nSamples, len(lr.classes)); err != nil {
		return nil, err
	}
	return probas, nil
}

// Predict returns the most probable class per row. Ties go to the lower class.
func (lr *LogisticRegression) Predict(X mat.Matrix) ([]int, error) {
	proba, err := lr.PredictProba(X)
	if err != nil {
		return nil, err
	}
	rows, cols := proba.Dims()
	labels := make([]int, rows)
	for i := 0; i < rows; i++ {
		best := 0
		for c := 1; c < cols; c++ {
			if proba.At(i, c) > proba.At(i, best) {
				best = c
			}
		}
		labels[i] = lr.classes[best]
	}
	return labels, nil
}
