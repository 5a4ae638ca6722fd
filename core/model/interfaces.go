// Package model defines the runtime contracts between artifact decoders, the inference engine
// and the explainers.
package model

import (
	"gonum.org/v1/gonum/mat"
)

// Predictor is the interface for models that assign a class label to every row.
type Predictor interface {
	// Predict returns one class label per row of X.
	Predict(X mat.Matrix) ([]int, error)
}

// Classifier combines prediction with class probabilities.
type Classifier interface {
	Predictor

	// PredictProba returns an (n_samples, n_classes) probability matrix.
	PredictProba(X mat.Matrix) (mat.Matrix, error)

	// Classes returns the class labels in probability-column order.
	Classes() []int

	// NFeatures returns the number of input columns the model was built for.
	NFeatures() int
}

// Explainer computes additive feature attributions.
type Explainer interface {
	// ShapValues returns raw attribution output for the rows of X.
	ShapValues(X mat.Matrix) (*Attribution, error)
}

// FeatureNamer is implemented by artifacts that carry their training column names.
type FeatureNamer interface {
	FeatureNames() []string
}

// Attribution is explainer output in row-major order.
//
// Shape is (n_samples, n_features) for a single output, or (n_samples, n_features, n_outputs)
// when the explainer produces one attribution per class. Expected holds one baseline per output.
type Attribution struct {
	Shape    []int
	Values   []float64
	Expected []float64
}

// Rank returns the number of dimensions of the attribution tensor.
func (a *Attribution) Rank() int {
	return len(a.Shape)
}

// At returns the value at (sample, feature, output). output is ignored for rank 2.
func (a *Attribution) At(sample, feature, output int) float64 {
	switch len(a.Shape) {
	case 2:
		return a.Values[sample*a.Shape[1]+feature]
	default:
		return a.Values[(sample*a.Shape[1]+feature)*a.Shape[2]+output]
	}
}
