package model

import (
	"fmt"
)

// Artifact document kinds.
const (
	KindLightGBM           = "lightgbm"
	KindLogisticRegression = "logistic_regression"
)

// LinearWeights is the JSON document for a logistic-regression estimator.
//
// Coef has one row per decision function: a single row for a binary model, one row per class
// for a multinomial model. Intercept has one entry per row of Coef.
type LinearWeights struct {
	Kind         string      `json:"kind"`
	Classes      []int       `json:"classes"`
	Coef         [][]float64 `json:"coef"`
	Intercept    []float64   `json:"intercept"`
	FeatureNames []string    `json:"feature_names,omitempty"`
	// MultiClass is "multinomial" (softmax, default) or "ovr" for several coef rows.
	MultiClass string `json:"multi_class,omitempty"`
}

// Validate checks the coefficient layout.
func (w *LinearWeights) Validate() error {
	if len(w.Coef) == 0 {
		return fmt.Errorf("coef is required")
	}
	width := len(w.Coef[0])
	if width == 0 {
		return fmt.Errorf("coef rows must not be empty")
	}
	for i, row := range w.Coef {
		if len(row) != width {
			return fmt.Errorf("coef row %d has %d values, expected %d", i, len(row), width)
		}
	}
	if len(w.Intercept) != len(w.Coef) {
		return fmt.Errorf("intercept has %d values, expected %d", len(w.Intercept), len(w.Coef))
	}
	if len(w.FeatureNames) > 0 && len(w.FeatureNames) != width {
		return fmt.Errorf("feature_names has %d entries, expected %d", len(w.FeatureNames), width)
	}
	switch w.MultiClass {
	case "", "multinomial", "ovr":
	default:
		return fmt.Errorf("unknown multi_class %q", w.MultiClass)
	}
	switch {
	case len(w.Coef) == 1 && len(w.Classes) != 0 && len(w.Classes) != 2:
		return fmt.Errorf("binary model must declare 2 classes, got %d", len(w.Classes))
	case len(w.Coef) > 1 && len(w.Classes) != 0 && len(w.Classes) != len(w.Coef):
		return fmt.Errorf("multinomial model declares %d classes for %d coef rows", len(w.Classes), len(w.Coef))
	}
	return nil
}

// Clone returns a deep copy.
func (w *LinearWeights) Clone() *LinearWeights {
	clone := &LinearWeights{
		Kind:         w.Kind,
		Classes:      append([]int(nil), w.Classes...),
		Coef:         make([][]float64, len(w.Coef)),
		Intercept:    append([]float64(nil), w.Intercept...),
		FeatureNames: append([]string(nil), w.FeatureNames...),
		MultiClass:   w.MultiClass,
	}
	for i, row := range w.Coef {
		clone.Coef[i] = append([]float64(nil), row...)
	}
	return clone
}
