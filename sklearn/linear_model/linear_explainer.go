package linear_model

import (
	"bytes"

	"gonum.org/v1/gonum/mat"

	"github.com/explainable-platform/shapserve/core/model"
	scierrors "github.com/explainable-platform/shapserve/pkg/errors"
)

// AlgorithmLinear identifies a linear explainer document.
const AlgorithmLinear = "linear"

// LinearExplainerDocument is the JSON artifact for a linear explainer.
type LinearExplainerDocument struct {
	Algorithm    string      `json:"algorithm"`
	Coef         [][]float64 `json:"coef"`
	Intercept    []float64   `json:"intercept"`
	FeatureMeans []float64   `json:"feature_means"`
	FeatureNames []string    `json:"feature_names,omitempty"`
}

// LinearExplainer computes SHAP values for a linear margin under feature independence:
// phi_j = coef_j * (x_j - mean_j), with baseline intercept + coef . mean.
type LinearExplainer struct {
	state    *model.StateManager
	coef     *mat.Dense
	means    *mat.VecDense
	expected []float64
	names    []string
}

// NewLinearExplainer builds an explainer from coefficients and background means.
func NewLinearExplainer(coef [][]float64, intercept, means []float64, names []string) (*LinearExplainer, error) {
	w := &model.LinearWeights{Coef: coef, Intercept: intercept, FeatureNames: names}
	if err := w.Validate(); err != nil {
		return nil, scierrors.NewValidationError("coef", err.Error(), nil)
	}
	rows, cols := len(coef), len(coef[0])
	if len(means) != cols {
		return nil, scierrors.NewDimensionError("linear_explainer", cols, len(means), 1)
	}

	c := mat.NewDense(rows, cols, nil)
	for i, r := range coef {
		c.SetRow(i, r)
	}
	mu := mat.NewVecDense(cols, append([]float64(nil), means...))

	var base mat.VecDense
	base.MulVec(c, mu)
	expected := make([]float64, rows)
	for k := range expected {
		expected[k] = base.AtVec(k) + intercept[k]
	}

	le := &LinearExplainer{
		state:    model.NewStateManager(),
		coef:     c,
		means:    mu,
		expected: expected,
		names:    names,
	}
	le.state.SetLoaded(cols)
	return le, nil
}

// ParseLinearExplainer decodes a {"algorithm": "linear", ...} document.
func ParseLinearExplainer(data []byte) (*LinearExplainer, error) {
	var doc LinearExplainerDocument
	if err := model.LoadDocumentFromReader(&doc, bytes.NewReader(data)); err != nil {
		return nil, scierrors.NewModelError("parse", "linear_explainer", err)
	}
	if doc.Algorithm != AlgorithmLinear {
		return nil, scierrors.NewValidationError("algorithm", "expected linear explainer", doc.Algorithm)
	}
	return NewLinearExplainer(doc.Coef, doc.Intercept, doc.FeatureMeans, doc.FeatureNames)
}

// ExpectedValue returns one baseline per coefficient row.
func (le *LinearExplainer) ExpectedValue() []float64 {
	return append([]float64(nil), le.expected...)
}

// FeatureNames returns the explained column names.
func (le *LinearExplainer) FeatureNames() []string {
	return le.names
}

// ShapValues implements model.Explainer.
func (le *LinearExplainer) ShapValues(X mat.Matrix) (*model.Attribution, error) {
	if err := le.state.CheckInput("linear_shap", X); err != nil {
		return nil, err
	}
	rows, cols := X.Dims()
	k, _ := le.coef.Dims()

	values := make([]float64, rows*cols*k)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			centered := X.At(i, j) - le.means.AtVec(j)
			for c := 0; c < k; c++ {
				values[(i*cols+j)*k+c] = le.coef.At(c, j) * centered
			}
		}
	}

	shape := []int{rows, cols}
	if k > 1 {
		shape = append(shape, k)
	}
	return &model.Attribution{Shape: shape, Values: values, Expected: le.ExpectedValue()}, nil
}
