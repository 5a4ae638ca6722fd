package lightgbm

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/explainable-platform/shapserve/internal/fixtures"
	scierrors "github.com/explainable-platform/shapserve/pkg/errors"
)

func loadFixture(t *testing.T, doc string) *Model {
	t.Helper()
	m, err := ParseModel([]byte(doc))
	require.NoError(t, err)
	return m
}

func TestRawScoreDecisionRules(t *testing.T) {
	m := loadFixture(t, fixtures.BinaryModel)
	nan := math.NaN()

	tests := []struct {
		name string
		x    []float64
		want float64
	}{
		{"right right", []float64{1, 3}, 1.5 - 0.3},
		{"left", []float64{0.2, 0.5}, -1 + 0.2},
		{"threshold is inclusive", []float64{0.5, 1.0}, -1 + 0.2},
		{"nan with missing None goes as zero", []float64{nan, 3}, -1 - 0.3},
		{"nan with missing NaN takes default left", []float64{1, nan}, 0.5 - 0.3},
		{"zero with missing Zero takes default right", []float64{1, 0}, 0.5 - 0.3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := m.RawScore(mat.NewDense(1, 2, tt.x))
			require.NoError(t, err)
			assert.InDelta(t, tt.want, raw.At(0, 0), 1e-12)
		})
	}
}

func TestPredictProbaBinary(t *testing.T) {
	m := loadFixture(t, fixtures.BinaryModel)
	X := mat.NewDense(3, 2, []float64{
		1, 3,
		0.2, 0.5,
		1, 1.5,
	})
	proba, err := m.PredictProba(X)
	require.NoError(t, err)

	r, c := proba.Dims()
	assert.Equal(t, 3, r)
	assert.Equal(t, 2, c)
	assert.InDelta(t, 1/(1+math.Exp(-1.2)), proba.At(0, 1), 1e-12)
	for i := 0; i < r; i++ {
		assert.InDelta(t, 1.0, proba.At(i, 0)+proba.At(i, 1), 1e-12)
	}

	labels, err := m.Predict(X)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 0, 1}, labels)
}

func TestPredictProbaMulticlass(t *testing.T) {
	m := loadFixture(t, fixtures.MulticlassModel)
	X := mat.NewDense(2, 2, []float64{
		-1, -1,
		2, 1,
	})
	proba, err := m.PredictProba(X)
	require.NoError(t, err)
	_, c := proba.Dims()
	require.Equal(t, 3, c)
	for i := 0; i < 2; i++ {
		sum := 0.0
		for k := 0; k < 3; k++ {
			sum += proba.At(i, k)
		}
		assert.InDelta(t, 1.0, sum, 1e-12)
	}

	labels, err := m.Predict(X)
	require.NoError(t, err)
	// raw scores: row 0 = [1, -0.5, 0], row 1 = [-1, 0.5, 2]
	assert.Equal(t, []int{0, 2}, labels)
}

func TestCategoricalDecision(t *testing.T) {
	m := loadFixture(t, fixtures.CategoricalModel)
	tests := []struct {
		x0   float64
		want float64
	}{
		{1, 1}, {3, 1}, {2, -1}, {-1, -1}, {math.NaN(), -1}, {3.7, 1},
	}
	for _, tt := range tests {
		raw, err := m.RawScore(mat.NewDense(1, 2, []float64{tt.x0, 0}))
		require.NoError(t, err)
		assert.Equal(t, tt.want, raw.At(0, 0), "x0=%v", tt.x0)
	}
}

func TestRawScoreLargeBatchMatchesSequential(t *testing.T) {
	m := loadFixture(t, fixtures.BinaryModel)
	n := 500
	data := make([]float64, n*2)
	for i := 0; i < n; i++ {
		data[2*i] = float64(i%7) / 5
		data[2*i+1] = float64(i%11) / 3
	}
	X := mat.NewDense(n, 2, data)
	raw, err := m.RawScore(X)
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		x := X.RawRowView(i)
		want := m.Trees[0].Predict(x) + m.Trees[1].Predict(x)
		require.InDelta(t, want, raw.At(i, 0), 1e-12)
	}
}

func TestAverageOutput(t *testing.T) {
	m := loadFixture(t, fixtures.BinaryModel)
	m.AverageOutput = true
	raw, err := m.RawScore(mat.NewDense(1, 2, []float64{1, 3}))
	require.NoError(t, err)
	assert.InDelta(t, 1.2/2, raw.At(0, 0), 1e-12)
}

func TestPredictInputValidation(t *testing.T) {
	m := loadFixture(t, fixtures.BinaryModel)

	_, err := m.PredictProba(mat.NewDense(1, 3, nil))
	var dimErr *scierrors.DimensionError
	assert.ErrorAs(t, err, &dimErr)

	m.Objective = RegressionL2
	_, err = m.PredictProba(mat.NewDense(1, 2, nil))
	var validation *scierrors.ValidationError
	assert.ErrorAs(t, err, &validation)
}
