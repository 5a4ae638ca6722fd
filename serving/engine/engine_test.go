package engine

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/explainable-platform/shapserve/core/model"
	"github.com/explainable-platform/shapserve/internal/fixtures"
	scierrors "github.com/explainable-platform/shapserve/pkg/errors"
	"github.com/explainable-platform/shapserve/preprocessing"
	"github.com/explainable-platform/shapserve/sklearn/lightgbm"
	"github.com/explainable-platform/shapserve/sklearn/linear_model"
)

type fakeExplainer struct {
	attr *model.Attribution
	err  error
}

func (f fakeExplainer) ShapValues(mat.Matrix) (*model.Attribution, error) {
	return f.attr, f.err
}

func table(t *testing.T, ids []preprocessing.RowID, data ...float64) *preprocessing.Table {
	t.Helper()
	rows := len(data) / 2
	tbl, err := preprocessing.NewTable(fixtures.FeatureNames, ids, mat.NewDense(rows, 2, data))
	require.NoError(t, err)
	return tbl
}

func TestSelectOutputRank2(t *testing.T) {
	attr := &model.Attribution{Shape: []int{2, 3}, Values: []float64{1, 2, 3, 4, 5, 6}, Expected: []float64{0.7}}
	values, base, err := SelectOutput(attr)
	require.NoError(t, err)
	assert.Equal(t, 0.7, base)
	assert.Equal(t, []float64{4, 5, 6}, mat.Row(nil, 1, values))
}

func TestSelectOutputRank3PicksPositiveClass(t *testing.T) {
	// (2 rows, 2 features, 2 outputs), output-minor
	attr := &model.Attribution{
		Shape:    []int{2, 2, 2},
		Values:   []float64{-1, 1, -2, 2, -3, 3, -4, 4},
		Expected: []float64{0.1, 0.9},
	}
	values, base, err := SelectOutput(attr)
	require.NoError(t, err)
	assert.Equal(t, 0.9, base)
	assert.Equal(t, []float64{1, 2, 3, 4}, values.RawMatrix().Data)
}

func TestSelectOutputRejectsOtherRanks(t *testing.T) {
	cases := map[string]*model.Attribution{
		"rank1":           {Shape: []int{4}, Values: make([]float64, 4), Expected: []float64{0}},
		"rank4":           {Shape: []int{1, 1, 2, 2}, Values: make([]float64, 4), Expected: []float64{0, 0}},
		"single output":   {Shape: []int{1, 2, 1}, Values: make([]float64, 2), Expected: []float64{0}},
		"short baseline":  {Shape: []int{1, 2, 2}, Values: make([]float64, 4), Expected: []float64{0}},
		"length mismatch": {Shape: []int{2, 2}, Values: make([]float64, 3), Expected: []float64{0}},
		"no rows":         {Shape: []int{0, 2}, Values: nil, Expected: []float64{0}},
	}
	for name, attr := range cases {
		t.Run(name, func(t *testing.T) {
			_, _, err := SelectOutput(attr)
			var shapeErr *scierrors.UnsupportedShapeError
			require.True(t, scierrors.As(err, &shapeErr), "got %v", err)
			assert.Equal(t, 500, scierrors.StatusCode(err))
		})
	}
}

func TestInferLightGBM(t *testing.T) {
	m, err := lightgbm.ParseModel([]byte(fixtures.BinaryModel))
	require.NoError(t, err)

	ids := []preprocessing.RowID{preprocessing.StringID("p-1"), preprocessing.StringID("p-2")}
	rows, err := Infer(m, table(t, ids, 1, 3, 0, 0.5))
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.InDelta(t, 1/(1+math.Exp(-1.2)), rows[0].Proba, 1e-12)
	assert.Equal(t, 1, rows[0].Class)
	assert.True(t, rows[0].ID.Equal(ids[0]))
	// -1.0 + 0.2
	assert.InDelta(t, 1/(1+math.Exp(0.8)), rows[1].Proba, 1e-12)
	assert.Equal(t, 0, rows[1].Class)

	b, err := json.Marshal(rows[0])
	require.NoError(t, err)
	assert.Contains(t, string(b), `"id":"p-1"`)
}

func TestInferRejectsWrongWidth(t *testing.T) {
	m, err := linear_model.ParseLogisticRegression([]byte(fixtures.LogisticModel))
	require.NoError(t, err)

	tbl, err := preprocessing.NewTable([]string{"only"}, nil, mat.NewDense(1, 1, []float64{1}))
	require.NoError(t, err)
	_, err = Infer(m, tbl)
	var invalid *scierrors.InvalidRequestError
	require.True(t, scierrors.As(err, &invalid))
	assert.Equal(t, 400, scierrors.StatusCode(err))
}

func TestExplainTreeAdditivity(t *testing.T) {
	te, err := lightgbm.ParseExplainer([]byte(fixtures.TreeExplainer))
	require.NoError(t, err)

	tbl := table(t, nil, 1, 3, 0, 0.5, 2, math.NaN())
	bundle, err := Explain(te, tbl)
	require.NoError(t, err)

	assert.InDelta(t, fixtures.BinaryBaseValue, bundle.Base, 1e-12)
	assert.Equal(t, fixtures.FeatureNames, bundle.Columns)
	assert.Equal(t, 3, bundle.Rows())

	raw, err := te.Model().RawScore(tbl.Values)
	require.NoError(t, err)
	for i := 0; i < bundle.Rows(); i++ {
		assert.InDelta(t, raw.At(i, 0), bundle.Output(i), 1e-9)
	}
	assert.Equal(t, 2, bundle.RowIndex(preprocessing.PositionalID(2)))
	assert.Equal(t, -1, bundle.RowIndex(preprocessing.StringID("2")))
}

func TestExplainLinear(t *testing.T) {
	le, err := linear_model.ParseLinearExplainer([]byte(fixtures.LinearExplainer))
	require.NoError(t, err)

	bundle, err := Explain(le, table(t, nil, 1, 3))
	require.NoError(t, err)
	assert.InDelta(t, 0.8*0.5, bundle.Values.At(0, 0), 1e-12)
	assert.InDelta(t, -0.4*1.5, bundle.Values.At(0, 1), 1e-12)
	// the linear margin of the logistic model at {1, 3}
	assert.InDelta(t, 0.1+0.8-1.2, bundle.Output(0), 1e-12)
}

func TestExplainMulticlassUsesClassOne(t *testing.T) {
	m, err := lightgbm.ParseModel([]byte(fixtures.MulticlassModel))
	require.NoError(t, err)
	te := lightgbm.NewTreeExplainer(m)

	bundle, err := Explain(te, table(t, nil, 1, 1))
	require.NoError(t, err)
	assert.InDelta(t, te.ExpectedValue()[1], bundle.Base, 1e-12)
	// class 1 only splits on worst_texture
	assert.InDelta(t, 0, bundle.Values.At(0, 0), 1e-12)
	assert.InDelta(t, 0.5-0.1, bundle.Values.At(0, 1), 1e-12)
}

func TestExplainErrors(t *testing.T) {
	tbl := table(t, nil, 1, 3)

	t.Run("non-finite", func(t *testing.T) {
		exp := fakeExplainer{attr: &model.Attribution{
			Shape: []int{1, 2}, Values: []float64{math.Inf(1), 0}, Expected: []float64{0},
		}}
		_, err := Explain(exp, tbl)
		var numErr *scierrors.NumericalInstabilityError
		assert.True(t, scierrors.As(err, &numErr), "got %v", err)
	})

	t.Run("column mismatch", func(t *testing.T) {
		exp := fakeExplainer{attr: &model.Attribution{
			Shape: []int{1, 3}, Values: []float64{0, 0, 0}, Expected: []float64{0},
		}}
		_, err := Explain(exp, tbl)
		var dimErr *scierrors.DimensionError
		require.True(t, scierrors.As(err, &dimErr), "got %v", err)
		assert.Equal(t, 1, dimErr.Axis)
	})

	t.Run("explainer failure", func(t *testing.T) {
		_, err := Explain(fakeExplainer{err: scierrors.New("boom")}, tbl)
		assert.EqualError(t, err, "boom")
	})

	t.Run("empty table", func(t *testing.T) {
		empty, err := preprocessing.NewTable(fixtures.FeatureNames, nil, nil)
		require.NoError(t, err)
		_, err = Explain(fakeExplainer{}, empty)
		assert.Equal(t, 400, scierrors.StatusCode(err))
	})
}

type opaqueClassifier struct{ model.Classifier }

func TestAdditivityGap(t *testing.T) {
	tbl := table(t, nil, 1, 3, 0, 0.5, 2, math.NaN())

	te, err := lightgbm.ParseExplainer([]byte(fixtures.TreeExplainer))
	require.NoError(t, err)
	tree, err := Explain(te, tbl)
	require.NoError(t, err)
	gap, ok, err := AdditivityGap(te.Model(), tree)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Less(t, gap, 1e-9)

	lr, err := linear_model.ParseLogisticRegression([]byte(fixtures.LogisticModel))
	require.NoError(t, err)
	le, err := linear_model.ParseLinearExplainer([]byte(fixtures.LinearExplainer))
	require.NoError(t, err)
	linear, err := Explain(le, table(t, nil, 1, 3, 0, 0.5))
	require.NoError(t, err)
	gap, ok, err = AdditivityGap(lr, linear)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Less(t, gap, 1e-12)

	// tree attributions against the logistic margin: 1.2 vs -0.3 on the first row
	swapped, err := Explain(te, table(t, nil, 1, 3))
	require.NoError(t, err)
	gap, ok, err = AdditivityGap(lr, swapped)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Greater(t, gap, 1.0)

	_, ok, err = AdditivityGap(opaqueClassifier{lr}, tree)
	require.NoError(t, err)
	assert.False(t, ok)
}
