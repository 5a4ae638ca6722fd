// Package engine runs estimators and explainers over reconciled tables and normalises their
// output into prediction rows and attribution bundles.
package engine

import (
	"strconv"

	"gonum.org/v1/gonum/mat"

	"github.com/explainable-platform/shapserve/core/model"
	"github.com/explainable-platform/shapserve/metrics"
	scierrors "github.com/explainable-platform/shapserve/pkg/errors"
	"github.com/explainable-platform/shapserve/preprocessing"
)

// PositiveClass is the probability column and attribution output reported for binary models.
const PositiveClass = 1

// PredictionRow is one scored input row.
type PredictionRow struct {
	ID    preprocessing.RowID `json:"id"`
	Proba float64             `json:"proba"`
	Class int                 `json:"class"`
}

// Infer scores every row of t: the positive-class probability and the predicted class label.
func Infer(est model.Classifier, t *preprocessing.Table) ([]PredictionRow, error) {
	if err := checkWidth(est.NFeatures(), t); err != nil {
		return nil, err
	}
	proba, err := est.PredictProba(t.Matrix())
	if err != nil {
		return nil, err
	}
	rows, cols := proba.Dims()
	if cols <= PositiveClass {
		return nil, scierrors.NewUnsupportedShapeError([]int{rows, cols})
	}
	if rows != t.Rows() {
		return nil, scierrors.NewDimensionError("engine.Infer", t.Rows(), rows, 0)
	}
	labels, err := est.Predict(t.Matrix())
	if err != nil {
		return nil, err
	}

	out := make([]PredictionRow, rows)
	for i := range out {
		out[i] = PredictionRow{ID: t.Index[i], Proba: proba.At(i, PositiveClass), Class: labels[i]}
	}
	return out, nil
}

// Bundle is the attribution of one request: per-row, per-column values aligned with the
// reconciled table, plus the baseline they add up from.
type Bundle struct {
	Base    float64
	Values  *mat.Dense
	Columns []string
	Index   []preprocessing.RowID
	// Data is the reconciled feature matrix the values explain.
	Data *mat.Dense
}

// Rows returns the number of explained rows.
func (b *Bundle) Rows() int {
	return len(b.Index)
}

// Output returns base plus the attributions of row i, the model margin for that row.
func (b *Bundle) Output(i int) float64 {
	return b.Base + mat.Sum(b.Values.RowView(i))
}

// RowIndex returns the position of id, or -1.
func (b *Bundle) RowIndex(id preprocessing.RowID) int {
	for i, r := range b.Index {
		if r.Equal(id) {
			return i
		}
	}
	return -1
}

// Explain computes attributions for t and selects the positive-class output.
func Explain(exp model.Explainer, t *preprocessing.Table) (*Bundle, error) {
	if t.Values == nil {
		return nil, scierrors.NewInvalidRequestError("dataframe_split", "no feature columns to explain")
	}
	attr, err := exp.ShapValues(t.Values)
	if err != nil {
		return nil, err
	}
	values, base, err := SelectOutput(attr)
	if err != nil {
		return nil, err
	}

	r, c := values.Dims()
	if c != len(t.Columns) {
		return nil, scierrors.NewDimensionError("engine.Explain", len(t.Columns), c, 1)
	}
	if r != t.Rows() {
		return nil, scierrors.NewDimensionError("engine.Explain", t.Rows(), r, 0)
	}
	if err := scierrors.CheckMatrix("engine.Explain", values, r, c); err != nil {
		return nil, err
	}
	if err := scierrors.CheckScalar("engine.Explain", base); err != nil {
		return nil, err
	}

	return &Bundle{
		Base:    base,
		Values:  values,
		Columns: append([]string(nil), t.Columns...),
		Index:   append([]preprocessing.RowID(nil), t.Index...),
		Data:    mat.DenseCopyOf(t.Values),
	}, nil
}

type rawScorer interface {
	RawScore(X mat.Matrix) (*mat.Dense, error)
}

type decisionFunction interface {
	DecisionFunction(X mat.Matrix) (*mat.Dense, error)
}

// AdditivityGap returns the largest distance between a row's base plus attributions and the
// estimator's raw margin for that row. ok is false when the estimator exposes no margin.
func AdditivityGap(est model.Classifier, b *Bundle) (gap float64, ok bool, err error) {
	var margin *mat.Dense
	switch m := est.(type) {
	case rawScorer:
		margin, err = m.RawScore(b.Data)
	case decisionFunction:
		margin, err = m.DecisionFunction(b.Data)
	default:
		return 0, false, nil
	}
	if err != nil {
		return 0, true, err
	}
	col := 0
	if _, k := margin.Dims(); k > PositiveClass {
		col = PositiveClass
	}
	gap, err = metrics.AdditivityGap(b.Values, b.Base, mat.Col(nil, col, margin))
	return gap, true, err
}

// SelectOutput reduces raw explainer output to a (rows, features) matrix and one baseline.
// Rank 2 is used as is with Expected[0]; rank 3 is sliced at the positive class with
// Expected[1]. Any other rank is an UnsupportedShapeError.
func SelectOutput(attr *model.Attribution) (*mat.Dense, float64, error) {
	switch attr.Rank() {
	case 2:
		rows, cols := attr.Shape[0], attr.Shape[1]
		if len(attr.Values) != rows*cols || len(attr.Expected) < 1 {
			return nil, 0, scierrors.NewUnsupportedShapeError(attr.Shape)
		}
		if rows == 0 || cols == 0 {
			return nil, 0, scierrors.NewUnsupportedShapeError(attr.Shape)
		}
		return mat.NewDense(rows, cols, append([]float64(nil), attr.Values...)), attr.Expected[0], nil

	case 3:
		rows, cols, outputs := attr.Shape[0], attr.Shape[1], attr.Shape[2]
		if outputs <= PositiveClass || len(attr.Expected) <= PositiveClass ||
			len(attr.Values) != rows*cols*outputs || rows == 0 || cols == 0 {
			return nil, 0, scierrors.NewUnsupportedShapeError(attr.Shape)
		}
		values := mat.NewDense(rows, cols, nil)
		for i := 0; i < rows; i++ {
			for j := 0; j < cols; j++ {
				values.Set(i, j, attr.At(i, j, PositiveClass))
			}
		}
		return values, attr.Expected[PositiveClass], nil

	default:
		return nil, 0, scierrors.NewUnsupportedShapeError(attr.Shape)
	}
}

func checkWidth(want int, t *preprocessing.Table) error {
	if got := len(t.Columns); got != want {
		return scierrors.NewInvalidRequestError("dataframe_split.columns",
			"model expects "+strconv.Itoa(want)+" columns, got "+strconv.Itoa(got))
	}
	if t.Rows() == 0 {
		return scierrors.NewInvalidRequestError("dataframe_split.data", "at least one row is required")
	}
	return nil
}
