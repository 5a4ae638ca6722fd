package preprocessing

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/explainable-platform/shapserve/core/model"
	"github.com/explainable-platform/shapserve/pkg/errors"
)

// MinMaxScaler maps each column onto [0, 1]. NaN cells are ignored when fitting and stay NaN
// after Transform. With percentile clipping the bounds are the given quantiles instead of the
// extremes, which keeps one outlier from washing out a colour scale.
type MinMaxScaler struct {
	state *model.StateManager

	// DataMin and DataMax are the fitted bounds per column.
	DataMin []float64
	DataMax []float64

	lowerQ, upperQ float64
}

// NewMinMaxScaler creates a scaler using the column extremes.
//
// Example:
//
//	scaler := preprocessing.NewMinMaxScaler()
//	err := scaler.Fit(X)
//	XScaled, err := scaler.Transform(X)
func NewMinMaxScaler() *MinMaxScaler {
	return &MinMaxScaler{state: model.NewStateManager(), lowerQ: 0, upperQ: 1}
}

// NewPercentileScaler creates a scaler whose bounds are the lower and upper quantiles, e.g. 0.05 and 0.95.
func NewPercentileScaler(lower, upper float64) *MinMaxScaler {
	s := NewMinMaxScaler()
	s.lowerQ, s.upperQ = lower, upper
	return s
}

// Fit computes per-column bounds over the finite values of X.
func (s *MinMaxScaler) Fit(X mat.Matrix) error {
	r, c := X.Dims()
	if r == 0 || c == 0 {
		return errors.NewModelError("MinMaxScaler.Fit", "empty data", errors.ErrEmptyData)
	}

	s.DataMin = make([]float64, c)
	s.DataMax = make([]float64, c)
	col := make([]float64, 0, r)
	for j := 0; j < c; j++ {
		col = col[:0]
		for i := 0; i < r; i++ {
			if v := X.At(i, j); !math.IsNaN(v) && !math.IsInf(v, 0) {
				col = append(col, v)
			}
		}
		if len(col) == 0 {
			s.DataMin[j], s.DataMax[j] = 0, 0
			continue
		}
		sort.Float64s(col)
		s.DataMin[j] = stat.Quantile(s.lowerQ, stat.LinInterp, col, nil)
		s.DataMax[j] = stat.Quantile(s.upperQ, stat.LinInterp, col, nil)
		// percentile bounds can collapse on skewed columns
		if s.DataMin[j] == s.DataMax[j] {
			s.DataMin[j], s.DataMax[j] = col[0], col[len(col)-1]
		}
	}

	s.state.SetLoaded(c)
	return nil
}

// Transform scales X into [0, 1], clipping values outside the fitted bounds.
// Constant columns map to 0.5.
func (s *MinMaxScaler) Transform(X mat.Matrix) (*mat.Dense, error) {
	if err := s.state.RequireLoaded("MinMaxScaler.Transform", "scaler"); err != nil {
		return nil, err
	}
	r, c := X.Dims()
	if want := s.state.NFeatures(); c != want {
		return nil, errors.NewDimensionError("MinMaxScaler.Transform", want, c, 1)
	}

	result := mat.NewDense(r, c, nil)
	for j := 0; j < c; j++ {
		span := s.DataMax[j] - s.DataMin[j]
		for i := 0; i < r; i++ {
			v := X.At(i, j)
			switch {
			case math.IsNaN(v):
				result.Set(i, j, math.NaN())
			case span < 1e-12:
				result.Set(i, j, 0.5)
			default:
				scaled := (v - s.DataMin[j]) / span
				result.Set(i, j, math.Max(0, math.Min(1, scaled)))
			}
		}
	}
	return result, nil
}

// FitTransform fits on X and scales it.
func (s *MinMaxScaler) FitTransform(X mat.Matrix) (*mat.Dense, error) {
	if err := s.Fit(X); err != nil {
		return nil, err
	}
	return s.Transform(X)
}
