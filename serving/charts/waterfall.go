package charts

import (
	"image/color"
	"math"
	"strconv"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/explainable-platform/shapserve/metrics"
	scierrors "github.com/explainable-platform/shapserve/pkg/errors"
	"github.com/explainable-platform/shapserve/serving/engine"
)

// WaterfallStep is one bar of a waterfall: the contribution of a feature (or of the folded
// remainder) moving the output from Start to End.
type WaterfallStep struct {
	Label string
	Value float64
	Start float64
	End   float64
}

// WaterfallSteps lays out row i from the base value to f(x), bottom bar first. The largest
// |SHAP| feature ends up on top; features past maxDisplay-1 are folded into the first bar.
func WaterfallSteps(b *engine.Bundle, i, maxDisplay int) ([]WaterfallStep, error) {
	if i < 0 || i >= b.Rows() {
		return nil, scierrors.NewDimensionError("charts.WaterfallSteps", b.Rows(), i, 0)
	}
	_, f := b.Values.Dims()
	row := make([]float64, f)
	for j := range row {
		row[j] = b.Values.At(i, j)
	}
	order := metrics.RankAbs(row)

	shown, rest := fold(order, maxDisplay)

	var steps []WaterfallStep
	pos := b.Base
	if len(rest) > 0 {
		sum := 0.0
		for _, j := range rest {
			sum += row[j]
		}
		steps = append(steps, WaterfallStep{
			Label: strconv.Itoa(len(rest)) + " other features",
			Value: sum, Start: pos, End: pos + sum,
		})
		pos += sum
	}
	for k := len(shown) - 1; k >= 0; k-- {
		j := shown[k]
		label := Label(b.Columns[j])
		if b.Data != nil {
			label = formatValue(b.Data.At(i, j)) + " = " + label
		}
		steps = append(steps, WaterfallStep{Label: label, Value: row[j], Start: pos, End: pos + row[j]})
		pos += row[j]
	}
	return steps, nil
}

// Waterfall plots how the features of row i move the output from the base value to f(x).
func Waterfall(b *engine.Bundle, i, maxDisplay int) (string, error) {
	return render("waterfall", b, func() (string, error) {
		steps, err := WaterfallSteps(b, i, maxDisplay)
		if err != nil {
			return "", err
		}
		fx := b.Base
		if len(steps) > 0 {
			fx = steps[len(steps)-1].End
		}

		p := plot.New()
		p.Title.Text = "f(x) = " + formatValue(fx) + "    E[f(X)] = " + formatValue(b.Base)
		p.X.Label.Text = "model output (raw score)"

		labels := make([]string, len(steps))
		var annotations plotter.XYLabels
		for y, s := range steps {
			labels[y] = s.Label
			bar, err := stepBar(s, float64(y))
			if err != nil {
				return "", err
			}
			p.Add(bar)

			sign := "+"
			if s.Value < 0 {
				sign = ""
			}
			annotations.XYs = append(annotations.XYs, plotter.XY{X: math.Max(s.Start, s.End), Y: float64(y)})
			annotations.Labels = append(annotations.Labels, " "+sign+formatValue(s.Value))
		}
		p.NominalY(labels...)

		top := float64(len(steps)) - 0.5
		for _, x := range []float64{b.Base, fx} {
			l, err := plotter.NewLine(plotter.XYs{{X: x, Y: -0.5}, {X: x, Y: top}})
			if err != nil {
				return "", err
			}
			l.Color = grey
			l.Dashes = []vg.Length{vg.Points(2), vg.Points(2)}
			p.Add(l)
		}
		text, err := plotter.NewLabels(annotations)
		if err != nil {
			return "", err
		}
		p.Add(text)
		p.Y.Min, p.Y.Max = -0.5, top

		return encode(p, width, chartHeight(len(steps)))
	})
}

func stepBar(s WaterfallStep, y float64) (*plotter.Polygon, error) {
	const half = 0.35
	lo, hi := math.Min(s.Start, s.End), math.Max(s.Start, s.End)
	poly, err := plotter.NewPolygon(plotter.XYs{
		{X: lo, Y: y - half}, {X: hi, Y: y - half}, {X: hi, Y: y + half}, {X: lo, Y: y + half},
	})
	if err != nil {
		return nil, err
	}
	var c color.Color = red
	if s.Value < 0 {
		c = blue
	}
	poly.Color = c
	poly.LineStyle.Width = 0
	return poly, nil
}

func formatValue(v float64) string {
	if math.IsNaN(v) {
		return "nan"
	}
	return strconv.FormatFloat(v, 'g', 4, 64)
}
