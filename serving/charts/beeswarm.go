package charts

import (
	"image/color"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"github.com/explainable-platform/shapserve/preprocessing"
	"github.com/explainable-platform/shapserve/serving/engine"
)

const (
	swarmBins     = 100
	swarmStep     = 0.06
	swarmMaxWidth = 0.4
)

// Beeswarm plots one dot per row and feature at its SHAP value, coloured by the row's
// feature value from low (blue) to high (red).
func Beeswarm(b *engine.Bundle, maxDisplay int) (string, error) {
	return render("beeswarm", b, func() (string, error) {
		ranked, err := rankedRows(b, maxDisplay)
		if err != nil {
			return "", err
		}
		rows, labels := bottomUp(ranked)

		scaled, err := scaleData(b.Data)
		if err != nil {
			return "", err
		}
		cmap := diverging(0, 1)

		var xys plotter.XYs
		var colours []color.Color
		lo, hi := valueRange(rows)
		for y, r := range rows {
			offsets := swarmOffsets(r.values, lo, hi)
			for i, v := range r.values {
				xys = append(xys, plotter.XY{X: v, Y: float64(y) + offsets[i]})
				c := color.Color(grey)
				if r.column >= 0 && scaled != nil {
					if s := scaled.At(i, r.column); !math.IsNaN(s) {
						if mc, err := cmap.At(s); err == nil {
							c = mc
						}
					}
				}
				colours = append(colours, c)
			}
		}

		p := plot.New()
		p.X.Label.Text = "SHAP value (impact on model output)"
		p.NominalY(labels...)

		zero, err := zeroLine(-0.5, float64(len(rows))-0.5, grey)
		if err != nil {
			return "", err
		}
		sc, err := plotter.NewScatter(xys)
		if err != nil {
			return "", err
		}
		sc.GlyphStyleFunc = func(i int) draw.GlyphStyle {
			return draw.GlyphStyle{Color: colours[i], Radius: vg.Points(2.5), Shape: draw.CircleGlyph{}}
		}
		p.Add(zero, sc)
		p.Y.Min, p.Y.Max = -0.5, float64(len(rows))-0.5

		return encode(p, width, chartHeight(len(rows)))
	})
}

// scaleData maps feature values to [0, 1] between their 5th and 95th percentiles.
func scaleData(data *mat.Dense) (*mat.Dense, error) {
	if data == nil {
		return nil, nil
	}
	return preprocessing.NewPercentileScaler(0.05, 0.95).FitTransform(data)
}

func valueRange(rows []featureRow) (float64, float64) {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, r := range rows {
		lo = math.Min(lo, floats.Min(r.values))
		hi = math.Max(hi, floats.Max(r.values))
	}
	return lo, hi
}

// swarmOffsets spreads points that fall in the same value bin alternately above and below
// the row centre.
func swarmOffsets(values []float64, lo, hi float64) []float64 {
	offsets := make([]float64, len(values))
	span := hi - lo
	if span <= 0 {
		span = 1
	}
	order := make([]int, len(values))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return values[order[a]] < values[order[b]] })

	counts := make(map[int]int)
	for _, i := range order {
		bin := int((values[i] - lo) / span * swarmBins)
		k := counts[bin]
		counts[bin]++
		off := math.Min(swarmStep*float64((k+1)/2), swarmMaxWidth)
		if k%2 == 1 {
			off = -off
		}
		offsets[i] = off
	}
	return offsets
}
