package charts

import (
	"math"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"

	"github.com/explainable-platform/shapserve/metrics"
	"github.com/explainable-platform/shapserve/serving/engine"
)

// shapGrid is a plotter.GridXYZ with instances along X and feature rows along Y. Its range
// is symmetric around zero so the diverging palette is centred.
type shapGrid struct {
	rows  []featureRow
	order []int
	bound float64
}

func (g shapGrid) Dims() (c, r int)   { return len(g.order), len(g.rows) }
func (g shapGrid) Z(c, r int) float64 { return g.rows[r].values[g.order[c]] }
func (g shapGrid) X(c int) float64    { return float64(c) }
func (g shapGrid) Y(r int) float64    { return float64(r) }
func (g shapGrid) Min() float64       { return -g.bound }
func (g shapGrid) Max() float64       { return g.bound }

// Heatmap plots every row's attributions as one column, instances ordered by their
// attribution sum and features by mean |SHAP|.
func Heatmap(b *engine.Bundle, maxDisplay int) (string, error) {
	return render("heatmap", b, func() (string, error) {
		ranked, err := rankedRows(b, maxDisplay)
		if err != nil {
			return "", err
		}
		rows, labels := bottomUp(ranked)

		// ascending by sum
		desc := metrics.Rank(metrics.RowSums(b.Values))
		order := make([]int, len(desc))
		for i, j := range desc {
			order[len(desc)-1-i] = j
		}

		bound := 0.0
		for _, r := range rows {
			for _, v := range r.values {
				bound = math.Max(bound, math.Abs(v))
			}
		}
		if bound == 0 {
			bound = 1
		}
		grid := shapGrid{rows: rows, order: order, bound: bound}

		hm := plotter.NewHeatMap(grid, diverging(-bound, bound).Palette(255))

		p := plot.New()
		p.X.Label.Text = "Instances"
		p.NominalY(labels...)
		p.Add(hm)
		p.X.Padding = 0
		p.Y.Padding = 0

		return encode(p, width, chartHeight(len(rows)))
	})
}
