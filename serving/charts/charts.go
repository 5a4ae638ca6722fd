// Package charts renders attribution bundles as PNG images encoded in base64: a global
// beeswarm, a global heatmap and a per-row waterfall.
package charts

import (
	"bytes"
	"encoding/base64"
	"image/color"
	"strconv"
	"strings"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette"
	"gonum.org/v1/plot/palette/moreland"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/explainable-platform/shapserve/metrics"
	scierrors "github.com/explainable-platform/shapserve/pkg/errors"
	"github.com/explainable-platform/shapserve/serving/engine"
)

// Default number of feature rows per chart.
const (
	BeeswarmMaxDisplay  = 15
	HeatmapMaxDisplay   = 15
	WaterfallMaxDisplay = 8
)

const (
	width      = 8 * vg.Inch
	rowHeight  = 0.4 * vg.Inch
	baseHeight = 1.6 * vg.Inch
)

var (
	// positive and negative contributions, matching the SHAP palette
	red  = color.RGBA{R: 0xff, G: 0x00, B: 0x51, A: 0xff}
	blue = color.RGBA{R: 0x00, G: 0x8b, B: 0xfb, A: 0xff}
	grey = color.RGBA{R: 0x99, G: 0x99, B: 0x99, A: 0xff}
)

// Label formats a column name for display.
func Label(name string) string {
	return strings.ReplaceAll(name, "_", " ")
}

// featureRow is one displayed row of a global chart: a single feature or the aggregate of
// the features below the display cut.
type featureRow struct {
	label string
	// column is the feature index, or -1 for the aggregate row.
	column int
	values []float64
}

// rankedRows orders features by mean |SHAP|, top first. When there are more features than
// maxDisplay the tail is folded into one "Sum of N other features" row.
func rankedRows(b *engine.Bundle, maxDisplay int) ([]featureRow, error) {
	importance, err := metrics.MeanAbs(b.Values)
	if err != nil {
		return nil, err
	}
	order := metrics.Rank(importance)
	n, _ := b.Values.Dims()

	shown, rest := fold(order, maxDisplay)

	rows := make([]featureRow, 0, len(shown)+1)
	for _, j := range shown {
		col := make([]float64, n)
		for i := range col {
			col[i] = b.Values.At(i, j)
		}
		rows = append(rows, featureRow{label: Label(b.Columns[j]), column: j, values: col})
	}
	if len(rest) > 0 {
		sum := make([]float64, n)
		for i := range sum {
			for _, j := range rest {
				sum[i] += b.Values.At(i, j)
			}
		}
		rows = append(rows, featureRow{
			label:  "Sum of " + strconv.Itoa(len(rest)) + " other features",
			column: -1,
			values: sum,
		})
	}
	return rows, nil
}

// fold splits a ranking into the features drawn on their own and the tail summed into one bar.
func fold(order []int, maxDisplay int) (shown, rest []int) {
	switch {
	case maxDisplay <= 0 || len(order) <= maxDisplay:
		return order, nil
	case maxDisplay == 1:
		return nil, order
	}
	shown = metrics.Top(order, maxDisplay-1)
	return shown, order[len(shown):]
}

// bottomUp reverses rows so the first one is drawn at the top of a nominal Y axis.
func bottomUp(rows []featureRow) ([]featureRow, []string) {
	out := make([]featureRow, len(rows))
	labels := make([]string, len(rows))
	for i, r := range rows {
		k := len(rows) - 1 - i
		out[k] = r
		labels[k] = r.label
	}
	return out, labels
}

// diverging returns a blue to red colour map over [min, max].
func diverging(min, max float64) palette.DivergingColorMap {
	cmap := moreland.SmoothBlueRed()
	cmap.SetMin(min)
	cmap.SetMax(max)
	return cmap
}

func zeroLine(ymin, ymax float64, c color.Color) (*plotter.Line, error) {
	l, err := plotter.NewLine(plotter.XYs{{X: 0, Y: ymin}, {X: 0, Y: ymax}})
	if err != nil {
		return nil, err
	}
	l.Color = c
	l.Width = vg.Points(0.75)
	return l, nil
}

func chartHeight(rows int) vg.Length {
	return baseHeight + rowHeight*vg.Length(rows)
}

// encode draws p as PNG and returns it base64 encoded.
func encode(p *plot.Plot, w, h vg.Length) (string, error) {
	wt, err := p.WriterTo(w, h, "png")
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if _, err := wt.WriteTo(&buf); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// render isolates one chart: panics and errors from the plotting library become an
// UpstreamError for that chart only.
func render(op string, b *engine.Bundle, draw func() (string, error)) (string, error) {
	if b == nil || b.Values == nil || b.Rows() == 0 {
		return "", scierrors.NewInvalidRequestError("dataframe_split.data", "nothing to plot")
	}
	var out string
	err := scierrors.SafeExecute("charts."+op, func() error {
		var err error
		out, err = draw()
		return err
	})
	if err != nil {
		var invalid *scierrors.InvalidRequestError
		if scierrors.As(err, &invalid) {
			return "", err
		}
		return "", scierrors.NewUpstreamError("render", op, 0, err)
	}
	return out, nil
}
