package preprocessing

import (
	"gonum.org/v1/gonum/mat"
)

// Report lists what reconciliation changed.
type Report struct {
	// Dropped are input columns absent from the schema, in input order.
	Dropped []string `json:"dropped,omitempty"`
	// Imputed are schema columns absent from the input, in schema order.
	Imputed []string `json:"imputed,omitempty"`
}

// Empty reports whether the input already matched the schema's column set.
func (r Report) Empty() bool {
	return len(r.Dropped) == 0 && len(r.Imputed) == 0
}

// Reconcile projects t onto expected: columns not in expected are dropped, expected columns
// missing from t are filled with defaultValue, and the result is ordered exactly as expected.
// A nil expected returns t unchanged. The row index is preserved. Reconcile never fails.
func Reconcile(t *Table, expected []string, defaultValue float64) (*Table, Report) {
	var report Report
	if expected == nil {
		return t, report
	}

	wanted := make(map[string]struct{}, len(expected))
	for _, c := range expected {
		wanted[c] = struct{}{}
	}
	for _, c := range t.Columns {
		if _, ok := wanted[c]; !ok {
			report.Dropped = append(report.Dropped, c)
		}
	}

	rows := t.Rows()
	for _, c := range expected {
		if t.ColumnIndex(c) < 0 {
			report.Imputed = append(report.Imputed, c)
		}
	}

	var values *mat.Dense
	if rows > 0 && len(expected) > 0 {
		values = mat.NewDense(rows, len(expected), nil)
		fill := make([]float64, rows)
		for i := range fill {
			fill[i] = defaultValue
		}
		for j, c := range expected {
			if col := t.Column(c); col != nil {
				values.SetCol(j, col)
			} else {
				values.SetCol(j, fill)
			}
		}
	}

	columns := make([]string, len(expected))
	copy(columns, expected)
	return &Table{
		Columns: columns,
		Index:   append([]RowID(nil), t.Index...),
		Values:  values,
	}, report
}
