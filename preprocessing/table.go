// Package preprocessing turns request payloads into feature tables and projects them onto a
// model's input schema.
package preprocessing

import (
	"bytes"
	"encoding/json"
	"strconv"

	"gonum.org/v1/gonum/mat"

	scierrors "github.com/explainable-platform/shapserve/pkg/errors"
)

// RowID is a caller-supplied row identifier. It keeps the caller's JSON literal so a numeric
// index comes back as a number and a string index as a string.
type RowID struct {
	raw json.RawMessage
}

// PositionalID returns the identifier used when the request carries no index.
func PositionalID(i int) RowID {
	return RowID{raw: json.RawMessage(strconv.Itoa(i))}
}

// StringID returns a string identifier.
func StringID(s string) RowID {
	b, _ := json.Marshal(s)
	return RowID{raw: b}
}

// ParseRowID validates a JSON scalar used as a row identifier.
func ParseRowID(raw json.RawMessage) (RowID, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return RowID{}, scierrors.NewInvalidRequestError("index", "invalid row identifier")
	}
	b := buf.Bytes()
	if len(b) == 0 || b[0] == '{' || b[0] == '[' || bytes.Equal(b, []byte("null")) {
		return RowID{}, scierrors.NewInvalidRequestError("index", "row identifiers must be numbers or strings")
	}
	return RowID{raw: b}, nil
}

// MarshalJSON emits the original literal.
func (id RowID) MarshalJSON() ([]byte, error) {
	if len(id.raw) == 0 {
		return []byte("null"), nil
	}
	return id.raw, nil
}

// UnmarshalJSON accepts any JSON scalar except null.
func (id *RowID) UnmarshalJSON(b []byte) error {
	parsed, err := ParseRowID(b)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// String renders the identifier for labels: strings unquoted, numbers as written.
func (id RowID) String() string {
	var s string
	if len(id.raw) > 0 && id.raw[0] == '"' && json.Unmarshal(id.raw, &s) == nil {
		return s
	}
	return string(id.raw)
}

// Equal reports whether two identifiers have the same literal.
func (id RowID) Equal(other RowID) bool {
	return bytes.Equal(id.raw, other.raw)
}

// Table is a named-column numeric table. Values is nil when the table has no rows or no columns.
type Table struct {
	Columns []string
	Index   []RowID
	Values  *mat.Dense
}

// NewTable validates dimensions and builds a table. A nil index gets positional identifiers.
func NewTable(columns []string, index []RowID, values *mat.Dense) (*Table, error) {
	rows := len(index)
	if values != nil {
		r, c := values.Dims()
		if c != len(columns) {
			return nil, scierrors.NewDimensionError("preprocessing.NewTable", len(columns), c, 1)
		}
		if index == nil {
			rows = r
		} else if r != rows {
			return nil, scierrors.NewDimensionError("preprocessing.NewTable", rows, r, 0)
		}
	}
	if index == nil {
		index = make([]RowID, rows)
		for i := range index {
			index[i] = PositionalID(i)
		}
	}
	return &Table{Columns: columns, Index: index, Values: values}, nil
}

// Rows returns the number of rows.
func (t *Table) Rows() int {
	return len(t.Index)
}

// ColumnIndex returns the position of name, or -1.
func (t *Table) ColumnIndex(name string) int {
	for i, c := range t.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// At returns the value at row i of column j.
func (t *Table) At(i, j int) float64 {
	return t.Values.At(i, j)
}

// Column copies one column. It returns nil for an unknown name.
func (t *Table) Column(name string) []float64 {
	j := t.ColumnIndex(name)
	if j < 0 || t.Values == nil {
		return nil
	}
	return mat.Col(nil, j, t.Values)
}

// Matrix returns Values, or a zero-width placeholder for an empty table.
func (t *Table) Matrix() mat.Matrix {
	if t.Values == nil {
		return emptyMatrix{rows: t.Rows(), cols: len(t.Columns)}
	}
	return t.Values
}

// RowIndex returns the position of id, or -1.
func (t *Table) RowIndex(id RowID) int {
	for i, r := range t.Index {
		if r.Equal(id) {
			return i
		}
	}
	return -1
}

type emptyMatrix struct{ rows, cols int }

func (e emptyMatrix) Dims() (int, int)    { return e.rows, e.cols }
func (e emptyMatrix) At(i, j int) float64 { panic(mat.ErrIndexOutOfRange) }
func (e emptyMatrix) T() mat.Matrix       { return emptyMatrix{rows: e.cols, cols: e.rows} }
