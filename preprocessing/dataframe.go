package preprocessing

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"

	scierrors "github.com/explainable-platform/shapserve/pkg/errors"
)

// DataFrameSplit is the pandas "split" orientation: {columns, data, index?}.
type DataFrameSplit struct {
	Columns []string            `json:"columns"`
	Data    [][]json.RawMessage `json:"data"`
	Index   []json.RawMessage   `json:"index,omitempty"`
}

// Request is the body accepted by predict and explain operations.
type Request struct {
	DataFrameSplit *DataFrameSplit `json:"dataframe_split"`
}

// DecodeRequest parses a request body into a Table.
func DecodeRequest(body []byte) (*Table, error) {
	var req Request
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(&req); err != nil {
		return nil, scierrors.NewInvalidRequestError("body", "malformed JSON: "+err.Error())
	}
	if req.DataFrameSplit == nil {
		return nil, scierrors.NewInvalidRequestError("dataframe_split", "field is required")
	}
	return req.DataFrameSplit.Table()
}

// Table converts the split payload. Cells may be numbers, null (NaN), booleans (0/1) or
// numeric strings; anything else is rejected.
func (df *DataFrameSplit) Table() (*Table, error) {
	if df.Columns == nil {
		return nil, scierrors.NewInvalidRequestError("dataframe_split.columns", "field is required")
	}
	if df.Data == nil {
		return nil, scierrors.NewInvalidRequestError("dataframe_split.data", "field is required")
	}
	if len(df.Data) == 0 {
		return nil, scierrors.NewInvalidRequestError("dataframe_split.data", "at least one row is required")
	}

	seen := make(map[string]struct{}, len(df.Columns))
	for _, c := range df.Columns {
		if _, dup := seen[c]; dup {
			return nil, scierrors.NewInvalidRequestError("dataframe_split.columns", "duplicate column "+strconv.Quote(c))
		}
		seen[c] = struct{}{}
	}

	rows, cols := len(df.Data), len(df.Columns)
	var values *mat.Dense
	if cols > 0 {
		values = mat.NewDense(rows, cols, nil)
	}
	converted := make([]int, cols)
	for i, row := range df.Data {
		if len(row) != cols {
			return nil, scierrors.NewInvalidRequestError("dataframe_split.data",
				"row "+strconv.Itoa(i)+" has "+strconv.Itoa(len(row))+" values, expected "+strconv.Itoa(cols))
		}
		for j, cell := range row {
			v, boolean, err := parseCell(cell)
			if err != nil {
				return nil, scierrors.NewInvalidRequestError("dataframe_split.data",
					"row "+strconv.Itoa(i)+" column "+strconv.Quote(df.Columns[j])+": "+err.Error())
			}
			if boolean {
				converted[j]++
			}
			values.Set(i, j, v)
		}
	}
	for j, n := range converted {
		if n > 0 {
			scierrors.Warn(scierrors.NewDataConversionWarning("bool", "float64",
				"column "+strconv.Quote(df.Columns[j])+": "+strconv.Itoa(n)+" booleans converted to 0/1"))
		}
	}

	var index []RowID
	if df.Index != nil {
		if len(df.Index) != rows {
			return nil, scierrors.NewInvalidRequestError("dataframe_split.index",
				"has "+strconv.Itoa(len(df.Index))+" entries for "+strconv.Itoa(rows)+" rows")
		}
		index = make([]RowID, rows)
		for i, raw := range df.Index {
			id, err := ParseRowID(raw)
			if err != nil {
				return nil, err
			}
			index[i] = id
		}
	} else {
		index = make([]RowID, rows)
		for i := range index {
			index[i] = PositionalID(i)
		}
	}

	return &Table{Columns: append([]string(nil), df.Columns...), Index: index, Values: values}, nil
}

// parseCell reports whether the cell was a boolean so callers can warn once per column.
func parseCell(raw json.RawMessage) (float64, bool, error) {
	s := strings.TrimSpace(string(raw))
	switch {
	case s == "null":
		return math.NaN(), false, nil
	case s == "true":
		return 1, true, nil
	case s == "false":
		return 0, true, nil
	case strings.HasPrefix(s, `"`):
		var str string
		if err := json.Unmarshal(raw, &str); err != nil {
			return 0, false, err
		}
		str = strings.TrimSpace(str)
		if str == "" {
			return math.NaN(), false, nil
		}
		v, err := strconv.ParseFloat(str, 64)
		if err != nil {
			return 0, false, scierrors.Newf("non-numeric value %q", str)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, false, scierrors.Newf("non-finite value %q", str)
		}
		return v, false, nil
	case strings.HasPrefix(s, "{"), strings.HasPrefix(s, "["):
		return 0, false, scierrors.New("nested values are not supported")
	default:
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false, scierrors.Newf("invalid number %s", s)
		}
		return v, false, nil
	}
}

// Encode renders a table back into split orientation. NaN becomes null.
func (t *Table) Encode() *DataFrameSplit {
	df := &DataFrameSplit{
		Columns: append([]string(nil), t.Columns...),
		Data:    make([][]json.RawMessage, t.Rows()),
		Index:   make([]json.RawMessage, t.Rows()),
	}
	for i := range df.Data {
		id, _ := t.Index[i].MarshalJSON()
		df.Index[i] = id
		df.Data[i] = make([]json.RawMessage, len(t.Columns))
		for j := range t.Columns {
			v := t.At(i, j)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				df.Data[i][j] = json.RawMessage("null")
				continue
			}
			df.Data[i][j] = json.RawMessage(strconv.FormatFloat(v, 'g', -1, 64))
		}
	}
	return df
}
