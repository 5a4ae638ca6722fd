package preprocessing

import (
	"encoding/csv"
	"io"
	"math"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"

	scierrors "github.com/explainable-platform/shapserve/pkg/errors"
)

// ReadCSV reads a table with a header row. When idColumn names a header field its values
// become string row identifiers instead of a feature. Empty cells are NaN.
func ReadCSV(r io.Reader, idColumn string) (*Table, error) {
	records, err := csv.NewReader(r).ReadAll()
	if err != nil {
		return nil, scierrors.NewInvalidRequestError("csv", err.Error())
	}
	if len(records) < 2 {
		return nil, scierrors.NewInvalidRequestError("csv", "a header and at least one row are required")
	}

	header := records[0]
	id := -1
	columns := make([]string, 0, len(header))
	for j, name := range header {
		name = strings.TrimSpace(name)
		if idColumn != "" && name == idColumn {
			id = j
			continue
		}
		columns = append(columns, name)
	}
	if idColumn != "" && id < 0 {
		return nil, scierrors.NewInvalidRequestError("csv", "no column "+strconv.Quote(idColumn))
	}

	rows := records[1:]
	values := mat.NewDense(len(rows), len(columns), nil)
	var index []RowID
	if id >= 0 {
		index = make([]RowID, len(rows))
	}
	for i, rec := range rows {
		c := 0
		for j, cell := range rec {
			if j == id {
				index[i] = StringID(cell)
				continue
			}
			v, err := parseCSVCell(cell)
			if err != nil {
				return nil, scierrors.NewInvalidRequestError("csv",
					"line "+strconv.Itoa(i+2)+" column "+strconv.Quote(header[j])+": "+err.Error())
			}
			values.Set(i, c, v)
			c++
		}
	}
	return NewTable(columns, index, values)
}

func parseCSVCell(cell string) (float64, error) {
	cell = strings.TrimSpace(cell)
	if cell == "" {
		return math.NaN(), nil
	}
	v, err := strconv.ParseFloat(cell, 64)
	if err != nil {
		return 0, scierrors.Newf("non-numeric value %q", cell)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, scierrors.Newf("non-finite value %q", cell)
	}
	return v, nil
}
