package forms

import (
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"surveysync/internal/portal"
)

// Table is a downloaded layer or related table with every cell rendered in
// the delimited-file convention: semicolon field separator, comma decimal
// separator, no row index column.
type Table struct {
	Columns []string
	Rows    [][]string
}

// FromFeatureSet renders a query result into a Table, formatting each cell
// according to its field type.
func FromFeatureSet(set *portal.FeatureSet) *Table {
	columns := make([]string, len(set.Fields))
	for i, f := range set.Fields {
		columns[i] = f.Name
	}

	rows := make([][]string, 0, len(set.Features))
	for _, feature := range set.Features {
		row := make([]string, len(set.Fields))
		for i, f := range set.Fields {
			row[i] = FormatValue(feature.Attributes[f.Name])
		}
		rows = append(rows, row)
	}
	return &Table{Columns: columns, Rows: rows}
}

// FormatValue renders an attribute value as a cell. Numbers use a comma as
// the decimal separator.
func FormatValue(v any) string {
	switch n := v.(type) {
	case nil:
		return ""
	case float64:
		if math.Trunc(n) == n && math.Abs(n) < 1e15 {
			return strconv.FormatInt(int64(n), 10)
		}
		return strings.Replace(strconv.FormatFloat(n, 'f', -1, 64), ".", ",", 1)
	case int64:
		return strconv.FormatInt(n, 10)
	case bool:
		return strconv.FormatBool(n)
	case string:
		return n
	default:
		return fmt.Sprint(n)
	}
}

// ParseNumber reads a comma-decimal cell back into a float.
func ParseNumber(cell string) (float64, error) {
	return strconv.ParseFloat(strings.Replace(cell, ",", ".", 1), 64)
}

// WriteCSV writes the table to path with a semicolon separator, overwriting
// silently. The header row holds the column names; there is no index column.
func (t *Table) WriteCSV(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create csv: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	w.Comma = ';'
	if err := w.Write(t.Columns); err != nil {
		return err
	}
	for _, row := range t.Rows {
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	return f.Close()
}

// ReadCSV loads a semicolon-separated file written by WriteCSV.
func ReadCSV(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open csv: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.Comma = ';'
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read csv: %w", err)
	}
	if len(records) == 0 {
		return &Table{}, nil
	}
	return &Table{Columns: records[0], Rows: records[1:]}, nil
}
