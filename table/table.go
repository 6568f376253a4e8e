// Copyright 2022 Stock Parfait

// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at

//     http://www.apache.org/licenses/LICENSE-2.0

// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package table implements the tabular result returned by every data fetch:
// named columns over rows of loosely typed cells, as they arrive from JSON
// pages or CSV archives.
package table

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/stockparfait/errors"
	"golang.org/x/exp/slices"
)

// Value is an arbitrary value of a table cell: nil, bool, float64, string or
// time.Time.
type Value = any

// Row is a positional list of cells aligned with the table's Header.
type Row []Value

// FormatValue renders a cell for CSV and text output.
func FormatValue(v Value) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case time.Time:
		return x.Format(time.RFC3339)
	}
	return fmt.Sprintf("%v", v)
}

// CSV is an encoding/csv compatible row representation.
func (r Row) CSV() []string {
	res := make([]string, len(r))
	for i, v := range r {
		res[i] = FormatValue(v)
	}
	return res
}

// Table container. An empty table with a Header is a valid result distinct
// from an error: callers select and join on column presence, not only on row
// count.
type Table struct {
	Header []string
	Rows   []Row
}

// NewTable creates a new Table instance with column headers.
func NewTable(header ...string) *Table {
	return &Table{Header: header}
}

// AddRow adds one or more rows to the table.
func (t *Table) AddRow(rows ...Row) {
	t.Rows = append(t.Rows, rows...)
}

// Len is the number of rows.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Rows)
}

// Empty tests whether the table has no rows.
func (t *Table) Empty() bool { return t.Len() == 0 }

// ColumnIndex returns the position of the named column, or -1.
func (t *Table) ColumnIndex(name string) int {
	if t == nil {
		return -1
	}
	return slices.Index(t.Header, name)
}

// HasColumn tests for the presence of the named column.
func (t *Table) HasColumn(name string) bool { return t.ColumnIndex(name) >= 0 }

// FirstColumn returns the first of the candidate names present in the table,
// or "" if none is.
func (t *Table) FirstColumn(candidates ...string) string {
	for _, c := range candidates {
		if t.HasColumn(c) {
			return c
		}
	}
	return ""
}

// Column returns the cells of the named column, or nil if it doesn't exist.
func (t *Table) Column(name string) []Value {
	i := t.ColumnIndex(name)
	if i < 0 {
		return nil
	}
	res := make([]Value, len(t.Rows))
	for j, r := range t.Rows {
		res[j] = cell(r, i)
	}
	return res
}

// Get returns the cell of row r in the named column, or nil.
func (t *Table) Get(r int, name string) Value {
	return cell(t.Rows[r], t.ColumnIndex(name))
}

func cell(r Row, i int) Value {
	if i < 0 || i >= len(r) {
		return nil
	}
	return r[i]
}

// Copy creates a copy of the table with its own header and row slices. Cell
// values are shared.
func (t *Table) Copy() *Table {
	res := &Table{Header: slices.Clone(t.Header), Rows: make([]Row, len(t.Rows))}
	for i, r := range t.Rows {
		res.Rows[i] = slices.Clone(r)
	}
	return res
}

// Filter returns a new table with the rows for which keep returns true.
func (t *Table) Filter(keep func(r Row) bool) *Table {
	res := NewTable(slices.Clone(t.Header)...)
	res.Rows = []Row{}
	for _, r := range t.Rows {
		if keep(r) {
			res.Rows = append(res.Rows, r)
		}
	}
	return res
}

// Rename renames columns in place according to the map old -> new. Renaming
// onto an existing column name drops the column being renamed, so that the
// header remains unique.
func (t *Table) Rename(names map[string]string) {
	var drop []string
	for i, h := range t.Header {
		n, ok := names[h]
		if !ok || n == h {
			continue
		}
		if t.HasColumn(n) {
			drop = append(drop, h)
			continue
		}
		t.Header[i] = n
	}
	t.Drop(drop...)
}

// Drop removes the named columns in place. Unknown names are ignored.
func (t *Table) Drop(names ...string) {
	var keep []int
	for i, h := range t.Header {
		if !slices.Contains(names, h) {
			keep = append(keep, i)
		}
	}
	if len(keep) == len(t.Header) {
		return
	}
	t.project(keep)
}

// Reorder moves the named columns, when present, to the front in the given
// order. Other columns keep their relative order.
func (t *Table) Reorder(first ...string) {
	var order []int
	for _, n := range first {
		if i := t.ColumnIndex(n); i >= 0 && !slices.Contains(order, i) {
			order = append(order, i)
		}
	}
	for i := range t.Header {
		if !slices.Contains(order, i) {
			order = append(order, i)
		}
	}
	t.project(order)
}

func (t *Table) project(cols []int) {
	header := make([]string, len(cols))
	for j, i := range cols {
		header[j] = t.Header[i]
	}
	for k, r := range t.Rows {
		nr := make(Row, len(cols))
		for j, i := range cols {
			nr[j] = cell(r, i)
		}
		t.Rows[k] = nr
	}
	t.Header = header
}

// SetColumn sets the named column to values, adding the column at the end if
// it doesn't exist. len(values) must equal the number of rows.
func (t *Table) SetColumn(name string, values []Value) error {
	if len(values) != len(t.Rows) {
		return errors.Reason("column %s has %d values for %d rows",
			name, len(values), len(t.Rows))
	}
	i := t.ColumnIndex(name)
	if i < 0 {
		t.Header = append(t.Header, name)
		i = len(t.Header) - 1
	}
	for k, r := range t.Rows {
		for len(r) <= i {
			r = append(r, nil)
		}
		r[i] = values[k]
		t.Rows[k] = r
	}
	return nil
}

// AddColumn sets the named column to the same value in every row.
func (t *Table) AddColumn(name string, v Value) {
	values := make([]Value, len(t.Rows))
	for i := range values {
		values[i] = v
	}
	// Cannot fail: the number of values matches by construction.
	_ = t.SetColumn(name, values)
}

// Concat stacks tables vertically. The result's header is the union of the
// input headers in the order of first appearance; missing cells are nil. Nil
// tables are skipped.
func Concat(tables ...*Table) *Table {
	res := NewTable()
	res.Rows = []Row{}
	for _, t := range tables {
		if t == nil {
			continue
		}
		for _, h := range t.Header {
			if !res.HasColumn(h) {
				res.Header = append(res.Header, h)
			}
		}
	}
	for _, t := range tables {
		if t == nil {
			continue
		}
		idx := make([]int, len(res.Header))
		for j, h := range res.Header {
			idx[j] = t.ColumnIndex(h)
		}
		for _, r := range t.Rows {
			nr := make(Row, len(res.Header))
			for j, i := range idx {
				nr[j] = cell(r, i)
			}
			res.Rows = append(res.Rows, nr)
		}
	}
	return res
}

// Params are parameters for pretty-printing or CSV export of Table data.
type Params struct {
	Rows        int  // max. number of rows to write; 0 = unlimited (default)
	NoHeader    bool // whether to print the header, default - yes
	MaxColWidth int  // for WriteText only; 0 = unlimited, otherwise must be >= 4
}

// WriteCSV writes the entire table to w in CSV format.
func (t *Table) WriteCSV(w io.Writer, p Params) error {
	cw := csv.NewWriter(w)
	if !p.NoHeader && len(t.Header) > 0 {
		if err := cw.Write(t.Header); err != nil {
			return errors.Annotate(err, "failed to write header")
		}
	}
	for i, r := range t.Rows {
		if p.Rows > 0 && i >= p.Rows {
			break
		}
		if err := cw.Write(r.CSV()); err != nil {
			return errors.Annotate(err, "failed to write row")
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return errors.Annotate(err, "failed to flush written rows")
	}
	return nil
}

// WriteText writes the table as a text formatted for ease of reading.
func (t *Table) WriteText(w io.Writer, p Params) error {
	if p.MaxColWidth != 0 && p.MaxColWidth < 4 {
		return errors.Reason("MaxColWidth [%d] must be 0 or >= 4", p.MaxColWidth)
	}
	widths := make([]int, len(t.Header))
	update := func(row []string) {
		for len(widths) < len(row) {
			widths = append(widths, 0)
		}
		for i, s := range row {
			if n := len([]rune(s)); widths[i] < n {
				widths[i] = n
				if p.MaxColWidth > 0 && widths[i] > p.MaxColWidth {
					widths[i] = p.MaxColWidth
				}
			}
		}
	}

	write := func(row []string) error {
		trimmed := make([]string, len(widths))
		for i := range widths {
			s := ""
			if i < len(row) {
				s = row[i]
			}
			if r := []rune(s); len(r) > widths[i] {
				s = string(r[:widths[i]-2]) + ".."
			}
			trimmed[i] = fmt.Sprintf("%[2]*[1]s", s, widths[i])
		}
		_, err := fmt.Fprintf(w, "%s\n", strings.Join(trimmed, " | "))
		return err
	}

	if !p.NoHeader {
		update(t.Header)
	}
	for i, r := range t.Rows {
		if p.Rows > 0 && i >= p.Rows {
			break
		}
		update(r.CSV())
	}

	if !p.NoHeader && len(t.Header) > 0 {
		if err := write(t.Header); err != nil {
			return errors.Annotate(err, "failed to write header")
		}
		dashes := make([]string, len(widths))
		for i, n := range widths {
			dashes[i] = strings.Repeat("-", n)
		}
		if err := write(dashes); err != nil {
			return errors.Annotate(err, "failed to write header separator")
		}
	}
	for i, r := range t.Rows {
		if p.Rows > 0 && i >= p.Rows {
			break
		}
		if err := write(r.CSV()); err != nil {
			return errors.Annotate(err, "failed to write row")
		}
	}
	return nil
}
