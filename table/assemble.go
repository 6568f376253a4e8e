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

package table

import (
	"fmt"
	"strconv"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Field is the column descriptor of a paginated report.
type Field struct {
	Name     string `json:"name"`
	Label    string `json:"label"`
	DataType string `json:"dataType,omitempty"`
}

// ColumnNames derives column labels from fields, preferring the human-readable
// label over the raw name, and col_<index> when neither is present. A label
// repeated by an earlier column falls back to the next option.
func ColumnNames(fields []Field) []string {
	res := make([]string, len(fields))
	seen := make(map[string]struct{})
	for i, f := range fields {
		name := fmt.Sprintf("col_%d", i)
		for _, c := range []string{f.Label, f.Name} {
			if _, dup := seen[c]; c != "" && !dup {
				name = c
				break
			}
		}
		seen[name] = struct{}{}
		res[i] = name
	}
	return res
}

// FromRows assembles positional rows into a table. Without fields, columns
// are named by position ("0", "1", ...). Rows are padded with nil to the
// header width; cells beyond it get col_<index> columns.
func FromRows(rows []Row, fields []Field) *Table {
	var header []string
	if len(fields) == 0 {
		width := 0
		for _, r := range rows {
			if len(r) > width {
				width = len(r)
			}
		}
		header = make([]string, width)
		for i := range header {
			header[i] = strconv.Itoa(i)
		}
	} else {
		header = ColumnNames(fields)
	}
	t := NewTable(header...)
	t.Rows = make([]Row, 0, len(rows))
	for _, r := range rows {
		for len(t.Header) < len(r) {
			t.Header = append(t.Header, fmt.Sprintf("col_%d", len(t.Header)))
		}
		t.Rows = append(t.Rows, r)
	}
	for i, r := range t.Rows {
		if len(r) < len(t.Header) {
			nr := make(Row, len(t.Header))
			copy(nr, r)
			t.Rows[i] = nr
		}
	}
	return t
}

// FromRecords assembles flat records, such as product listings, into a table.
// Columns are the union of the record keys in sorted order.
func FromRecords(records []map[string]Value) *Table {
	keys := make(map[string]struct{})
	for _, r := range records {
		for k := range r {
			keys[k] = struct{}{}
		}
	}
	header := maps.Keys(keys)
	slices.Sort(header)
	t := NewTable(header...)
	t.Rows = make([]Row, len(records))
	for i, r := range records {
		row := make(Row, len(header))
		for j, h := range header {
			row[j] = r[h]
		}
		t.Rows[i] = row
	}
	return t
}
