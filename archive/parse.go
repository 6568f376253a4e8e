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

package archive

import (
	"archive/zip"
	"bytes"
	"encoding/csv"
	"io"
	"path"
	"strconv"
	"strings"

	"github.com/stockparfait/ercot/table"
	"github.com/stockparfait/errors"
)

// isZip checks for the local file header signature, or the end of central
// directory signature that starts an empty archive.
func isZip(data []byte) bool {
	if len(data) < 4 {
		return false
	}
	sig := data[:4]
	return bytes.Equal(sig, []byte("PK\x03\x04")) || bytes.Equal(sig, []byte("PK\x05\x06"))
}

// inferValue converts a CSV cell: empty is nil, numbers are float64, anything
// else stays a string.
func inferValue(s string) table.Value {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

// ParseCSV reads a CSV stream with a header line into a table.
func ParseCSV(r io.Reader) (*table.Table, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = false
	header, err := cr.Read()
	if err == io.EOF {
		return nil, errors.Reason("empty CSV")
	}
	if err != nil {
		return nil, errors.Annotate(err, "failed to read CSV header")
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}
	t := table.NewTable(header...)
	t.Rows = []table.Row{}
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Annotate(err, "failed to read CSV line %d", line)
		}
		row := make(table.Row, len(header))
		for i := 0; i < len(header) && i < len(rec); i++ {
			row[i] = inferValue(rec[i])
		}
		t.AddRow(row)
	}
	return t, nil
}

// ParseDocument parses an archive document: a CSV file or a zip of CSV files,
// possibly nested. The result maps each extracted file name to its table. A
// plain CSV is keyed by name.
func ParseDocument(data []byte, name string) (map[string]*table.Table, error) {
	res := make(map[string]*table.Table)
	if err := parseInto(res, data, name); err != nil {
		return nil, err
	}
	if len(res) == 0 {
		return nil, errors.Reason("document '%s' contains no files", name)
	}
	return res, nil
}

func parseInto(res map[string]*table.Table, data []byte, name string) error {
	if !isZip(data) {
		t, err := ParseCSV(bytes.NewReader(data))
		if err != nil {
			return errors.Annotate(err, "failed to parse '%s'", name)
		}
		res[name] = t
		return nil
	}
	z, err := zipReader(data)
	if err != nil {
		return errors.Annotate(err, "failed to parse '%s'", name)
	}
	for _, f := range z.File {
		if f.FileInfo().IsDir() {
			continue
		}
		inner, err := readZipFile(f)
		if err != nil {
			return err
		}
		if err := parseInto(res, inner, path.Base(f.Name)); err != nil {
			return err
		}
	}
	return nil
}

func zipReader(data []byte) (*zip.Reader, error) {
	z, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, errors.Annotate(err, "failed to read zip archive")
	}
	return z, nil
}

func readZipFile(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, errors.Annotate(err, "failed to open file in archive '%s'", f.Name)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, errors.Annotate(err, "failed to extract '%s'", f.Name)
	}
	return data, nil
}
