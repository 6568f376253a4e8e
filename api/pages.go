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

package api

import (
	"context"
	"encoding/json"
	"net/url"
	"sort"
	"strconv"

	"github.com/stockparfait/ercot/table"
	"github.com/stockparfait/errors"
	"github.com/stockparfait/iterator"
	"github.com/stockparfait/logging"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Meta is the paging metadata of a report page.
type Meta struct {
	TotalRecords int `json:"totalRecords"`
	PageSize     int `json:"pageSize"`
	TotalPages   int `json:"totalPages"`
	CurrentPage  int `json:"currentPage"`
}

// Page is a single page of a report endpoint response.
type Page struct {
	Meta   Meta            `json:"_meta"`
	Fields []table.Field   `json:"fields"`
	Data   json.RawMessage `json:"data"`
}

// Rows normalizes the page data into positional rows aligned with fields. The
// data may be a list of arrays, a list of objects keyed by field name, or an
// object {"records": [...]} holding either. When fields is empty and the rows
// are objects, the fields are derived from the sorted union of their keys.
// The fields the rows are aligned with are returned.
func (p *Page) Rows(fields []table.Field) ([]table.Row, []table.Field, error) {
	if len(p.Data) == 0 || string(p.Data) == "null" {
		return []table.Row{}, fields, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(p.Data, &items); err != nil {
		var wrapped struct {
			Records []json.RawMessage `json:"records"`
		}
		if err2 := json.Unmarshal(p.Data, &wrapped); err2 != nil {
			return nil, nil, errors.Annotate(err, "unsupported page data format")
		}
		items = wrapped.Records
	}
	rows := make([]table.Row, 0, len(items))
	var dicts []map[string]table.Value
	for i, item := range items {
		var arr []table.Value
		if err := json.Unmarshal(item, &arr); err == nil {
			rows = append(rows, table.Row(arr))
			continue
		}
		var m map[string]table.Value
		if err := json.Unmarshal(item, &m); err != nil {
			return nil, nil, errors.Annotate(err, "row %d is neither a list nor an object", i)
		}
		dicts = append(dicts, m)
	}
	if len(dicts) == 0 {
		return rows, fields, nil
	}
	if len(fields) == 0 {
		keys := map[string]struct{}{}
		for _, m := range dicts {
			for k := range m {
				keys[k] = struct{}{}
			}
		}
		names := maps.Keys(keys)
		slices.Sort(names)
		for _, n := range names {
			fields = append(fields, table.Field{Name: n})
		}
	}
	for _, m := range dicts {
		row := make(table.Row, len(fields))
		for j, f := range fields {
			if v, ok := m[f.Name]; ok {
				row[j] = v
			} else {
				row[j] = m[f.Label]
			}
		}
		rows = append(rows, row)
	}
	return rows, fields, nil
}

// pageQuery copies params and sets the page number and size.
func (c *Client) pageQuery(params url.Values, page int) url.Values {
	q := url.Values{}
	for k, v := range params {
		q[k] = append([]string(nil), v...)
	}
	q.Set("page", strconv.Itoa(page))
	if q.Get("size") == "" {
		q.Set("size", strconv.Itoa(c.cfg.PageSize))
	}
	return q
}

// FetchPage fetches a single page of a report endpoint.
func (c *Client) FetchPage(ctx context.Context, endpoint string, params url.Values, page int) (*Page, error) {
	var p Page
	if err := c.GetJSON(ctx, endpoint, c.pageQuery(params, page), &p); err != nil {
		return nil, errors.Annotate(err, "failed to fetch page %d of %s", page, endpoint)
	}
	return &p, nil
}

type pageResult struct {
	page int
	data *Page
	err  error
}

// FetchAllPages fetches page 1 to learn the schema and the number of pages,
// then pages 2..N concurrently, bounded by max_concurrent_requests. The
// fields of page 1 apply to all rows; when page 1 has neither fields nor
// object rows, the first page with object rows fixes the schema for the rest.
// Rows are returned in page order. Any failed page fails the whole call.
func (c *Client) FetchAllPages(ctx context.Context, endpoint string, params url.Values) ([]table.Row, []table.Field, error) {
	first, err := c.FetchPage(ctx, endpoint, params, 1)
	if err != nil {
		return nil, nil, err
	}
	rows, fields, err := first.Rows(first.Fields)
	if err != nil {
		return nil, nil, errors.Annotate(err, "failed to parse page 1 of %s", endpoint)
	}
	total := first.Meta.TotalPages
	logging.Debugf(ctx, "%s: page 1 of %d, %d records total",
		endpoint, total, first.Meta.TotalRecords)
	if total <= 1 {
		return rows, fields, nil
	}

	pages := make([]int, 0, total-1)
	for i := 2; i <= total; i++ {
		pages = append(pages, i)
	}
	f := func(page int) pageResult {
		p, err := c.FetchPage(ctx, endpoint, params, page)
		return pageResult{page: page, data: p, err: err}
	}
	workers := c.cfg.MaxConcurrentRequests
	if workers < 1 {
		workers = 1
	}
	pm := iterator.ParallelMap(ctx, workers, iterator.FromSlice(pages), f)

	results := iterator.Reduce[pageResult, []pageResult](pm, nil,
		func(r pageResult, acc []pageResult) []pageResult { return append(acc, r) })
	sort.Slice(results, func(i, j int) bool { return results[i].page < results[j].page })
	for _, r := range results {
		if r.err != nil {
			return nil, nil, r.err
		}
		pageRows, pageFields, err := r.data.Rows(fields)
		if err != nil {
			return nil, nil, errors.Annotate(err, "failed to parse page %d of %s", r.page, endpoint)
		}
		if len(fields) == 0 {
			fields = pageFields
		}
		rows = append(rows, pageRows...)
	}
	logging.Infof(ctx, "%s: fetched %d rows in %d pages", endpoint, len(rows), total)
	return rows, fields, nil
}

// FetchTable fetches all pages of the endpoint and assembles them into a
// table.
func (c *Client) FetchTable(ctx context.Context, endpoint string, params url.Values) (*table.Table, error) {
	rows, fields, err := c.FetchAllPages(ctx, endpoint, params)
	if err != nil {
		return nil, err
	}
	return table.FromRows(rows, fields), nil
}
