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
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"github.com/stockparfait/ercot/table"

	. "github.com/smartystreets/goconvey/convey"
)

// testReportPage renders a page of a report with positional rows.
func testReportPage(fields []table.Field, rows [][]any, page, totalPages, totalRecords int) string {
	js, err := json.Marshal(map[string]any{
		"_meta": Meta{
			TotalRecords: totalRecords,
			PageSize:     len(rows),
			TotalPages:   totalPages,
			CurrentPage:  page,
		},
		"fields": fields,
		"data":   rows,
	})
	if err != nil {
		panic(err)
	}
	return string(js)
}

func TestPages(t *testing.T) {
	t.Parallel()

	fields := []table.Field{
		{Name: "deliveryDate", Label: "Delivery Date", DataType: "DATE"},
		{Name: "settlementPoint", Label: "Settlement Point", DataType: "STRING"},
		{Name: "price", Label: "Price", DataType: "DOUBLE"},
	}

	Convey("Page.Rows normalizes data shapes", t, func() {
		Convey("list of arrays", func() {
			p := Page{Data: json.RawMessage(`[["2024-01-01", "HB_NORTH", 20.5]]`)}
			rows, f, err := p.Rows(fields)
			So(err, ShouldBeNil)
			So(f, ShouldResemble, fields)
			So(rows, ShouldResemble, []table.Row{{"2024-01-01", "HB_NORTH", 20.5}})
		})

		Convey("records wrapper of objects", func() {
			p := Page{Data: json.RawMessage(
				`{"records": [{"price": 1.5, "settlementPoint": "LZ_WEST", "deliveryDate": "2024-01-02"}]}`)}
			rows, _, err := p.Rows(fields)
			So(err, ShouldBeNil)
			So(rows, ShouldResemble, []table.Row{{"2024-01-02", "LZ_WEST", 1.5}})
		})

		Convey("objects without fields", func() {
			p := Page{Data: json.RawMessage(`[{"b": 1, "a": "x"}, {"c": true}]`)}
			rows, f, err := p.Rows(nil)
			So(err, ShouldBeNil)
			So(f, ShouldResemble, []table.Field{{Name: "a"}, {Name: "b"}, {Name: "c"}})
			So(rows, ShouldResemble, []table.Row{{"x", 1.0, nil}, {nil, nil, true}})
		})

		Convey("empty data", func() {
			p := Page{}
			rows, _, err := p.Rows(fields)
			So(err, ShouldBeNil)
			So(len(rows), ShouldEqual, 0)
		})

		Convey("unsupported data", func() {
			p := Page{Data: json.RawMessage(`"nope"`)}
			_, _, err := p.Rows(fields)
			So(err, ShouldNotBeNil)
		})
	})

	Convey("FetchAllPages", t, func() {
		ctx := context.Background()
		var mu sync.Mutex
		calls := map[int]int{}
		failPage := 0
		const pageSize = 5
		const total = 15
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			page, err := strconv.Atoi(r.URL.Query().Get("page"))
			if err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			mu.Lock()
			calls[page]++
			mu.Unlock()
			if page == failPage {
				w.WriteHeader(http.StatusBadRequest)
				fmt.Fprint(w, `{"message": "bad page"}`)
				return
			}
			f := fields
			if page == 3 {
				// Later pages may disagree about the schema; it is ignored.
				f = []table.Field{{Name: "x", Label: "X"}, {Name: "y"}, {Name: "z"}}
			}
			rows := [][]any{}
			for i := (page - 1) * pageSize; i < page*pageSize && i < total; i++ {
				rows = append(rows, []any{"2024-01-01", fmt.Sprintf("P%02d", i), float64(i)})
			}
			fmt.Fprint(w, testReportPage(f, rows, page, 3, total))
		}))
		defer server.Close()

		cfg := testConfig(server.URL)
		cfg.PageSize = pageSize
		cfg.MaxConcurrentRequests = 2
		c, err := NewClient(cfg, nil)
		So(err, ShouldBeNil)

		Convey("fetches every page in order", func() {
			rows, f, err := c.FetchAllPages(ctx, "/np6-905-cd/spp_node_zone_hub", nil)
			So(err, ShouldBeNil)
			So(f, ShouldResemble, fields)
			So(len(rows), ShouldEqual, total)
			for i, r := range rows {
				So(r[1], ShouldEqual, fmt.Sprintf("P%02d", i))
			}
			So(calls, ShouldResemble, map[int]int{1: 1, 2: 1, 3: 1})
		})

		Convey("assembles a table with page 1 labels", func() {
			tbl, err := c.FetchTable(ctx, "/np6-905-cd/spp_node_zone_hub", nil)
			So(err, ShouldBeNil)
			So(tbl.Header, ShouldResemble, []string{"Delivery Date", "Settlement Point", "Price"})
			So(tbl.Len(), ShouldEqual, total)
		})

		Convey("fails when any page fails", func() {
			failPage = 2
			_, _, err := c.FetchAllPages(ctx, "/np6-905-cd/spp_node_zone_hub", nil)
			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldContainSubstring, "page 2")
		})

		Convey("fails when the first page fails", func() {
			failPage = 1
			_, _, err := c.FetchAllPages(ctx, "/np6-905-cd/spp_node_zone_hub", nil)
			So(err, ShouldNotBeNil)
			So(calls[2], ShouldEqual, 0)
		})
	})

	Convey("FetchAllPages with object rows and no fields", t, func() {
		ctx := context.Background()
		pages := map[string]string{
			"1": `{"_meta": {"totalPages": 3}, "data": []}`,
			"2": `{"_meta": {"totalPages": 3}, "data": [{"b": 1, "a": "x"}]}`,
			"3": `{"_meta": {"totalPages": 3}, "data": [{"c": 3, "b": 2, "a": "y"}]}`,
		}
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, pages[r.URL.Query().Get("page")])
		}))
		defer server.Close()

		cfg := testConfig(server.URL)
		cfg.MaxConcurrentRequests = 2
		c, err := NewClient(cfg, nil)
		So(err, ShouldBeNil)

		rows, f, err := c.FetchAllPages(ctx, "/np3-910-er/2d_agg_load_summary", nil)
		So(err, ShouldBeNil)
		So(f, ShouldResemble, []table.Field{{Name: "a"}, {Name: "b"}})
		So(rows, ShouldResemble, []table.Row{{"x", 1.0}, {"y", 2.0}})
	})

	Convey("pageQuery keeps caller params", t, func() {
		c, err := NewClient(testConfig("http://localhost"), nil)
		So(err, ShouldBeNil)
		params := map[string][]string{"deliveryDateFrom": {"2024-01-01"}}
		q := c.pageQuery(params, 3)
		So(q.Get("page"), ShouldEqual, "3")
		So(q.Get("size"), ShouldEqual, "10000")
		So(q.Get("deliveryDateFrom"), ShouldEqual, "2024-01-01")
		So(len(params), ShouldEqual, 1)
	})
}
