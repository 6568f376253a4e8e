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
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stockparfait/ercot/api"
	"github.com/stockparfait/ercot/table"
	"github.com/stockparfait/ercot/tz"
	"github.com/stockparfait/errors"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	. "github.com/smartystreets/goconvey/convey"
)

func testZip(files map[string][]byte) []byte {
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	names := maps.Keys(files)
	slices.Sort(names)
	for _, n := range names {
		f, err := w.Create(n)
		if err != nil {
			panic(err)
		}
		if _, err := f.Write(files[n]); err != nil {
			panic(err)
		}
	}
	if err := w.Close(); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

func testCSV(point string, price float64) []byte {
	return []byte(fmt.Sprintf(
		"DeliveryDate,DeliveryHour,SettlementPoint,SettlementPointPrice\n01/01/2024,1,%s,%g\n",
		point, price))
}

func testConfig(url string) api.Config {
	cfg := api.DefaultConfig()
	cfg.BaseURL = url
	cfg.RateLimit = false
	cfg.MinWaitSeconds = 0
	cfg.MaxWaitSeconds = 0.001
	cfg.ArchivePageSize = 2
	return cfg
}

type testArchiveServer struct {
	*httptest.Server
	mu       sync.Mutex
	listing  []map[string]any
	docs     map[string][]byte // doc id -> inner zip
	names    map[string]string // doc id -> inner zip name, default <id>.zip
	requests [][]json.Number
	failures map[string][]int // doc id -> statuses served before the document
	gets     map[string]int   // doc id -> number of GET requests
}

func newTestArchiveServer() *testArchiveServer {
	s := &testArchiveServer{
		docs:     map[string][]byte{},
		names:    map[string]string{},
		failures: map[string][]int{},
		gets:     map[string]int{},
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

func (s *testArchiveServer) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/download"):
		var body struct {
			DocIDs []json.Number `json:"docIds"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		s.requests = append(s.requests, body.DocIDs)
		files := map[string][]byte{}
		for _, id := range body.DocIDs {
			data, ok := s.docs[id.String()]
			if !ok {
				continue
			}
			name := s.names[id.String()]
			if name == "" {
				name = id.String() + ".zip"
			}
			files[name] = data
		}
		w.Write(testZip(files))
	case r.URL.Query().Get("download") != "":
		id := r.URL.Query().Get("download")
		s.gets[id]++
		if f := s.failures[id]; len(f) > 0 {
			s.failures[id] = f[1:]
			w.WriteHeader(f[0])
			return
		}
		data, ok := s.docs[id]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write(data)
	default:
		var page int
		fmt.Sscanf(r.URL.Query().Get("page"), "%d", &page)
		size := 2
		total := (len(s.listing) + size - 1) / size
		var entries []map[string]any
		for i := (page - 1) * size; i < page*size && i < len(s.listing); i++ {
			entries = append(entries, s.listing[i])
		}
		json.NewEncoder(w).Encode(map[string]any{
			"_meta":    map[string]any{"totalPages": total, "currentPage": page},
			"archives": entries,
		})
	}
}

func (s *testArchiveServer) addDoc(id int, posted string, data []byte) {
	s.listing = append(s.listing, map[string]any{
		"docId":        id,
		"friendlyName": fmt.Sprintf("SPP_%d", id),
		"postDatetime": posted,
		"_links": map[string]any{"endpoint": map[string]any{
			"href": fmt.Sprintf("%s/archive/np6-905-cd?download=%d", s.URL, id)}},
	})
	if data != nil {
		s.docs[fmt.Sprint(id)] = data
	}
}

func TestArchive(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, tz.Central)
	end := time.Date(2024, 1, 3, 0, 0, 0, 0, tz.Central)

	Convey("EMILID", t, func() {
		So(EMILID("/np6-905-cd/spp_node_zone_hub"), ShouldEqual, "np6-905-cd")
		So(EMILID("NP4-190-CD/dam_stlmnt_pnt_prices"), ShouldEqual, "np4-190-cd")
		So(EMILID("https://api.ercot.com/np3-565-cd/lf_by_model_weather_zone"),
			ShouldEqual, "np3-565-cd")
		So(EMILID(""), ShouldEqual, "")
	})

	Convey("ParseDocument", t, func() {
		Convey("plain CSV with inferred types", func() {
			tables, err := ParseDocument([]byte(
				"\ufeffA, B ,C\n1,x,\n2.5,y,3\n"), "doc.csv")
			So(err, ShouldBeNil)
			t := tables["doc.csv"]
			So(t.Header, ShouldResemble, []string{"A", "B", "C"})
			So(t.Rows, ShouldResemble, []table.Row{{1.0, "x", nil}, {2.5, "y", 3.0}})
		})

		Convey("nested zip with several files", func() {
			data := testZip(map[string][]byte{
				"a.csv":   testCSV("HB_NORTH", 1),
				"sub.zip": testZip(map[string][]byte{"dir/b.csv": testCSV("LZ_WEST", 2)}),
			})
			tables, err := ParseDocument(data, "outer.zip")
			So(err, ShouldBeNil)
			So(maps.Keys(tables), ShouldHaveLength, 2)
			So(tables["a.csv"].Get(0, "SettlementPoint"), ShouldEqual, "HB_NORTH")
			So(tables["b.csv"].Get(0, "SettlementPoint"), ShouldEqual, "LZ_WEST")
		})

		Convey("errors", func() {
			_, err := ParseDocument([]byte(""), "empty.csv")
			So(err, ShouldNotBeNil)
			_, err = ParseDocument([]byte("PK\x03\x04garbage"), "bad.zip")
			So(err, ShouldNotBeNil)
			_, err = ParseDocument(testZip(map[string][]byte{}), "none.zip")
			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldContainSubstring, "contains no files")
			_, err = ParseDocument(testZip(map[string][]byte{
				"inner.zip": testZip(map[string][]byte{}),
			}), "outer.zip")
			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldContainSubstring, "contains no files")
		})
	})

	Convey("matchDocuments prefers exact names", t, func() {
		files := []Document{
			{Filename: "cdr.12345.zip"},
			{Filename: "1234.zip"},
		}
		m := matchDocuments(files, []string{"1234", "12345", "999"})
		So(m["1234"].Filename, ShouldEqual, "1234.zip")
		So(m["12345"].Filename, ShouldEqual, "cdr.12345.zip")
		So(m["12345"].DocID, ShouldEqual, "12345")
		_, ok := m["999"]
		So(ok, ShouldBeFalse)
	})

	Convey("Archive with a test server", t, func() {
		ctx := context.Background()
		server := newTestArchiveServer()
		defer server.Close()

		c, err := api.NewClient(testConfig(server.URL), nil)
		So(err, ShouldBeNil)
		a := New(c)

		server.addDoc(101, "2024-01-01T00:05:23", testZip(map[string][]byte{"101.csv": testCSV("HB_NORTH", 20.5)}))
		server.addDoc(100, "2023-12-31T23:55:00", testZip(map[string][]byte{"100.csv": testCSV("HB_WEST", 1)}))
		server.addDoc(102, "2024-01-02T00:05:00", testZip(map[string][]byte{"102.csv": testCSV("LZ_HOUSTON", 30)}))

		Convey("Links filters by posting time across listing pages", func() {
			links, err := a.Links(ctx, "np6-905-cd", start, end)
			So(err, ShouldBeNil)
			So(len(links), ShouldEqual, 2)
			So(links[0].DocID, ShouldEqual, "101")
			So(links[0].Filename, ShouldEqual, "SPP_101")
			So(links[0].PostDatetime.Equal(
				time.Date(2024, 1, 1, 6, 5, 23, 0, time.UTC)), ShouldBeTrue)
			So(links[1].DocID, ShouldEqual, "102")
			So(links[1].URL, ShouldContainSubstring, "download=102")
		})

		Convey("BulkDownload skips missing ids", func() {
			docs, err := a.BulkDownload(ctx, "np6-905-cd", []string{"101", "102", "103"})
			So(err, ShouldBeNil)
			So(len(docs), ShouldEqual, 2)
			ids := []string{docs[0].DocID, docs[1].DocID}
			slices.Sort(ids)
			So(ids, ShouldResemble, []string{"101", "102"})
			So(server.requests, ShouldResemble, [][]json.Number{{"101", "102", "103"}})
			So(promtest.ToFloat64(c.Metrics().Documents.WithLabelValues(api.DocumentMissing)),
				ShouldEqual, 1)
		})

		Convey("BulkDownload logs a batch with no documents as missing", func() {
			docs, err := a.BulkDownload(ctx, "np6-905-cd", []string{"777", "888"})
			So(err, ShouldBeNil)
			So(docs, ShouldBeEmpty)
			So(server.requests, ShouldResemble, [][]json.Number{{"777", "888"}})
			So(promtest.ToFloat64(c.Metrics().Documents.WithLabelValues(api.DocumentMissing)),
				ShouldEqual, 2)
		})

		Convey("BulkDownload batches requests", func() {
			cfg := testConfig(server.URL)
			cfg.ArchiveBatchSize = 2
			c2, err := api.NewClient(cfg, nil)
			So(err, ShouldBeNil)
			docs, err := New(c2).BulkDownload(ctx, "np6-905-cd", []string{"100", "101", "102"})
			So(err, ShouldBeNil)
			So(len(docs), ShouldEqual, 3)
			So(server.requests, ShouldResemble, [][]json.Number{{"100", "101"}, {"102"}})
		})

		Convey("FetchHistorical", func() {
			Convey("concatenates single-file documents", func() {
				res, err := a.FetchHistorical(ctx, "/np6-905-cd/spp_node_zone_hub", start, end, true)
				So(err, ShouldBeNil)
				So(res.Table.Len(), ShouldEqual, 2)
				So(len(res.Reports), ShouldEqual, 0)
				So(res.Table.Header, ShouldResemble, []string{
					"DeliveryDate", "DeliveryHour", "SettlementPoint", "SettlementPointPrice",
					PostDatetimeColumn})
				points := []string{}
				for i := range res.Table.Rows {
					points = append(points, res.Table.Get(i, "SettlementPoint").(string))
					So(res.Table.Get(i, PostDatetimeColumn), ShouldHaveSameTypeAs, time.Time{})
				}
				slices.Sort(points)
				So(points, ShouldResemble, []string{"HB_NORTH", "LZ_HOUSTON"})
			})

			Convey("keys multi-file documents by file name and skips bad ones", func() {
				server.addDoc(104, "2024-01-02T10:00:00", testZip(map[string][]byte{
					"rt.csv": testCSV("HB_HUBAVG", 5),
					"da.csv": testCSV("HB_BUSAVG", 6),
				}))
				server.names["104"] = "cdr.00000104.zip"
				server.addDoc(105, "2024-01-02T11:00:00", []byte("PK\x03\x04garbage"))
				res, err := a.FetchHistorical(ctx, "/np6-905-cd/spp_node_zone_hub", start, end, false)
				So(err, ShouldBeNil)
				So(res.Table.Len(), ShouldEqual, 2)
				So(res.Table.HasColumn(PostDatetimeColumn), ShouldBeFalse)
				So(len(res.Reports), ShouldEqual, 2)
				So(res.Reports["rt.csv"].Get(0, "SettlementPoint"), ShouldEqual, "HB_HUBAVG")
				So(res.Reports["da.csv"].Get(0, "SettlementPoint"), ShouldEqual, "HB_BUSAVG")
				So(promtest.ToFloat64(c.Metrics().Documents.WithLabelValues(api.DocumentFailed)),
					ShouldEqual, 1)
			})

			Convey("empty listing is an empty result", func() {
				res, err := a.FetchHistorical(ctx, "/np6-905-cd/spp_node_zone_hub",
					start.AddDate(1, 0, 0), end.AddDate(1, 0, 0), false)
				So(err, ShouldBeNil)
				So(res.Table.Empty(), ShouldBeTrue)
				So(server.requests, ShouldBeEmpty)
			})

			Convey("bad endpoint", func() {
				_, err := a.FetchHistorical(ctx, "", start, end, false)
				So(err, ShouldNotBeNil)
			})
		})

		Convey("FetchHistoricalParallel downloads documents individually", func() {
			tbl, err := a.FetchHistoricalParallel(ctx, "/np6-905-cd/spp_node_zone_hub", start, end, true)
			So(err, ShouldBeNil)
			So(tbl.Len(), ShouldEqual, 2)
			So(tbl.HasColumn(PostDatetimeColumn), ShouldBeTrue)
			So(server.requests, ShouldBeEmpty)
		})

		Convey("per-document downloads retry through the rate limiter", func() {
			cfg := testConfig(server.URL)
			cfg.RateLimit = true
			cfg.RequestsPerMinute = 60
			c2, err := api.NewClient(cfg, nil)
			So(err, ShouldBeNil)
			server.failures["101"] = []int{http.StatusServiceUnavailable}
			server.failures["102"] = []int{http.StatusTooManyRequests}

			tbl, err := New(c2).FetchHistoricalParallel(ctx, "/np6-905-cd/spp_node_zone_hub", start, end, false)
			So(err, ShouldBeNil)
			So(tbl.Len(), ShouldEqual, 2)
			So(server.gets, ShouldResemble, map[string]int{"101": 2, "102": 2})
			So(promtest.ToFloat64(c2.Metrics().Retries), ShouldEqual, 2)
			// Two listing pages and four download attempts.
			So(c2.Limiter().Available(), ShouldBeLessThan, 54.5)
		})

		Convey("a document that is never found is left out", func() {
			server.failures["101"] = []int{http.StatusNotFound}
			tbl, err := a.FetchHistoricalParallel(ctx, "/np6-905-cd/spp_node_zone_hub", start, end, false)
			So(err, ShouldBeNil)
			So(tbl.Len(), ShouldEqual, 1)
			So(server.gets["101"], ShouldEqual, 1)
			So(promtest.ToFloat64(c.Metrics().Documents.WithLabelValues(api.DocumentFailed)),
				ShouldEqual, 1)
		})
	})

	Convey("FetchLinksParallel tolerates partial failure", t, func() {
		ctx := context.Background()
		c, err := api.NewClient(testConfig("http://localhost"), nil)
		So(err, ShouldBeNil)
		a := New(c)

		const n = 7
		links := make([]Link, n)
		for i := range links {
			links[i] = Link{DocID: fmt.Sprint(i), PostDatetime: start.Add(time.Duration(i) * time.Hour)}
		}
		failed := map[string]bool{}
		a.fetchLink = func(ctx context.Context, l Link) (*table.Table, error) {
			if failed[l.DocID] {
				return nil, errors.Reason("doc %s is broken", l.DocID)
			}
			t := table.NewTable("Doc")
			t.AddRow(table.Row{l.DocID})
			return t, nil
		}

		Convey("some fail", func() {
			failed["1"] = true
			failed["4"] = true
			failed["6"] = true
			tbl := a.FetchLinksParallel(ctx, links, true)
			So(tbl.Len(), ShouldEqual, n-3)
			So(tbl.Header, ShouldResemble, []string{"Doc", PostDatetimeColumn})
			docs := []string{}
			for i := range tbl.Rows {
				docs = append(docs, tbl.Get(i, "Doc").(string))
			}
			slices.Sort(docs)
			So(docs, ShouldResemble, []string{"0", "2", "3", "5"})
		})

		Convey("all fail", func() {
			for _, l := range links {
				failed[l.DocID] = true
			}
			tbl := a.FetchLinksParallel(ctx, links, false)
			So(tbl, ShouldNotBeNil)
			So(tbl.Empty(), ShouldBeTrue)
		})

		Convey("no links", func() {
			So(a.FetchLinksParallel(ctx, nil, false).Empty(), ShouldBeTrue)
		})
	})
}
