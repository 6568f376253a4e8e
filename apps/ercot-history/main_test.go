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

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stockparfait/ercot/api"
	"github.com/stockparfait/ercot/table"
	"github.com/stockparfait/ercot/transform"
	"github.com/stockparfait/ercot/tz"
	"github.com/stockparfait/logging"
	"github.com/stockparfait/testutil"

	. "github.com/smartystreets/goconvey/convey"
)

func TestMain(t *testing.T) {
	t.Parallel()

	tmpdir, tmpdirErr := os.MkdirTemp("", "test_ercot_history")
	defer os.RemoveAll(tmpdir)

	Convey("Setup succeeded", t, func() {
		So(tmpdirErr, ShouldBeNil)
	})

	Convey("parseFlags", t, func() {
		Convey("all flags", func() {
			flags, err := parseFlags([]string{
				"-config", "path/to/config.toml",
				"-report", "spp_day_ahead",
				"-start", "2024-01-01",
				"-end", "2024-01-05",
				"-locations", "HB_NORTH, LZ_WEST",
				"-location-type", "load_zone",
				"-parallel",
				"-poll", "5m",
				"-log-level", "warning",
			})
			So(err, ShouldBeNil)
			So(flags.Config, ShouldEqual, "path/to/config.toml")
			So(flags.Report, ShouldEqual, "spp_day_ahead")
			So(flags.Start, ShouldResemble, tz.NewDate(2024, 1, 1))
			So(flags.End, ShouldResemble, tz.NewDate(2024, 1, 5))
			So(flags.Locations, ShouldResemble, []string{"HB_NORTH", "LZ_WEST"})
			So(flags.LocationType, ShouldEqual, transform.LoadZone)
			So(flags.Parallel, ShouldBeTrue)
			So(flags.Poll, ShouldEqual, 5*time.Minute)
			So(flags.LogLevel, ShouldEqual, logging.Warning)
		})

		Convey("errors", func() {
			_, err := parseFlags([]string{})
			So(err, ShouldNotBeNil)
			_, err = parseFlags([]string{"-config", "c", "-report", "nope"})
			So(err, ShouldNotBeNil)
			_, err = parseFlags([]string{"-config", "c", "-start", "yesterday"})
			So(err, ShouldNotBeNil)
			_, err = parseFlags([]string{"-config", "c", "-location-type", "bus"})
			So(err, ShouldNotBeNil)
		})
	})

	Convey("run", t, func() {
		ctx := context.Background()
		today := tz.Today(time.Now())
		var keys []string
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			keys = append(keys, r.Header.Get("Ocp-Apim-Subscription-Key"))
			js, err := json.Marshal(map[string]any{
				"_meta": api.Meta{TotalRecords: 2, TotalPages: 1, CurrentPage: 1},
				"fields": []table.Field{
					{Name: "deliveryDate"}, {Name: "hourEnding"},
					{Name: "settlementPoint"}, {Name: "settlementPointPrice"},
				},
				"data": [][]any{
					{today.String(), "01:00", "HB_NORTH", 20.5},
					{today.String(), "02:00", "LZ_WEST", 21.5},
				},
			})
			if err != nil {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			w.Write(js)
		}))
		defer server.Close()

		configFile := filepath.Join(tmpdir, "config.toml")
		So(testutil.WriteFile(configFile, fmt.Sprintf(`
base_url = "%s"
subscription_key = "testkey"
rate_limit = false
`, server.URL)), ShouldBeNil)

		flags := &Flags{
			Config:    configFile,
			Report:    "spp_day_ahead",
			Start:     today,
			Locations: []string{"LZ_WEST"},
			Metrics:   filepath.Join(tmpdir, "metrics.txt"),
		}

		Convey("writes CSV", func() {
			var buf bytes.Buffer
			So(run(ctx, flags, &buf), ShouldBeNil)
			lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
			So(len(lines), ShouldEqual, 2)
			So(lines[0], ShouldEqual, "Time,End Time,Location,Price,Market")
			So(lines[1], ShouldContainSubstring, ",LZ_WEST,21.5,DAY_AHEAD_HOURLY")
			So(keys, ShouldResemble, []string{"testkey"})

			metrics, err := os.ReadFile(flags.Metrics)
			So(err, ShouldBeNil)
			So(string(metrics), ShouldContainSubstring, `ercot_requests_total{status="200"} 1`)
		})

		Convey("polls", func() {
			flags.Poll = time.Millisecond
			flags.PollCount = 2
			flags.Metrics = ""
			var buf bytes.Buffer
			So(run(ctx, flags, &buf), ShouldBeNil)
			lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
			So(len(lines), ShouldEqual, 3) // one header, two fetches
			So(len(keys), ShouldEqual, 2)
		})

		Convey("missing config", func() {
			flags.Config = filepath.Join(tmpdir, "nope.toml")
			err := run(ctx, flags, &bytes.Buffer{})
			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldContainSubstring, "subscription_key")
		})
	})
}
