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

// Package grid is the high-level entry point: it looks up a report, routes
// each part of the requested date range to the archive or the live API, and
// returns one standardized table.
package grid

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/stockparfait/ercot/api"
	"github.com/stockparfait/ercot/archive"
	"github.com/stockparfait/ercot/dispatch"
	"github.com/stockparfait/ercot/table"
	"github.com/stockparfait/ercot/transform"
	"github.com/stockparfait/ercot/tz"
	"github.com/stockparfait/errors"
	"github.com/stockparfait/logging"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Report describes a live report endpoint and how to query it by date.
type Report struct {
	Name     string
	Endpoint string
	Category dispatch.Category
	DateFrom string // query parameter of the first date, inclusive
	DateTo   string // query parameter of the last date, inclusive
	// Timestamps means the date parameters take full timestamps.
	Timestamps bool
	Market     string // value of the Market column; empty for no column
}

// Catalog of known reports by name.
var Catalog = map[string]Report{
	"spp_real_time": {
		Name:     "spp_real_time",
		Endpoint: "/np6-905-cd/spp_node_zone_hub",
		Category: dispatch.RealTime,
		DateFrom: "deliveryDateFrom",
		DateTo:   "deliveryDateTo",
		Market:   "REAL_TIME_15_MIN",
	},
	"spp_day_ahead": {
		Name:     "spp_day_ahead",
		Endpoint: "/np4-190-cd/dam_stlmnt_pnt_prices",
		Category: dispatch.DayAhead,
		DateFrom: "deliveryDateFrom",
		DateTo:   "deliveryDateTo",
		Market:   "DAY_AHEAD_HOURLY",
	},
	"lmp_real_time": {
		Name:       "lmp_real_time",
		Endpoint:   "/np6-788-cd/lmp_node_zone_hub",
		Category:   dispatch.RealTime,
		DateFrom:   "SCEDTimestampFrom",
		DateTo:     "SCEDTimestampTo",
		Timestamps: true,
		Market:     "REAL_TIME_SCED",
	},
	"load_forecast": {
		Name:     "load_forecast",
		Endpoint: "/np3-565-cd/lf_by_model_weather_zone",
		Category: dispatch.Forecast,
		DateFrom: "deliveryDateFrom",
		DateTo:   "deliveryDateTo",
	},
	"actual_load": {
		Name:     "actual_load",
		Endpoint: "/np6-345-cd/act_sys_load_by_wzn",
		Category: dispatch.Load,
		DateFrom: "operatingDayFrom",
		DateTo:   "operatingDayTo",
	},
}

// Names of the catalog reports, sorted.
func Names() []string {
	names := maps.Keys(Catalog)
	slices.Sort(names)
	return names
}

// Lookup finds a report by name, case-insensitively.
func Lookup(name string) (Report, error) {
	r, ok := Catalog[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Report{}, errors.Reason("unknown report '%s'; known reports: %s",
			name, strings.Join(Names(), ", "))
	}
	return r, nil
}

// Query selects the data of a report.
type Query struct {
	Start        tz.Date // first operating date
	End          tz.Date // exclusive; zero means Start + 1 day
	Locations    []string
	LocationType transform.LocationType
	Params       url.Values // extra live API parameters
	// PostDatetime stamps archive rows with their document's posting time.
	PostDatetime bool
}

// Fetcher serves queries from the live API and the archive.
type Fetcher struct {
	Client   *api.Client
	Archive  *archive.Archive
	Policy   *dispatch.Policy
	Parallel bool // use per-document archive downloads
}

// NewFetcher creates a Fetcher with the client from the context and the
// default dispatch policy.
func NewFetcher(ctx context.Context) (*Fetcher, error) {
	c := api.GetClient(ctx)
	if c == nil {
		return nil, errors.Reason("no ERCOT client in context")
	}
	return &Fetcher{
		Client:  c,
		Archive: archive.New(c),
		Policy:  dispatch.DefaultPolicy(),
	}, nil
}

// split returns the first date of [start, end) served by the live API, or end
// if none is.
func (f *Fetcher) split(r Report, start, end tz.Date) tz.Date {
	d := start
	for d.Before(end) && f.Policy.NeedsHistorical(d, r.Category) {
		d = d.AddDays(1)
	}
	return d
}

func midnight(d tz.Date) (time.Time, error) {
	return tz.Localize(d.Midnight(), true, tz.ShiftForward)
}

// fetchArchive retrieves operating dates [start, end). Documents are listed
// by posting time, which may be a day off the operating date in either
// direction; rows are trimmed to the range later.
func (f *Fetcher) fetchArchive(ctx context.Context, r Report, start, end tz.Date, stamp bool) (*table.Table, error) {
	from, err := midnight(start.AddDays(-1))
	if err != nil {
		return nil, err
	}
	to, err := midnight(end.AddDays(1))
	if err != nil {
		return nil, err
	}
	logging.Infof(ctx, "%s: fetching %s to %s from the archive", r.Name, start, end)
	if f.Parallel {
		return f.Archive.FetchHistoricalParallel(ctx, r.Endpoint, from, to, stamp)
	}
	res, err := f.Archive.FetchHistorical(ctx, r.Endpoint, from, to, stamp)
	if err != nil {
		return nil, err
	}
	tables := []*table.Table{res.Table}
	names := maps.Keys(res.Reports)
	slices.Sort(names)
	for _, n := range names {
		tables = append(tables, res.Reports[n])
	}
	return table.Concat(tables...), nil
}

func (f *Fetcher) fetchLive(ctx context.Context, r Report, start, end tz.Date, extra url.Values) (*table.Table, error) {
	q := url.Values{}
	for k, v := range extra {
		q[k] = slices.Clone(v)
	}
	last := end.AddDays(-1)
	if r.Timestamps {
		q.Set(r.DateFrom, start.String()+"T00:00:00")
		q.Set(r.DateTo, last.String()+"T23:59:59")
	} else {
		q.Set(r.DateFrom, start.String())
		q.Set(r.DateTo, last.String())
	}
	logging.Infof(ctx, "%s: fetching %s to %s from the live API", r.Name, start, end)
	return f.Client.FetchTable(ctx, r.Endpoint, q)
}

// Fetch retrieves the report for the query. Dates older than the report's
// live retention window come from the archive, the rest from the live API.
// The result is standardized and filtered to the query's dates and locations.
func (f *Fetcher) Fetch(ctx context.Context, r Report, q Query) (*table.Table, error) {
	if q.Start.IsZero() {
		return nil, errors.Reason("start date is required")
	}
	end := q.End
	if end.IsZero() {
		end = q.Start.AddDays(1)
	}
	if !q.Start.Before(end) {
		return nil, errors.Reason("empty date range [%s, %s)", q.Start, end)
	}
	split := f.split(r, q.Start, end)

	var parts []*table.Table
	if q.Start.Before(split) {
		t, err := f.fetchArchive(ctx, r, q.Start, split, q.PostDatetime)
		if err != nil {
			return nil, errors.Annotate(err, "%s: archive fetch failed", r.Name)
		}
		transform.StandardizeColumns(ctx, t)
		parts = append(parts, t)
	}
	if split.Before(end) {
		t, err := f.fetchLive(ctx, r, split, end, q.Params)
		if err != nil {
			return nil, errors.Annotate(err, "%s: live fetch failed", r.Name)
		}
		transform.StandardizeColumns(ctx, t)
		parts = append(parts, t)
	}
	// Archive CSVs and live pages name fields differently; parts are
	// standardized before they are stacked.
	res := table.Concat(parts...)
	if r.Market != "" {
		res.AddColumn(transform.MarketColumn, r.Market)
	}
	res.Reorder(transform.LeadingColumns...)
	res = transform.FilterByDate(res, q.Start, end, "")
	res = transform.FilterByLocation(res, q.Locations, q.LocationType)
	logging.Infof(ctx, "%s: %d rows", r.Name, res.Len())
	return res, nil
}
