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
	"context"
	"flag"
	"io"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/stockparfait/ercot/api"
	"github.com/stockparfait/ercot/grid"
	"github.com/stockparfait/ercot/poll"
	"github.com/stockparfait/ercot/table"
	"github.com/stockparfait/ercot/transform"
	"github.com/stockparfait/ercot/tz"
	"github.com/stockparfait/errors"
	"github.com/stockparfait/logging"
)

const sampleConfig = `subscription_key = "YourSubscriptionKey"
username = "you@example.com"
password = "YourPassword"
`

type Flags struct {
	Config       string // TOML config file
	Report       string
	Start        tz.Date
	End          tz.Date // exclusive; default: Start + 1 day
	Out          string  // output file; default: stdout
	Text         bool    // print text instead of CSV
	Locations    []string
	LocationType transform.LocationType
	Parallel     bool
	PostDatetime bool
	Poll         time.Duration // 0 = fetch once
	PollCount    int           // 0 = until stopped
	Metrics      string        // write metrics to this file
	LogLevel     logging.Level
}

func parseFlags(args []string) (*Flags, error) {
	var flags Flags
	var start, end, locations, locationType string
	fs := flag.NewFlagSet("ercot-history", flag.ExitOnError)
	fs.StringVar(&flags.Config, "config", "", "TOML config file (required)")
	fs.StringVar(&flags.Report, "report", "spp_real_time",
		"report: "+strings.Join(grid.Names(), ", "))
	fs.StringVar(&start, "start", "", "first date, YYYY-MM-DD; default: today")
	fs.StringVar(&end, "end", "", "end date, exclusive; default: start + 1 day")
	fs.StringVar(&flags.Out, "out", "", "output file; default: stdout")
	fs.BoolVar(&flags.Text, "text", false, "print as text instead of CSV")
	fs.StringVar(&locations, "locations", "", "comma-separated settlement points")
	fs.StringVar(&locationType, "location-type", "",
		"load_zone, trading_hub or resource_node")
	fs.BoolVar(&flags.Parallel, "parallel", false, "download archive documents one by one")
	fs.BoolVar(&flags.PostDatetime, "post-datetime", false,
		"add the posting time of archive documents")
	fs.DurationVar(&flags.Poll, "poll", 0, "poll at this interval instead of fetching once")
	fs.IntVar(&flags.PollCount, "poll-count", 0, "stop polling after this many fetches")
	fs.StringVar(&flags.Metrics, "metrics", "", "write request metrics to this file")
	flags.LogLevel = logging.Info
	fs.Var(&flags.LogLevel, "log-level", "Log level: debug, info, warning, error")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if flags.Config == "" {
		return nil, errors.Reason("missing required -config argument")
	}
	if _, err := grid.Lookup(flags.Report); err != nil {
		return nil, err
	}
	if start != "" {
		d, err := tz.NewDateFromString(start)
		if err != nil {
			return nil, errors.Annotate(err, "bad -start")
		}
		flags.Start = d
	}
	if end != "" {
		d, err := tz.NewDateFromString(end)
		if err != nil {
			return nil, errors.Annotate(err, "bad -end")
		}
		flags.End = d
	}
	for _, l := range strings.Split(locations, ",") {
		if l = strings.TrimSpace(l); l != "" {
			flags.Locations = append(flags.Locations, l)
		}
	}
	lt, err := transform.ParseLocationType(locationType)
	if err != nil {
		return nil, err
	}
	flags.LocationType = lt
	return &flags, nil
}

func loadConfig(path string) (*api.Config, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, errors.Annotate(err,
				"config file '%s' does not exist.\nPlease create config file containing:\n%s",
				path, sampleConfig)
		}
		return nil, errors.Annotate(err, "cannot check config file '%s'", path)
	}
	return api.LoadConfig(path)
}

func newClient(cfg *api.Config) (*api.Client, error) {
	var auth api.Authenticator
	if cfg.Username != "" {
		auth = api.NewPasswordAuth(*cfg)
	}
	return api.NewClient(*cfg, auth)
}

func writeTable(t *table.Table, w io.Writer, text, noHeader bool) error {
	p := table.Params{NoHeader: noHeader}
	if text {
		return t.WriteText(w, p)
	}
	return t.WriteCSV(w, p)
}

func writeMetrics(reg *prometheus.Registry, path string) error {
	families, err := reg.Gather()
	if err != nil {
		return errors.Annotate(err, "failed to gather metrics")
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Annotate(err, "failed to create '%s'", path)
	}
	defer f.Close()
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(f, mf); err != nil {
			return errors.Annotate(err, "failed to write metrics")
		}
	}
	return nil
}

func run(ctx context.Context, flags *Flags, w io.Writer) error {
	cfg, err := loadConfig(flags.Config)
	if err != nil {
		return errors.Annotate(err, "failed to load config")
	}
	c, err := newClient(cfg)
	if err != nil {
		return errors.Annotate(err, "failed to create client")
	}
	reg := prometheus.NewRegistry()
	if err := c.Metrics().Register(reg); err != nil {
		return err
	}
	ctx = api.UseClient(ctx, c)
	f, err := grid.NewFetcher(ctx)
	if err != nil {
		return err
	}
	f.Parallel = flags.Parallel
	report, err := grid.Lookup(flags.Report)
	if err != nil {
		return err
	}
	query := func() grid.Query {
		q := grid.Query{
			Start:        flags.Start,
			End:          flags.End,
			Locations:    flags.Locations,
			LocationType: flags.LocationType,
			PostDatetime: flags.PostDatetime,
		}
		if q.Start.IsZero() {
			q.Start = tz.Today(time.Now())
		}
		return q
	}

	if flags.Out != "" {
		out, err := os.Create(flags.Out)
		if err != nil {
			return errors.Annotate(err, "failed to create '%s'", flags.Out)
		}
		defer out.Close()
		w = out
	}

	if flags.Poll <= 0 {
		t, err := f.Fetch(ctx, report, query())
		if err != nil {
			return errors.Annotate(err, "failed to fetch %s", report.Name)
		}
		if err := writeTable(t, w, flags.Text, false); err != nil {
			return errors.Annotate(err, "failed to write output")
		}
	} else {
		p := poll.New(flags.Poll)
		p.MaxIterations = flags.PollCount
		var writeErr error
		err := p.Run(ctx, func(ctx context.Context) (*table.Table, error) {
			return f.Fetch(ctx, report, query())
		}, func(r poll.Result) {
			if !r.Success || writeErr != nil {
				return
			}
			if writeErr = writeTable(r.Data, w, flags.Text, r.Iteration > 1); writeErr != nil {
				p.Stop()
			}
		})
		if writeErr != nil {
			return errors.Annotate(writeErr, "failed to write output")
		}
		if err != nil {
			return errors.Annotate(err, "polling failed")
		}
	}
	if flags.Metrics != "" {
		return writeMetrics(reg, flags.Metrics)
	}
	return nil
}

func main() {
	ctx := context.Background()
	flags, err := parseFlags(os.Args[1:])
	if err != nil {
		ctx = logging.Use(ctx, logging.DefaultGoLogger(logging.Info))
		logging.Errorf(ctx, "failed to parse flags: %s", err.Error())
		os.Exit(1)
	}
	ctx = logging.Use(ctx, logging.DefaultGoLogger(flags.LogLevel))

	if err := run(ctx, flags, os.Stdout); err != nil {
		logging.Errorf(ctx, err.Error())
		os.Exit(1)
	}
}
