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

// Package transform normalizes report tables from the live API and the
// archive into one shape: readable column names, localized Time and End Time
// columns, and location and date filters tolerant of schema drift.
package transform

import (
	"context"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/stockparfait/ercot/table"
	"github.com/stockparfait/ercot/tz"
	"github.com/stockparfait/errors"
	"github.com/stockparfait/logging"
)

// Standard column names.
const (
	TimeColumn         = "Time"
	EndTimeColumn      = "End Time"
	LocationColumn     = "Location"
	LocationTypeColumn = "Location Type"
	PriceColumn        = "Price"
	MarketColumn       = "Market"
	DateColumn         = "Date"
	HourEndingColumn   = "Hour Ending"
	HourColumn         = "Hour"
	IntervalColumn     = "Interval"
	TimestampColumn    = "Timestamp"
	PostedTimeColumn   = "Posted Time"
	DSTFlagColumn      = "DST Flag"
	RepeatedHourColumn = "Repeated Hour"
)

// LeadingColumns come first in a standardized table, when present.
var LeadingColumns = []string{
	TimeColumn, EndTimeColumn, LocationColumn, PriceColumn, MarketColumn,
}

// ColumnRenames maps raw field names of the live API (camelCase), their
// labels, and archive CSV headers (PascalCase) to standard names.
var ColumnRenames = map[string]string{
	"deliveryDate":           DateColumn,
	"DeliveryDate":           DateColumn,
	"Delivery Date":          DateColumn,
	"operatingDay":           DateColumn,
	"OperDay":                DateColumn,
	"Operating Day":          DateColumn,
	"hourEnding":             HourEndingColumn,
	"HourEnding":             HourEndingColumn,
	"deliveryHour":           HourColumn,
	"DeliveryHour":           HourColumn,
	"Delivery Hour":          HourColumn,
	"deliveryInterval":       IntervalColumn,
	"DeliveryInterval":       IntervalColumn,
	"Delivery Interval":      IntervalColumn,
	"settlementPoint":        LocationColumn,
	"SettlementPoint":        LocationColumn,
	"Settlement Point":       LocationColumn,
	"settlementPointName":    LocationColumn,
	"SettlementPointName":    LocationColumn,
	"Settlement Point Name":  LocationColumn,
	"settlementPointType":    LocationTypeColumn,
	"SettlementPointType":    LocationTypeColumn,
	"Settlement Point Type":  LocationTypeColumn,
	"settlementPointPrice":   PriceColumn,
	"SettlementPointPrice":   PriceColumn,
	"Settlement Point Price": PriceColumn,
	"LMP":                    PriceColumn,
	"DSTFlag":                DSTFlagColumn,
	"dstFlag":                DSTFlagColumn,
	"SCEDTimestamp":          TimestampColumn,
	"SCEDTimeStamp":          TimestampColumn,
	"SCED Timestamp":         TimestampColumn,
	"SCED Time Stamp":        TimestampColumn,
	"repeatHourFlag":         RepeatedHourColumn,
	"RepeatedHourFlag":       RepeatedHourColumn,
	"Repeated Hour Flag":     RepeatedHourColumn,
	"postedDatetime":         PostedTimeColumn,
	"PostedDatetime":         PostedTimeColumn,
	"Posted Datetime":        PostedTimeColumn,
	"coast":                  "Coast",
	"east":                   "East",
	"farWest":                "Far West",
	"FarWest":                "Far West",
	"north":                  "North",
	"northCentral":           "North Central",
	"NorthCentral":           "North Central",
	"southCentral":           "South Central",
	"SouthCentral":           "South Central",
	"southern":               "Southern",
	"west":                   "West",
	"total":                  "Total",
	"model":                  "Model",
	"inUseFlag":              "In Use Flag",
	"InUseFlag":              "In Use Flag",
}

// rawTimeColumns are dropped once Time has been synthesized from them.
var rawTimeColumns = []string{
	DateColumn, HourEndingColumn, HourColumn, IntervalColumn, TimestampColumn,
	DSTFlagColumn, RepeatedHourColumn,
}

// StandardizeColumns renames raw fields, adds Time and End Time, drops the raw
// time fields they replace, and moves the leading columns to the front. The
// table is modified in place.
func StandardizeColumns(ctx context.Context, t *table.Table) {
	t.Rename(ColumnRenames)
	if AddTimeColumns(ctx, t) {
		t.Drop(rawTimeColumns...)
	}
	t.Reorder(LeadingColumns...)
}

// dstOf converts a repeated-hour flag cell to the daylight flag of the
// localizer. ERCOT marks the second, standard time occurrence of the repeated
// fall-back hour with "Y".
func dstOf(v table.Value) bool {
	repeated := tz.ParseDSTFlag(v)
	if repeated == nil {
		return true
	}
	return !*repeated
}

func toDate(v table.Value) (tz.Date, error) {
	switch x := v.(type) {
	case tz.Date:
		return x, nil
	case time.Time:
		return tz.NewDateFromTime(x.In(tz.Central)), nil
	case string:
		if d, err := tz.NewDateFromString(x); err == nil {
			return d, nil
		}
		ts, err := tz.LocalizeString(x, true, tz.ShiftForward)
		if err != nil {
			return tz.Date{}, errors.Annotate(err, "not a date: '%s'", x)
		}
		return tz.NewDateFromTime(ts), nil
	}
	return tz.Date{}, errors.Reason("not a date: %v", v)
}

// toInt accepts numbers and numeric strings; "HH:MM" yields HH.
func toInt(v table.Value) (int, error) {
	switch x := v.(type) {
	case float64:
		if x != math.Trunc(x) {
			return 0, errors.Reason("not an integer: %g", x)
		}
		return int(x), nil
	case int:
		return x, nil
	case string:
		s := strings.TrimSpace(x)
		if i := strings.Index(s, ":"); i >= 0 {
			s = s[:i]
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return 0, errors.Annotate(err, "not an integer: '%s'", x)
		}
		return n, nil
	}
	return 0, errors.Reason("not an integer: %v", v)
}

func toTime(v table.Value, dst bool) (time.Time, error) {
	switch x := v.(type) {
	case time.Time:
		return x.In(tz.Central), nil
	case string:
		return tz.LocalizeString(x, dst, tz.ShiftForward)
	}
	return time.Time{}, errors.Reason("not a timestamp: %v", v)
}

// slotFunc computes the start and the length of the row's time slot.
type slotFunc func(r table.Row) (time.Time, time.Duration, error)

// AddTimeColumns synthesizes Time and End Time from the first matching shape:
// Date, Hour and 15-minute Interval; Date and Hour Ending (or Hour), where
// hour ending N is the hour ending at N:00; a Timestamp; or a Posted Time.
// The last two have no End Time. Cells that cannot be interpreted become nil.
// Reports whether Time was added. A table already having Time is left alone.
func AddTimeColumns(ctx context.Context, t *table.Table) bool {
	if t.HasColumn(TimeColumn) {
		return false
	}
	dstIdx := t.ColumnIndex(t.FirstColumn(DSTFlagColumn, RepeatedHourColumn))
	dst := func(r table.Row) bool {
		if dstIdx < 0 || dstIdx >= len(r) {
			return true
		}
		return dstOf(r[dstIdx])
	}
	col := func(name string) int { return t.ColumnIndex(name) }
	get := func(r table.Row, i int) table.Value {
		if i < 0 || i >= len(r) {
			return nil
		}
		return r[i]
	}
	hourly := func(dateIdx, hourIdx int, step time.Duration) slotFunc {
		return func(r table.Row) (time.Time, time.Duration, error) {
			d, err := toDate(get(r, dateIdx))
			if err != nil {
				return time.Time{}, 0, err
			}
			h, err := toInt(get(r, hourIdx))
			if err != nil {
				return time.Time{}, 0, err
			}
			if h < 1 || h > 24 {
				return time.Time{}, 0, errors.Reason("hour ending out of range: %d", h)
			}
			w := d.Midnight().Add(time.Duration(h-1) * time.Hour)
			ts, err := tz.Localize(w, dst(r), tz.ShiftForward)
			return ts, step, err
		}
	}

	var slot slotFunc
	var withEnd bool
	dateIdx := col(DateColumn)
	hourIdx := t.ColumnIndex(t.FirstColumn(HourEndingColumn, HourColumn))
	switch {
	case dateIdx >= 0 && col(HourColumn) >= 0 && col(IntervalColumn) >= 0:
		withEnd = true
		base := hourly(dateIdx, col(HourColumn), time.Hour)
		intIdx := col(IntervalColumn)
		slot = func(r table.Row) (time.Time, time.Duration, error) {
			start, _, err := base(r)
			if err != nil {
				return time.Time{}, 0, err
			}
			n, err := toInt(get(r, intIdx))
			if err != nil {
				return time.Time{}, 0, err
			}
			if n < 1 || n > 4 {
				return time.Time{}, 0, errors.Reason("interval out of range: %d", n)
			}
			return start.Add(time.Duration(n-1) * 15 * time.Minute), 15 * time.Minute, nil
		}
	case dateIdx >= 0 && hourIdx >= 0:
		withEnd = true
		slot = hourly(dateIdx, hourIdx, time.Hour)
	case col(TimestampColumn) >= 0 || col(PostedTimeColumn) >= 0:
		i := t.ColumnIndex(t.FirstColumn(TimestampColumn, PostedTimeColumn))
		slot = func(r table.Row) (time.Time, time.Duration, error) {
			ts, err := toTime(get(r, i), dst(r))
			return ts, 0, err
		}
	default:
		return false
	}

	times := make([]table.Value, len(t.Rows))
	ends := make([]table.Value, len(t.Rows))
	bad := 0
	for k, r := range t.Rows {
		start, d, err := slot(r)
		if err != nil {
			bad++
			if bad == 1 {
				logging.Debugf(ctx, "cannot derive time of row %d: %s", k, err.Error())
			}
			continue
		}
		times[k] = start
		ends[k] = start.Add(d)
	}
	if bad > 0 {
		logging.Warningf(ctx, "%d of %d rows have no time", bad, len(t.Rows))
	}
	// Cannot fail: lengths match the number of rows.
	_ = t.SetColumn(TimeColumn, times)
	if withEnd {
		_ = t.SetColumn(EndTimeColumn, ends)
	}
	return true
}
