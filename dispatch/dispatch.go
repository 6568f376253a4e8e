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

// Package dispatch decides whether a date must be served from the archive or
// from the live API.
package dispatch

import (
	"time"

	"github.com/stockparfait/ercot/tz"
)

// Category of data with its own live API retention window.
type Category string

// Categories of data.
const (
	RealTime Category = "real_time"
	DayAhead Category = "day_ahead"
	Forecast Category = "forecast"
	Load     Category = "load"
	Default  Category = "default"
)

// DefaultRetention is the number of days each category stays in the live API.
var DefaultRetention = map[Category]int{
	RealTime: 1,
	DayAhead: 2,
	Forecast: 3,
	Load:     3,
	Default:  1,
}

// DefaultThresholdDays is the coarse cutoff of IsHistorical.
const DefaultThresholdDays = 90

// Policy routes dates by category.
type Policy struct {
	RetentionDays map[Category]int // days; missing categories use Default
	ThresholdDays int
	Location      *time.Location // where calendar days are counted
	Now           func() time.Time
}

// DefaultPolicy returns the policy with ERCOT's observed retention windows.
func DefaultPolicy() *Policy {
	r := make(map[Category]int, len(DefaultRetention))
	for k, v := range DefaultRetention {
		r[k] = v
	}
	return &Policy{
		RetentionDays: r,
		ThresholdDays: DefaultThresholdDays,
		Location:      tz.Central,
		Now:           time.Now,
	}
}

// Retention window of the category in days, at least 1.
func (p *Policy) Retention(c Category) int {
	d, ok := p.RetentionDays[c]
	if !ok {
		d, ok = p.RetentionDays[Default]
	}
	if !ok {
		d = DefaultRetention[Default]
	}
	if d < 1 {
		d = 1
	}
	return d
}

// today is the current calendar date in the policy's location.
func (p *Policy) today() tz.Date {
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	loc := p.Location
	if loc == nil {
		loc = tz.Central
	}
	return tz.NewDateFromTime(now().In(loc))
}

// NeedsHistorical reports whether date is older than the live retention window
// of the category: date < today - (retention - 1). Only calendar days are
// compared, so the result does not change within a day.
func (p *Policy) NeedsHistorical(date tz.Date, c Category) bool {
	cutoff := p.today().AddDays(-(p.Retention(c) - 1))
	return date.Before(cutoff)
}

// IsHistorical is the coarse, category-free check: date is more than
// ThresholdDays in the past.
func (p *Policy) IsHistorical(date tz.Date) bool {
	days := p.ThresholdDays
	if days <= 0 {
		days = DefaultThresholdDays
	}
	return date.Before(p.today().AddDays(-days))
}
