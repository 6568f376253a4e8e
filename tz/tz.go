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

package tz

import (
	"sort"
	"strings"
	"time"
	_ "time/tzdata" // the zone must resolve on hosts without a zoneinfo database

	"github.com/stockparfait/errors"
)

// CentralName is the IANA name of the zone ERCOT operates in.
const CentralName = "America/Chicago"

// Central is the grid's operating timezone (US Central, with DST).
var Central = func() *time.Location {
	loc, err := time.LoadLocation(CentralName)
	if err != nil {
		panic(errors.Annotate(err, "failed to load timezone %s", CentralName))
	}
	return loc
}()

// Wall is a naive wall-clock reading: calendar fields without any offset or
// zone. It must be localized to become an instant.
type Wall struct {
	t time.Time // wall clock fields stored in UTC
}

// NewWall creates a wall-clock reading from its fields.
func NewWall(year int, month time.Month, day, hour, min, sec int) Wall {
	return Wall{t: time.Date(year, month, day, hour, min, sec, 0, time.UTC)}
}

// WallOf returns the wall clock of t as read in t's own location.
func WallOf(t time.Time) Wall {
	return Wall{t: time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(),
		t.Second(), t.Nanosecond(), time.UTC)}
}

// ParseWall parses a timestamp without a zone.
func ParseWall(s string) (Wall, error) {
	t, err := parseNaive(s)
	if err != nil {
		return Wall{}, err
	}
	return Wall{t: t}, nil
}

// Add shifts the reading by d using clock arithmetic, ignoring DST.
func (w Wall) Add(d time.Duration) Wall { return Wall{t: w.t.Add(d)} }

// Date is the calendar date of the reading.
func (w Wall) Date() Date { return NewDateFromTime(w.t) }

// Equal tests two readings for the same wall clock.
func (w Wall) Equal(w2 Wall) bool { return w.t.Equal(w2.t) }

// Before compares two readings by wall clock.
func (w Wall) Before(w2 Wall) bool { return w.t.Before(w2.t) }

// IsZero checks whether the reading has a zero value.
func (w Wall) IsZero() bool { return w.t.IsZero() }

func (w Wall) String() string { return w.t.Format("2006-01-02 15:04:05") }

// Nonexistent selects how a wall clock inside a spring-forward gap is resolved.
type Nonexistent string

const (
	// ShiftForward moves to the first valid instant after the gap.
	ShiftForward = Nonexistent("shift_forward")
	// ShiftBackward moves to the last valid instant before the gap.
	ShiftBackward = Nonexistent("shift_backward")
)

// ParseNonexistent converts a policy name into Nonexistent.
func ParseNonexistent(s string) (Nonexistent, error) {
	n := Nonexistent(s)
	if err := n.Validate(); err != nil {
		return "", err
	}
	return n, nil
}

// Validate rejects unknown policies.
func (n Nonexistent) Validate() error {
	switch n {
	case ShiftForward, ShiftBackward:
		return nil
	}
	return errors.Reason("unsupported nonexistent time policy '%s': must be %s or %s",
		string(n), ShiftForward, ShiftBackward)
}

// candidates returns all instants in loc whose wall clock reads w, in
// chronological order: one normally, two in a fall-back hour, none in a
// spring-forward gap.
func candidates(w Wall, loc *time.Location) []time.Time {
	var res []time.Time
	for _, probe := range []time.Time{w.t.Add(-24 * time.Hour), w.t, w.t.Add(24 * time.Hour)} {
		_, off := probe.In(loc).Zone()
		t := w.t.Add(-time.Duration(off) * time.Second).In(loc)
		if !WallOf(t).Equal(w) {
			continue
		}
		dup := false
		for _, c := range res {
			if c.Equal(t) {
				dup = true
				break
			}
		}
		if !dup {
			res = append(res, t)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Before(res[j]) })
	return res
}

// LocalizeIn resolves the wall clock w to an instant in loc. An ambiguous
// reading resolves to the daylight occurrence when ambiguousDST is true and to
// the standard one otherwise. A reading in a DST gap is shifted according to
// nonexistent.
func LocalizeIn(loc *time.Location, w Wall, ambiguousDST bool, nonexistent Nonexistent) (time.Time, error) {
	if err := nonexistent.Validate(); err != nil {
		return time.Time{}, err
	}
	c := candidates(w, loc)
	switch len(c) {
	case 1:
		return c[0], nil
	case 2:
		for _, t := range c {
			if t.IsDST() == ambiguousDST {
				return t, nil
			}
		}
		if ambiguousDST {
			return c[0], nil
		}
		return c[1], nil
	}
	// The gap: read the wall clock with the offset in effect before it, which
	// lands past the transition, and take the start of that zone period.
	_, before := w.t.Add(-24 * time.Hour).In(loc).Zone()
	after := w.t.Add(-time.Duration(before) * time.Second).In(loc)
	start, _ := after.ZoneBounds()
	if start.IsZero() {
		return time.Time{}, errors.Reason("cannot resolve nonexistent time %s in %s", w, loc)
	}
	if nonexistent == ShiftBackward {
		return start.Add(-time.Nanosecond), nil
	}
	return start, nil
}

// Localize resolves w in the grid's timezone.
func Localize(w Wall, ambiguousDST bool, nonexistent Nonexistent) (time.Time, error) {
	return LocalizeIn(Central, w, ambiguousDST, nonexistent)
}

// LocalizeString parses s and localizes it in the grid's timezone. A string
// carrying an explicit offset is already an instant and is only converted.
func LocalizeString(s string, ambiguousDST bool, nonexistent Nonexistent) (time.Time, error) {
	if err := nonexistent.Validate(); err != nil {
		return time.Time{}, err
	}
	s = strings.TrimSpace(s)
	for _, l := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999Z0700"} {
		if t, err := time.Parse(l, s); err == nil {
			return t.In(Central), nil
		}
	}
	w, err := ParseWall(s)
	if err != nil {
		return time.Time{}, err
	}
	return Localize(w, ambiguousDST, nonexistent)
}

// ResolveAmbiguous localizes a batch of wall clocks using per-element DST
// flags. A true flag selects the daylight occurrence of an ambiguous hour;
// missing or nil flags default to true. Readings inside a DST gap shift
// forward.
func ResolveAmbiguous(walls []Wall, dstFlags []*bool) ([]time.Time, error) {
	res := make([]time.Time, len(walls))
	for i, w := range walls {
		dst := true
		if i < len(dstFlags) && dstFlags[i] != nil {
			dst = *dstFlags[i]
		}
		t, err := Localize(w, dst, ShiftForward)
		if err != nil {
			return nil, errors.Annotate(err, "failed to localize element %d: %s", i, w)
		}
		res[i] = t
	}
	return res, nil
}

// ParseDSTFlag interprets a DST flag cell. Nil means the flag is missing.
func ParseDSTFlag(v any) *bool {
	var b bool
	switch x := v.(type) {
	case bool:
		b = x
	case float64:
		b = x != 0
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "y", "yes", "true", "t", "1":
			b = true
		case "n", "no", "false", "f", "0":
			b = false
		default:
			return nil
		}
	default:
		return nil
	}
	return &b
}

// IsDSTTransitionDate tests whether the UTC offset of the grid's timezone
// changes during the given calendar day.
func IsDSTTransitionDate(d Date) bool {
	y, m, day := int(d.Year()), time.Month(d.Month()), int(d.Day())
	_, start := time.Date(y, m, day, 0, 0, 0, 0, Central).Zone()
	_, end := time.Date(y, m, day+1, 0, 0, 0, 0, Central).Zone()
	return start != end
}

// UTCOffset returns the UTC offset of t in whole hours.
func UTCOffset(t time.Time) (int, error) {
	if t.IsZero() {
		return 0, errors.Reason("cannot determine UTC offset of a zero time")
	}
	_, off := t.Zone()
	if off%3600 != 0 {
		return 0, errors.Reason("UTC offset of %s is not a whole number of hours: %ds",
			t.Format(time.RFC3339), off)
	}
	return off / 3600, nil
}
