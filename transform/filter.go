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

package transform

import (
	"fmt"
	"strings"

	"github.com/stockparfait/ercot/table"
	"github.com/stockparfait/ercot/tz"
	"github.com/stockparfait/errors"
	"golang.org/x/exp/slices"
)

// LocationType is a category of settlement points.
type LocationType string

// Location types. AnyLocation applies no category filter.
const (
	AnyLocation  LocationType = ""
	LoadZone     LocationType = "load_zone"
	TradingHub   LocationType = "trading_hub"
	ResourceNode LocationType = "resource_node"
)

// ParseLocationType validates a location type name.
func ParseLocationType(s string) (LocationType, error) {
	switch lt := LocationType(strings.ToLower(strings.TrimSpace(s))); lt {
	case AnyLocation, LoadZone, TradingHub, ResourceNode:
		return lt, nil
	}
	return AnyLocation, errors.Reason("unknown location type '%s'", s)
}

// LoadZones are ERCOT's load zone settlement points.
var LoadZones = []string{
	"LZ_AEN", "LZ_CPS", "LZ_HOUSTON", "LZ_LCRA",
	"LZ_NORTH", "LZ_RAYBN", "LZ_SOUTH", "LZ_WEST",
}

// TradingHubs are ERCOT's trading hub settlement points.
var TradingHubs = []string{
	"HB_BUSAVG", "HB_HOUSTON", "HB_HUBAVG", "HB_NORTH",
	"HB_PAN", "HB_SOUTH", "HB_WEST",
}

// locationColumns are tried in order to find the settlement point column.
var locationColumns = []string{
	LocationColumn, "Settlement Point", "Settlement Point Name",
	"settlementPoint", "settlementPointName", "SettlementPoint",
	"SettlementPointName", "Bus Name", "busName",
}

// dateColumns are tried in order by FilterByDate.
var dateColumns = []string{
	TimeColumn, DateColumn, "Delivery Date", "deliveryDate", "DeliveryDate",
	"Operating Day", "operatingDay", "OperDay", TimestampColumn, PostedTimeColumn,
}

func isLoadZone(name string) bool {
	return slices.Contains(LoadZones, name) || strings.HasPrefix(name, "LZ_")
}

func isTradingHub(name string) bool {
	return slices.Contains(TradingHubs, name) || strings.HasPrefix(name, "HB_")
}

// Matches tests whether the settlement point name belongs to the type.
func (lt LocationType) Matches(name string) bool {
	switch lt {
	case LoadZone:
		return isLoadZone(name)
	case TradingHub:
		return isTradingHub(name)
	case ResourceNode:
		return !isLoadZone(name) && !isTradingHub(name)
	}
	return true
}

// FilterByLocation keeps the rows whose location is in locations (when not
// empty) and matches the location type. Names compare case-insensitively. A
// table without a recognizable location column is returned as is.
func FilterByLocation(t *table.Table, locations []string, lt LocationType) *table.Table {
	i := t.ColumnIndex(t.FirstColumn(locationColumns...))
	if i < 0 || (len(locations) == 0 && lt == AnyLocation) {
		return t
	}
	names := make(map[string]struct{}, len(locations))
	for _, l := range locations {
		names[strings.ToUpper(strings.TrimSpace(l))] = struct{}{}
	}
	return t.Filter(func(r table.Row) bool {
		if i >= len(r) || r[i] == nil {
			return false
		}
		name := strings.ToUpper(strings.TrimSpace(fmt.Sprint(r[i])))
		if len(names) > 0 {
			if _, ok := names[name]; !ok {
				return false
			}
		}
		return lt.Matches(name)
	})
}

// FilterByDate keeps the rows whose date is in [start, end). Timestamps
// compare by their calendar date in Central time. A zero bound is open. When
// column is empty, the first present of the usual date columns is used; with
// no date column the table is returned as is. Rows with an unreadable date
// are dropped.
func FilterByDate(t *table.Table, start, end tz.Date, column string) *table.Table {
	if column == "" {
		column = t.FirstColumn(dateColumns...)
	}
	i := t.ColumnIndex(column)
	if i < 0 {
		return t
	}
	return t.Filter(func(r table.Row) bool {
		if i >= len(r) {
			return false
		}
		d, err := toDate(r[i])
		if err != nil {
			return false
		}
		if !start.IsZero() && d.Before(start) {
			return false
		}
		return end.IsZero() || d.Before(end)
	})
}
