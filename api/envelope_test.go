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
	"testing"

	"github.com/stockparfait/ercot/table"

	. "github.com/smartystreets/goconvey/convey"
)

func TestEnvelope(t *testing.T) {
	t.Parallel()

	Convey("DecodeEnvelope", t, func() {
		Convey("report", func() {
			env, err := DecodeEnvelope([]byte(`{
  "_meta": {"totalRecords": 1, "pageSize": 1, "totalPages": 1, "currentPage": 1},
  "fields": [{"name": "a", "label": "A"}],
  "data": [[1]]
}`))
			So(err, ShouldBeNil)
			r, ok := env.(*ReportEnvelope)
			So(ok, ShouldBeTrue)
			So(r.Meta.TotalRecords, ShouldEqual, 1)
			tbl, err := EnvelopeTable(env)
			So(err, ShouldBeNil)
			So(tbl.Header, ShouldResemble, []string{"A"})
			So(tbl.Rows, ShouldResemble, []table.Row{{1.0}})
		})

		Convey("peels additional_properties", func() {
			env, err := DecodeEnvelope([]byte(
				`{"additional_properties": {"additional_properties": [{"name": "np6-905-cd"}]}}`))
			So(err, ShouldBeNil)
			p, ok := env.(ProductEnvelope)
			So(ok, ShouldBeTrue)
			So(len(p), ShouldEqual, 1)
		})

		Convey("HAL products", func() {
			env, err := DecodeEnvelope([]byte(`{
  "_embedded": {"products": [{"emilId": "NP6-905-CD", "name": "SPP"}, {"emilId": "NP4-190-CD"}]},
  "_links": {"self": {"href": "/"}}
}`))
			So(err, ShouldBeNil)
			h, ok := env.(HALEnvelope)
			So(ok, ShouldBeTrue)
			So(len(h.Products), ShouldEqual, 2)
			So(h.Links, ShouldNotBeNil)
			tbl, err := EnvelopeTable(env)
			So(err, ShouldBeNil)
			So(tbl.Header, ShouldResemble, []string{"emilId", "name"})
			So(tbl.Rows, ShouldResemble, []table.Row{{"NP6-905-CD", "SPP"}, {"NP4-190-CD", nil}})
		})

		Convey("raw dict becomes one row", func() {
			env, err := DecodeEnvelope([]byte(`{"status": "ok", "version": 2}`))
			So(err, ShouldBeNil)
			_, ok := env.(RawDict)
			So(ok, ShouldBeTrue)
			tbl, err := EnvelopeTable(env)
			So(err, ShouldBeNil)
			So(tbl.Header, ShouldResemble, []string{"status", "version"})
			So(tbl.Len(), ShouldEqual, 1)
		})

		Convey("errors", func() {
			_, err := DecodeEnvelope([]byte(`not json`))
			So(err, ShouldNotBeNil)
			_, err = DecodeEnvelope([]byte(`[1, 2]`))
			So(err, ShouldNotBeNil)
			_, err = DecodeEnvelope([]byte(`"str"`))
			So(err, ShouldNotBeNil)
		})
	})
}
