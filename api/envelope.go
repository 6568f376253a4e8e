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
	"encoding/json"

	"github.com/stockparfait/ercot/table"
	"github.com/stockparfait/errors"
)

// Envelope is a decoded API response: one of RawDict, *ReportEnvelope,
// ProductEnvelope or HALEnvelope.
type Envelope interface {
	envelope()
}

// RawDict is an object response of no known shape.
type RawDict map[string]any

// ReportEnvelope is a paginated report response.
type ReportEnvelope struct {
	Page
}

// ProductEnvelope is a bare list of product records.
type ProductEnvelope []map[string]any

// HALEnvelope is a hypermedia response with embedded products.
type HALEnvelope struct {
	Products []map[string]any
	Links    map[string]any
}

func (RawDict) envelope()         {}
func (*ReportEnvelope) envelope() {}
func (ProductEnvelope) envelope() {}
func (HALEnvelope) envelope()     {}

// DecodeEnvelope classifies a JSON response body. Wrappers of the form
// {"additional_properties": {...}} are peeled first.
func DecodeEnvelope(body []byte) (Envelope, error) {
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, errors.Annotate(err, "failed to parse response JSON")
	}
	return classify(v)
}

func records(list []any) ([]map[string]any, bool) {
	res := make([]map[string]any, 0, len(list))
	for _, x := range list {
		m, ok := x.(map[string]any)
		if !ok {
			return nil, false
		}
		res = append(res, m)
	}
	return res, true
}

func classify(v any) (Envelope, error) {
	switch x := v.(type) {
	case []any:
		recs, ok := records(x)
		if !ok {
			return nil, errors.Reason("list response must contain only objects")
		}
		return ProductEnvelope(recs), nil
	case map[string]any:
		if inner, ok := x["additional_properties"]; ok && len(x) == 1 {
			return classify(inner)
		}
		if emb, ok := x["_embedded"].(map[string]any); ok {
			if list, ok := emb["products"].([]any); ok {
				recs, ok := records(list)
				if !ok {
					return nil, errors.Reason("embedded products must be objects")
				}
				links, _ := x["_links"].(map[string]any)
				return HALEnvelope{Products: recs, Links: links}, nil
			}
		}
		_, hasData := x["data"]
		_, hasFields := x["fields"]
		if hasData || hasFields {
			js, err := json.Marshal(x)
			if err != nil {
				return nil, errors.Annotate(err, "failed to re-encode report")
			}
			var r ReportEnvelope
			if err := json.Unmarshal(js, &r.Page); err != nil {
				return nil, errors.Annotate(err, "malformed report response")
			}
			return &r, nil
		}
		return RawDict(x), nil
	}
	return nil, errors.Reason("unsupported response type %T", v)
}

// EnvelopeTable converts any envelope into a table. A RawDict becomes a single
// row.
func EnvelopeTable(env Envelope) (*table.Table, error) {
	switch e := env.(type) {
	case RawDict:
		return table.FromRecords([]map[string]table.Value{e}), nil
	case *ReportEnvelope:
		rows, fields, err := e.Rows(e.Fields)
		if err != nil {
			return nil, err
		}
		return table.FromRows(rows, fields), nil
	case ProductEnvelope:
		return table.FromRecords(e), nil
	case HALEnvelope:
		return table.FromRecords(e.Products), nil
	}
	return nil, errors.Reason("unsupported envelope %T", env)
}
