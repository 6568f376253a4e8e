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

// Package api implements the transport core of the ERCOT public reports API.
//
// Official documentation is at https://apiexplorer.ercot.com/ .
//
// Each report endpoint returns JSON pages with a "_meta" block (total records,
// page size, total pages, current page), a "fields" list of column
// descriptors, and "data" rows positionally aligned with the fields. The
// client fetches page 1 to learn the page count and the schema, then fetches
// the remaining pages concurrently. The schema of later pages is ignored.
//
// Every request goes through a shared token bucket (see package ratelimit),
// and is retried with exponential backoff on 429 and 5xx gateway responses and
// on timeouts. All other failures propagate immediately.
//
// Authentication uses an API subscription key and, optionally, a bearer token
// obtained from ERCOT's identity provider. The HTTP client is owned by the
// Client and recreated whenever the token changes.
//
// Data older than the live API retention window is served by package archive.
package api
