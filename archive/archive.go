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

// Package archive retrieves historical ERCOT reports from the bulk archive.
//
// Each report (EMIL id) has an archive listing of posted documents. Documents
// are downloaded in batches of up to 1000 doc ids as a zip of zips, one inner
// zip per document, each holding one or more CSV files. A per-document
// download path is available as a fallback; it tolerates partial failure.
package archive

import (
	"context"
	"encoding/json"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/stockparfait/ercot/api"
	"github.com/stockparfait/ercot/table"
	"github.com/stockparfait/ercot/tz"
	"github.com/stockparfait/errors"
	"github.com/stockparfait/fetch"
	"github.com/stockparfait/iterator"
	"github.com/stockparfait/logging"
)

// PostDatetimeColumn is the column stamped with the document's posting time.
const PostDatetimeColumn = "Post Datetime"

// listingTimeFormat is the naive Central time format of the listing filters.
const listingTimeFormat = "2006-01-02T15:04:05"

// Link identifies one archived document.
type Link struct {
	DocID        string
	URL          string
	PostDatetime time.Time
	Filename     string
}

// Document is the raw content of a downloaded archive document.
type Document struct {
	DocID    string
	Filename string
	Data     []byte
}

// Result of a historical fetch. Documents with a single file are concatenated
// into Table. Documents bundling several files are keyed by file name in
// Reports.
type Result struct {
	Table   *table.Table
	Reports map[string]*table.Table
}

// Archive client.
type Archive struct {
	client *api.Client
	// fetchLink downloads and parses one document; replaced in tests.
	fetchLink func(ctx context.Context, l Link) (*table.Table, error)
}

// New creates an archive client on top of the API client.
func New(c *api.Client) *Archive {
	a := &Archive{client: c}
	a.fetchLink = a.downloadLink
	return a
}

// EMILID extracts the report identifier from an endpoint path, e.g.
// "/np6-905-cd/spp_node_zone_hub" -> "np6-905-cd".
func EMILID(endpoint string) string {
	if u, err := url.Parse(endpoint); err == nil && u.Path != "" {
		endpoint = u.Path
	}
	for _, s := range strings.Split(endpoint, "/") {
		if s != "" {
			return strings.ToLower(s)
		}
	}
	return ""
}

type listingEntry struct {
	DocID        json.Number `json:"docId"`
	FriendlyName string      `json:"friendlyName"`
	PostDatetime string      `json:"postDatetime"`
	Links        struct {
		Endpoint struct {
			Href string `json:"href"`
		} `json:"endpoint"`
	} `json:"_links"`
}

type listingPage struct {
	Meta     api.Meta       `json:"_meta"`
	Archives []listingEntry `json:"archives"`
}

func (e *listingEntry) link() (Link, error) {
	l := Link{
		DocID:    e.DocID.String(),
		URL:      e.Links.Endpoint.Href,
		Filename: e.FriendlyName,
	}
	if l.DocID == "" && l.URL != "" {
		if u, err := url.Parse(l.URL); err == nil {
			l.DocID = u.Query().Get("download")
		}
	}
	if l.DocID == "" {
		return l, errors.Reason("archive entry has no doc id")
	}
	t, err := tz.LocalizeString(e.PostDatetime, true, tz.ShiftForward)
	if err != nil {
		return l, errors.Annotate(err, "bad postDatetime for doc %s", l.DocID)
	}
	l.PostDatetime = t
	return l, nil
}

// Links lists the documents of the report posted in [start, end). Listing
// pages are fetched sequentially.
func (a *Archive) Links(ctx context.Context, emilID string, start, end time.Time) ([]Link, error) {
	endpoint := "/archive/" + emilID
	size := a.client.Config().ArchivePageSize
	var links []Link
	for page, total := 1, 1; page <= total; page++ {
		q := url.Values{}
		q.Set("postDatetimeFrom", start.In(tz.Central).Format(listingTimeFormat))
		q.Set("postDatetimeTo", end.In(tz.Central).Format(listingTimeFormat))
		q.Set("page", strconv.Itoa(page))
		q.Set("size", strconv.Itoa(size))
		var p listingPage
		if err := a.client.GetJSON(ctx, endpoint, q, &p); err != nil {
			return nil, errors.Annotate(err, "failed to list archive page %d of %s", page, emilID)
		}
		total = p.Meta.TotalPages
		for i := range p.Archives {
			l, err := p.Archives[i].link()
			if err != nil {
				logging.Warningf(ctx, "%s: skipping archive entry: %s", emilID, err.Error())
				continue
			}
			if l.PostDatetime.Before(start) || !l.PostDatetime.Before(end) {
				continue
			}
			links = append(links, l)
		}
	}
	logging.Infof(ctx, "%s: %d archive documents posted in [%s, %s)",
		emilID, len(links), start.Format(time.RFC3339), end.Format(time.RFC3339))
	return links, nil
}

// docIDValue sends numeric ids as JSON numbers.
func docIDValue(id string) any {
	if _, err := strconv.ParseInt(id, 10, 64); err == nil {
		return json.Number(id)
	}
	return id
}

// matchDocuments assigns inner files of a batch to the requested ids: first by
// exact file stem, then by the stem containing the id.
func matchDocuments(files []Document, ids []string) map[string]Document {
	res := make(map[string]Document)
	used := make([]bool, len(files))
	stem := func(name string) string {
		b := path.Base(name)
		return strings.TrimSuffix(b, path.Ext(b))
	}
	for _, exact := range []bool{true, false} {
		for _, id := range ids {
			if _, ok := res[id]; ok {
				continue
			}
			for i, f := range files {
				if used[i] {
					continue
				}
				s := stem(f.Filename)
				if (exact && s == id) || (!exact && strings.Contains(s, id)) {
					f.DocID = id
					res[id] = f
					used[i] = true
					break
				}
			}
		}
	}
	return res
}

// BulkDownload fetches documents in batches of at most archive_batch_size ids.
// Ids missing from a batch response are logged and skipped. The order of the
// result is unspecified.
func (a *Archive) BulkDownload(ctx context.Context, emilID string, docIDs []string) ([]Document, error) {
	endpoint := "/archive/" + emilID + "/download"
	batch := a.client.Config().ArchiveBatchSize
	if batch < 1 || batch > api.MaxArchiveBatch {
		batch = api.MaxArchiveBatch
	}
	var docs []Document
	for lo := 0; lo < len(docIDs); lo += batch {
		hi := lo + batch
		if hi > len(docIDs) {
			hi = len(docIDs)
		}
		ids := docIDs[lo:hi]
		body := map[string][]any{"docIds": make([]any, len(ids))}
		for i, id := range ids {
			body["docIds"][i] = docIDValue(id)
		}
		data, err := a.client.Post(ctx, endpoint, body)
		if err != nil {
			return nil, errors.Annotate(err, "bulk download of %d documents failed", len(ids))
		}
		files, err := unzipFiles(data)
		if err != nil {
			return nil, errors.Annotate(err, "bad bulk download response")
		}
		matched := matchDocuments(files, ids)
		for _, id := range ids {
			d, ok := matched[id]
			if !ok {
				a.client.Metrics().ObserveDocument(api.DocumentMissing)
				logging.Warningf(ctx, "%s: doc %s missing from bulk download", emilID, id)
				continue
			}
			docs = append(docs, d)
		}
		logging.Debugf(ctx, "%s: downloaded %d of %d documents in batch",
			emilID, len(matched), len(ids))
	}
	return docs, nil
}

// FetchHistorical retrieves all documents of the endpoint's report posted in
// [start, end) via bulk download. Documents that fail to parse are logged and
// skipped. When addPostDatetime is set, each row is stamped with the posting
// time of its document.
func (a *Archive) FetchHistorical(ctx context.Context, endpoint string, start, end time.Time, addPostDatetime bool) (*Result, error) {
	emilID := EMILID(endpoint)
	if emilID == "" {
		return nil, errors.Reason("no EMIL id in endpoint '%s'", endpoint)
	}
	res := &Result{Table: table.Concat(), Reports: map[string]*table.Table{}}
	links, err := a.Links(ctx, emilID, start, end)
	if err != nil {
		return nil, err
	}
	if len(links) == 0 {
		return res, nil
	}
	byID := make(map[string]Link, len(links))
	ids := make([]string, len(links))
	for i, l := range links {
		byID[l.DocID] = l
		ids[i] = l.DocID
	}
	docs, err := a.BulkDownload(ctx, emilID, ids)
	if err != nil {
		return nil, err
	}
	var singles []*table.Table
	for _, d := range docs {
		tables, err := ParseDocument(d.Data, d.Filename)
		if err != nil {
			a.client.Metrics().ObserveDocument(api.DocumentFailed)
			logging.Warningf(ctx, "%s: skipping doc %s: %s", emilID, d.DocID, err.Error())
			continue
		}
		a.client.Metrics().ObserveDocument(api.DocumentOK)
		for _, t := range tables {
			if addPostDatetime {
				t.AddColumn(PostDatetimeColumn, byID[d.DocID].PostDatetime)
			}
		}
		if len(tables) == 1 {
			for _, t := range tables {
				singles = append(singles, t)
			}
			continue
		}
		for name, t := range tables {
			res.Reports[name] = table.Concat(res.Reports[name], t)
		}
	}
	res.Table = table.Concat(singles...)
	logging.Infof(ctx, "%s: %d rows from %d documents", emilID, res.Table.Len(), len(docs))
	return res, nil
}

// getDocument makes one rate-limited attempt to download a document.
func (a *Archive) getDocument(ctx context.Context, uri, docID string) ([]byte, error) {
	if err := a.client.Throttle(ctx); err != nil {
		return nil, err
	}
	hc, err := a.client.HTTPClient(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := fetch.Get(fetch.UseClient(ctx, hc), uri, nil)
	if resp == nil {
		if err == nil {
			err = errors.Reason("no response")
		}
		return nil, a.client.TransportError("doc "+docID, err)
	}
	return a.client.ReadResponse(resp, "doc "+docID)
}

// downloadLink fetches a single document with the session's HTTP client and
// concatenates all of its files. Every attempt takes a rate limiter token.
func (a *Archive) downloadLink(ctx context.Context, l Link) (*table.Table, error) {
	uri := a.client.URL(l.URL)
	data, err := api.Retry(ctx, a.client.RetryPolicy(ctx), uri, func() ([]byte, error) {
		return a.getDocument(ctx, uri, l.DocID)
	})
	if err != nil {
		return nil, errors.Annotate(err, "failed to download doc %s", l.DocID)
	}
	name := l.Filename
	if name == "" {
		name = l.DocID
	}
	tables, err := ParseDocument(data, name)
	if err != nil {
		return nil, err
	}
	all := make([]*table.Table, 0, len(tables))
	for _, t := range tables {
		all = append(all, t)
	}
	return table.Concat(all...), nil
}

type linkResult struct {
	link  Link
	table *table.Table
	err   error
}

// FetchLinksParallel downloads documents one by one with up to
// max_concurrent_requests in flight. Failed documents are logged and left out;
// if all fail, the result is an empty table. Row order is unspecified.
func (a *Archive) FetchLinksParallel(ctx context.Context, links []Link, addPostDatetime bool) *table.Table {
	if len(links) == 0 {
		return table.Concat()
	}
	workers := a.client.Config().MaxConcurrentRequests
	if workers < 1 {
		workers = 1
	}
	f := func(l Link) linkResult {
		t, err := a.fetchLink(ctx, l)
		return linkResult{link: l, table: t, err: err}
	}
	pm := iterator.ParallelMap(ctx, workers, iterator.FromSlice(links), f)

	tables := iterator.Reduce[linkResult, []*table.Table](pm, nil,
		func(r linkResult, acc []*table.Table) []*table.Table {
			if r.err != nil {
				a.client.Metrics().ObserveDocument(api.DocumentFailed)
				logging.Warningf(ctx, "skipping doc %s: %s", r.link.DocID, r.err.Error())
				return acc
			}
			a.client.Metrics().ObserveDocument(api.DocumentOK)
			if addPostDatetime {
				r.table.AddColumn(PostDatetimeColumn, r.link.PostDatetime)
			}
			return append(acc, r.table)
		})
	if len(tables) == 0 && len(links) > 0 {
		logging.Warningf(ctx, "all %d archive documents failed", len(links))
	}
	return table.Concat(tables...)
}

// FetchHistoricalParallel is FetchHistorical via per-document downloads. All
// files of a document are concatenated into the single result table.
func (a *Archive) FetchHistoricalParallel(ctx context.Context, endpoint string, start, end time.Time, addPostDatetime bool) (*table.Table, error) {
	emilID := EMILID(endpoint)
	if emilID == "" {
		return nil, errors.Reason("no EMIL id in endpoint '%s'", endpoint)
	}
	links, err := a.Links(ctx, emilID, start, end)
	if err != nil {
		return nil, err
	}
	return a.FetchLinksParallel(ctx, links, addPostDatetime), nil
}

// unzipFiles extracts the top-level files of a zip archive.
func unzipFiles(data []byte) ([]Document, error) {
	if !isZip(data) {
		return nil, errors.Reason("response is not a zip archive")
	}
	z, err := zipReader(data)
	if err != nil {
		return nil, err
	}
	var res []Document
	for _, f := range z.File {
		if f.FileInfo().IsDir() {
			continue
		}
		b, err := readZipFile(f)
		if err != nil {
			return nil, err
		}
		res = append(res, Document{Filename: f.Name, Data: b})
	}
	return res, nil
}
