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
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stockparfait/errors"
)

// Outcomes of an archive document fetch, used as metric labels.
const (
	DocumentOK      = "ok"
	DocumentMissing = "missing"
	DocumentFailed  = "failed"
)

// Metrics are the client's Prometheus counters. All methods are safe on a nil
// receiver, which disables metrics.
type Metrics struct {
	Requests  *prometheus.CounterVec
	Retries   prometheus.Counter
	Documents *prometheus.CounterVec
}

// NewMetrics creates unregistered counters.
func NewMetrics() *Metrics {
	return &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ercot",
			Name:      "requests_total",
			Help:      "HTTP requests to the ERCOT API by response status.",
		}, []string{"status"}),
		Retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ercot",
			Name:      "retries_total",
			Help:      "Retried ERCOT API requests.",
		}),
		Documents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ercot",
			Name:      "archive_documents_total",
			Help:      "Archive documents by outcome.",
		}, []string{"outcome"}),
	}
}

// Register all the counters with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	if m == nil {
		return nil
	}
	for _, c := range []prometheus.Collector{m.Requests, m.Retries, m.Documents} {
		if err := reg.Register(c); err != nil {
			return errors.Annotate(err, "failed to register metrics")
		}
	}
	return nil
}

// ObserveRequest counts a response with the given HTTP status, or a transport
// failure when status is 0.
func (m *Metrics) ObserveRequest(status int) {
	if m == nil {
		return
	}
	label := "error"
	if status > 0 {
		label = strconv.Itoa(status)
	}
	m.Requests.WithLabelValues(label).Inc()
}

// ObserveRetry counts a retry.
func (m *Metrics) ObserveRetry() {
	if m == nil {
		return
	}
	m.Retries.Inc()
}

// ObserveDocument counts an archive document with the given outcome.
func (m *Metrics) ObserveDocument(outcome string) {
	if m == nil {
		return
	}
	m.Documents.WithLabelValues(outcome).Inc()
}
