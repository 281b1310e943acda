// Copyright 2021 Optakt Labs OÜ
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may not
// use this file except in compliance with the License. You may obtain a copy of
// the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS, WITHOUT
// WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied. See the
// License for the specific language governing permissions and limitations under
// the License.

package progress

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/arbortree/pull/models/repo"
)

const namespace = "treepull"

// Prometheus mirrors the Snapshot's numeric counters onto gauges (the delta
// byte totals, the status string and the timestamp are not exported), in the teacher's
// promauto-constructed-at-build-time style (service/metrics.MetricsWriter).
// Unlike the teacher's per-event counters, every field here is a gauge: a
// Snapshot already carries running totals, so Set is the correct operation,
// not Add.
type Prometheus struct {
	outstandingFetches prometheus.Gauge
	outstandingWrites  prometheus.Gauge
	scanning           prometheus.Gauge
	fetchedMetadata    prometheus.Gauge
	requestedMetadata  prometheus.Gauge
	fetchedContent     prometheus.Gauge
	requestedContent   prometheus.Gauge
	bytesTransferred   prometheus.Gauge
	scannedMetadata    prometheus.Gauge
	deltaPartsFetched  prometheus.Gauge
	deltaPartsTotal    prometheus.Gauge
	importedLocal      prometheus.Gauge
	caughtError        prometheus.Gauge
}

// NewPrometheus registers every gauge against reg via promauto, exactly as
// the teacher's metrics constructors do against the default registry; pass
// a fresh prometheus.NewRegistry() in tests to avoid cross-test collisions.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	factory := promauto.With(reg)
	gauge := func(name, help string) prometheus.Gauge {
		return factory.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help})
	}
	return &Prometheus{
		outstandingFetches: gauge("outstanding_fetches", "number of fetches currently in flight"),
		outstandingWrites:  gauge("outstanding_writes", "number of local writes currently in flight"),
		scanning:           gauge("scanning", "1 while the scan queue has pending work"),
		fetchedMetadata:    gauge("fetched_metadata_objects", "metadata objects fetched so far"),
		requestedMetadata:  gauge("requested_metadata_objects", "metadata objects requested so far"),
		fetchedContent:     gauge("fetched_content_objects", "content objects fetched so far"),
		requestedContent:   gauge("requested_content_objects", "content objects requested so far"),
		bytesTransferred:   gauge("bytes_transferred", "bytes transferred so far"),
		scannedMetadata:    gauge("scanned_metadata_objects", "metadata objects scanned so far"),
		deltaPartsFetched:  gauge("delta_parts_fetched", "static delta parts fetched so far"),
		deltaPartsTotal:    gauge("delta_parts_total", "static delta parts selected for this pull"),
		importedLocal:      gauge("imported_from_localcache", "objects imported from a localcache repo instead of fetched"),
		caughtError:        gauge("caught_error", "1 once a fatal error has latched"),
	}
}

// Observe implements repo.ProgressObserver.
func (p *Prometheus) Observe(snapshot repo.Snapshot) {
	p.outstandingFetches.Set(float64(snapshot.OutstandingFetches))
	p.outstandingWrites.Set(float64(snapshot.OutstandingWrites))
	p.scanning.Set(boolToFloat(snapshot.Scanning))
	p.fetchedMetadata.Set(float64(snapshot.FetchedMetadata))
	p.requestedMetadata.Set(float64(snapshot.RequestedMetadata))
	p.fetchedContent.Set(float64(snapshot.FetchedContent))
	p.requestedContent.Set(float64(snapshot.RequestedContent))
	p.bytesTransferred.Set(float64(snapshot.BytesTransferred))
	p.scannedMetadata.Set(float64(snapshot.ScannedMetadata))
	p.deltaPartsFetched.Set(float64(snapshot.DeltaPartsFetched))
	p.deltaPartsTotal.Set(float64(snapshot.DeltaPartsTotal))
	p.importedLocal.Set(float64(snapshot.ImportedFromLocalcache))
	p.caughtError.Set(boolToFloat(snapshot.CaughtError))
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

var _ repo.ProgressObserver = (*Prometheus)(nil)
