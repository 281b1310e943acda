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

// Package progress implements the C10 progress reporter: a named-field
// snapshot (§4.10) emitted at a configurable cadence to any number of
// subscribed repo.ProgressObserver implementations.
package progress

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/arbortree/pull/models/repo"
)

// Reporter owns the live counters mutated from the scheduler thread and
// periodically snapshots them to its observers.
type Reporter struct {
	mu    sync.Mutex
	state repo.Snapshot
	start time.Time

	observers []repo.ProgressObserver
}

// New builds a Reporter with no observers attached yet.
func New() *Reporter {
	return &Reporter{start: time.Now()}
}

// Subscribe registers an observer to receive a Snapshot every tick.
func (r *Reporter) Subscribe(observer repo.ProgressObserver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, observer)
}

// SetScanning flips the "currently scanning" flag.
func (r *Reporter) SetScanning(scanning bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.Scanning = scanning
}

// SetOutstanding records the current scheduler in-flight counts.
func (r *Reporter) SetOutstanding(fetches, writes int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.OutstandingFetches = fetches
	r.state.OutstandingWrites = writes
}

// AddFetchedMetadata increments the fetched-metadata-object count.
func (r *Reporter) AddFetchedMetadata(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.FetchedMetadata += n
}

// AddRequestedMetadata increments the requested-metadata-object count.
func (r *Reporter) AddRequestedMetadata(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.RequestedMetadata += n
}

// AddFetchedContent increments the fetched-content-object count and the
// bytes-transferred total.
func (r *Reporter) AddFetchedContent(n int, bytes int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.FetchedContent += n
	r.state.BytesTransferred += bytes
}

// AddRequestedContent increments the requested-content-object count.
func (r *Reporter) AddRequestedContent(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.RequestedContent += n
}

// AddScannedMetadata increments the scanned-metadata-object count.
func (r *Reporter) AddScannedMetadata(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.ScannedMetadata += n
}

// SetDeltaProgress records delta-part fetch progress.
func (r *Reporter) SetDeltaProgress(fetched, total int, bytesFetched, bytesTotal, bytesRaw int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.DeltaPartsFetched = fetched
	r.state.DeltaPartsTotal = total
	r.state.DeltaBytesFetched = bytesFetched
	r.state.DeltaBytesTotal = bytesTotal
	r.state.DeltaBytesRaw = bytesRaw
}

// AddImportedFromLocalcache increments the localcache-import count.
func (r *Reporter) AddImportedFromLocalcache(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.ImportedFromLocalcache += n
}

// SetCaughtError flips the caught-error flag (§3 caught_error, surfaced to
// observers so a CLI can distinguish "still running" from "failing").
func (r *Reporter) SetCaughtError(caught bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.CaughtError = caught
}

func (r *Reporter) snapshot(status string) repo.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.state
	s.Time = time.Now()
	s.Status = status
	return s
}

func (r *Reporter) runningStatus() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fmt.Sprintf("%d/%d metadata, %d/%d content objects fetched",
		r.state.FetchedMetadata, r.state.RequestedMetadata,
		r.state.FetchedContent, r.state.RequestedContent)
}

// finalStatus is the "switches to a summary once the loop exits" string of
// §4.10.
func (r *Reporter) finalStatus() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	elapsed := time.Since(r.start)
	return fmt.Sprintf("%d metadata, %d content objects fetched; %d bytes in %s",
		r.state.FetchedMetadata, r.state.FetchedContent, r.state.BytesTransferred, elapsed.Round(time.Millisecond))
}

func (r *Reporter) notify(snapshot repo.Snapshot) {
	r.mu.Lock()
	observers := make([]repo.ProgressObserver, len(r.observers))
	copy(observers, r.observers)
	r.mu.Unlock()

	for _, o := range observers {
		o.Observe(snapshot)
	}
}

// Run ticks every cadence, calling every observer with a fresh snapshot,
// until ctx is done, at which point it emits one final snapshot carrying
// the summary status string and returns. cadence of zero means "report
// only the final snapshot" (§4.10 "zero for dry-run").
func (r *Reporter) Run(ctx context.Context, cadence time.Duration) {
	if cadence <= 0 {
		<-ctx.Done()
		r.notify(r.snapshot(r.finalStatus()))
		return
	}

	ticker := time.NewTicker(cadence)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.notify(r.snapshot(r.runningStatus()))
		case <-ctx.Done():
			r.notify(r.snapshot(r.finalStatus()))
			return
		}
	}
}
