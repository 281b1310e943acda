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

// Package txn implements the C9 transaction driver: prepare/commit/abort
// around the ref advancement that ends a successful pull (§4.9).
package txn

import (
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/arbortree/pull/models/repo"
)

const legacyMarkerPath = "transaction"

// Driver owns the store's writer lock for the lifetime of one pull and
// drives the prepare/commit/abort sequence of §4.9. One Driver is built per
// repository; concurrent pulls against the same Driver serialize on
// Prepare, which is the Go-native stand-in for the source's file-level
// writer lock (the object store itself has no such primitive in
// repo.Store, so this module is where that exclusion actually lives).
type Driver struct {
	log  zerolog.Logger
	fs   afero.Fs
	root string
	store repo.Store

	mu sync.Mutex
}

// New builds a Driver rooted at root (the repository's on-disk root, used
// only for the legacy-transaction marker and mirror-mode summary copies;
// object and ref storage itself goes through store).
func New(log zerolog.Logger, fs afero.Fs, root string, store repo.Store) *Driver {
	return &Driver{log: log.With().Str("component", "txn").Logger(), fs: fs, root: root, store: store}
}

// Transaction is the in-progress state between Prepare and Commit/Abort.
type Transaction struct {
	driver       *Driver
	legacyMarker bool
	refsChanged  int
}

// Prepare acquires the writer lock and records whether a pre-existing
// legacy-transaction marker is present, so downstream tooling written
// against the original on-disk layout can still recognize an interrupted
// transaction left over from a previous implementation.
func (d *Driver) Prepare() (*Transaction, error) {
	d.mu.Lock()

	present, err := afero.Exists(d.fs, d.path(legacyMarkerPath))
	if err != nil {
		d.mu.Unlock()
		return nil, repo.Wrap(repo.KindResource, "transaction prepare", err)
	}

	return &Transaction{driver: d, legacyMarker: present}, nil
}

// LegacyMarkerPresent reports whether prepare() found a leftover legacy
// transaction marker.
func (tx *Transaction) LegacyMarkerPresent() bool {
	return tx.legacyMarker
}

// AdvanceRefs applies §4.9's "read current, write only if different" rule
// for every resolved ref, counting how many refs actually changed (the count
// is logged by Commit). Called only after the scheduler has drained with no
// error.
func (tx *Transaction) AdvanceRefs(remote string, targets map[repo.Ref]repo.Checksum) error {
	for ref, target := range targets {
		current, found, err := tx.driver.store.ReadRef(remote, ref)
		if err != nil {
			return repo.Wrap(repo.KindResource, fmt.Sprintf("reading ref %s", ref), err)
		}
		if found && current == target {
			continue
		}
		if err := tx.driver.store.WriteRef(remote, ref, target); err != nil {
			return repo.Wrap(repo.KindResource, fmt.Sprintf("writing ref %s", ref), err)
		}
		tx.refsChanged++
	}
	return nil
}

// MirrorSummary copies a freshly-fetched summary/summary.sig pair into the
// repository root (§4.9, mirror-mode pulls only), fsyncing each file when
// fsync is requested (the per-object-fsync option, per §9: applied
// regardless of inherit-transaction).
func (tx *Transaction) MirrorSummary(summary, sig []byte, fsync bool) error {
	if err := tx.writeFile("summary", summary, fsync); err != nil {
		return err
	}
	if err := tx.writeFile("summary.sig", sig, fsync); err != nil {
		return err
	}
	return nil
}

func (tx *Transaction) writeFile(name string, data []byte, fsync bool) error {
	path := tx.driver.path(name)
	f, err := tx.driver.fs.Create(path)
	if err != nil {
		return repo.Wrap(repo.KindResource, "mirroring "+name, err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return repo.Wrap(repo.KindResource, "mirroring "+name, err)
	}
	if fsync {
		if err := f.Sync(); err != nil {
			return repo.Wrap(repo.KindResource, "fsyncing "+name, err)
		}
	}
	return nil
}

// Commit clears the commitpartial marker for every commit the caller
// reports as fully pulled, then releases the writer lock and returns the
// transaction's aggregate stats.
func (tx *Transaction) Commit(stats repo.TransactionStats, fullyPulled []repo.Checksum) (repo.TransactionStats, error) {
	defer tx.driver.mu.Unlock()

	var errs error
	for _, commit := range fullyPulled {
		if err := tx.driver.store.ClearPartial(commit); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("clearing commitpartial marker for %s: %w", commit, err))
		}
	}
	if errs != nil {
		return stats, repo.Wrap(repo.KindResource, "transaction commit", errs)
	}

	tx.driver.log.Info().Int("refs_changed", tx.refsChanged).
		Int("metadata_objects", stats.MetadataObjectsWritten).
		Int("content_objects", stats.ContentObjectsWritten).
		Int64("content_bytes", stats.ContentBytesWritten).
		Msg("transaction committed")

	return stats, nil
}

// Abort logs cause and releases the writer lock. It does not restore refs
// already written by AdvanceRefs or summary files already written by
// MirrorSummary. Fetched objects are deliberately left in place: they are the
// resumption cache for a future pull, and any commit left with a
// commitpartial marker will be re-scanned next time (§4.9).
func (tx *Transaction) Abort(cause error) error {
	defer tx.driver.mu.Unlock()
	tx.driver.log.Warn().Err(cause).Msg("transaction aborted, objects retained for resumption")
	return cause
}

func (d *Driver) path(name string) string {
	if d.root == "" {
		return name
	}
	return d.root + "/" + name
}
