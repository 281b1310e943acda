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

package repo

import (
	"context"
	"io"
)

// FetchFlags modify how the Fetcher treats a single request (§4.1).
type FetchFlags uint8

const (
	OptionalContent FetchFlags = 1 << iota
	NulTermination
	Linkable
)

// FetchResult is returned by the Fetcher façade on success.
type FetchResult struct {
	ETag        string
	LastModified int64
	NotModified bool
	Absent      bool // true when OptionalContent was set and the remote returned 404
}

// Fetcher is the C1 collaborator: "download URL to temporary file or memory
// buffer, optionally with If-None-Match / If-Modified-Since, retrying
// transient failures" (§4.1). It is deliberately out of the core's scope in
// the sense that the core only calls it through this interface.
type Fetcher interface {
	// FetchToFile downloads path (resolved against the given mirror list) to
	// a writer, honoring etag/mtime validators and maxSize (§4.1).
	FetchToFile(ctx context.Context, mirrors []string, path string, flags FetchFlags, etagIn string, mtimeIn int64, maxSize int64, dst io.Writer) (FetchResult, error)

	// FetchToMemory downloads path into memory and returns the bytes.
	FetchToMemory(ctx context.Context, mirrors []string, path string, flags FetchFlags, etagIn string, mtimeIn int64, maxSize int64) ([]byte, FetchResult, error)
}

// Store is the object-store collaborator (§1): open/has/load/write of
// individual objects by checksum, plus the commitpartial bookkeeping and
// local ref table (§3, §6).
type Store interface {
	Has(checksum Checksum, kind Kind) (bool, error)
	Load(checksum Checksum, kind Kind) ([]byte, error)
	Write(checksum Checksum, kind Kind, data []byte) error

	MarkPartial(commit Checksum) error
	ClearPartial(commit Checksum) error
	IsPartial(commit Checksum) (bool, error)

	ReadRef(remote string, ref Ref) (Checksum, bool, error)
	WriteRef(remote string, ref Ref, commit Checksum) error
}

// SignatureVerifier is the GPG/ed25519 signature verifier collaborator
// (§1, §4.8). keyringRef identifies which keyring to check against (a
// collection-id or remote name, resolved by the caller via RefKeyringMap).
type SignatureVerifier interface {
	Verify(keyringRef string, data []byte, signatures [][]byte) error
}

// DeltaApplier is the static-delta application engine collaborator (§1): the
// core selects and fetches deltas but invokes this to materialize objects
// from a superblock's parts.
type DeltaApplier interface {
	// Apply executes the given parts against the local store, writing every
	// object the delta can synthesize, and returns the fallback objects it
	// could not (which the scheduler then fetches individually).
	Apply(sb *Superblock, parts [][]byte) ([]FallbackEntry, error)
}

// RemoteConfig is the remote-configuration-storage collaborator (§1): lookup
// of a configured remote's URL and verification defaults. Read-only from the
// engine's perspective.
type RemoteConfig interface {
	URL(remote string) (string, error)
	GPGVerify(remote string) (bool, error)
	TombstoneCommits(remote string) (bool, error)
	Keyring(remote string) (string, error)
}

// Importer copies an object from a locally-reachable secondary repository
// (a file:// remote, or a configured localcache repo) instead of fetching it
// over the network (§4.6 "remote_repo_local").
type Importer interface {
	Import(checksum Checksum, kind Kind) ([]byte, bool, error)
}

// ProgressObserver receives a snapshot each reporting tick (§4.10). Exposed
// as an interface so CLI, Prometheus, and test harnesses can all subscribe.
type ProgressObserver interface {
	Observe(snapshot Snapshot)
}
