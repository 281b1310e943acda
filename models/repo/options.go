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

import "time"

// Flags is the bitset of caller-facing flags from §6.
type Flags uint32

const (
	FlagMirror Flags = 1 << iota
	FlagCommitOnly
	FlagUntrusted
	FlagBareuseronlyFiles
	FlagMetadataOnly
	FlagTrustedHTTP
)

func (f Flags) Has(flag Flags) bool { return f&flag != 0 }

// RefOverride pairs a collection+ref with an optional exact commit to use
// instead of resolving the ref (override-commit-ids, collection-refs).
type RefOverride struct {
	Collection string
	Ref        string
	Commit     Checksum // zero value means "resolve normally"
}

// HTTPHeader is one entry of the http-headers option.
type HTTPHeader struct {
	Key   string
	Value string
}

// KeyringMapping lets a (collection, ref) resolve signatures against a
// keyring associated with a different configured remote.
type KeyringMapping struct {
	Collection     string
	Ref            string
	KeyringRemote  string
}

// Options holds every caller-facing configuration field from §6. Fields tagged
// with `validate` are checked by go-playground/validator at the start of
// every Engine.Pull call (§7 kind 7, Misconfiguration).
type Options struct {
	Refs                     []string          `validate:"dive,required"`
	CollectionRefs           []RefOverride
	Flags                    Flags
	Subdir                   string
	Subdirs                  []string
	OverrideRemoteName       string
	GPGVerify                bool
	GPGVerifySummary         bool
	DisableSignVerify        bool
	DisableSignVerifySummary bool
	Depth                    int `validate:"gte=-1"`
	DisableStaticDeltas      bool
	RequireStaticDeltas      bool
	OverrideCommitIDs        []Checksum
	TimestampCheck           bool
	TimestampCheckFromRev    string
	MaxMetadataSize          uint64 `validate:"omitempty,gt=0"`
	DryRun                   bool
	OverrideURL              string
	InheritTransaction       bool
	HTTPHeaders              []HTTPHeader
	UpdateFrequency          time.Duration
	LocalcacheRepos          []string
	AppendUserAgent          string
	NNetworkRetries          uint `validate:"gte=0"`
	RefKeyringMap            []KeyringMapping
	SummaryBytes             []byte
	SummarySigBytes          []byte
	DisableVerifyBindings    bool
	PerObjectFsync           bool
}

// DefaultMaxMetadataSize is the 10 MiB cap mentioned in §5.
const DefaultMaxMetadataSize = 10 << 20

// DefaultNetworkRetries is the default retry ceiling for transient fetch
// failures (§4.1).
const DefaultNetworkRetries = 5

// DefaultDepth means "no history walk beyond the named commit".
const DefaultDepth = 0

// InfiniteDepth means "walk the entire parent chain".
const InfiniteDepth = -1

// DefaultOptions returns an Options with every optional field at its
// documented default.
func DefaultOptions() Options {
	return Options{
		MaxMetadataSize:  DefaultMaxMetadataSize,
		NNetworkRetries:  DefaultNetworkRetries,
		Depth:            DefaultDepth,
		UpdateFrequency:  time.Second,
	}
}

// Validate cross-checks fields that a struct-tag validator cannot express on
// its own (mutually exclusive options, §7 kind 7).
func (o Options) Validate() error {
	if o.RequireStaticDeltas && o.DisableStaticDeltas {
		return Wrap(KindMisconfiguration, "options", errMutuallyExclusive("require-static-deltas", "disable-static-deltas"))
	}
	if (len(o.SummaryBytes) == 0) != (len(o.SummarySigBytes) == 0) {
		return Wrap(KindMisconfiguration, "options", errMutuallyExclusive("summary-bytes", "summary-sig-bytes (must be both-or-neither)"))
	}
	if len(o.CollectionRefs) == 0 && len(o.Refs) == 0 {
		return Wrap(KindMisconfiguration, "options", errNoRefsRequested())
	}
	return nil
}

// TransactionStats is returned on successful completion (§6 exit conditions).
type TransactionStats struct {
	MetadataObjectsWritten int
	ContentObjectsWritten  int
	ContentBytesWritten    int64
}
