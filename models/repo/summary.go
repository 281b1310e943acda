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

import "sort"

// RefEntry is one row of a Summary's ref index.
type RefEntry struct {
	Name   string   `cbor:"1,keyasint"`
	Size   int64    `cbor:"2,keyasint"` // advisory commit size
	Commit Checksum `cbor:"3,keyasint"`
}

// DeltaEntry advertises a precomputed static delta ending at To.
type DeltaEntry struct {
	From Checksum `cbor:"1,keyasint"` // zero value means a scratch delta
	To   Checksum `cbor:"2,keyasint"`
}

// Summary is a signed index of refs and advertised deltas published by a
// remote (§3). Refs is kept sorted by Name so Ref resolution (C4) can binary
// search it.
type Summary struct {
	CollectionID   string       `cbor:"1,keyasint"`
	CollectionMap  []string     `cbor:"2,keyasint"`
	Refs           []RefEntry   `cbor:"3,keyasint"`
	Deltas         []DeltaEntry `cbor:"4,keyasint"`
	IndexedDeltas  bool         `cbor:"5,keyasint"`
	TombstoneComm  bool         `cbor:"6,keyasint"`
	Mode           uint32       `cbor:"7,keyasint"`
	LastModified   int64        `cbor:"8,keyasint"`
}

// Sort orders Refs by Name so Lookup can binary search.
func (s *Summary) Sort() {
	sort.Slice(s.Refs, func(i, j int) bool { return s.Refs[i].Name < s.Refs[j].Name })
}

// Lookup binary searches Refs for name. Refs must already be sorted (see
// Sort); the summary cache sorts on load.
func (s *Summary) Lookup(name string) (RefEntry, bool) {
	i := sort.Search(len(s.Refs), func(i int) bool { return s.Refs[i].Name >= name })
	if i < len(s.Refs) && s.Refs[i].Name == name {
		return s.Refs[i], true
	}
	return RefEntry{}, false
}

// DeltasTo returns every advertised delta ending at to.
func (s *Summary) DeltasTo(to Checksum) []DeltaEntry {
	var out []DeltaEntry
	for _, d := range s.Deltas {
		if d.To == to {
			out = append(out, d)
		}
	}
	return out
}
