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

package scheduler

import (
	"sync"

	"github.com/OneOfOne/xxhash"

	"github.com/arbortree/pull/models/repo"
)

const dedupShards = 32

// RequestSet is the `requested_metadata`/`requested_content` de-dup table of
// §3: "every entry in a requested_* or pending_* table owns its key". It is
// striped across shards keyed by a cheap xxhash of the checksum so adding a
// request under heavy fan-out does not serialize on one global lock or do a
// 32-byte comparison against every existing entry.
type RequestSet struct {
	shards [dedupShards]struct {
		mu   sync.Mutex
		seen map[repo.Checksum]struct{}
	}
}

// NewRequestSet returns an empty de-dup table.
func NewRequestSet() *RequestSet {
	s := &RequestSet{}
	for i := range s.shards {
		s.shards[i].seen = make(map[repo.Checksum]struct{})
	}
	return s
}

func shardFor(c repo.Checksum) int {
	return int(xxhash.Checksum64(c[:]) % dedupShards)
}

// AddIfAbsent records checksum as requested and reports whether it was
// newly added (false means it was already present, so the caller must not
// issue a duplicate fetch).
func (s *RequestSet) AddIfAbsent(c repo.Checksum) bool {
	shard := &s.shards[shardFor(c)]
	shard.mu.Lock()
	defer shard.mu.Unlock()
	if _, ok := shard.seen[c]; ok {
		return false
	}
	shard.seen[c] = struct{}{}
	return true
}

// Remove clears a checksum once it is no longer in flight (freeing memory
// across a long-running pull with a deep `depth`).
func (s *RequestSet) Remove(c repo.Checksum) {
	shard := &s.shards[shardFor(c)]
	shard.mu.Lock()
	defer shard.mu.Unlock()
	delete(shard.seen, c)
}

// Has reports whether checksum is currently tracked as requested.
func (s *RequestSet) Has(c repo.Checksum) bool {
	shard := &s.shards[shardFor(c)]
	shard.mu.Lock()
	defer shard.mu.Unlock()
	_, ok := shard.seen[c]
	return ok
}
