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

// Package resolve implements the C4 ref resolver: mapping a (collection-id,
// ref) pair to a commit checksum (§4.4).
package resolve

import (
	"context"
	"fmt"
	"strings"

	"github.com/arbortree/pull/models/repo"
)

// Resolver resolves refs against an optional summary, falling back to a
// direct fetch of the ref's wire path when no summary is available.
type Resolver struct {
	fetcher repo.Fetcher
}

// New builds a Resolver.
func New(fetcher repo.Fetcher) *Resolver {
	return &Resolver{fetcher: fetcher}
}

// Resolve returns the commit checksum for ref. override, when non-zero,
// wins unconditionally (§4.4: "caller supplied an override commit id").
// summary may be nil when none was loaded.
func (r *Resolver) Resolve(ctx context.Context, mirrors []string, ref repo.Ref, override repo.Checksum, sum *repo.Summary) (repo.Checksum, error) {
	if !override.IsZero() {
		return override, nil
	}

	if sum != nil {
		entry, ok := sum.Lookup(ref.Name)
		if !ok {
			return repo.Checksum{}, repo.Wrap(repo.KindVerification, ref.String(), fmt.Errorf("unknown ref in summary"))
		}
		return entry.Commit, nil
	}

	data, _, err := r.fetcher.FetchToMemory(ctx, mirrors, ref.Path(), 0, "", 0, 256)
	if err != nil {
		return repo.Checksum{}, repo.Wrap(repo.KindFatal, ref.Path(), err)
	}

	text := strings.TrimSpace(string(data))
	checksum, err := repo.ParseChecksum(text)
	if err != nil {
		return repo.Checksum{}, repo.Wrap(repo.KindVerification, ref.Path(), fmt.Errorf("not a valid checksum (%q): %w", text, err))
	}
	return checksum, nil
}
