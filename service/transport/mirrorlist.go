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

package transport

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/arbortree/pull/models/repo"
)

const mirrorlistPrefix = "mirrorlist="

// Resolve turns a configured remote URL into an ordered list of base URIs
// (§4.2). A bare URL resolves to itself. A "mirrorlist=<url>" is fetched and
// parsed one entry per line, blank lines and "#" comments are skipped, and
// non-http(s) entries are discarded. The first surviving entry is probed by
// requesting its "config" file; the probe must succeed or the whole
// resolution fails. Later entries are accepted unprobed to bound setup
// latency.
func Resolve(ctx context.Context, fetcher repo.Fetcher, remoteURL string) ([]string, error) {
	if !strings.HasPrefix(remoteURL, mirrorlistPrefix) {
		return []string{remoteURL}, nil
	}

	listURL := strings.TrimPrefix(remoteURL, mirrorlistPrefix)
	data, _, err := fetcher.FetchToMemory(ctx, []string{listURL}, "", 0, "", 0, 0)
	if err != nil {
		return nil, repo.Wrap(repo.KindFatal, listURL, fmt.Errorf("could not fetch mirrorlist: %w", err))
	}

	var mirrors []string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if !strings.HasPrefix(line, "http://") && !strings.HasPrefix(line, "https://") {
			continue
		}
		mirrors = append(mirrors, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, repo.Wrap(repo.KindFatal, listURL, fmt.Errorf("could not parse mirrorlist: %w", err))
	}
	if len(mirrors) == 0 {
		return nil, repo.Wrap(repo.KindFatal, listURL, fmt.Errorf("mirrorlist is empty after filtering"))
	}

	_, _, err = fetcher.FetchToMemory(ctx, mirrors[:1], "config", 0, "", 0, 0)
	if err != nil {
		return nil, repo.Wrap(repo.KindFatal, mirrors[0], fmt.Errorf("mirrorlist probe of first entry failed: %w", err))
	}

	return mirrors, nil
}
