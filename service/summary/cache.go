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

// Package summary implements the C3 summary cache: load/validate/store of
// a remote's `summary` and `summary.sig` with ETag/mtime reuse (§4.3).
package summary

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/arbortree/pull/models/repo"
)

// validators is the cache-validator sidecar persisted next to a cached
// file. The pack carries no xattr library (§4.3 names "extended
// attributes" as the wire concept, not a mandated syscall), so validators
// are kept in a small JSON sidecar instead of real xattrs — functionally
// equivalent for this single-process cache and fully portable.
type validators struct {
	ETag         string `json:"etag"`
	LastModified int64  `json:"last_modified"`
}

// Cache is the C3 summary cache for one remote. dir is the local cache
// directory (§6: "<repo>/cache/summaries/<remote>").
type Cache struct {
	log     zerolog.Logger
	fs      afero.Fs
	dir     string
	fetcher repo.Fetcher
	signer  repo.SignatureVerifier // nil disables signature verification
}

// New builds a summary cache rooted at dir.
func New(log zerolog.Logger, fs afero.Fs, dir string, fetcher repo.Fetcher, signer repo.SignatureVerifier) *Cache {
	return &Cache{
		log:     log.With().Str("component", "summary").Logger(),
		fs:      fs,
		dir:     dir,
		fetcher: fetcher,
		signer:  signer,
	}
}

// Result is what Load returns on success: the parsed summary and whether
// signature verification ran and passed.
type Result struct {
	Summary  repo.Summary
	Verified bool
}

// Load runs the §4.3 algorithm: reuse cached summary/summary.sig when cache
// validators indicate the remote copy is unchanged; otherwise fetch fresh
// copies, re-fetching summary without validators once if signature
// verification against a cached copy fails.
func (c *Cache) Load(ctx context.Context, mirrors []string, keyringRef string, gpgVerify bool) (Result, error) {
	sigVal := c.loadValidators("summary.sig")
	sigData, sigResult, err := c.fetcher.FetchToMemory(ctx, mirrors, "summary.sig", repo.OptionalContent, sigVal.ETag, sigVal.LastModified, 0)
	if err != nil {
		return Result{}, repo.Wrap(repo.KindFatal, "summary.sig", err)
	}

	var sigFromCache bool
	switch {
	case sigResult.NotModified:
		sigData = c.loadBytes("summary.sig")
		sigFromCache = true
	case !sigResult.Absent:
		cached := c.loadBytes("summary.sig")
		if cached != nil && string(cached) == string(sigData) {
			sigFromCache = true
		} else {
			sigVal = validators{ETag: sigResult.ETag, LastModified: sigResult.LastModified}
		}
	}

	sumVal := c.loadValidators("summary")
	var sumData []byte
	var sumFromCache bool
	if sigFromCache {
		sumData = c.loadBytes("summary")
		sumFromCache = sumData != nil
	}
	if sumData == nil {
		data, result, ferr := c.fetcher.FetchToMemory(ctx, mirrors, "summary", 0, sumVal.ETag, sumVal.LastModified, 0)
		if ferr != nil {
			return Result{}, repo.Wrap(repo.KindFatal, "summary", ferr)
		}
		if result.NotModified {
			sumData = c.loadBytes("summary")
			sumFromCache = true
		} else {
			sumData = data
			sumFromCache = false
			sumVal = validators{ETag: result.ETag, LastModified: result.LastModified}
		}
	}

	verified := false
	if gpgVerify && c.signer != nil && len(sigData) > 0 {
		verr := c.signer.Verify(keyringRef, sumData, [][]byte{sigData})
		if verr != nil && sumFromCache {
			data, result, ferr := c.fetcher.FetchToMemory(ctx, mirrors, "summary", 0, "", 0, 0)
			if ferr != nil {
				return Result{}, repo.Wrap(repo.KindFatal, "summary", ferr)
			}
			sumData = data
			sumVal = validators{ETag: result.ETag, LastModified: result.LastModified}
			verr = c.signer.Verify(keyringRef, sumData, [][]byte{sigData})
		}
		if verr != nil {
			return Result{}, repo.Wrap(repo.KindVerification, "summary signature", verr)
		}
		verified = true
	}

	var sum repo.Summary
	if err := repo.Unmarshal(sumData, &sum); err != nil {
		return Result{}, repo.Wrap(repo.KindVerification, "summary", fmt.Errorf("could not decode summary: %w", err))
	}
	sum.Sort()

	c.writeBack("summary", sumData, sumVal)
	c.writeBack("summary.sig", sigData, sigVal)

	return Result{Summary: sum, Verified: verified}, nil
}

func (c *Cache) path(name string) string {
	return filepath.Join(c.dir, name)
}

func (c *Cache) loadBytes(name string) []byte {
	data, err := afero.ReadFile(c.fs, c.path(name))
	if err != nil {
		return nil
	}
	return data
}

func (c *Cache) loadValidators(name string) validators {
	data, err := afero.ReadFile(c.fs, c.path(name)+".validators")
	if err != nil {
		return validators{}
	}
	var v validators
	if err := json.Unmarshal(data, &v); err != nil {
		return validators{}
	}
	return v
}

// writeBack persists data and its validators; failures are non-fatal (§4.3
// point 6: "best-effort, non-fatal on permission denied").
func (c *Cache) writeBack(name string, data []byte, val validators) {
	if data == nil {
		return
	}
	if err := c.fs.MkdirAll(c.dir, 0o755); err != nil {
		c.log.Debug().Err(err).Msg("could not create summary cache directory")
		return
	}
	if err := afero.WriteFile(c.fs, c.path(name), data, 0o644); err != nil {
		c.log.Debug().Err(err).Str("file", name).Msg("could not write back summary cache file")
		return
	}
	if blob, err := json.Marshal(val); err == nil {
		if err := afero.WriteFile(c.fs, c.path(name)+".validators", blob, 0o644); err != nil {
			c.log.Debug().Err(err).Str("file", name).Msg("could not write back summary cache validators")
		}
	}
}
