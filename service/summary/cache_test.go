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

package summary_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbortree/pull/models/repo"
	"github.com/arbortree/pull/service/summary"
	"github.com/arbortree/pull/service/transport"
)

func encodeSummary(t *testing.T, s repo.Summary) []byte {
	t.Helper()
	data, err := repo.Marshal(&s)
	require.NoError(t, err)
	return data
}

func TestCacheLoadFreshNoSignature(t *testing.T) {
	want := repo.Summary{
		CollectionID: "org.example.Repo",
		Refs:         []repo.RefEntry{{Name: "main", Commit: repo.ChecksumOf([]byte("a"))}},
	}
	body := encodeSummary(t, want)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/summary":
			_, _ = w.Write(body)
		case "/summary.sig":
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	fs := afero.NewMemMapFs()
	fetcher := transport.New(zerolog.Nop(), fs, nil)
	cache := summary.New(zerolog.Nop(), fs, "/cache/origin", fetcher, nil)

	result, err := cache.Load(context.Background(), []string{srv.URL}, "origin", false)
	require.NoError(t, err)
	assert.False(t, result.Verified)
	ref, ok := result.Summary.Lookup("main")
	require.True(t, ok)
	assert.Equal(t, want.Refs[0].Commit, ref.Commit)

	cached, err := afero.ReadFile(fs, "/cache/origin/summary")
	require.NoError(t, err)
	assert.Equal(t, body, cached)
}

func TestCacheLoadNotModifiedReusesCache(t *testing.T) {
	want := repo.Summary{CollectionID: "org.example.Repo"}
	body := encodeSummary(t, want)

	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/summary":
			calls++
			if r.Header.Get("If-None-Match") == `"v1"` {
				w.WriteHeader(http.StatusNotModified)
				return
			}
			w.Header().Set("ETag", `"v1"`)
			_, _ = w.Write(body)
		case "/summary.sig":
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	fs := afero.NewMemMapFs()
	fetcher := transport.New(zerolog.Nop(), fs, nil)
	cache := summary.New(zerolog.Nop(), fs, "/cache/origin", fetcher, nil)

	_, err := cache.Load(context.Background(), []string{srv.URL}, "origin", false)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	result, err := cache.Load(context.Background(), []string{srv.URL}, "origin", false)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, want.CollectionID, result.Summary.CollectionID)
}
