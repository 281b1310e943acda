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

package resolve_test

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
	"github.com/arbortree/pull/models/repo/repotest"
	"github.com/arbortree/pull/service/resolve"
	"github.com/arbortree/pull/service/transport"
)

func TestResolveOverrideWins(t *testing.T) {
	r := resolve.New(transport.New(repotest.NoopLogger, afero.NewMemMapFs(), nil))

	want := repotest.GenericChecksum(1)
	got, err := r.Resolve(context.Background(), nil, repotest.GenericRef, want, nil)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestResolveFromSummary(t *testing.T) {
	r := resolve.New(transport.New(repotest.NoopLogger, afero.NewMemMapFs(), nil))

	want := repotest.GenericChecksum(2)
	sum := &repo.Summary{Refs: []repo.RefEntry{{Name: "main", Commit: want}}}
	sum.Sort()

	got, err := r.Resolve(context.Background(), nil, repo.Ref{Name: "main"}, repo.Checksum{}, sum)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestResolveFromSummaryUnknownRef(t *testing.T) {
	r := resolve.New(transport.New(repotest.NoopLogger, afero.NewMemMapFs(), nil))

	sum := &repo.Summary{}
	_, err := r.Resolve(context.Background(), nil, repo.Ref{Name: "missing"}, repo.Checksum{}, sum)
	assert.Error(t, err)
}

func TestResolveDirectFetchNoSummary(t *testing.T) {
	want := repotest.GenericChecksum(3)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/refs/heads/main", r.URL.Path)
		_, _ = w.Write([]byte(want.String() + "\n"))
	}))
	defer srv.Close()

	r := resolve.New(transport.New(repotest.NoopLogger, afero.NewMemMapFs(), nil))

	got, err := r.Resolve(context.Background(), []string{srv.URL}, repo.Ref{Name: "main"}, repo.Checksum{}, nil)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestResolveDirectFetchCollection(t *testing.T) {
	want := repotest.GenericChecksum(4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/refs/mirrors/org.example.Repo/main", r.URL.Path)
		_, _ = w.Write([]byte(want.String()))
	}))
	defer srv.Close()

	r := resolve.New(transport.New(repotest.NoopLogger, afero.NewMemMapFs(), nil))

	got, err := r.Resolve(context.Background(), []string{srv.URL}, repo.Ref{Collection: "org.example.Repo", Name: "main"}, repo.Checksum{}, nil)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}
